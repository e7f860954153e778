package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eid-services/eidlogin/internal/certs"
	"github.com/eid-services/eidlogin/internal/core"
	"github.com/eid-services/eidlogin/internal/cron"
	"github.com/eid-services/eidlogin/internal/notify"
	"github.com/eid-services/eidlogin/internal/saml"
	"github.com/eid-services/eidlogin/internal/session"
	"github.com/eid-services/eidlogin/internal/settings"
	"github.com/eid-services/eidlogin/internal/storage"
)

func main() {
	cfg := core.LoadConfig()
	log.Printf("Starting eID login server (%s)", cfg.Environment)

	if cfg.SessionSecret == "" {
		log.Fatal("EIDLOGIN_SESSION_SECRET must be set")
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil || baseURL.Host == "" {
		log.Fatalf("EIDLOGIN_BASE_URL is not a valid URL: %q", cfg.BaseURL)
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	clock := clockwork.NewRealClock()

	settingsStore := settings.NewStore(db)
	continuations := storage.NewContinuationStore(db)
	responses := storage.NewResponseStore(db)
	identities := storage.NewIdentityStore(db)

	certManager := certs.NewManager(settingsStore, baseURL.Hostname(), clock)

	sessions := session.NewManager([]byte(cfg.SessionSecret), cfg.BaseURL, !cfg.IsDevelopment(), clock)

	endpoints := saml.Endpoints{
		BaseURL:      cfg.BaseURL,
		AuthPath:     "/auth/eid",
		LoginURL:     cfg.LoginURL(),
		ProfileURL:   cfg.ProfileURL(),
		DashboardURL: cfg.DashboardURL(),
	}
	orchestrator := saml.NewOrchestrator(endpoints, settingsStore, continuations, responses, identities, sessions, clock)

	var mailer notify.Mailer = notify.LogMailer{}
	if addr := os.Getenv("EIDLOGIN_SMTP_ADDR"); addr != "" {
		mailer = &notify.SMTPMailer{Addr: addr, From: os.Getenv("EIDLOGIN_SMTP_FROM")}
	}
	admins := core.AdminMailAddresses()
	notifier := notify.NewAdminNotifier(mailer, admins)

	scheduler := cron.NewScheduler(clock, certManager, continuations, responses, notifier)

	srv := core.NewServer(cfg, orchestrator, sessions, settingsStore, identities, scheduler, certManager, core.LogToggler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
