package core

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/eid-services/eidlogin/internal/cron"
	"github.com/eid-services/eidlogin/internal/saml"
	"github.com/eid-services/eidlogin/internal/session"
	"github.com/eid-services/eidlogin/internal/settings"
	"github.com/eid-services/eidlogin/internal/storage"
)

// Server is the HTTP front of the application: the single eID dispatch
// endpoint plus the admin API.
type Server struct {
	cfg           *Config
	router        chi.Router
	httpServer    *http.Server
	orchestrator  *saml.Orchestrator
	sessions      *session.Manager
	settingsStore *settings.Store
	identities    *storage.IdentityStore
	scheduler     *cron.Scheduler
	certIssuer    CertIssuer
	toggler       saml.PasswordLoginToggler
}

// CertIssuer is the slice of the certificate manager the settings endpoint
// needs for first-time issuance.
type CertIssuer interface {
	IssueKeypair(validityDays int) (keyPEM, certPEM string, err error)
}

// NewServer assembles the router.
func NewServer(
	cfg *Config,
	orchestrator *saml.Orchestrator,
	sessions *session.Manager,
	settingsStore *settings.Store,
	identities *storage.IdentityStore,
	scheduler *cron.Scheduler,
	certIssuer CertIssuer,
	toggler saml.PasswordLoginToggler,
) *Server {
	s := &Server{
		cfg:           cfg,
		orchestrator:  orchestrator,
		sessions:      sessions,
		settingsStore: settingsStore,
		identities:    identities,
		scheduler:     scheduler,
		certIssuer:    certIssuer,
		toggler:       toggler,
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(Recovery)
	r.Use(SecurityHeaders)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)

	// the eID-Client and some IdPs use GET where browsers use POST
	r.Get("/auth/eid", s.dispatchEID)
	r.Post("/auth/eid", s.dispatchEID)

	r.Route("/api", func(r chi.Router) {
		r.Use(AdminToken(s.cfg.AdminToken))
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Post("/users/{userID}/unlink", s.handleUnlink)
	})

	return r
}

// dispatchEID routes the single eID endpoint by query key, in the fixed
// precedence order saml_acs, tctoken, resume, saml_register, saml_login,
// saml_metadata.
func (s *Server) dispatchEID(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	switch {
	case query.Has("saml_acs"):
		s.orchestrator.ACS(w, r)

	case query.Has("tctoken"):
		s.orchestrator.TCToken(w, r, query.Get("tctoken"))

	case query.Has("resume"):
		s.orchestrator.Resume(w, r, query.Get("resume"))

	case query.Has("saml_register"):
		// connecting an eID requires an authenticated account
		actingUserID, err := s.sessions.UserID(r)
		if err != nil || actingUserID == 0 {
			http.Redirect(w, r, s.cfg.LoginURL()+"?eidlogin_error=", http.StatusFound)
			return
		}
		s.orchestrator.Start(w, r, saml.FlowRegister, actingUserID)

	case query.Has("saml_login"):
		s.orchestrator.Start(w, r, saml.FlowLogin, 0)

	case query.Has("saml_metadata"):
		// administrators may fetch metadata before activation
		s.orchestrator.Metadata(w, r, !s.isAdminRequest(r))

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) isAdminRequest(r *http.Request) bool {
	return s.cfg.AdminToken != "" && r.Header.Get("Authorization") == "Bearer "+s.cfg.AdminToken
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
