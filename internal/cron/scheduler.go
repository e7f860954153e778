package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eid-services/eidlogin/internal/certs"
	"github.com/eid-services/eidlogin/internal/notify"
	"github.com/eid-services/eidlogin/internal/saml"
	"github.com/eid-services/eidlogin/internal/storage"
)

const (
	// CleanupInterval drives the sweep of expired continuation and
	// response records. The cutoff equals the record expiration window.
	CleanupInterval = 300 * time.Second

	// PrepareSpan and ExecuteSpan are the remaining-validity thresholds
	// of the two rollover phases.
	PrepareSpan = 56 * 24 * time.Hour
	ExecuteSpan = 28 * 24 * time.Hour

	certInterval     = 24 * time.Hour
	certInitialDelay = 61 * time.Second
)

// Scheduler runs the periodic cleanup sweep and the certificate rollover
// job. The certificate job deactivates itself after a structural failure
// instead of retrying, leaving recovery to an administrator.
type Scheduler struct {
	clock         clockwork.Clock
	manager       *certs.Manager
	continuations *storage.FlowDataStore
	responses     *storage.FlowDataStore
	notifier      *notify.AdminNotifier

	certJobStopped atomic.Bool
}

// NewScheduler wires the periodic jobs to their collaborators.
func NewScheduler(
	clock clockwork.Clock,
	manager *certs.Manager,
	continuations, responses *storage.FlowDataStore,
	notifier *notify.AdminNotifier,
) *Scheduler {
	return &Scheduler{
		clock:         clock,
		manager:       manager,
		continuations: continuations,
		responses:     responses,
		notifier:      notifier,
	}
}

// Run blocks until the context is canceled, driving both jobs.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, CleanupInterval, CleanupInterval, s.cleanup)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, certInitialDelay, certInterval, s.certJob)
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, initialDelay, interval time.Duration, job func(context.Context)) {
	wait := initialDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
			job(ctx)
		}
		wait = interval
	}
}

// cleanup purges continuation and response records older than the
// expiration window.
func (s *Scheduler) cleanup(ctx context.Context) {
	cutoff := s.clock.Now().Add(-saml.ExpirationWindow)
	for name, store := range map[string]*storage.FlowDataStore{
		"continuation": s.continuations,
		"response":     s.responses,
	} {
		n, err := store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			log.Printf("Cron: %s cleanup failed: %v", name, err)
			continue
		}
		if n > 0 {
			log.Printf("Cron: purged %d expired %s records", n, name)
		}
	}
}

// certJob inspects the remaining validity of the active certificate set and
// triggers the rollover phase that is due. It only acts once active
// certificates exist, so an unconfigured deployment stays quiet.
func (s *Scheduler) certJob(ctx context.Context) {
	if s.certJobStopped.Load() {
		return
	}

	active, err := s.manager.HasActiveCertificates(ctx)
	if err != nil {
		log.Printf("Cron: certificate job: %v", err)
		return
	}
	if !active {
		return
	}

	_, notAfter, err := s.manager.ActiveValidityWindow(ctx)
	if err != nil {
		s.failStop("the active certificate could not be read", err)
		return
	}

	remaining := notAfter.Sub(s.clock.Now())
	switch {
	case remaining <= ExecuteSpan:
		if err := s.manager.ExecuteRollover(ctx); err != nil {
			s.failStop("the certificate rollover could not be executed", err)
			return
		}
		log.Printf("Cron: certificate rollover executed")
		s.notifier.Notify("eID login certificate rollover executed",
			"The prepared certificates have been activated. Please update the service provider metadata at your identity provider if it does not refresh automatically.")

	case remaining <= PrepareSpan:
		pending, err := s.manager.HasPendingCertificates(ctx)
		if err != nil {
			s.failStop("the pending certificate state could not be read", err)
			return
		}
		if pending {
			return
		}
		if err := s.manager.PrepareRollover(ctx); err != nil {
			s.failStop("the certificate rollover could not be prepared", err)
			return
		}
		activation := notAfter.Add(-ExecuteSpan)
		log.Printf("Cron: certificate rollover prepared, activation due %s", activation.Format("2006-01-02"))
		s.notifier.Notify("eID login certificates prepared",
			fmt.Sprintf("New certificates have been prepared and will be activated on %s. They are already published in the service provider metadata.", activation.Format("2006-01-02")))
	}
}

// failStop deactivates the certificate job and notifies the administrators.
// A failing rollover needs human attention, retrying daily would only
// repeat the failure.
func (s *Scheduler) failStop(reason string, err error) {
	log.Printf("Cron: certificate job deactivated: %s: %v", reason, err)
	s.certJobStopped.Store(true)
	s.notifier.Notify("eID login certificate rollover failed",
		fmt.Sprintf("The certificate job has been deactivated: %s (%v). Please check the certificates in the eID login settings and save them again to reactivate the job.", reason, err))
}

// CertJobActive reports whether the certificate job is still scheduled.
func (s *Scheduler) CertJobActive() bool {
	return !s.certJobStopped.Load()
}

// ReactivateCertJob clears the fail-stop, used after an administrator saved
// working settings again.
func (s *Scheduler) ReactivateCertJob() {
	s.certJobStopped.Store(false)
}
