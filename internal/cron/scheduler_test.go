package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eid-services/eidlogin/internal/certs"
	"github.com/eid-services/eidlogin/internal/notify"
	"github.com/eid-services/eidlogin/internal/saml"
	"github.com/eid-services/eidlogin/internal/settings"
	"github.com/eid-services/eidlogin/internal/storage"
)

type recordingMailer struct {
	mu    sync.Mutex
	sent  []string
	bodys []string
}

func (m *recordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, subject)
	m.bodys = append(m.bodys, body)
	return nil
}

func (m *recordingMailer) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type fixture struct {
	s             *Scheduler
	store         *settings.Store
	manager       *certs.Manager
	continuations *storage.FlowDataStore
	responses     *storage.FlowDataStore
	mailer        *recordingMailer
	clock         *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := settings.NewStore(db)
	manager := certs.NewManager(store, "sp.example.org", clock)
	mailer := &recordingMailer{}
	notifier := notify.NewAdminNotifier(mailer, []string{"admin@example.org"})

	f := &fixture{
		store:         store,
		manager:       manager,
		continuations: storage.NewContinuationStore(db),
		responses:     storage.NewResponseStore(db),
		mailer:        mailer,
		clock:         clock,
	}
	f.s = NewScheduler(clock, manager, f.continuations, f.responses, notifier)
	return f
}

// seedCertificates stores an active set whose signing certificate is valid
// for the given number of days from the fake clock's now.
func (f *fixture) seedCertificates(t *testing.T, validityDays int) {
	t.Helper()

	signKey, signCert, err := f.manager.IssueKeypair(validityDays)
	require.NoError(t, err)
	encKey, encCert, err := f.manager.IssueKeypair(validityDays)
	require.NoError(t, err)

	s := &settings.Settings{
		Active:    settings.KeyPair{Key: signKey, Cert: signCert},
		ActiveEnc: settings.KeyPair{Key: encKey, Cert: encCert},
	}
	require.NoError(t, f.store.Save(context.Background(), s, 0))
}

func TestCleanupPurgesExpiredRecords(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	now := f.clock.Now()
	require.NoError(t, f.continuations.Save(ctx, "old", "v", now.Add(-saml.ExpirationWindow-time.Minute)))
	require.NoError(t, f.continuations.Save(ctx, "fresh", "v", now.Add(-time.Minute)))
	require.NoError(t, f.responses.Save(ctx, "old", "v", now.Add(-saml.ExpirationWindow-time.Minute)))

	f.s.cleanup(ctx)

	_, _, err := f.continuations.GetByKey(ctx, "old")
	assert.ErrorIs(err, storage.ErrNotFound)
	_, _, err = f.continuations.GetByKey(ctx, "fresh")
	assert.NoError(err)
	_, _, err = f.responses.GetByKey(ctx, "old")
	assert.ErrorIs(err, storage.ErrNotFound)
}

func TestCertJobQuietWithoutCertificates(t *testing.T) {
	f := newFixture(t)
	f.s.certJob(context.Background())
	assert.Empty(t, f.mailer.subjects())
	assert.True(t, f.s.CertJobActive())
}

func TestCertJobQuietOutsideSpans(t *testing.T) {
	f := newFixture(t)
	f.seedCertificates(t, certs.ValidSpanDays)

	f.s.certJob(context.Background())

	assert.Empty(t, f.mailer.subjects())
	pending, err := f.manager.HasPendingCertificates(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCertJobPreparesWithinPrepareSpan(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.seedCertificates(t, 50)

	f.s.certJob(ctx)

	pending, err := f.manager.HasPendingCertificates(ctx)
	require.NoError(t, err)
	assert.True(pending)
	require.Len(t, f.mailer.subjects(), 1)
	assert.Contains(f.mailer.subjects()[0], "prepared")

	// a second run is an idempotent no-op
	f.s.certJob(ctx)
	assert.Len(f.mailer.subjects(), 1)
	assert.True(f.s.CertJobActive())
}

func TestCertJobExecutesWithinExecuteSpan(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.seedCertificates(t, 20)
	require.NoError(t, f.manager.PrepareRollover(ctx))

	s, _, err := f.store.Load(ctx)
	require.NoError(t, err)
	pendingCert := s.New.Cert

	f.s.certJob(ctx)

	s, _, err = f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(pendingCert, s.Active.Cert, "pending set promoted to active")
	assert.False(s.HasPendingCertificates())
	require.Len(t, f.mailer.subjects(), 1)
	assert.Contains(f.mailer.subjects()[0], "executed")
	assert.True(f.s.CertJobActive())
}

func TestCertJobFailStop(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// inside the execute span but nothing was prepared
	f.seedCertificates(t, 10)

	f.s.certJob(ctx)

	assert.False(f.s.CertJobActive())
	require.Len(t, f.mailer.subjects(), 1)
	assert.Contains(f.mailer.subjects()[0], "failed")

	// deactivated: further runs do nothing
	f.s.certJob(ctx)
	assert.Len(f.mailer.subjects(), 1)

	f.s.ReactivateCertJob()
	assert.True(f.s.CertJobActive())
}

func TestSchedulerRunRespectsInitialDelay(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.continuations.Save(ctx, "old", "v", f.clock.Now().Add(-saml.ExpirationWindow-time.Minute)))

	done := make(chan struct{})
	go func() {
		f.s.Run(ctx)
		close(done)
	}()

	// both loops are waiting before anything fires
	f.clock.BlockUntil(2)
	f.clock.Advance(CleanupInterval)

	deadline := time.After(2 * time.Second)
	for {
		_, _, err := f.continuations.GetByKey(ctx, "old")
		if err != nil {
			assert.ErrorIs(err, storage.ErrNotFound)
			break
		}
		select {
		case <-deadline:
			t.Fatal("cleanup did not run after advancing the clock")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
