package certs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eid-services/eidlogin/internal/settings"
	"github.com/eid-services/eidlogin/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *settings.Store, *clockwork.FakeClock) {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := settings.NewStore(db)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(store, "sp.example.org", clock), store, clock
}

func seedSettings(t *testing.T, store *settings.Store, s *settings.Settings) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), s, 0))
}

func TestIssueKeypair(t *testing.T) {
	assert := assert.New(t)
	m, _, clock := newTestManager(t)

	keyPEM, certPEM, err := m.IssueKeypair(ValidSpanDays)
	require.NoError(t, err)
	assert.Contains(keyPEM, "PRIVATE KEY")
	assert.Contains(certPEM, "CERTIFICATE")

	cert, err := ParseCertificate(certPEM)
	require.NoError(t, err)
	assert.Equal("sp.example.org eID-Login", cert.Subject.CommonName)
	assert.Equal(clock.Now().Unix(), cert.SerialNumber.Int64())
	assert.WithinDuration(clock.Now(), cert.NotBefore, time.Second)
	assert.WithinDuration(clock.Now().AddDate(0, 0, ValidSpanDays), cert.NotAfter, time.Second)

	key, err := ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	assert.Equal(spKeyBits, key.N.BitLen())
}

func TestActiveValidityWindow(t *testing.T) {
	assert := assert.New(t)
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.ActiveValidityWindow(ctx)
	assert.ErrorIs(err, ErrCertificateRead)

	key, cert, err := m.IssueKeypair(ValidSpanDays)
	require.NoError(t, err)
	seedSettings(t, store, &settings.Settings{
		Active:    settings.KeyPair{Key: key, Cert: cert},
		ActiveEnc: settings.KeyPair{Key: key, Cert: cert},
	})

	notBefore, notAfter, err := m.ActiveValidityWindow(ctx)
	require.NoError(t, err)
	assert.WithinDuration(clock.Now(), notBefore, time.Second)
	assert.WithinDuration(clock.Now().AddDate(0, 0, ValidSpanDays), notAfter, time.Second)
}

func TestPrepareRollover(t *testing.T) {
	assert := assert.New(t)
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	key, cert, err := m.IssueKeypair(ValidSpanDays)
	require.NoError(t, err)
	active := settings.KeyPair{Key: key, Cert: cert}
	seedSettings(t, store, &settings.Settings{Active: active, ActiveEnc: active})

	require.NoError(t, m.PrepareRollover(ctx))

	s, _, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(s.HasPendingCertificates())
	assert.Equal(active, s.Active, "active set must stay untouched")
	assert.NotEqual(s.New.Cert, s.NewEnc.Cert, "signing and encryption sets must differ")

	// preparing again overwrites the pending set
	first := s.New
	require.NoError(t, m.PrepareRollover(ctx))
	s, _, err = store.Load(ctx)
	require.NoError(t, err)
	assert.NotEqual(first.Key, s.New.Key)
}

func TestExecuteRollover(t *testing.T) {
	assert := assert.New(t)
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	key, cert, err := m.IssueKeypair(ValidSpanDays)
	require.NoError(t, err)
	active := settings.KeyPair{Key: key, Cert: cert}
	seedSettings(t, store, &settings.Settings{Active: active, ActiveEnc: active})

	// without a prepared pending set the rollover must fail loudly
	assert.ErrorIs(m.ExecuteRollover(ctx), ErrNoPendingCertificates)

	require.NoError(t, m.PrepareRollover(ctx))
	s, _, err := store.Load(ctx)
	require.NoError(t, err)
	pending, pendingEnc := s.New, s.NewEnc

	require.NoError(t, m.ExecuteRollover(ctx))

	s, _, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(pending, s.Active)
	assert.Equal(pendingEnc, s.ActiveEnc)
	assert.Equal(active, s.Old)
	assert.True(s.New.Empty())
	assert.True(s.NewEnc.Empty())
	assert.False(s.HasPendingCertificates())
}

func TestVerifyPeerKeyStrength(t *testing.T) {
	assert := assert.New(t)
	m, _, _ := newTestManager(t)

	_, cert, err := m.IssueKeypair(ValidSpanDays)
	require.NoError(t, err)
	assert.NoError(VerifyPeerKeyStrength(cert, "signature certificate"))

	err = VerifyPeerKeyStrength("not a certificate", "signature certificate")
	assert.ErrorIs(err, ErrCertificateRead)

	var weak *WeakKeyError
	err = VerifyPeerKeyStrength(weakCertPEM, "encryption certificate")
	require.ErrorAs(t, err, &weak)
	assert.Equal("encryption certificate", weak.Label)
	assert.Less(weak.Bits, MinPeerKeyBits)
	assert.Contains(err.Error(), "2048")
}

func TestFormatCertPEM(t *testing.T) {
	assert := assert.New(t)
	m, _, _ := newTestManager(t)

	_, cert, err := m.IssueKeypair(ValidSpanDays)
	require.NoError(t, err)

	// already armored input passes through
	assert.Equal(strings.TrimSpace(cert), FormatCertPEM(cert))

	// a bare base64 body gets re-armored and stays parsable
	body := strings.TrimSpace(cert)
	body = strings.TrimPrefix(body, "-----BEGIN CERTIFICATE-----")
	body = strings.TrimSuffix(body, "-----END CERTIFICATE-----")
	body = strings.ReplaceAll(body, "\n", "")

	_, err = ParseCertificate(body)
	assert.NoError(err)
}

// 1024-bit self-signed certificate, generated once for key strength tests.
const weakCertPEM = `-----BEGIN CERTIFICATE-----
MIICBDCCAW2gAwIBAgIUCVf9eAkFejG+OGpDJjY1rYo1aZ8wDQYJKoZIhvcNAQEL
BQAwFDESMBAGA1UEAwwJd2Vhay50ZXN0MB4XDTI2MDgzMDE0MDEzOVoXDTM2MDgy
NzE0MDEzOVowFDESMBAGA1UEAwwJd2Vhay50ZXN0MIGfMA0GCSqGSIb3DQEBAQUA
A4GNADCBiQKBgQCeL757iLDLBTmg8BFEk2t1LFnFBrMjfIFMgOhncqS0DGe9arBt
sQw61STnEP8uKVF+iPGig23vpxmb35AtmdxWYEbuH8PgLRYlH6L3wlQt387IsXUU
GkVaz0EVt6rKWNFuu1oYA57OnKr3OsEUUxBtPSNDUMMrJV3JKgWWmUonTwIDAQAB
o1MwUTAdBgNVHQ4EFgQUyuuyeE4fhNsQJfDwEFrHSgS4B9AwHwYDVR0jBBgwFoAU
yuuyeE4fhNsQJfDwEFrHSgS4B9AwDwYDVR0TAQH/BAUwAwEB/zANBgkqhkiG9w0B
AQsFAAOBgQCGyga/FChB97NJpUkFnJfT0oobu3Q1cLM4tP7HDiAXrjKzWAxHnYcq
DUU4kushAWrqJ0sm8zFqySefaECjQ5UclLXvy0Ko5qWAjP7fl3TJZlqRQVSH/+Ef
WsaY1JEY0dVZGQzGWJJW9mWLhCeMzMqn7pLCsmAMIWBkLgdAikvH1Q==
-----END CERTIFICATE-----
`
