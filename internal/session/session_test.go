package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewManager([]byte("test-secret"), "https://sp.example.org", true, clock), clock
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestStartAndUserID(t *testing.T) {
	assert := assert.New(t)
	m, _ := newTestManager(t)

	rec := httptest.NewRecorder()
	require.NoError(t, m.Start(rec, 42))

	cookie := sessionCookie(t, rec)
	assert.True(cookie.HttpOnly)
	assert.True(cookie.Secure)

	req := httptest.NewRequest(http.MethodGet, "https://sp.example.org/", nil)
	req.AddCookie(cookie)

	userID, err := m.UserID(req)
	require.NoError(t, err)
	assert.Equal(int64(42), userID)
}

func TestUserIDRejectsExpiredToken(t *testing.T) {
	m, clock := newTestManager(t)

	rec := httptest.NewRecorder()
	require.NoError(t, m.Start(rec, 42))
	cookie := sessionCookie(t, rec)

	clock.Advance(sessionTTL + time.Minute)

	req := httptest.NewRequest(http.MethodGet, "https://sp.example.org/", nil)
	req.AddCookie(cookie)
	_, err := m.UserID(req)
	assert.Error(t, err)
}

func TestUserIDRejectsForeignSignature(t *testing.T) {
	m, _ := newTestManager(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	other := NewManager([]byte("other-secret"), "https://sp.example.org", true, clock)

	rec := httptest.NewRecorder()
	require.NoError(t, other.Start(rec, 42))

	req := httptest.NewRequest(http.MethodGet, "https://sp.example.org/", nil)
	req.AddCookie(sessionCookie(t, rec))
	_, err := m.UserID(req)
	assert.Error(t, err)
}

func TestUserIDWithoutCookie(t *testing.T) {
	m, _ := newTestManager(t)
	req := httptest.NewRequest(http.MethodGet, "https://sp.example.org/", nil)
	_, err := m.UserID(req)
	assert.Error(t, err)
}
