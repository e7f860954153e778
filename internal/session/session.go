package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// CookieName carries the signed session token after a completed login
	CookieName = "eidlogin_session"

	sessionTTL = 8 * time.Hour
)

// Manager mints and validates the signed session established after a
// successful eID login.
type Manager struct {
	secret []byte
	issuer string
	secure bool
	clock  clockwork.Clock
}

// NewManager returns a session manager signing with the given HMAC secret.
// issuer goes into the token's iss claim; secure controls the cookie flag and
// is only disabled in development.
func NewManager(secret []byte, issuer string, secure bool, clock clockwork.Clock) *Manager {
	return &Manager{secret: secret, issuer: issuer, secure: secure, clock: clock}
}

// Start mints a session token for the account and sets it as a cookie on the
// response.
func (m *Manager) Start(w http.ResponseWriter, userID int64) error {
	now := m.clock.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.issuer,
		Subject:   fmt.Sprintf("%d", userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// UserID validates the session cookie on the request and returns the account
// it belongs to.
func (m *Manager) UserID(r *http.Request) (int64, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return 0, fmt.Errorf("no session cookie: %w", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		return 0, fmt.Errorf("invalid session token: %w", err)
	}

	var userID int64
	if _, err := fmt.Sscanf(claims.Subject, "%d", &userID); err != nil {
		return 0, fmt.Errorf("invalid session subject: %w", err)
	}
	return userID, nil
}

// Clear removes the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
