package saml

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/eid-services/eidlogin/internal/storage"
)

// Flow discriminates why an authentication attempt was started.
type Flow string

const (
	FlowLogin    Flow = "login"
	FlowRegister Flow = "register"
)

// ErrorIndicator is the coarse-grained login-page error classification. The
// empty value renders as the generic unknown message.
type ErrorIndicator string

const (
	ErrorSettings ErrorIndicator = "settings"
	ErrorLogin    ErrorIndicator = "login"
	ErrorNoCon    ErrorIndicator = "nocon"
	ErrorCanceled ErrorIndicator = "canceled"
	ErrorUnknown  ErrorIndicator = ""
)

// continuation is the context saved when an authentication attempt starts,
// keyed by the request identifier and loaded back by the response handler.
type continuation struct {
	Flow         Flow   `json:"flow"`
	ActingUserID int64  `json:"acting_user_id"`
	CookieToken  string `json:"cookie_token"`
}

// Outcome is a fully validated authentication result. In TR-03130 mode it is
// persisted as a response record across the final eID-Client hop; otherwise it
// goes straight into resolution.
type Outcome struct {
	Authenticated bool                `json:"authenticated"`
	Errors        []string            `json:"errors,omitempty"`
	Status        string              `json:"status,omitempty"`
	EID           string              `json:"eid,omitempty"`
	Attributes    []storage.Attribute `json:"attributes,omitempty"`

	Flow         Flow   `json:"flow"`
	ActingUserID int64  `json:"acting_user_id"`
	CookieToken  string `json:"cookie_token"`
}

const (
	tokenPrefix = "eidlogin_"
	tokenMaxLen = 64
)

// randomToken returns an opaque identifier with 24 bytes of entropy. Used for
// request identifiers, response identifiers and the anti-CSRF cookie value.
func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	token := tokenPrefix + hex.EncodeToString(buf)
	if len(token) > tokenMaxLen {
		token = token[:tokenMaxLen]
	}
	return token, nil
}
