package saml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	saml2 "github.com/russellhaering/gosaml2"

	"github.com/eid-services/eidlogin/internal/certs"
	"github.com/eid-services/eidlogin/internal/settings"
	"github.com/eid-services/eidlogin/internal/storage"
)

const (
	// CookieName is the anti-CSRF cookie set when an attempt starts
	CookieName = "eidlogin"

	// ExpirationWindow bounds the lifetime of continuation and response
	// records, enforced at consumption time and by the cleanup sweep.
	ExpirationWindow = 300 * time.Second

	// eIDClientURL is the well-known local eID-Client endpoint of TR-03130
	eIDClientURL = "http://127.0.0.1:24727/eID-Client?tcTokenURL="

	// pseudonymAttribute carries the stable per-service identifier in
	// TR-03130 responses, with exactly one value.
	pseudonymAttribute = "RestrictedID"

	profileAnchor = "#eid-header"
)

// SessionStarter establishes the authenticated session after a completed
// login. Implemented by the session manager.
type SessionStarter interface {
	Start(w http.ResponseWriter, userID int64) error
}

// PasswordLoginToggler re-enables password-based login when an account loses
// its eID link. The account system behind it is an external collaborator.
type PasswordLoginToggler interface {
	EnablePasswordLogin(ctx context.Context, userID int64) error
}

// Orchestrator is the authentication state machine. Each entry point runs as
// an independent unit of work triggered by an inbound request.
type Orchestrator struct {
	ep            Endpoints
	settings      *settings.Store
	continuations *storage.FlowDataStore
	responses     *storage.FlowDataStore
	identities    *storage.IdentityStore
	sessions      SessionStarter
	clock         clockwork.Clock
}

// NewOrchestrator wires the state machine to its collaborators.
func NewOrchestrator(
	ep Endpoints,
	st *settings.Store,
	continuations, responses *storage.FlowDataStore,
	identities *storage.IdentityStore,
	sessions SessionStarter,
	clock clockwork.Clock,
) *Orchestrator {
	return &Orchestrator{
		ep:            ep,
		settings:      st,
		continuations: continuations,
		responses:     responses,
		identities:    identities,
		sessions:      sessions,
		clock:         clock,
	}
}

// loadProvider loads settings, applies the availability gate and builds the
// library service provider.
func (o *Orchestrator) loadProvider(ctx context.Context, enforceActivation bool) (*settings.Settings, *saml2.SAMLServiceProvider, error) {
	s, _, err := o.settings.Load(ctx)
	if errors.Is(err, settings.ErrNotConfigured) {
		return nil, nil, fmt.Errorf("%w: not configured", ErrNotAvailable)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := checkAvailable(s, o.ep, enforceActivation); err != nil {
		return nil, nil, err
	}
	sp, err := buildServiceProvider(s, o.ep)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	return s, sp, nil
}

// IsAvailable reports whether the entry points will operate. Callers use it
// to decide whether to offer eID login at all.
func (o *Orchestrator) IsAvailable(ctx context.Context, enforceActivation bool) bool {
	_, _, err := o.loadProvider(ctx, enforceActivation)
	return err == nil
}

// Start begins an authentication attempt: persists a continuation record,
// sets the anti-CSRF cookie and redirects the user agent towards the
// identity provider, via the local eID-Client in TR-03130 mode.
func (o *Orchestrator) Start(w http.ResponseWriter, r *http.Request, flow Flow, actingUserID int64) {
	ctx := r.Context()

	s, sp, err := o.loadProvider(ctx, true)
	if err != nil {
		log.Printf("SAML: start refused: %v", err)
		o.errorRedirect(w, r, flow, actingUserID, ErrorSettings, "eID login is not configured correctly")
		return
	}

	requestID, err := randomToken()
	if err != nil {
		o.failStart(w, r, flow, actingUserID, err)
		return
	}
	cookieToken, err := randomToken()
	if err != nil {
		o.failStart(w, r, flow, actingUserID, err)
		return
	}

	payload, err := json.Marshal(continuation{Flow: flow, ActingUserID: actingUserID, CookieToken: cookieToken})
	if err != nil {
		o.failStart(w, r, flow, actingUserID, err)
		return
	}
	if err := o.continuations.Save(ctx, requestID, string(payload), o.clock.Now()); err != nil {
		o.failStart(w, r, flow, actingUserID, err)
		return
	}

	o.setFlowCookie(w, cookieToken)

	if s.ProfileMode() == settings.ProfileTR03130 {
		http.Redirect(w, r, eIDClientURL+url.QueryEscape(o.ep.TCTokenURL(requestID)), http.StatusFound)
		return
	}

	authURL, err := o.buildAuthURL(sp, s, requestID)
	if err != nil {
		o.failStart(w, r, flow, actingUserID, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (o *Orchestrator) failStart(w http.ResponseWriter, r *http.Request, flow Flow, actingUserID int64, err error) {
	log.Printf("SAML: start failed: %v", err)
	o.errorRedirect(w, r, flow, actingUserID, ErrorUnknown, "eID login could not be started")
}

// buildAuthURL builds the redirect-binding URL for a signed authentication
// request bound to the given request identifier.
func (o *Orchestrator) buildAuthURL(sp *saml2.SAMLServiceProvider, s *settings.Settings, requestID string) (string, error) {
	doc, err := o.buildAuthRequest(sp, s, requestID)
	if err != nil {
		return "", err
	}
	authURL, err := sp.BuildAuthURLFromDocument("", doc)
	if err != nil {
		return "", fmt.Errorf("failed to build authentication URL: %w", err)
	}
	return authURL, nil
}

// buildAuthRequest builds the request document and rebinds it to the given
// identifier, since the library generates its own. In TR-03130 mode the
// configured request extension is inserted after the issuer element.
func (o *Orchestrator) buildAuthRequest(sp *saml2.SAMLServiceProvider, s *settings.Settings, requestID string) (*etree.Document, error) {
	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to build authentication request: %w", err)
	}
	root := doc.Root()
	root.CreateAttr("ID", requestID)

	if s.ProfileMode() == settings.ProfileTR03130 {
		ext := etree.NewDocument()
		if err := ext.ReadFromString(s.IdPExtTR03130); err != nil || ext.Root() == nil {
			return nil, fmt.Errorf("request extension is not well-formed XML: %v", err)
		}
		extensions := etree.NewElement("samlp:Extensions")
		extensions.AddChild(ext.Root())

		pos := 0
		for i, child := range root.ChildElements() {
			if child.Tag == "Issuer" {
				pos = i + 1
			}
		}
		root.InsertChildAt(pos, extensions)
	}
	return doc, nil
}

// TCToken re-derives the authentication request for a pending attempt and
// redirects the fetching eID-Client onwards to the identity provider. The
// continuation record from Start stays untouched.
func (o *Orchestrator) TCToken(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx := r.Context()

	s, sp, err := o.loadProvider(ctx, true)
	if err != nil {
		log.Printf("SAML: tctoken refused: %v", err)
		http.Error(w, "eID login is not available", http.StatusNotFound)
		return
	}

	if _, _, err := o.continuations.GetByKey(ctx, requestID); err != nil {
		log.Printf("SAML: tctoken for unknown request: %v", err)
		http.Error(w, "unknown authentication request", http.StatusNotFound)
		return
	}

	authURL, err := o.buildAuthURL(sp, s, requestID)
	if err != nil {
		log.Printf("SAML: tctoken failed: %v", err)
		http.Error(w, "authentication request could not be built", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ACS is the assertion consumer: it validates the response, correlates it
// with its continuation record and either resolves directly or, in TR-03130
// mode, parks the outcome as a response record for the final resume hop.
func (o *Orchestrator) ACS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, sp, err := o.loadProvider(ctx, true)
	if err != nil {
		log.Printf("SAML: acs refused: %v", err)
		o.redirectLoginError(w, r, ErrorSettings, false)
		return
	}

	encoded := r.FormValue("SAMLResponse")
	if encoded == "" {
		log.Printf("SAML: acs called without a response")
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}

	raw, err := decodeResponse(encoded)
	if err != nil {
		log.Printf("SAML: acs: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}
	doc, err := parseResponse(raw)
	if err != nil {
		log.Printf("SAML: acs: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}

	inResponseTo, err := extractInResponseTo(doc)
	if err != nil {
		log.Printf("SAML: acs: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}

	contRaw, createdAt, err := o.continuations.GetByKey(ctx, inResponseTo)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrUnknownRequest, inResponseTo)
		}
		log.Printf("SAML: acs: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}
	var cont continuation
	if err := json.Unmarshal([]byte(contRaw), &cont); err != nil {
		log.Printf("SAML: acs: corrupt continuation record: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}

	if err := checkAlgorithms(doc, s.ProfileMode(), s.SPEnforceEncryption); err != nil {
		log.Printf("SAML: acs: %v", err)
		o.errorRedirect(w, r, cont.Flow, cont.ActingUserID, ErrorLogin, "eID login failed")
		return
	}

	if o.clock.Now().Sub(createdAt) > ExpirationWindow {
		log.Printf("SAML: acs: %v: %s", ErrExpiredRequest, inResponseTo)
		o.errorRedirect(w, r, cont.Flow, cont.ActingUserID, ErrorLogin, "eID login failed")
		return
	}
	// single-use enforcement: the record is gone before any crypto runs
	if err := o.continuations.DeleteByKey(ctx, inResponseTo); err != nil {
		log.Printf("SAML: acs: failed to consume continuation record: %v", err)
		o.errorRedirect(w, r, cont.Flow, cont.ActingUserID, ErrorLogin, "eID login failed")
		return
	}

	outcome := o.validateAssertion(sp, s, encoded, doc, r.URL.RawQuery)
	outcome.Flow = cont.Flow
	outcome.ActingUserID = cont.ActingUserID
	outcome.CookieToken = cont.CookieToken

	if s.ProfileMode() == settings.ProfileTR03130 {
		responseID, err := randomToken()
		if err != nil {
			log.Printf("SAML: acs: %v", err)
			o.errorRedirect(w, r, cont.Flow, cont.ActingUserID, ErrorLogin, "eID login failed")
			return
		}
		payload, err := json.Marshal(outcome)
		if err != nil {
			log.Printf("SAML: acs: %v", err)
			o.errorRedirect(w, r, cont.Flow, cont.ActingUserID, ErrorLogin, "eID login failed")
			return
		}
		if err := o.responses.Save(ctx, responseID, string(payload), o.clock.Now()); err != nil {
			log.Printf("SAML: acs: %v", err)
			o.errorRedirect(w, r, cont.Flow, cont.ActingUserID, ErrorLogin, "eID login failed")
			return
		}
		http.Redirect(w, r, o.ep.ResumeURL(responseID), http.StatusFound)
		return
	}

	o.processOutcome(w, r, outcome)
}

// validateAssertion runs the library-level processing and the profile
// specific extraction. Failures are collected into the outcome's error list
// rather than aborting, so a cancellation status can still be classified.
func (o *Orchestrator) validateAssertion(sp *saml2.SAMLServiceProvider, s *settings.Settings, encoded string, doc *etree.Document, rawQuery string) Outcome {
	outcome := Outcome{Status: extractStatusMessage(doc)}

	info, err := sp.RetrieveAssertionInfo(encoded)
	if err != nil {
		outcome.Errors = append(outcome.Errors, err.Error())
		return outcome
	}
	if info.WarningInfo.InvalidTime {
		outcome.Errors = append(outcome.Errors, "assertion is outside its validity window")
	}
	if info.WarningInfo.NotInAudience {
		outcome.Errors = append(outcome.Errors, "assertion audience does not match")
	}
	if len(outcome.Errors) > 0 {
		return outcome
	}

	outcome.Attributes = extractAttributes(info)

	if s.ProfileMode() == settings.ProfileTR03130 {
		idpCert, err := certs.ParseCertificate(s.IdPCertSign)
		if err != nil {
			outcome.Errors = append(outcome.Errors, err.Error())
			return outcome
		}
		if err := verifyDetachedSignature(rawQuery, idpCert); err != nil {
			outcome.Errors = append(outcome.Errors, err.Error())
			return outcome
		}
		eid, err := pseudonymFromAttributes(outcome.Attributes)
		if err != nil {
			outcome.Errors = append(outcome.Errors, err.Error())
			return outcome
		}
		outcome.EID = eid
	} else {
		outcome.EID = info.NameID
	}

	outcome.Authenticated = true
	return outcome
}

// extractAttributes flattens the assertion's attribute statements in
// delivery order.
func extractAttributes(info *saml2.AssertionInfo) []storage.Attribute {
	var attrs []storage.Attribute
	for _, assertion := range info.Assertions {
		if assertion.AttributeStatement == nil {
			continue
		}
		for _, attr := range assertion.AttributeStatement.Attributes {
			values := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			attrs = append(attrs, storage.Attribute{Name: attr.Name, Values: values})
		}
	}
	return attrs
}

// pseudonymFromAttributes reads the required pseudonym attribute, which must
// carry exactly one value.
func pseudonymFromAttributes(attrs []storage.Attribute) (string, error) {
	for _, attr := range attrs {
		if attr.Name != pseudonymAttribute {
			continue
		}
		if len(attr.Values) != 1 || attr.Values[0] == "" {
			return "", fmt.Errorf("%w: attribute %s must carry exactly one value", ErrMissingPseudonym, pseudonymAttribute)
		}
		return attr.Values[0], nil
	}
	return "", fmt.Errorf("%w: attribute %s missing", ErrMissingPseudonym, pseudonymAttribute)
}

// Resume completes the TR-03130 flow: the parked outcome is consumed and
// resolved.
func (o *Orchestrator) Resume(w http.ResponseWriter, r *http.Request, responseID string) {
	ctx := r.Context()

	raw, _, err := o.responses.GetByKey(ctx, responseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrUnknownRequest, responseID)
		}
		log.Printf("SAML: resume: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}
	if err := o.responses.DeleteByKey(ctx, responseID); err != nil {
		log.Printf("SAML: resume: failed to consume response record: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		log.Printf("SAML: resume: corrupt response record: %v", err)
		o.redirectLoginError(w, r, ErrorLogin, false)
		return
	}
	o.processOutcome(w, r, outcome)
}

// processOutcome is the shared resolution tail: anti-CSRF cookie check,
// error classification and identity reconciliation.
func (o *Orchestrator) processOutcome(w http.ResponseWriter, r *http.Request, outcome Outcome) {
	ctx := r.Context()

	// the cookie is cleared no matter how resolution ends
	o.clearFlowCookie(w)

	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" || cookie.Value != outcome.CookieToken {
		log.Printf("SAML: %v", ErrCsrf)
		o.redirectLoginError(w, r, ErrorUnknown, false)
		return
	}

	if len(outcome.Errors) > 0 {
		if strings.Contains(strings.ToLower(outcome.Status), "cancel") {
			if outcome.Flow == FlowRegister && outcome.ActingUserID != 0 {
				o.redirectProfile(w, r, "The eID connection was aborted")
				return
			}
			o.redirectLoginError(w, r, ErrorCanceled, false)
			return
		}
		for _, msg := range outcome.Errors {
			log.Printf("SAML: response error: %s", msg)
		}
		o.errorRedirect(w, r, outcome.Flow, outcome.ActingUserID, ErrorLogin, "The eID could not be connected")
		return
	}

	if outcome.EID == "" {
		log.Printf("SAML: %v", ErrMissingPseudonym)
		o.redirectLoginError(w, r, ErrorUnknown, false)
		return
	}

	linkedUserID, err := o.identities.FindUserIDByEID(ctx, outcome.EID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if outcome.Flow == FlowRegister && outcome.ActingUserID != 0 {
			o.register(w, r, outcome)
			return
		}
		// no connection for this eID yet; send the user to log in first
		// and come back to the profile page to create one
		o.redirectLoginError(w, r, ErrorNoCon, true)
		return

	case err != nil:
		log.Printf("SAML: link lookup failed: %v", err)
		o.errorRedirect(w, r, outcome.Flow, outcome.ActingUserID, ErrorLogin, "eID login failed")
		return
	}

	if outcome.Flow == FlowLogin {
		if err := o.sessions.Start(w, linkedUserID); err != nil {
			log.Printf("SAML: session start failed: %v", err)
			o.redirectLoginError(w, r, ErrorLogin, false)
			return
		}
		http.Redirect(w, r, o.ep.DashboardURL, http.StatusFound)
		return
	}

	if linkedUserID != outcome.ActingUserID {
		log.Printf("SAML: %v", ErrEidAlreadyLinked)
		o.errorRedirect(w, r, outcome.Flow, outcome.ActingUserID, ErrorLogin, "This eID is already connected to another account")
		return
	}

	// re-assignment of an already connected eID to the same account
	log.Printf("SAML: eid already connected to acting account, nothing to do")
	o.redirectProfile(w, r, "")
}

// register persists the link and attributes for the acting user.
func (o *Orchestrator) register(w http.ResponseWriter, r *http.Request, outcome Outcome) {
	ctx := r.Context()

	if err := o.identities.Link(ctx, outcome.EID, outcome.ActingUserID); err != nil {
		log.Printf("SAML: link failed: %v", err)
		if errors.Is(err, storage.ErrDuplicateLink) {
			o.redirectProfile(w, r, "This eID is already connected to another account")
			return
		}
		o.redirectProfile(w, r, "The eID connection could not be saved")
		return
	}
	if err := o.identities.SaveAttributes(ctx, outcome.ActingUserID, outcome.Attributes); err != nil {
		log.Printf("SAML: attribute save failed: %v", err)
		o.redirectProfile(w, r, "The eID attributes could not be saved completely")
		return
	}
	o.redirectProfile(w, r, "")
}

// Metadata writes the SP metadata document or a 404 when the availability
// gate refuses. enforceActivation is relaxed for administrators during setup.
func (o *Orchestrator) Metadata(w http.ResponseWriter, r *http.Request, enforceActivation bool) {
	s, _, err := o.settings.Load(r.Context())
	if err == nil {
		err = checkAvailable(s, o.ep, enforceActivation)
	}
	if err != nil {
		log.Printf("SAML: metadata refused: %v", err)
		http.NotFound(w, r)
		return
	}

	out, err := buildMetadata(s, o.ep)
	if err != nil {
		log.Printf("SAML: metadata failed: %v", err)
		http.Error(w, "metadata could not be rendered", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write(out)
}

func (o *Orchestrator) setFlowCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ExpirationWindow.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (o *Orchestrator) clearFlowCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// errorRedirect picks the flow-aware error target: the profile page for an
// acting user in the REGISTER flow, the login page otherwise.
func (o *Orchestrator) errorRedirect(w http.ResponseWriter, r *http.Request, flow Flow, actingUserID int64, indicator ErrorIndicator, profileMessage string) {
	if flow == FlowRegister && actingUserID != 0 {
		o.redirectProfile(w, r, profileMessage)
		return
	}
	o.redirectLoginError(w, r, indicator, false)
}

// redirectLoginError sends the user agent to the login page with the coarse
// error indicator. withProfileTarget carries the profile page as the
// intended post-login destination.
func (o *Orchestrator) redirectLoginError(w http.ResponseWriter, r *http.Request, indicator ErrorIndicator, withProfileTarget bool) {
	target := o.ep.LoginURL + "?eidlogin_error=" + url.QueryEscape(string(indicator))
	if withProfileTarget {
		target += "&redirect_to=" + url.QueryEscape(o.ep.ProfileURL)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// redirectProfile sends the user agent to the eID section of the profile
// page, with an optional URL-encoded message.
func (o *Orchestrator) redirectProfile(w http.ResponseWriter, r *http.Request, message string) {
	target := o.ep.ProfileURL
	if message != "" {
		target += "?eidlogin_message=" + url.QueryEscape(message)
	}
	http.Redirect(w, r, target+profileAnchor, http.StatusFound)
}
