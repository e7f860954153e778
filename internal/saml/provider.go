package saml

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/eid-services/eidlogin/internal/certs"
	"github.com/eid-services/eidlogin/internal/settings"
)

// ErrNotAvailable gates every entry point: the feature is switched off until
// settings are complete, transport is secure and an administrator activated it.
var ErrNotAvailable = errors.New("eid login is not available")

// Endpoints carries the deployment URLs the orchestrator redirects between.
// The auth path is the single dispatch endpoint examined for the query keys.
type Endpoints struct {
	BaseURL      string
	AuthPath     string
	LoginURL     string
	ProfileURL   string
	DashboardURL string
}

// ACSURL is the assertion consumer address advertised in the metadata
// document and bound into every authentication request.
func (e Endpoints) ACSURL() string {
	return e.BaseURL + e.AuthPath + "?saml_acs"
}

// TCTokenURL is the same-origin callback the local eID-Client fetches the
// authentication request from, parameterized by the request identifier.
func (e Endpoints) TCTokenURL(requestID string) string {
	return e.BaseURL + e.AuthPath + "?tctoken=" + url.QueryEscape(requestID)
}

// ResumeURL is the TR-03130 final-hop target carrying the response identifier.
func (e Endpoints) ResumeURL(responseID string) string {
	return e.BaseURL + e.AuthPath + "?resume=" + url.QueryEscape(responseID)
}

// checkAvailable implements the availability gate. enforceActivation is
// bypassed only for metadata exposure to administrators during setup.
func checkAvailable(s *settings.Settings, ep Endpoints, enforceActivation bool) error {
	if s == nil {
		return fmt.Errorf("%w: not configured", ErrNotAvailable)
	}
	if s.SPEntityID == "" || s.IdPEntityID == "" || s.IdPSSOURL == "" || s.IdPCertSign == "" {
		return fmt.Errorf("%w: settings incomplete", ErrNotAvailable)
	}
	if !s.HasActiveCertificates() {
		return fmt.Errorf("%w: no active certificates", ErrNotAvailable)
	}
	if !strings.HasPrefix(s.IdPSSOURL, "https://") {
		return fmt.Errorf("%w: identity provider SSO URL is not https", ErrNotAvailable)
	}
	if !strings.HasPrefix(ep.BaseURL, "https://") {
		return fmt.Errorf("%w: deployment is not served over https", ErrNotAvailable)
	}
	if enforceActivation && !s.Activated {
		return fmt.Errorf("%w: not activated", ErrNotAvailable)
	}
	return nil
}

// keyPairStore adapts a stored PEM keypair to the signature library.
type keyPairStore struct {
	kp settings.KeyPair
}

func (k keyPairStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	key, err := certs.ParsePrivateKey(k.kp.Key)
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode([]byte(certs.FormatCertPEM(k.kp.Cert)))
	if block == nil {
		return nil, nil, errors.New("keypair certificate is not PEM")
	}
	return key, block.Bytes, nil
}

// buildServiceProvider assembles the library service provider from the
// settings aggregate. In TR-03130 mode the response message signature is
// checked externally via the detached query signature, so the library-level
// XML signature validation is switched off.
func buildServiceProvider(s *settings.Settings, ep Endpoints) (*saml2.SAMLServiceProvider, error) {
	idpCert, err := certs.ParseCertificate(s.IdPCertSign)
	if err != nil {
		return nil, fmt.Errorf("identity provider signature certificate: %w", err)
	}
	roots := []*x509.Certificate{idpCert}
	if s.IdPCertEnc != "" && s.IdPCertEnc != s.IdPCertSign {
		encCert, err := certs.ParseCertificate(s.IdPCertEnc)
		if err != nil {
			return nil, fmt.Errorf("identity provider encryption certificate: %w", err)
		}
		roots = append(roots, encCert)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      s.IdPSSOURL,
		IdentityProviderIssuer:      s.IdPEntityID,
		ServiceProviderIssuer:       s.SPEntityID,
		AssertionConsumerServiceURL: ep.ACSURL(),
		AudienceURI:                 s.SPEntityID,
		SignAuthnRequests:           true,
		SignAuthnRequestsAlgorithm:  dsig.RSASHA256SignatureMethod,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: roots},
		SPKeyStore:                  keyPairStore{kp: s.ActiveEnc},
		SPSigningKeyStore:           keyPairStore{kp: s.Active},
		NameIdFormat:                saml2.NameIdFormatUnspecified,
	}
	if s.ProfileMode() == settings.ProfileTR03130 {
		sp.SkipSignatureValidation = true
	}
	return sp, nil
}

// SP metadata document. The library only models IdP metadata, so the SP side
// is assembled from explicit types.
type spEntityDescriptor struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID string   `xml:"entityID,attr"`
	SPSSO    spSSODescriptor
}

type spSSODescriptor struct {
	XMLName                    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	AuthnRequestsSigned        bool     `xml:"AuthnRequestsSigned,attr"`
	WantAssertionsSigned       bool     `xml:"WantAssertionsSigned,attr"`
	ProtocolSupportEnumeration string   `xml:"protocolSupportEnumeration,attr"`
	KeyDescriptors             []spKeyDescriptor
	NameIDFormat               string `xml:"urn:oasis:names:tc:SAML:2.0:metadata NameIDFormat"`
	ACS                        spAssertionConsumerService
}

type spKeyDescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	Use     string   `xml:"use,attr"`
	KeyInfo spKeyInfo
}

type spKeyInfo struct {
	XMLName     xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	Certificate string   `xml:"X509Data>X509Certificate"`
}

type spAssertionConsumerService struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata AssertionConsumerService"`
	Binding  string   `xml:"Binding,attr"`
	Location string   `xml:"Location,attr"`
	Index    int      `xml:"index,attr"`
}

// buildMetadata renders the SP metadata document, signed with the active
// signing keypair. Pending certificate sets are advertised alongside the
// active ones so the IdP accepts both during a rollover window.
func buildMetadata(s *settings.Settings, ep Endpoints) ([]byte, error) {
	signing := []settings.KeyPair{s.Active}
	if !s.New.Empty() {
		signing = append(signing, s.New)
	}
	encryption := []settings.KeyPair{s.ActiveEnc}
	if !s.NewEnc.Empty() {
		encryption = append(encryption, s.NewEnc)
	}

	var keys []spKeyDescriptor
	for _, kp := range signing {
		keys = append(keys, spKeyDescriptor{Use: "signing", KeyInfo: spKeyInfo{Certificate: certBody(kp.Cert)}})
	}
	for _, kp := range encryption {
		keys = append(keys, spKeyDescriptor{Use: "encryption", KeyInfo: spKeyInfo{Certificate: certBody(kp.Cert)}})
	}

	doc := spEntityDescriptor{
		EntityID: s.SPEntityID,
		SPSSO: spSSODescriptor{
			AuthnRequestsSigned:        true,
			WantAssertionsSigned:       s.ProfileMode() != settings.ProfileTR03130,
			ProtocolSupportEnumeration: "urn:oasis:names:tc:SAML:2.0:protocol",
			KeyDescriptors:             keys,
			NameIDFormat:               saml2.NameIdFormatUnspecified,
			ACS: spAssertionConsumerService{
				Binding:  saml2.BindingHttpPost,
				Location: ep.ACSURL(),
				Index:    0,
			},
		},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render metadata: %w", err)
	}
	signed, err := signMetadata(out, s.Active)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), signed...), nil
}

// signMetadata wraps the rendered document in an enveloped signature, placed
// first below the entity descriptor as the metadata schema requires.
func signMetadata(raw []byte, kp settings.KeyPair) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("failed to re-parse metadata for signing: %w", err)
	}

	signCtx := dsig.NewDefaultSigningContext(keyPairStore{kp: kp})
	signed, err := signCtx.SignEnveloped(doc.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to sign metadata: %w", err)
	}

	children := signed.ChildElements()
	sig := children[len(children)-1]
	signed.RemoveChild(sig)
	signed.InsertChildAt(0, sig)

	out := etree.NewDocument()
	out.SetRoot(signed)
	return out.WriteToBytes()
}

// certBody strips PEM armor and whitespace, leaving the bare base64 body
// metadata documents carry.
func certBody(certPEM string) string {
	body := strings.TrimSpace(certPEM)
	body = strings.TrimPrefix(body, "-----BEGIN CERTIFICATE-----")
	body = strings.TrimSuffix(body, "-----END CERTIFICATE-----")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, body)
}
