package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eid-services/eidlogin/internal/settings"
)

const (
	// ValidSpanDays is the validity of issued certificates. The rollover
	// spans in the cron package are derived from it.
	ValidSpanDays = 730

	// MinPeerKeyBits is the lower bound for IdP public key sizes
	MinPeerKeyBits = 2048

	spKeyBits = 2048
)

var (
	// ErrCertificateRead signals an absent or unparsable certificate
	ErrCertificateRead = errors.New("certificate could not be read")

	// ErrNoPendingCertificates signals an executeRollover without a
	// prepared pending set. Callers must check HasPendingCertificates
	// first.
	ErrNoPendingCertificates = errors.New("no pending certificate set to activate")
)

// WeakKeyError is the user-facing rejection of an IdP certificate whose
// public key is below MinPeerKeyBits.
type WeakKeyError struct {
	Label string
	Bits  int
}

func (e *WeakKeyError) Error() string {
	return fmt.Sprintf("the %s of the identity provider has an insufficient public key length (%d bits), the minimal valid key length is %d",
		e.Label, e.Bits, MinPeerKeyBits)
}

// Manager owns the service provider's signing and encryption keypairs stored
// in the settings aggregate and drives their two-phase rollover.
type Manager struct {
	store    *settings.Store
	hostname string
	clock    clockwork.Clock
}

// NewManager returns a certificate manager. hostname becomes part of the
// common name of issued certificates.
func NewManager(store *settings.Store, hostname string, clock clockwork.Clock) *Manager {
	return &Manager{store: store, hostname: hostname, clock: clock}
}

// HasActiveCertificates reports whether all four active-set fields are
// populated. Missing settings count as no certificates.
func (m *Manager) HasActiveCertificates(ctx context.Context) (bool, error) {
	s, _, err := m.store.Load(ctx)
	if errors.Is(err, settings.ErrNotConfigured) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.HasActiveCertificates(), nil
}

// HasPendingCertificates reports whether a prepared pending set exists.
func (m *Manager) HasPendingCertificates(ctx context.Context) (bool, error) {
	s, _, err := m.store.Load(ctx)
	if errors.Is(err, settings.ErrNotConfigured) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.HasPendingCertificates(), nil
}

// ActiveValidityWindow parses the active signing certificate and returns its
// validity bounds.
func (m *Manager) ActiveValidityWindow(ctx context.Context) (notBefore, notAfter time.Time, err error) {
	s, _, err := m.store.Load(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", ErrCertificateRead, err)
	}
	if s.Active.Cert == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: no active certificate stored", ErrCertificateRead)
	}

	cert, err := ParseCertificate(s.Active.Cert)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return cert.NotBefore, cert.NotAfter, nil
}

// IssueKeypair generates an RSA keypair and a self-signed certificate valid
// for the given number of days.
func (m *Manager) IssueKeypair(validityDays int) (keyPEM, certPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, spKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("crypto backend: failed to generate RSA key: %w", err)
	}

	now := m.clock.Now()
	tmpl := &x509.Certificate{
		// Issuance time doubles as serial, matching one certificate per
		// second which is ample for a two-phase rollover.
		SerialNumber: big.NewInt(now.Unix()),
		Subject: pkix.Name{
			CommonName: m.hostname + " eID-Login",
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("crypto backend: failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("crypto backend: failed to encode private key: %w", err)
	}

	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return keyPEM, certPEM, nil
}

// PrepareRollover issues fresh signing and encryption keypairs and stores
// them as the pending set. The active set is untouched; an existing pending
// set is overwritten.
func (m *Manager) PrepareRollover(ctx context.Context) error {
	s, version, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	signKey, signCert, err := m.IssueKeypair(ValidSpanDays)
	if err != nil {
		return err
	}
	encKey, encCert, err := m.IssueKeypair(ValidSpanDays)
	if err != nil {
		return err
	}

	s.New = settings.KeyPair{Key: signKey, Cert: signCert}
	s.NewEnc = settings.KeyPair{Key: encKey, Cert: encCert}

	return m.store.Save(ctx, s, version)
}

// ExecuteRollover promotes the pending set to active and keeps the previous
// active set in the audit slot. Fails if no pending set exists.
func (m *Manager) ExecuteRollover(ctx context.Context) error {
	s, version, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if !s.HasPendingCertificates() {
		return ErrNoPendingCertificates
	}

	s.Old = s.Active
	s.OldEnc = s.ActiveEnc
	s.Active = s.New
	s.ActiveEnc = s.NewEnc
	s.New = settings.KeyPair{}
	s.NewEnc = settings.KeyPair{}

	return m.store.Save(ctx, s, version)
}

// VerifyPeerKeyStrength parses the certificate's public key and rejects keys
// below MinPeerKeyBits with a user-facing WeakKeyError carrying the label.
func VerifyPeerKeyStrength(certPEM, label string) error {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return fmt.Errorf("%w: the %s of the identity provider could not be read", ErrCertificateRead, label)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: the %s of the identity provider could not be read", ErrCertificateRead, label)
	}

	if bits := pub.N.BitLen(); bits < MinPeerKeyBits {
		return &WeakKeyError{Label: label, Bits: bits}
	}
	return nil
}

// ParseCertificate parses a certificate given either as full PEM or as the
// bare base64 body the IdP metadata delivers.
func ParseCertificate(raw string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(FormatCertPEM(raw)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrCertificateRead)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateRead, err)
	}
	return cert, nil
}

// ParsePrivateKey parses a PEM-encoded RSA private key (PKCS#8 or PKCS#1).
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("private key: not an RSA key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	return key, nil
}

// FormatCertPEM wraps a headerless base64 certificate body in PEM armor.
// Metadata documents carry certificates without headers; full PEM input is
// returned unchanged.
func FormatCertPEM(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "-----BEGIN") {
		return raw
	}

	body := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, raw)

	var b strings.Builder
	b.WriteString("-----BEGIN CERTIFICATE-----\n")
	for len(body) > 64 {
		b.WriteString(body[:64])
		b.WriteByte('\n')
		body = body[64:]
	}
	b.WriteString(body)
	b.WriteString("\n-----END CERTIFICATE-----\n")
	return b.String()
}

// CropCert returns the display tail of a certificate, enough to tell two
// certificates apart in the admin UI without dumping the whole body.
func CropCert(cert string) string {
	if len(cert) < 66 {
		return cert
	}
	return cert[len(cert)-66 : len(cert)-26]
}
