package saml

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func signedQuery(t *testing.T, key *rsa.PrivateKey, sigAlg string, pss bool) string {
	t.Helper()

	rawQuery := "SAMLResponse=" + url.QueryEscape("fake-response-bytes") +
		"&SigAlg=" + url.QueryEscape(sigAlg)

	digest := sha256.Sum256([]byte(rawQuery))
	var sig []byte
	var err error
	if pss {
		sig, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	} else {
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	}
	require.NoError(t, err)

	return rawQuery + "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig))
}

func TestVerifyDetachedSignaturePSS(t *testing.T) {
	key, cert := newSigner(t)
	rawQuery := signedQuery(t, key, "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1", true)
	assert.NoError(t, verifyDetachedSignature(rawQuery, cert))
}

func TestVerifyDetachedSignatureLegacyPKCS1(t *testing.T) {
	key, cert := newSigner(t)
	rawQuery := signedQuery(t, key, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256", false)
	assert.NoError(t, verifyDetachedSignature(rawQuery, cert))
}

func TestVerifyDetachedSignatureRejectsDisallowedAlgorithm(t *testing.T) {
	key, cert := newSigner(t)
	rawQuery := signedQuery(t, key, "http://www.w3.org/2000/09/xmldsig#rsa-sha1", false)
	assert.ErrorIs(t, verifyDetachedSignature(rawQuery, cert), ErrAlgorithmPolicy)
}

func TestVerifyDetachedSignatureRejectsTampering(t *testing.T) {
	assert := assert.New(t)
	key, cert := newSigner(t)
	rawQuery := signedQuery(t, key, "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1", true)

	tampered := "SAMLResponse=" + url.QueryEscape("other-bytes") + rawQuery[len("SAMLResponse=")+len(url.QueryEscape("fake-response-bytes")):]
	assert.Error(verifyDetachedSignature(tampered, cert))

	// wrong key
	_, otherCert := newSigner(t)
	assert.Error(verifyDetachedSignature(rawQuery, otherCert))
}

func TestVerifyDetachedSignatureMissingParameters(t *testing.T) {
	assert := assert.New(t)
	_, cert := newSigner(t)

	assert.ErrorIs(verifyDetachedSignature("SAMLResponse=abc", cert), ErrAlgorithmPolicy)
	assert.Error(verifyDetachedSignature(
		"SAMLResponse=abc&SigAlg="+url.QueryEscape("http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"), cert))
}

func TestSignedQueryContentOrderAndRelayState(t *testing.T) {
	raw := "Signature=zzz&RelayState=rs&SAMLResponse=abc&SigAlg=alg"
	assert.Equal(t, "SAMLResponse=abc&RelayState=rs&SigAlg=alg", signedQueryContent(raw))
}
