package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eid-services/eidlogin/internal/settings"
)

const plainResponse = `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_resp" InResponseTo="eidlogin_req1">
  <samlp:Status>
    <samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/>
    <samlp:StatusMessage>All fine</samlp:StatusMessage>
  </samlp:Status>
  <saml:Assertion ID="_a1">
    <ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
      <ds:SignedInfo>
        <ds:SignatureMethod Algorithm="http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"/>
      </ds:SignedInfo>
    </ds:Signature>
  </saml:Assertion>
</samlp:Response>`

const encryptedResponse = `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_resp" InResponseTo="eidlogin_req1">
  <saml:EncryptedAssertion xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">
    <xenc:EncryptedData xmlns:xenc="http://www.w3.org/2001/04/xmlenc#">
      <xenc:EncryptionMethod Algorithm="http://www.w3.org/2009/xmlenc11#aes256-gcm"/>
      <ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
        <xenc:EncryptedKey>
          <xenc:EncryptionMethod Algorithm="http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"/>
        </xenc:EncryptedKey>
      </ds:KeyInfo>
    </xenc:EncryptedData>
  </saml:EncryptedAssertion>
</samlp:Response>`

func TestDecodeResponse(t *testing.T) {
	assert := assert.New(t)

	// plain base64 (POST binding)
	raw, err := decodeResponse(base64.StdEncoding.EncodeToString([]byte(plainResponse)))
	require.NoError(t, err)
	assert.Equal(plainResponse, string(raw))

	// deflated base64 (redirect binding)
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write([]byte(plainResponse))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	raw, err = decodeResponse(base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(plainResponse, string(raw))

	_, err = decodeResponse("%%%not-base64%%%")
	assert.Error(err)
}

func TestExtractInResponseTo(t *testing.T) {
	assert := assert.New(t)

	doc, err := parseResponse([]byte(plainResponse))
	require.NoError(t, err)

	id, err := extractInResponseTo(doc)
	require.NoError(t, err)
	assert.Equal("eidlogin_req1", id)

	doc, err = parseResponse([]byte(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_x"/>`))
	require.NoError(t, err)
	_, err = extractInResponseTo(doc)
	assert.ErrorIs(err, ErrMissingCorrelationID)
}

func TestExtractStatusMessage(t *testing.T) {
	doc, err := parseResponse([]byte(plainResponse))
	require.NoError(t, err)
	assert.Equal(t, "All fine", extractStatusMessage(doc))

	doc, err = parseResponse([]byte(encryptedResponse))
	require.NoError(t, err)
	assert.Empty(t, extractStatusMessage(doc))
}

func TestCheckAlgorithmsPlain(t *testing.T) {
	assert := assert.New(t)

	doc, err := parseResponse([]byte(plainResponse))
	require.NoError(t, err)
	assert.NoError(checkAlgorithms(doc, settings.ProfilePlainSAML, false))

	// no signature method at all is tolerated
	doc, err = parseResponse([]byte(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" InResponseTo="x"><saml:Assertion xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"/></samlp:Response>`))
	require.NoError(t, err)
	assert.NoError(checkAlgorithms(doc, settings.ProfilePlainSAML, false))

	// a disallowed algorithm is rejected
	bad := bytes.Replace([]byte(plainResponse),
		[]byte("http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"),
		[]byte("http://www.w3.org/2000/09/xmldsig#rsa-sha1"), 1)
	doc, err = parseResponse(bad)
	require.NoError(t, err)
	assert.ErrorIs(checkAlgorithms(doc, settings.ProfilePlainSAML, false), ErrAlgorithmPolicy)
}

func TestCheckAlgorithmsEnforcedEncryption(t *testing.T) {
	assert := assert.New(t)

	// an unencrypted assertion is refused when encryption is enforced
	doc, err := parseResponse([]byte(plainResponse))
	require.NoError(t, err)
	assert.ErrorIs(checkAlgorithms(doc, settings.ProfilePlainSAML, true), ErrEncryptionRequired)

	// an encrypted one passes, subject to the encryption allow-lists
	doc, err = parseResponse([]byte(encryptedResponse))
	require.NoError(t, err)
	assert.NoError(checkAlgorithms(doc, settings.ProfilePlainSAML, true))

	bad := bytes.Replace([]byte(encryptedResponse),
		[]byte("http://www.w3.org/2009/xmlenc11#aes256-gcm"),
		[]byte("http://www.w3.org/2001/04/xmlenc#aes128-cbc"), 1)
	doc, err = parseResponse(bad)
	require.NoError(t, err)
	assert.ErrorIs(checkAlgorithms(doc, settings.ProfilePlainSAML, true), ErrAlgorithmPolicy)
}

func TestCheckAlgorithmsTR03130(t *testing.T) {
	assert := assert.New(t)

	doc, err := parseResponse([]byte(encryptedResponse))
	require.NoError(t, err)
	assert.NoError(checkAlgorithms(doc, settings.ProfileTR03130, false))

	// missing encryption entirely
	doc, err = parseResponse([]byte(plainResponse))
	require.NoError(t, err)
	assert.ErrorIs(checkAlgorithms(doc, settings.ProfileTR03130, false), ErrEncryptionRequired)

	// disallowed data algorithm
	bad := bytes.Replace([]byte(encryptedResponse),
		[]byte("http://www.w3.org/2009/xmlenc11#aes256-gcm"),
		[]byte("http://www.w3.org/2001/04/xmlenc#aes128-cbc"), 1)
	doc, err = parseResponse(bad)
	require.NoError(t, err)
	assert.ErrorIs(checkAlgorithms(doc, settings.ProfileTR03130, false), ErrAlgorithmPolicy)

	// disallowed key transport algorithm
	bad = bytes.Replace([]byte(encryptedResponse),
		[]byte("http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"),
		[]byte("http://www.w3.org/2001/04/xmlenc#rsa-1_5"), 1)
	doc, err = parseResponse(bad)
	require.NoError(t, err)
	assert.ErrorIs(checkAlgorithms(doc, settings.ProfileTR03130, false), ErrAlgorithmPolicy)
}

func TestRandomToken(t *testing.T) {
	assert := assert.New(t)

	a, err := randomToken()
	require.NoError(t, err)
	b, err := randomToken()
	require.NoError(t, err)

	assert.NotEqual(a, b)
	assert.True(len(a) <= tokenMaxLen)
	assert.Contains(a, tokenPrefix)
}
