package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/beevik/etree"

	"github.com/eid-services/eidlogin/internal/settings"
)

// Protocol validation failures. All of them are mapped to a generic login
// error at the orchestrator boundary; the detail is only logged.
var (
	ErrMissingCorrelationID = errors.New("response carries no InResponseTo attribute")
	ErrUnknownRequest       = errors.New("no pending authentication request for this response")
	ErrExpiredRequest       = errors.New("authentication request has expired")
	ErrAlgorithmPolicy      = errors.New("response uses a disallowed cryptographic algorithm")
	ErrEncryptionRequired   = errors.New("response carries no encrypted assertion")
	ErrMissingPseudonym     = errors.New("response carries no pseudonym")
	ErrCsrf                 = errors.New("cookie token mismatch")
	ErrEidAlreadyLinked     = errors.New("eid is already linked to another account")
)

// Signing allow-list: the RSA-PSS family plus one legacy PKCS#1 v1.5 entry
// kept for backward compatibility.
var signingAlgorithms = map[string]bool{
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256":      true,
	"http://www.w3.org/2007/05/xmldsig-more#sha224-rsa-MGF1": true,
	"http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1": true,
	"http://www.w3.org/2007/05/xmldsig-more#sha384-rsa-MGF1": true,
	"http://www.w3.org/2007/05/xmldsig-more#sha512-rsa-MGF1": true,
}

var keyTransportAlgorithms = map[string]bool{
	"http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p": true,
}

var dataAlgorithms = map[string]bool{
	"http://www.w3.org/2009/xmlenc11#aes128-gcm": true,
	"http://www.w3.org/2009/xmlenc11#aes192-gcm": true,
	"http://www.w3.org/2009/xmlenc11#aes256-gcm": true,
}

// decodeResponse base64-decodes the raw response parameter and inflates it
// when the redirect binding deflated it.
func decodeResponse(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("response is not valid base64: %w", err)
	}
	if len(raw) > 0 && raw[0] != '<' {
		inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("response could not be inflated: %w", err)
		}
		raw = inflated
	}
	return raw, nil
}

func parseResponse(raw []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("response is not well-formed XML: %w", err)
	}
	if doc.Root() == nil {
		return nil, errors.New("response has no document element")
	}
	return doc, nil
}

// extractInResponseTo reads the correlation identifier from the response
// element.
func extractInResponseTo(doc *etree.Document) (string, error) {
	id := doc.Root().SelectAttrValue("InResponseTo", "")
	if id == "" {
		return "", ErrMissingCorrelationID
	}
	return id, nil
}

// extractStatusMessage returns the StatusMessage text, empty if absent.
func extractStatusMessage(doc *etree.Document) string {
	if el := findFirst(doc.Root(), "StatusMessage"); el != nil {
		return el.Text()
	}
	return ""
}

// checkAlgorithms enforces the algorithm allow-lists before any
// cryptographic processing happens. TR-03130 responses must carry exactly
// one data and one key-transport encryption method; plain responses may
// carry at most one assertion signature method. With enforceEncryption set
// a plain response must carry its assertion encrypted, algorithm-checked
// like a TR-03130 one.
func checkAlgorithms(doc *etree.Document, mode settings.ProfileMode, enforceEncryption bool) error {
	if mode == settings.ProfileTR03130 || enforceEncryption {
		if findFirst(doc.Root(), "EncryptedAssertion") == nil {
			return ErrEncryptionRequired
		}
		if err := checkEncryptionMethod(doc.Root(), "EncryptedData", dataAlgorithms); err != nil {
			return err
		}
		return checkEncryptionMethod(doc.Root(), "EncryptedKey", keyTransportAlgorithms)
	}

	assertion := findFirst(doc.Root(), "Assertion")
	if assertion == nil {
		return nil
	}
	methods := findAll(assertion, "SignatureMethod")
	switch len(methods) {
	case 0:
		return nil
	case 1:
		algo := methods[0].SelectAttrValue("Algorithm", "")
		if !signingAlgorithms[algo] {
			return fmt.Errorf("%w: signature algorithm %q", ErrAlgorithmPolicy, algo)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d signature methods on assertion", ErrAlgorithmPolicy, len(methods))
	}
}

// checkEncryptionMethod requires exactly one EncryptionMethod child below
// elements of the given parent tag, with an allow-listed Algorithm.
func checkEncryptionMethod(root *etree.Element, parentTag string, allowed map[string]bool) error {
	var methods []*etree.Element
	for _, parent := range findAll(root, parentTag) {
		for _, child := range parent.ChildElements() {
			if child.Tag == "EncryptionMethod" {
				methods = append(methods, child)
			}
		}
	}
	if len(methods) != 1 {
		return fmt.Errorf("%w: %d encryption methods under %s, want 1", ErrAlgorithmPolicy, len(methods), parentTag)
	}
	algo := methods[0].SelectAttrValue("Algorithm", "")
	if !allowed[algo] {
		return fmt.Errorf("%w: encryption algorithm %q under %s", ErrAlgorithmPolicy, algo, parentTag)
	}
	return nil
}

// findFirst returns the first descendant with the given local tag name,
// ignoring namespace prefixes.
func findFirst(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findFirst(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns all descendants with the given local tag name, in document
// order, ignoring namespace prefixes.
func findAll(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	if el.Tag == tag {
		out = append(out, el)
	}
	for _, child := range el.ChildElements() {
		out = append(out, findAll(child, tag)...)
	}
	return out
}
