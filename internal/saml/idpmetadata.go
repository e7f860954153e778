package saml

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beevik/etree"
)

// IdPMetadata is the subset of an identity provider's metadata document the
// settings form can be prefilled from.
type IdPMetadata struct {
	EntityID string
	SSOURL   string
	CertSign string
	CertEnc  string
}

const metadataFetchTimeout = 10 * time.Second

// FetchIdPMetadata downloads and parses the metadata document at the given
// URL. Metadata advertising a single certificate without a use attribute
// serves both signing and encryption.
func FetchIdPMetadata(ctx context.Context, client *http.Client, metadataURL string) (*IdPMetadata, error) {
	if client == nil {
		client = &http.Client{Timeout: metadataFetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity provider metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return ParseIdPMetadata(body)
}

// ParseIdPMetadata extracts entity ID, redirect-binding SSO location and the
// signing/encryption certificates from a metadata document.
func ParseIdPMetadata(raw []byte) (*IdPMetadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("metadata is not well-formed XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("metadata has no document element")
	}

	entity := findFirst(root, "EntityDescriptor")
	if entity == nil {
		return nil, fmt.Errorf("metadata carries no EntityDescriptor")
	}
	md := &IdPMetadata{EntityID: entity.SelectAttrValue("entityID", "")}
	if md.EntityID == "" {
		return nil, fmt.Errorf("metadata carries no entityID")
	}

	idp := findFirst(entity, "IDPSSODescriptor")
	if idp == nil {
		return nil, fmt.Errorf("metadata carries no IDPSSODescriptor")
	}

	for _, sso := range findAll(idp, "SingleSignOnService") {
		binding := sso.SelectAttrValue("Binding", "")
		if binding == "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" || md.SSOURL == "" {
			md.SSOURL = sso.SelectAttrValue("Location", "")
		}
	}
	if md.SSOURL == "" {
		return nil, fmt.Errorf("metadata carries no SingleSignOnService location")
	}

	for _, kd := range findAll(idp, "KeyDescriptor") {
		cert := findFirst(kd, "X509Certificate")
		if cert == nil {
			continue
		}
		switch kd.SelectAttrValue("use", "") {
		case "signing":
			md.CertSign = cert.Text()
		case "encryption":
			md.CertEnc = cert.Text()
		default:
			if md.CertSign == "" {
				md.CertSign = cert.Text()
			}
			if md.CertEnc == "" {
				md.CertEnc = cert.Text()
			}
		}
	}
	if md.CertSign == "" {
		return nil, fmt.Errorf("metadata carries no signature certificate")
	}
	if md.CertEnc == "" {
		md.CertEnc = md.CertSign
	}
	return md, nil
}
