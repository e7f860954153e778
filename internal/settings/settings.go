package settings

// ProfileMode selects how responses are validated, resolved once per
// settings load and threaded through the whole flow.
type ProfileMode int

const (
	// ProfilePlainSAML is the default SAML 2.0 web SSO profile
	ProfilePlainSAML ProfileMode = iota
	// ProfileTR03130 is the BSI eID-Server profile with the extra
	// eID-Client redirect hop and the detached query signature
	ProfileTR03130
)

func (m ProfileMode) String() string {
	if m == ProfileTR03130 {
		return "tr03130"
	}
	return "saml"
}

// KeyPair is a PEM-encoded private key with its certificate.
type KeyPair struct {
	Key  string `json:"key"`
	Cert string `json:"cert"`
}

// Empty reports whether either half of the pair is missing.
func (kp KeyPair) Empty() bool {
	return kp.Key == "" || kp.Cert == ""
}

// Settings is the global configuration aggregate: service provider and
// identity provider settings plus all certificate material. It is read and
// written as a whole through the Store.
type Settings struct {
	// Activated by an administrator; the availability gate requires it
	Activated bool `json:"activated"`

	SPEntityID          string `json:"sp_entity_id"`
	SPEnforceEncryption bool   `json:"sp_enforce_enc"`

	IdPEntityID string `json:"idp_entity_id"`
	IdPSSOURL   string `json:"idp_sso_url"`
	IdPCertSign string `json:"idp_cert_sign"`
	IdPCertEnc  string `json:"idp_cert_enc"`

	// Raw AuthnRequestExtension XML. A non-empty value selects the
	// TR-03130 profile for the whole flow.
	IdPExtTR03130 string `json:"idp_ext_tr03130"`

	// SP certificate sets. Active and ActiveEnc are all-or-nothing, the
	// pending set is populated by rollover prepare, the old set is kept
	// for audit only.
	Active    KeyPair `json:"sp_act"`
	ActiveEnc KeyPair `json:"sp_act_enc"`
	New       KeyPair `json:"sp_new"`
	NewEnc    KeyPair `json:"sp_new_enc"`
	Old       KeyPair `json:"sp_old"`
	OldEnc    KeyPair `json:"sp_old_enc"`
}

// ProfileMode resolves the validation profile from the settings.
func (s *Settings) ProfileMode() ProfileMode {
	if s.IdPExtTR03130 != "" {
		return ProfileTR03130
	}
	return ProfilePlainSAML
}

// HasActiveCertificates reports whether the active signing and encryption
// sets are fully populated.
func (s *Settings) HasActiveCertificates() bool {
	return !s.Active.Empty() && !s.ActiveEnc.Empty()
}

// HasPendingCertificates reports whether a pending set from a prepared
// rollover exists.
func (s *Settings) HasPendingCertificates() bool {
	return !s.New.Empty() && !s.NewEnc.Empty()
}
