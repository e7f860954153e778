package core

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eid-services/eidlogin/internal/certs"
	"github.com/eid-services/eidlogin/internal/saml"
	"github.com/eid-services/eidlogin/internal/settings"
)

// settingsRequest is the admin-facing settings payload. A metadata URL lets
// the identity provider side be prefilled from its metadata document.
type settingsRequest struct {
	Activated           bool   `json:"activated"`
	SPEntityID          string `json:"sp_entity_id"`
	SPEnforceEncryption bool   `json:"sp_enforce_enc"`
	IdPEntityID         string `json:"idp_entity_id"`
	IdPSSOURL           string `json:"idp_sso_url"`
	IdPCertSign         string `json:"idp_cert_sign"`
	IdPCertEnc          string `json:"idp_cert_enc"`
	IdPExtTR03130       string `json:"idp_ext_tr03130"`
	IdPMetadataURL      string `json:"idp_metadata_url,omitempty"`
}

// settingsView is the read model: private keys are never returned and
// certificates are cropped to their display tail.
type settingsView struct {
	Activated           bool   `json:"activated"`
	SPEntityID          string `json:"sp_entity_id"`
	SPEnforceEncryption bool   `json:"sp_enforce_enc"`
	IdPEntityID         string `json:"idp_entity_id"`
	IdPSSOURL           string `json:"idp_sso_url"`
	IdPCertSign         string `json:"idp_cert_sign"`
	IdPCertEnc          string `json:"idp_cert_enc"`
	IdPExtTR03130       string `json:"idp_ext_tr03130"`
	CertActive          string `json:"cert_active,omitempty"`
	CertActiveEnc       string `json:"cert_active_enc,omitempty"`
	CertNew             string `json:"cert_new,omitempty"`
	CertNewEnc          string `json:"cert_new_enc,omitempty"`
	ProfileMode         string `json:"profile_mode"`
}

func viewOf(s *settings.Settings) settingsView {
	return settingsView{
		Activated:           s.Activated,
		SPEntityID:          s.SPEntityID,
		SPEnforceEncryption: s.SPEnforceEncryption,
		IdPEntityID:         s.IdPEntityID,
		IdPSSOURL:           s.IdPSSOURL,
		IdPCertSign:         s.IdPCertSign,
		IdPCertEnc:          s.IdPCertEnc,
		IdPExtTR03130:       s.IdPExtTR03130,
		CertActive:          certs.CropCert(s.Active.Cert),
		CertActiveEnc:       certs.CropCert(s.ActiveEnc.Cert),
		CertNew:             certs.CropCert(s.New.Cert),
		CertNewEnc:          certs.CropCert(s.NewEnc.Cert),
		ProfileMode:         s.ProfileMode().String(),
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, _, err := s.settingsStore.Load(r.Context())
	if errors.Is(err, settings.ErrNotConfigured) {
		writeJSON(w, http.StatusOK, settingsView{})
		return
	}
	if err != nil {
		log.Printf("Settings: load failed: %v", err)
		writeError(w, http.StatusInternalServerError, "settings could not be loaded")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(current))
}

// handleSaveSettings validates and persists the settings aggregate. The
// identity provider certificates pass the key-strength gate, the initial
// service provider certificate sets are issued on first save, and the
// certificate job is reactivated in case a failed rollover stopped it.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.IdPMetadataURL != "" {
		md, err := saml.FetchIdPMetadata(ctx, nil, req.IdPMetadataURL)
		if err != nil {
			log.Printf("Settings: metadata fetch failed: %v", err)
			writeError(w, http.StatusBadRequest, "the identity provider metadata could not be fetched: "+err.Error())
			return
		}
		if req.IdPEntityID == "" {
			req.IdPEntityID = md.EntityID
		}
		if req.IdPSSOURL == "" {
			req.IdPSSOURL = md.SSOURL
		}
		if req.IdPCertSign == "" {
			req.IdPCertSign = md.CertSign
		}
		if req.IdPCertEnc == "" {
			req.IdPCertEnc = md.CertEnc
		}
	}

	if req.SPEntityID == "" || req.IdPEntityID == "" || req.IdPSSOURL == "" || req.IdPCertSign == "" {
		writeError(w, http.StatusBadRequest, "entity IDs, SSO URL and signature certificate are required")
		return
	}

	// certificate validation errors are the one category surfaced verbatim,
	// the administrator has to fix them
	if err := certs.VerifyPeerKeyStrength(req.IdPCertSign, "signature certificate"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IdPCertEnc != "" {
		if err := certs.VerifyPeerKeyStrength(req.IdPCertEnc, "encryption certificate"); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	current, version, err := s.settingsStore.Load(ctx)
	if errors.Is(err, settings.ErrNotConfigured) {
		current, version = &settings.Settings{}, 0
	} else if err != nil {
		log.Printf("Settings: load failed: %v", err)
		writeError(w, http.StatusInternalServerError, "settings could not be loaded")
		return
	}

	current.Activated = req.Activated
	current.SPEntityID = req.SPEntityID
	current.SPEnforceEncryption = req.SPEnforceEncryption
	current.IdPEntityID = req.IdPEntityID
	current.IdPSSOURL = req.IdPSSOURL
	current.IdPCertSign = req.IdPCertSign
	current.IdPCertEnc = req.IdPCertEnc
	current.IdPExtTR03130 = req.IdPExtTR03130

	if !current.HasActiveCertificates() {
		if err := s.issueInitialCertificates(current); err != nil {
			log.Printf("Settings: initial certificate issuance failed: %v", err)
			writeError(w, http.StatusInternalServerError, "the service provider certificates could not be created")
			return
		}
	}

	if err := s.settingsStore.Save(ctx, current, version); err != nil {
		if errors.Is(err, settings.ErrVersionConflict) {
			writeError(w, http.StatusConflict, "the settings were changed concurrently, please reload and try again")
			return
		}
		log.Printf("Settings: save failed: %v", err)
		writeError(w, http.StatusInternalServerError, "settings could not be saved")
		return
	}

	s.scheduler.ReactivateCertJob()
	writeJSON(w, http.StatusOK, viewOf(current))
}

func (s *Server) issueInitialCertificates(current *settings.Settings) error {
	signKey, signCert, err := s.certIssuer.IssueKeypair(certs.ValidSpanDays)
	if err != nil {
		return err
	}
	encKey, encCert, err := s.certIssuer.IssueKeypair(certs.ValidSpanDays)
	if err != nil {
		return err
	}
	current.Active = settings.KeyPair{Key: signKey, Cert: signCert}
	current.ActiveEnc = settings.KeyPair{Key: encKey, Cert: encCert}
	return nil
}

// handleUnlink removes an account's eID link and attributes and re-enables
// its password login.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	linked, err := s.identities.IsLinked(ctx, userID)
	if err != nil {
		log.Printf("Unlink: lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "unlink failed")
		return
	}
	if !linked {
		writeError(w, http.StatusNotFound, "no eID connection for this account")
		return
	}

	if err := s.identities.Unlink(ctx, userID); err != nil {
		log.Printf("Unlink: %v", err)
		writeError(w, http.StatusInternalServerError, "unlink failed")
		return
	}
	if err := s.toggler.EnablePasswordLogin(ctx, userID); err != nil {
		log.Printf("Unlink: password login could not be re-enabled for user %d: %v", userID, err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

// LogToggler is the default password-login collaborator: it only records the
// transition. Deployments embedding a real account system replace it.
type LogToggler struct{}

func (LogToggler) EnablePasswordLogin(_ context.Context, userID int64) error {
	log.Printf("Accounts: password login re-enabled for user %d", userID)
	return nil
}

var _ saml.PasswordLoginToggler = LogToggler{}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
