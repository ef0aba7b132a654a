// credentials.go lets operators preload auth material for endpoint
// identities. Secrets are stored fernet-encrypted; responses never echo
// them back.

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tailview/tailview/internal/credentials"
	"github.com/tailview/tailview/internal/crypto"
	"github.com/tailview/tailview/internal/database"
	"github.com/tailview/tailview/internal/logutil"
)

type credentialRequest struct {
	Identity   string `json:"identity"`
	Kind       string `json:"kind"` // "password" or "key"
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// StoreCredential creates or replaces the stored material for an identity.
func StoreCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "Identity is required")
		return
	}

	var m credentials.Material
	switch credentials.Kind(req.Kind) {
	case credentials.KindPassword:
		if req.Password == "" {
			writeError(w, http.StatusBadRequest, "Password is required")
			return
		}
		m = credentials.Material{Kind: credentials.KindPassword, Password: req.Password}
	case credentials.KindPrivateKey:
		if req.KeyPath == "" {
			writeError(w, http.StatusBadRequest, "Key path is required")
			return
		}
		m = credentials.Material{Kind: credentials.KindPrivateKey, KeyPath: req.KeyPath, Passphrase: req.Passphrase}
	default:
		writeError(w, http.StatusBadRequest, "Kind must be password or key")
		return
	}

	if err := credentials.Store(req.Identity, m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"identity": logutil.SanitizeForLog(req.Identity),
		"kind":     req.Kind,
	})
}

// ListCredentials returns the stored identities with masked secrets.
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	var creds []database.Credential
	if err := database.DB.Order("identity").Find(&creds).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}

	out := make([]map[string]string, 0, len(creds))
	for _, c := range creds {
		secret, err := crypto.Decrypt(c.Secret)
		if err != nil {
			secret = ""
		}
		out = append(out, map[string]string{
			"identity": c.Identity,
			"kind":     c.Kind,
			"key_path": c.KeyPath,
			"secret":   crypto.Mask(secret),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteCredential removes the stored material for an identity.
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "Identity query parameter is required")
		return
	}
	res := database.DB.Where("identity = ?", identity).Delete(&database.Credential{})
	if res.Error != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
