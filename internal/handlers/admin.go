package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/keystore"
	"github.com/scanguard/gateway/internal/models"
)

type AdminHandler struct {
	keys *keystore.KeyStore
}

func NewAdminHandler(keys *keystore.KeyStore) *AdminHandler {
	return &AdminHandler{keys: keys}
}

// ListKeys returns every key in redacted form.
// GET /admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list keys")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list keys.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// CreateKey registers a key. When no key is supplied one is generated; the
// raw key is returned only in this response.
// POST /admin/keys
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Key  string `json:"key"`
		Name string `json:"name"`
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid input.")
		return
	}
	if input.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Name is required.")
		return
	}
	if input.Tier == "" {
		input.Tier = string(models.TierBasic)
	}

	tier, err := models.ParseTier(input.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tier", err.Error())
		return
	}

	key := input.Key
	if key == "" {
		if key, err = keystore.GenerateAPIKey(); err != nil {
			log.Error().Err(err).Msg("Failed to generate key")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to generate key.")
			return
		}
	}

	switch err := h.keys.AddKey(r.Context(), key, tier, input.Name); {
	case errors.Is(err, keystore.ErrKeyTooShort):
		writeError(w, http.StatusBadRequest, "key_too_short", err.Error())
		return
	case errors.Is(err, keystore.ErrKeyExists):
		writeError(w, http.StatusConflict, "key_exists", err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to add key")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to add key.")
		return
	}

	subject, _ := r.Context().Value(AdminContextKey).(string)
	log.Info().Str("admin", subject).Str("key", keystore.Preview(key)).Msg("Key created via admin API")

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"preview": keystore.Preview(key),
		"name":    input.Name,
		"tier":    tier,
	})
}

// DisableKey disables a key.
// POST /admin/keys/disable
func (h *AdminHandler) DisableKey(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Key is required.")
		return
	}

	found, err := h.keys.Disable(r.Context(), input.Key)
	if err != nil {
		log.Error().Err(err).Msg("Failed to disable key")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to disable key.")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "key_not_found", "No such key.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disabled": true, "preview": keystore.Preview(input.Key)})
}
