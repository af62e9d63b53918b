package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/internal/payment"
	"github.com/scanguard/gateway/internal/ratelimit"
	"github.com/scanguard/gateway/internal/services"
)

const maxScanBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, label, message string) {
	writeJSON(w, status, map[string]string{"error": label, "message": message})
}

// ServiceInfo is what the discovery endpoint advertises.
type ServiceInfo struct {
	Version         string
	Environment     string
	AuthDisabled    bool
	PaymentsEnabled bool
	Price           string
	Network         string
	ChainID         int64
	PayTo           string
}

type APIHandler struct {
	scanner services.Scanner
	tracker *payment.Tracker
	info    ServiceInfo
}

// NewAPIHandler wires the public endpoints. scanner may be nil, in which
// case scan and threat endpoints answer 503.
func NewAPIHandler(scanner services.Scanner, tracker *payment.Tracker, info ServiceInfo) *APIHandler {
	return &APIHandler{scanner: scanner, tracker: tracker, info: info}
}

// Health reports liveness.
// GET /health
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Discovery describes the API, its price and limits.
// GET /api/v1
func (h *APIHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	limits := map[string]any{}
	for _, tier := range []models.Tier{models.TierUnauthenticated, models.TierBasic, models.TierPremium, models.TierEnterprise} {
		q := ratelimit.TierQuotas[tier]
		limits[string(tier)] = map[string]any{"requests": q.Limit, "windowSeconds": int(q.Window.Seconds())}
	}

	body := map[string]any{
		"name":        "scanguard",
		"version":     h.info.Version,
		"environment": h.info.Environment,
		"endpoints": []map[string]any{
			{"method": "POST", "path": "/api/v1/scan", "auth": !h.info.AuthDisabled, "priced": h.info.PaymentsEnabled},
			{"method": "GET", "path": "/api/v1/threats", "auth": false, "priced": false},
			{"method": "GET", "path": "/api/v1/payments/{scanId}", "auth": false, "priced": false},
		},
		"rateLimits": map[string]any{
			"tiers":   limits,
			"reports": map[string]any{"requests": ratelimit.ReportsQuota.Limit, "windowSeconds": int(ratelimit.ReportsQuota.Window.Seconds())},
			"global":  map[string]any{"requests": ratelimit.GlobalQuota.Limit, "windowSeconds": int(ratelimit.GlobalQuota.Window.Seconds())},
		},
	}
	if h.info.PaymentsEnabled {
		body["payment"] = map[string]any{
			"protocol": "x402",
			"scheme":   payment.SchemeExact,
			"price":    h.info.Price,
			"network":  h.info.Network,
			"chainId":  h.info.ChainID,
			"payTo":    h.info.PayTo,
			"headers": map[string]string{
				"challenge": HeaderPaymentRequired,
				"proof":     HeaderPaymentSignature,
				"receipt":   HeaderPaymentResponse,
			},
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Threats proxies the threat report feed.
// GET /api/v1/threats
func (h *APIHandler) Threats(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner_unavailable", "The scanner is not configured.")
		return
	}

	out, err := h.scanner.Threats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch threats")
		writeError(w, http.StatusServiceUnavailable, "scanner_unavailable", "The scanner is temporarily unavailable.")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Scan runs a scan for an admitted (and, when priced, paid) request.
// POST /api/v1/scan
func (h *APIHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req services.ScanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object with a target.")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", strings.TrimPrefix(err.Error(), services.ErrInvalidScan.Error()+": "))
		return
	}

	req.ScanID = h.scanID(r)
	w.Header().Set(HeaderScanID, req.ScanID)

	if h.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner_unavailable", "The scanner is not configured.")
		return
	}

	out, err := h.scanner.Scan(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("scan_id", req.ScanID).Msg("Scan failed")
		writeError(w, http.StatusServiceUnavailable, "scanner_unavailable", "The scanner is temporarily unavailable.")
		return
	}

	body := map[string]any{"scanId": req.ScanID, "result": out}
	if d, ok := AdmissionFromContext(r.Context()); ok && d.Payment != nil && d.Payment.Receipt != nil {
		body["payment"] = d.Payment.Receipt
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *APIHandler) scanID(r *http.Request) string {
	if d, ok := AdmissionFromContext(r.Context()); ok && d.Payment != nil && d.Payment.ScanID != "" {
		return d.Payment.ScanID
	}
	if id := strings.TrimSpace(r.Header.Get(HeaderScanID)); payment.ValidScanID(id) {
		return id
	}
	return "scan_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PaymentStatus reports the recorded payment for a scan.
// GET /api/v1/payments/{scanId}
func (h *APIHandler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")
	if !payment.ValidScanID(scanID) {
		writeError(w, http.StatusBadRequest, "invalid_scan_id", "Scan ids are at most 128 letters, digits, '_' or '-'.")
		return
	}

	rec, err := h.tracker.GetStatus(r.Context(), scanID)
	if errors.Is(err, payment.ErrNotFound) {
		writeError(w, http.StatusNotFound, "payment_not_found", "No payment is recorded for this scan.")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scan_id", scanID).Msg("Failed to load payment")
		writeError(w, http.StatusInternalServerError, "internal_error", "The payment could not be loaded.")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "No route matches "+r.Method+" "+r.URL.Path+".")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path+".")
}
