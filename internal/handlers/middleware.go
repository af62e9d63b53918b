package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/admission"
	"github.com/scanguard/gateway/internal/payment"
)

type contextKey string

const (
	AdminContextKey     contextKey = "admin_subject"
	AdmissionContextKey contextKey = "admission"
)

const (
	HeaderAPIKey           = "X-API-Key"
	HeaderScanID           = "X-Scan-ID"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// APIKeyFromRequest reads the key from the X-API-Key header, then the
// api_key query parameter.
func APIKeyFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); k != "" {
		return k
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// Admit runs the admission gate for a route before calling next.
func Admit(gate *admission.Gate, policy admission.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get(HeaderScanID)); id != "" && !payment.ValidScanID(id) {
				writeError(w, http.StatusBadRequest, "invalid_scan_id", "X-Scan-ID must be at most 128 letters, digits, '_' or '-'.")
				return
			}

			d := gate.Admit(r.Context(), admission.Request{
				Policy:     policy,
				APIKey:     APIKeyFromRequest(r),
				RemoteAddr: r.RemoteAddr,
				Proof:      r.Header.Get(HeaderPaymentSignature),
				ScanID:     r.Header.Get(HeaderScanID),
				Resource:   r.URL.Path,
			})

			if rl := d.RateLimit; rl != nil {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
			}

			if d.Err != nil {
				writeAdmissionError(w, r, d.Err)
				return
			}

			if p := d.Payment; p != nil && p.Receipt != nil {
				if receipt, err := payment.EncodeReceipt(p.Receipt); err == nil {
					w.Header().Set(HeaderPaymentResponse, receipt)
				}
				w.Header().Set(HeaderScanID, p.ScanID)
			}

			ctx := context.WithValue(r.Context(), AdmissionContextKey, &d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdmissionFromContext returns the decision that admitted the request.
func AdmissionFromContext(ctx context.Context) (*admission.Decision, bool) {
	d, ok := ctx.Value(AdmissionContextKey).(*admission.Decision)
	return d, ok
}

func writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	var denial admission.Error
	if !errors.As(err, &denial) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Admission failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "The request could not be processed.")
		return
	}

	var rateErr *admission.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
	}

	var payErr *admission.PaymentError
	if errors.As(err, &payErr) && len(payErr.Requirements.Accepts) > 0 {
		if challenge, encErr := payment.EncodeChallenge(payErr.Requirements); encErr == nil {
			w.Header().Set(HeaderPaymentRequired, challenge)
		}
	}

	writeJSON(w, denial.StatusCode(), denial.Body())
}

// AdminMiddleware requires a valid admin bearer token.
func AdminMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusServiceUnavailable, "admin_disabled", "Admin API is not configured.")
				return
			}

			authHeader := r.Header.Get("Authorization")
			bearerToken := strings.Split(authHeader, " ")
			if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Bearer token required.")
				return
			}

			claims, err := ParseAdminToken(secret, bearerToken[1])
			if err != nil {
				log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected admin token")
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid admin token.")
				return
			}

			ctx := context.WithValue(r.Context(), AdminContextKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
