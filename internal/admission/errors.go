package admission

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/internal/payment"
	"github.com/scanguard/gateway/internal/ratelimit"
)

// Error is a denial that maps onto an HTTP response.
type Error interface {
	error
	StatusCode() int
	Body() map[string]any
}

// ConfigError is fatal: the service must not start serving.
type ConfigError = payment.ConfigError

type AuthError struct {
	Status  int
	Label   string
	Message string
}

func (e *AuthError) Error() string   { return e.Message }
func (e *AuthError) StatusCode() int { return e.Status }

func (e *AuthError) Body() map[string]any {
	return map[string]any{"error": e.Label, "message": e.Message}
}

func missingKey() *AuthError {
	return &AuthError{
		Status:  http.StatusUnauthorized,
		Label:   "missing_api_key",
		Message: "API key required. Send it in the X-API-Key header or the api_key query parameter.",
	}
}

func invalidKey() *AuthError {
	return &AuthError{
		Status:  http.StatusForbidden,
		Label:   "invalid_api_key",
		Message: "The API key is invalid or has been disabled.",
	}
}

type RateLimitError struct {
	Decision   ratelimit.Decision
	Tier       models.Tier
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s pool", e.Decision.Pool)
}

func (e *RateLimitError) StatusCode() int { return http.StatusTooManyRequests }

func (e *RateLimitError) Body() map[string]any {
	body := map[string]any{
		"error":      "rate_limit_exceeded",
		"message":    fmt.Sprintf("Too many requests. Limit is %d per window; retry in %d seconds.", e.Decision.Limit, int(e.RetryAfter.Seconds())),
		"pool":       e.Decision.Pool,
		"limit":      e.Decision.Limit,
		"remaining":  e.Decision.Remaining,
		"reset":      e.Decision.ResetAt.Unix(),
		"retryAfter": int(e.RetryAfter.Seconds()),
	}
	if e.Tier == models.TierUnauthenticated && e.Decision.Pool == ratelimit.PoolTier {
		body["upgrade"] = fmt.Sprintf("Authenticated keys get higher limits (basic %d, premium %d, enterprise %d per 15 minutes).",
			ratelimit.TierQuotas[models.TierBasic].Limit,
			ratelimit.TierQuotas[models.TierPremium].Limit,
			ratelimit.TierQuotas[models.TierEnterprise].Limit)
	}
	return body
}

type PaymentError struct {
	Status       int
	Label        string
	Message      string
	Reason       string
	Requirements payment.Requirements
	Err          error
}

func (e *PaymentError) Error() string { return e.Message }
func (e *PaymentError) Unwrap() error { return e.Err }

func (e *PaymentError) StatusCode() int { return e.Status }

func (e *PaymentError) Body() map[string]any {
	body := map[string]any{
		"error":   e.Label,
		"message": e.Message,
	}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	if len(e.Requirements.Accepts) > 0 {
		c := e.Requirements.Accepts[0]
		body["x402Version"] = e.Requirements.X402Version
		body["accepts"] = e.Requirements.Accepts
		body["price"] = c.Price
		body["network"] = c.Network
		body["payTo"] = c.PayTo
		body["scanId"] = e.Requirements.ScanID
	}
	return body
}

// paymentError maps a gateway failure onto its HTTP shape.
func paymentError(err error, res *payment.Result, reqs payment.Requirements) *PaymentError {
	pe := &PaymentError{Err: err, Requirements: reqs}
	if res != nil {
		pe.Reason = res.Reason
	}

	switch {
	case errors.Is(err, payment.ErrPaymentRequired):
		pe.Status = http.StatusPaymentRequired
		pe.Label = "payment_required"
		pe.Message = "Payment required. Sign the payment terms in the PAYMENT-REQUIRED header and retry with a PAYMENT-SIGNATURE header."
	case errors.Is(err, payment.ErrInvalidPayment):
		pe.Status = http.StatusBadRequest
		pe.Label = "invalid_payment"
		pe.Message = "The payment proof was rejected: " + err.Error()
	case errors.Is(err, payment.ErrFacilitatorTimeout):
		pe.Status = http.StatusGatewayTimeout
		pe.Label = "facilitator_timeout"
		pe.Message = "Payment verification timed out. The payment was not accepted; retry later."
	default:
		pe.Status = http.StatusBadGateway
		pe.Label = "facilitator_unavailable"
		pe.Message = "Payment verification is unavailable. The payment was not accepted; retry later."
	}
	return pe
}
