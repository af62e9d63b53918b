package payment

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentRequired        = errors.New("payment required")
	ErrInvalidPayment         = errors.New("invalid payment")
	ErrFacilitatorTimeout     = errors.New("payment facilitator timed out")
	ErrFacilitatorUnavailable = errors.New("payment facilitator unavailable")
	ErrNotFound               = errors.New("payment record not found")
)

// Rejection reasons reported with ErrInvalidPayment.
const (
	ReasonInvalidEncoding    = "invalid_encoding"
	ReasonSchemeMismatch     = "scheme_mismatch"
	ReasonNetworkMismatch    = "network_mismatch"
	ReasonPayeeMismatch      = "payee_mismatch"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonScanAlreadyPaid    = "scan_already_paid"
	ReasonInvalidScanID      = "invalid_scan_id"
)

// ConfigError is a fatal misconfiguration detected at startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Message)
}

// RejectionError carries the diagnostic reason for a rejected proof.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("payment rejected: %s", e.Reason)
	}
	return fmt.Sprintf("payment rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return ErrInvalidPayment }

func reject(reason, format string, args ...any) error {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
