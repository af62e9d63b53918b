package models

import (
	"time"
)

// RateWindow is one fixed counting window for an identity in a pool.
type RateWindow struct {
	Identity    string    `json:"identity"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// PaymentStatus of a recorded payment. Only completed payments are recorded.
type PaymentStatus string

const PaymentCompleted PaymentStatus = "completed"

// PaymentChallenge is one entry of the "accepts" list sent with a 402.
// It is recomputed per request and never persisted.
type PaymentChallenge struct {
	Scheme            string `json:"scheme"`
	Price             string `json:"price"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// PaymentRecord is a completed, facilitator-verified payment for a scan.
type PaymentRecord struct {
	ScanID    string        `json:"scan_id"`
	Payer     string        `json:"payer"`
	Amount    string        `json:"amount"`
	Network   string        `json:"network"`
	TxHash    string        `json:"tx_hash"`
	Proof     string        `json:"proof_digest"` // sha256 of the submitted proof header
	Status    PaymentStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProofClaim binds a proof digest to the scan it paid for.
type ProofClaim struct {
	ScanID    string    `json:"scan_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}
