// Package payment issues x402 payment challenges, verifies proofs through an
// external facilitator and tracks completed payments.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/metrics"
	"github.com/scanguard/gateway/internal/models"
)

const (
	X402Version = 1
	SchemeExact = "exact"

	DefaultFacilitatorTimeout = 10 * time.Second
	maxTimeoutSeconds         = 60
)

type Config struct {
	Mode               Mode
	PayTo              string
	PriceUSD           float64
	FacilitatorTimeout time.Duration
	Description        string
}

// Notifier receives payment events. Implementations must not block.
type Notifier interface {
	PaymentVerified(rec models.PaymentRecord)
	Alert(msg string)
}

type nopNotifier struct{}

func (nopNotifier) PaymentVerified(models.PaymentRecord) {}
func (nopNotifier) Alert(string)                         {}

// Receipt is returned to the client in the PAYMENT-RESPONSE header.
type Receipt struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transaction"`
	Network         string `json:"network"`
	Payer           string `json:"payer"`
	Amount          string `json:"amount"`
	To              string `json:"to"`
	ScanID          string `json:"scanId"`
}

// Result is the outcome of Process.
type Result struct {
	State     State
	ScanID    string
	Reason    string
	Receipt   *Receipt
	Duplicate bool
}

type Gateway struct {
	cfg         Config
	network     NetworkConfig
	price       string
	amount      string
	facilitator Facilitator
	tracker     *Tracker
	notifier    Notifier
}

type GatewayOption func(*Gateway)

func WithNotifier(n Notifier) GatewayOption {
	return func(g *Gateway) {
		if n != nil {
			g.notifier = n
		}
	}
}

// NewGateway validates the payment configuration. A production gateway
// pointed at the testnet placeholder payee is refused with a *ConfigError.
func NewGateway(cfg Config, facilitator Facilitator, tracker *Tracker, opts ...GatewayOption) (*Gateway, error) {
	if cfg.Mode != ModeProduction {
		cfg.Mode = ModeTestnet
	}
	if cfg.Mode == ModeProduction && strings.EqualFold(cfg.PayTo, TestnetPlaceholderPayTo) {
		return nil, &ConfigError{
			Field:   "PAY_TO_ADDRESS",
			Message: "production mode is configured with the testnet placeholder payee; set PAY_TO_ADDRESS to an address you control",
		}
	}
	if cfg.PayTo == "" {
		return nil, &ConfigError{Field: "PAY_TO_ADDRESS", Message: "payee address is required"}
	}
	if cfg.PriceUSD <= 0 {
		return nil, &ConfigError{Field: "SCAN_PRICE_USD", Message: "price must be positive"}
	}
	if facilitator == nil || tracker == nil {
		return nil, errors.New("payment gateway requires a facilitator and a tracker")
	}
	if cfg.FacilitatorTimeout <= 0 {
		cfg.FacilitatorTimeout = DefaultFacilitatorTimeout
	}
	if cfg.Description == "" {
		cfg.Description = "Security scan"
	}

	g := &Gateway{
		cfg:         cfg,
		network:     Network(cfg.Mode),
		price:       FormatPrice(cfg.PriceUSD),
		amount:      AtomicAmount(cfg.PriceUSD),
		facilitator: facilitator,
		tracker:     tracker,
		notifier:    nopNotifier{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if strings.EqualFold(cfg.PayTo, ZeroAddress) {
		log.Error().Str("pay_to", cfg.PayTo).Msg("PAY_TO_ADDRESS is the zero address: payments will be burned")
		g.notifier.Alert("PAY_TO_ADDRESS is the zero address; payments sent to it are unrecoverable")
	}

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("network", g.network.Name).
		Str("pay_to", cfg.PayTo).
		Str("price", g.price).
		Msg("Payment gateway configured")
	return g, nil
}

func (g *Gateway) Network() NetworkConfig { return g.network }
func (g *Gateway) Price() string          { return g.price }
func (g *Gateway) PayTo() string          { return g.cfg.PayTo }

// Challenge returns the payment terms for resource.
func (g *Gateway) Challenge(resource string) models.PaymentChallenge {
	return models.PaymentChallenge{
		Scheme:            SchemeExact,
		Price:             g.price,
		Network:           g.network.Name,
		PayTo:             g.cfg.PayTo,
		MaxAmountRequired: g.amount,
		Asset:             g.network.Asset,
		Resource:          resource,
		Description:       g.cfg.Description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: maxTimeoutSeconds,
	}
}

// Requirements is the body of a PAYMENT-REQUIRED header and of a 402 response.
type Requirements struct {
	X402Version int                       `json:"x402Version"`
	Error       string                    `json:"error,omitempty"`
	Accepts     []models.PaymentChallenge `json:"accepts"`
	ScanID      string                    `json:"scanId,omitempty"`
}

// Requirements builds the 402 terms for resource, proposing a fresh scan id.
func (g *Gateway) Requirements(resource, reason string) Requirements {
	return Requirements{
		X402Version: X402Version,
		Error:       reason,
		Accepts:     []models.PaymentChallenge{g.Challenge(resource)},
		ScanID:      "scan_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// EncodeChallenge renders requirements as base64 JSON.
func EncodeChallenge(req Requirements) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeReceipt renders a receipt as base64 JSON.
func EncodeReceipt(r *Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProof parses a PAYMENT-SIGNATURE header value.
func DecodeProof(header string) (*PaymentPayload, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, err
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Payload.Signature == "" || p.Payload.Authorization.From == "" {
		return nil, errors.New("proof is missing signature or authorization")
	}
	return &p, nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ProofDigest identifies a proof header.
func ProofDigest(header string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(header)))
	return hex.EncodeToString(sum[:])
}

const MaxScanIDLength = 128

var scanIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidScanID reports whether id may be used as a scan id.
func ValidScanID(id string) bool {
	return len(id) <= MaxScanIDLength && scanIDPattern.MatchString(id)
}

// ScanIDFor returns the caller-supplied scan id, or one derived from the proof.
func ScanIDFor(requested, proof string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return "scan_" + ProofDigest(proof)[:24]
}

func (g *Gateway) check(p *PaymentPayload) error {
	if p.Scheme != SchemeExact {
		return reject(ReasonSchemeMismatch, "expected %q, got %q", SchemeExact, p.Scheme)
	}
	if p.Network != g.network.Name {
		return reject(ReasonNetworkMismatch, "expected %q, got %q", g.network.Name, p.Network)
	}
	if !strings.EqualFold(p.Payload.Authorization.To, g.cfg.PayTo) {
		return reject(ReasonPayeeMismatch, "payment is not addressed to %s", g.cfg.PayTo)
	}

	paid, ok := new(big.Int).SetString(p.Payload.Authorization.Value, 10)
	if !ok {
		return reject(ReasonInvalidEncoding, "value %q is not an integer", p.Payload.Authorization.Value)
	}
	want, _ := new(big.Int).SetString(g.amount, 10)
	if paid.Cmp(want) < 0 {
		return reject(ReasonInsufficientAmount, "paid %s, required %s", paid, want)
	}
	return nil
}

// Process verifies the proof attached to a priced request. The proof is
// bound to its scan id before the facilitator is called, so a proof that
// already paid for one scan is refused for any other. The facilitator is
// called without holding any lock and under FacilitatorTimeout.
func (g *Gateway) Process(ctx context.Context, proof, scanID, resource string) (*Result, error) {
	if strings.TrimSpace(proof) == "" {
		return &Result{State: StateChallengeIssued}, ErrPaymentRequired
	}

	scanID = ScanIDFor(scanID, proof)
	res := &Result{State: StateVerifying, ScanID: scanID}
	fail := func(result string, err error) (*Result, error) {
		res.State = StateRejected
		var rej *RejectionError
		if errors.As(err, &rej) {
			res.Reason = rej.Reason
		}
		metrics.PaymentVerificationsTotal.WithLabelValues(result).Inc()
		return res, err
	}

	if !ValidScanID(scanID) {
		res.ScanID = ""
		return fail("rejected", reject(ReasonInvalidScanID, "scan id must be 1-%d characters of letters, digits, '_' or '-'", MaxScanIDLength))
	}

	payload, err := DecodeProof(proof)
	if err != nil {
		return fail("rejected", reject(ReasonInvalidEncoding, "%v", err))
	}
	if err := g.check(payload); err != nil {
		return fail("rejected", err)
	}

	digest := ProofDigest(proof)
	payer := payload.Payload.Authorization.From

	existing, err := g.tracker.GetStatus(ctx, scanID)
	switch {
	case err == nil && existing.Proof == digest && strings.EqualFold(existing.Payer, payer):
		return g.verified(res, existing, true), nil
	case err == nil:
		return fail("rejected", reject(ReasonScanAlreadyPaid, "scan %s already has a payment", scanID))
	case !errors.Is(err, ErrNotFound):
		return fail("error", fmt.Errorf("failed to load payment for %s: %w", scanID, err))
	}

	owner, err := g.tracker.ClaimProof(ctx, digest, scanID)
	if err != nil {
		return fail("error", err)
	}
	if owner != scanID {
		log.Warn().Str("scan_id", scanID).Str("paid_scan_id", owner).Msg("Payment proof reused for another scan")
		return fail("rejected", reject(ReasonScanAlreadyPaid, "proof already paid for scan %s", owner))
	}
	release := func(result string, err error) (*Result, error) {
		if relErr := g.tracker.ReleaseProof(context.WithoutCancel(ctx), digest, scanID); relErr != nil {
			log.Warn().Err(relErr).Str("scan_id", scanID).Msg("Failed to release payment proof")
		}
		return fail(result, err)
	}

	vctx, cancel := context.WithTimeout(ctx, g.cfg.FacilitatorTimeout)
	defer cancel()

	started := time.Now()
	resp, err := g.facilitator.Verify(vctx, VerifyRequest{
		X402Version:         X402Version,
		PaymentPayload:      *payload,
		PaymentRequirements: g.Challenge(resource),
	})
	metrics.FacilitatorDurationSeconds.Observe(time.Since(started).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(vctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("scan_id", scanID).Dur("timeout", g.cfg.FacilitatorTimeout).Msg("Facilitator verification timed out")
			return release("timeout", fmt.Errorf("%w after %s", ErrFacilitatorTimeout, g.cfg.FacilitatorTimeout))
		}
		log.Error().Err(err).Str("scan_id", scanID).Msg("Facilitator verification failed")
		if errors.Is(err, ErrFacilitatorUnavailable) {
			return release("unavailable", err)
		}
		return release("unavailable", fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err))
	}

	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = "invalid_signature"
		}
		log.Warn().Str("scan_id", scanID).Str("reason", reason).Msg("Facilitator rejected payment")
		return release("rejected", &RejectionError{Reason: reason})
	}

	if resp.Payer != "" {
		payer = resp.Payer
	}
	tx := resp.Transaction
	if tx == "" {
		tx = payload.Payload.Authorization.Nonce
	}

	rec, created, err := g.tracker.RecordOnce(ctx, scanID, models.PaymentRecord{
		Payer:   payer,
		Amount:  payload.Payload.Authorization.Value,
		Network: g.network.Name,
		TxHash:  tx,
		Proof:   digest,
	})
	if err != nil {
		return release("error", err)
	}
	if !created && rec.Proof != digest {
		return release("rejected", reject(ReasonScanAlreadyPaid, "scan %s already has a payment", scanID))
	}

	if created {
		log.Info().
			Str("scan_id", scanID).
			Str("payer", rec.Payer).
			Str("amount", rec.Amount).
			Str("tx", rec.TxHash).
			Msg("Payment verified")
		g.notifier.PaymentVerified(rec)
	}
	return g.verified(res, rec, !created), nil
}

func (g *Gateway) verified(res *Result, rec models.PaymentRecord, duplicate bool) *Result {
	res.State = StateVerified
	res.Duplicate = duplicate
	res.Receipt = &Receipt{
		Success:         true,
		TransactionHash: rec.TxHash,
		Network:         rec.Network,
		Payer:           rec.Payer,
		Amount:          rec.Amount,
		To:              g.cfg.PayTo,
		ScanID:          rec.ScanID,
	}
	if duplicate {
		metrics.PaymentVerificationsTotal.WithLabelValues("duplicate").Inc()
	} else {
		metrics.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	}
	return res
}
