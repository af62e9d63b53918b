package payment

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/scanguard/gateway/internal/models"
)

// Authorization is the signed EIP-3009 transfer inside an exact-scheme proof.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded PAYMENT-SIGNATURE header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

type VerifyRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      PaymentPayload          `json:"paymentPayload"`
	PaymentRequirements models.PaymentChallenge `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
}

// Facilitator verifies payment proofs. Implementations must honour ctx.
type Facilitator interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error)
}

type FacilitatorConfig struct {
	URL          string
	APIKeyID     string
	APIKeySecret string
	// RPS paces outbound calls; zero disables pacing.
	RPS float64
}

// HTTPFacilitator calls a facilitator's /verify endpoint.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPFacilitator(cfg FacilitatorConfig) (*HTTPFacilitator, error) {
	if cfg.URL == "" {
		return nil, errors.New("facilitator url is required")
	}

	client := &http.Client{}
	if cfg.APIKeyID != "" && cfg.APIKeySecret != "" {
		src, err := newCredentialSource(cfg.APIKeyID, cfg.APIKeySecret, cfg.URL)
		if err != nil {
			return nil, err
		}
		client.Transport = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, src),
			Base:   http.DefaultTransport,
		}
	}

	f := &HTTPFacilitator{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  client,
	}
	if cfg.RPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return f, nil
}

func (f *HTTPFacilitator) Verify(ctx context.Context, vr VerifyRequest) (*VerifyResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// the limiter refuses when the wait would outlive the deadline
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}

	body, err := json.Marshal(vr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrFacilitatorUnavailable, resp.StatusCode)
	}

	var out VerifyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: status %d: undecodable body", ErrFacilitatorUnavailable, resp.StatusCode)
	}
	// Only a verdict with a reason counts as a rejection; other non-200
	// replies (bad credentials, throttling) are facilitator faults.
	if resp.StatusCode != http.StatusOK && (out.IsValid || out.InvalidReason == "") {
		return nil, fmt.Errorf("%w: status %d", ErrFacilitatorUnavailable, resp.StatusCode)
	}
	return &out, nil
}

// credentialSource mints short-lived bearer JWTs from a facilitator API key.
// Ed25519 secrets (base64, 64 bytes) sign with EdDSA; anything else is used
// as an HMAC secret.
type credentialSource struct {
	keyID  string
	method jwt.SigningMethod
	key    any
	host   string
	ttl    time.Duration
}

func newCredentialSource(keyID, secret, facilitatorURL string) (*credentialSource, error) {
	src := &credentialSource{
		keyID:  keyID,
		method: jwt.SigningMethodHS256,
		key:    []byte(secret),
		host:   hostOf(facilitatorURL),
		ttl:    2 * time.Minute,
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == ed25519.PrivateKeySize {
		src.method = jwt.SigningMethodEdDSA
		src.key = ed25519.PrivateKey(raw)
	}
	return src, nil
}

func (s *credentialSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	exp := now.Add(s.ttl)

	claims := jwt.MapClaims{
		"iss": "cdp",
		"sub": s.keyID,
		"aud": []string{s.host},
		"nbf": now.Unix(),
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwt.NewWithClaims(s.method, claims)
	tok.Header["kid"] = s.keyID

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign facilitator token: %w", err)
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: exp.Add(-10 * time.Second)}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
