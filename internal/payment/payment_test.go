package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/pkg/store"
)

const testPayTo = "0x1111111111111111111111111111111111111111"

type mockFacilitator struct {
	mock.Mock
}

func (m *mockFacilitator) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*VerifyResponse)
	return resp, args.Error(1)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGateway(t *testing.T, f Facilitator) (*Gateway, *Tracker, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	tracker := NewTracker(store.NewMemory[models.PaymentRecord](), store.NewMemory[models.ProofClaim](), WithTrackerClock(clk.Now))
	g, err := NewGateway(Config{Mode: ModeTestnet, PayTo: testPayTo, PriceUSD: 0.01}, f, tracker)
	require.NoError(t, err)
	return g, tracker, clk
}

func encodeProof(t *testing.T, p PaymentPayload) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func validPayload() PaymentPayload {
	return PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: ExactPayload{
			Signature: "0xsig",
			Authorization: Authorization{
				From:  "0xPayer",
				To:    testPayTo,
				Value: "10000",
				Nonce: "0xnonce1",
			},
		},
	}
}

func TestNetworkSelection(t *testing.T) {
	tn := Network(ModeTestnet)
	assert.Equal(t, "base-sepolia", tn.Name)
	assert.Equal(t, int64(84532), tn.ChainID)
	assert.Equal(t, "https://x402.org/facilitator", tn.FacilitatorURL)

	prod := Network(ModeProduction)
	assert.Equal(t, "base", prod.Name)
	assert.Equal(t, int64(8453), prod.ChainID)
	assert.Equal(t, "https://api.cdp.coinbase.com/platform/v2/x402", prod.FacilitatorURL)

	_, err := ParseMode("mainnet")
	assert.Error(t, err)
	m, err := ParseMode(" Production ")
	require.NoError(t, err)
	assert.Equal(t, ModeProduction, m)
}

func TestPriceFormatting(t *testing.T) {
	assert.Equal(t, "$0.01", FormatPrice(0.01))
	assert.Equal(t, "$0.50", FormatPrice(0.5))
	assert.Equal(t, "10000", AtomicAmount(0.01))
	assert.Equal(t, "1500000", AtomicAmount(1.5))
}

func TestNewGatewayRefusesPlaceholderInProduction(t *testing.T) {
	tracker := NewTracker(store.NewMemory[models.PaymentRecord](), store.NewMemory[models.ProofClaim]())
	f := &mockFacilitator{}

	for _, payTo := range []string{TestnetPlaceholderPayTo, "0x209693bc6afc0c5328ba36faf03c514ef312287c"} {
		_, err := NewGateway(Config{Mode: ModeProduction, PayTo: payTo, PriceUSD: 0.01}, f, tracker)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "PAY_TO_ADDRESS", cfgErr.Field)
	}

	_, err := NewGateway(Config{Mode: ModeTestnet, PayTo: TestnetPlaceholderPayTo, PriceUSD: 0.01}, f, tracker)
	assert.NoError(t, err)
}

type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []string
	payments []models.PaymentRecord
}

func (n *recordingNotifier) PaymentVerified(rec models.PaymentRecord) {
	n.mu.Lock()
	n.payments = append(n.payments, rec)
	n.mu.Unlock()
}

func (n *recordingNotifier) Alert(msg string) {
	n.mu.Lock()
	n.alerts = append(n.alerts, msg)
	n.mu.Unlock()
}

func TestNewGatewayWarnsOnZeroAddress(t *testing.T) {
	n := &recordingNotifier{}
	_, err := NewGateway(Config{Mode: ModeProduction, PayTo: ZeroAddress, PriceUSD: 0.01},
		&mockFacilitator{}, NewTracker(store.NewMemory[models.PaymentRecord](), store.NewMemory[models.ProofClaim]()), WithNotifier(n))
	require.NoError(t, err)
	assert.Len(t, n.alerts, 1)
}

func TestChallengeEncoding(t *testing.T) {
	g, _, _ := newTestGateway(t, &mockFacilitator{})

	encoded, err := EncodeChallenge(g.Requirements("/api/v1/scan", "payment required"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var decoded struct {
		X402Version int `json:"x402Version"`
		Accepts     []struct {
			Scheme            string `json:"scheme"`
			Price             string `json:"price"`
			Network           string `json:"network"`
			PayTo             string `json:"payTo"`
			MaxAmountRequired string `json:"maxAmountRequired"`
		} `json:"accepts"`
		ScanID string `json:"scanId"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 1, decoded.X402Version)
	require.Len(t, decoded.Accepts, 1)
	assert.Equal(t, "exact", decoded.Accepts[0].Scheme)
	assert.Equal(t, "$0.01", decoded.Accepts[0].Price)
	assert.Equal(t, "base-sepolia", decoded.Accepts[0].Network)
	assert.Equal(t, testPayTo, decoded.Accepts[0].PayTo)
	assert.Equal(t, "10000", decoded.Accepts[0].MaxAmountRequired)
	assert.NotEmpty(t, decoded.ScanID)
}

func TestProcessMissingProof(t *testing.T) {
	f := &mockFacilitator{}
	g, _, _ := newTestGateway(t, f)

	res, err := g.Process(context.Background(), "", "", "/api/v1/scan")
	assert.ErrorIs(t, err, ErrPaymentRequired)
	assert.Equal(t, StateChallengeIssued, res.State)
	f.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestProcessRejectsBeforeCallingFacilitator(t *testing.T) {
	wrongNetwork := validPayload()
	wrongNetwork.Network = "base"
	wrongScheme := validPayload()
	wrongScheme.Scheme = "upto"
	wrongPayee := validPayload()
	wrongPayee.Payload.Authorization.To = "0x2222222222222222222222222222222222222222"
	tooLittle := validPayload()
	tooLittle.Payload.Authorization.Value = "9999"

	cases := []struct {
		name   string
		proof  string
		reason string
	}{
		{"garbage", "%%%not-base64%%%", ReasonInvalidEncoding},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello")), ReasonInvalidEncoding},
		{"network", encodeProof(t, wrongNetwork), ReasonNetworkMismatch},
		{"scheme", encodeProof(t, wrongScheme), ReasonSchemeMismatch},
		{"payee", encodeProof(t, wrongPayee), ReasonPayeeMismatch},
		{"amount", encodeProof(t, tooLittle), ReasonInsufficientAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &mockFacilitator{}
			g, _, _ := newTestGateway(t, f)

			res, err := g.Process(context.Background(), tc.proof, "scan_1", "/api/v1/scan")
			assert.ErrorIs(t, err, ErrInvalidPayment)
			assert.Equal(t, StateRejected, res.State)
			assert.Equal(t, tc.reason, res.Reason)
			f.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
		})
	}
}

func TestProcessVerifiesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := &mockFacilitator{}
	f.On("Verify", mock.Anything, mock.MatchedBy(func(r VerifyRequest) bool {
		return r.PaymentRequirements.Network == "base-sepolia" && r.PaymentPayload.Payload.Authorization.Value == "10000"
	})).Return(&VerifyResponse{IsValid: true, Payer: "0xPayer", Transaction: "0xtx"}, nil).Once()

	g, tracker, _ := newTestGateway(t, f)
	proof := encodeProof(t, validPayload())

	res, err := g.Process(ctx, proof, "scan_abc", "/api/v1/scan")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, res.State)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, "0xtx", res.Receipt.TransactionHash)
	assert.Equal(t, "0xPayer", res.Receipt.Payer)
	assert.Equal(t, "10000", res.Receipt.Amount)
	assert.Equal(t, testPayTo, res.Receipt.To)

	res, err = g.Process(ctx, proof, "scan_abc", "/api/v1/scan")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, res.State)
	assert.True(t, res.Duplicate)

	n, err := tracker.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.AssertExpectations(t)
}

func TestProcessDifferentProofForPaidScan(t *testing.T) {
	ctx := context.Background()
	f := &mockFacilitator{}
	f.On("Verify", mock.Anything, mock.Anything).Return(&VerifyResponse{IsValid: true}, nil).Once()
	g, _, _ := newTestGateway(t, f)

	_, err := g.Process(ctx, encodeProof(t, validPayload()), "scan_x", "/api/v1/scan")
	require.NoError(t, err)

	other := validPayload()
	other.Payload.Authorization.Nonce = "0xnonce2"
	res, err := g.Process(ctx, encodeProof(t, other), "scan_x", "/api/v1/scan")
	assert.ErrorIs(t, err, ErrInvalidPayment)
	assert.Equal(t, ReasonScanAlreadyPaid, res.Reason)
	f.AssertExpectations(t)
}

func TestProcessProofCannotPayForTwoScans(t *testing.T) {
	ctx := context.Background()
	f := &mockFacilitator{}
	f.On("Verify", mock.Anything, mock.Anything).Return(&VerifyResponse{IsValid: true, Payer: "0xPayer", Transaction: "0xtx"}, nil).Once()
	g, tracker, _ := newTestGateway(t, f)
	proof := encodeProof(t, validPayload())

	res, err := g.Process(ctx, proof, "scan_a", "/api/v1/scan")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, res.State)

	for _, scanID := range []string{"scan_b", "scan_c", ""} {
		res, err := g.Process(ctx, proof, scanID, "/api/v1/scan")
		assert.ErrorIs(t, err, ErrInvalidPayment, scanID)
		assert.Equal(t, StateRejected, res.State)
		assert.Equal(t, ReasonScanAlreadyPaid, res.Reason)

		_, err = tracker.GetStatus(ctx, res.ScanID)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	res, err = g.Process(ctx, proof, "scan_a", "/api/v1/scan")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	n, err := tracker.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.AssertNumberOfCalls(t, "Verify", 1)
}

func TestProcessConcurrentProofReuse(t *testing.T) {
	ctx := context.Background()
	f := &mockFacilitator{}
	f.On("Verify", mock.Anything, mock.Anything).Return(&VerifyResponse{IsValid: true, Payer: "0xPayer"}, nil)
	g, tracker, _ := newTestGateway(t, f)
	proof := encodeProof(t, validPayload())

	var mu sync.Mutex
	verified := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Process(ctx, proof, "scan_"+string(rune('a'+i)), "/api/v1/scan")
			if err == nil && res.State == StateVerified {
				mu.Lock()
				verified++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, verified)
	n, err := tracker.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.AssertNumberOfCalls(t, "Verify", 1)
}

func TestProcessFailedVerificationFreesProof(t *testing.T) {
	ctx := context.Background()
	f := &mockFacilitator{}
	f.On("Verify", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()
	f.On("Verify", mock.Anything, mock.Anything).Return(&VerifyResponse{IsValid: true}, nil).Once()
	g, _, _ := newTestGateway(t, f)
	proof := encodeProof(t, validPayload())

	_, err := g.Process(ctx, proof, "scan_a", "/api/v1/scan")
	require.ErrorIs(t, err, ErrFacilitatorUnavailable)

	res, err := g.Process(ctx, proof, "scan_b", "/api/v1/scan")
	require.NoError(t, err)
	assert.Equal(t, "scan_b", res.ScanID)
	f.AssertExpectations(t)
}

func TestProcessRejectsMalformedScanID(t *testing.T) {
	f := &mockFacilitator{}
	g, _, _ := newTestGateway(t, f)
	proof := encodeProof(t, validPayload())

	for _, id := range []string{"scan a", "scan/../x", strings.Repeat("a", MaxScanIDLength+1)} {
		res, err := g.Process(context.Background(), proof, id, "/api/v1/scan")
		assert.ErrorIs(t, err, ErrInvalidPayment)
		assert.Equal(t, ReasonInvalidScanID, res.Reason)
	}
	assert.True(t, ValidScanID(strings.Repeat("a", MaxScanIDLength)))
	f.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestProcessFacilitatorOutcomes(t *testing.T) {
	ctx := context.Background()
	proof := encodeProof(t, validPayload())

	t.Run("rejected", func(t *testing.T) {
		f := &mockFacilitator{}
		f.On("Verify", mock.Anything, mock.Anything).Return(&VerifyResponse{IsValid: false, InvalidReason: "invalid_exact_evm_payload_signature"}, nil)
		g, tracker, _ := newTestGateway(t, f)

		res, err := g.Process(ctx, proof, "", "/api/v1/scan")
		assert.ErrorIs(t, err, ErrInvalidPayment)
		assert.Equal(t, StateRejected, res.State)
		assert.Equal(t, "invalid_exact_evm_payload_signature", res.Reason)

		_, err = tracker.GetStatus(ctx, res.ScanID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unavailable", func(t *testing.T) {
		f := &mockFacilitator{}
		f.On("Verify", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
		g, _, _ := newTestGateway(t, f)

		res, err := g.Process(ctx, proof, "", "/api/v1/scan")
		assert.ErrorIs(t, err, ErrFacilitatorUnavailable)
		assert.Equal(t, StateRejected, res.State)
	})

	t.Run("timeout", func(t *testing.T) {
		f := &mockFacilitator{}
		f.On("Verify", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)

		tracker := NewTracker(store.NewMemory[models.PaymentRecord](), store.NewMemory[models.ProofClaim]())
		g, err := NewGateway(Config{
			Mode:               ModeTestnet,
			PayTo:              testPayTo,
			PriceUSD:           0.01,
			FacilitatorTimeout: 20 * time.Millisecond,
		}, f, tracker)
		require.NoError(t, err)

		res, err := g.Process(ctx, proof, "", "/api/v1/scan")
		assert.ErrorIs(t, err, ErrFacilitatorTimeout)
		assert.Equal(t, StateRejected, res.State)
	})
}

func TestScanIDFor(t *testing.T) {
	assert.Equal(t, "scan_given", ScanIDFor(" scan_given ", "proof"))
	id := ScanIDFor("", "proof")
	assert.Len(t, id, len("scan_")+24)
	assert.Equal(t, id, ScanIDFor("", "proof"))
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateUnpaid, StateChallengeIssued))
	assert.True(t, CanTransition(StateChallengeIssued, StateVerifying))
	assert.True(t, CanTransition(StateVerifying, StateVerified))
	assert.True(t, CanTransition(StateVerifying, StateRejected))
	assert.False(t, CanTransition(StateVerified, StateRejected))
	assert.False(t, CanTransition(StateChallengeIssued, StateVerified))
	assert.True(t, StateRejected.Terminal())
}
