package admission

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scanguard/gateway/internal/keystore"
	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/internal/payment"
	"github.com/scanguard/gateway/internal/ratelimit"
	"github.com/scanguard/gateway/pkg/store"
)

const basicKey = "basic_key_000000000000000000000000000000"

var (
	scanPolicy    = Policy{Name: "scan", Pool: ratelimit.PoolTier, RequireAuth: true, Priced: true}
	threatsPolicy = Policy{Name: "threats", Pool: ratelimit.PoolReports}
	healthPolicy  = Policy{Name: "health", Exempt: true}
)

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Process(ctx context.Context, proof, scanID, resource string) (*payment.Result, error) {
	args := m.Called(ctx, proof, scanID, resource)
	res, _ := args.Get(0).(*payment.Result)
	return res, args.Error(1)
}

func (m *mockPayments) Requirements(resource, reason string) payment.Requirements {
	return payment.Requirements{
		X402Version: 1,
		Error:       reason,
		Accepts: []models.PaymentChallenge{{
			Scheme: "exact", Price: "$0.01", Network: "base-sepolia", PayTo: "0xpayee", Resource: resource,
		}},
		ScanID: "scan_proposed",
	}
}

func newTestGate(t *testing.T, opts ...Option) (*Gate, *keystore.KeyStore) {
	t.Helper()
	keys := keystore.New(store.NewMemory[models.APIKey]())
	require.NoError(t, keys.AddKey(context.Background(), basicKey, models.TierBasic, "basic"))
	limiter := ratelimit.New(store.NewMemory[models.RateWindow]())
	return NewGate(keys, limiter, opts...), keys
}

func TestAdmitExemptSkipsEverything(t *testing.T) {
	g, _ := newTestGate(t)
	d := g.Admit(context.Background(), Request{Policy: healthPolicy, APIKey: "bogus"})
	assert.True(t, d.Allowed)
	assert.Nil(t, d.RateLimit)
}

func TestAuthenticateErrors(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	d := g.Admit(ctx, Request{Policy: scanPolicy, RemoteAddr: "10.0.0.1:1"})
	var authErr *AuthError
	require.ErrorAs(t, d.Err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode())
	assert.Nil(t, d.RateLimit, "auth failure short-circuits before throttling")

	// an invalid key is rejected even where auth is optional
	d = g.Admit(ctx, Request{Policy: threatsPolicy, APIKey: "wrong", RemoteAddr: "10.0.0.1:1"})
	require.ErrorAs(t, d.Err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.StatusCode())
	assert.Equal(t, "invalid_api_key", authErr.Body()["error"])
}

func TestOptionalAuthUsesAddress(t *testing.T) {
	g, _ := newTestGate(t)
	d := g.Admit(context.Background(), Request{Policy: threatsPolicy, RemoteAddr: "10.0.0.7:5555"})
	require.True(t, d.Allowed)
	assert.Equal(t, "ip:10.0.0.7", d.Identity)
	assert.Equal(t, models.TierUnauthenticated, d.Tier)
	require.NotNil(t, d.RateLimit)
	assert.Equal(t, 50, d.RateLimit.Limit)
}

func TestThrottleDeniesAfterTierLimit(t *testing.T) {
	g, keys := newTestGate(t)
	ctx := context.Background()
	policy := Policy{Name: "scan", Pool: ratelimit.PoolTier, RequireAuth: true}

	for i := 0; i < 10; i++ {
		d := g.Admit(ctx, Request{Policy: policy, APIKey: basicKey})
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d := g.Admit(ctx, Request{Policy: policy, APIKey: basicKey})
	var rateErr *RateLimitError
	require.ErrorAs(t, d.Err, &rateErr)
	assert.Equal(t, http.StatusTooManyRequests, rateErr.StatusCode())
	body := rateErr.Body()
	assert.Equal(t, 10, body["limit"])
	assert.Equal(t, 0, body["remaining"])
	assert.NotContains(t, body, "upgrade")

	usage, _, err := keys.GetUsage(ctx, basicKey)
	require.NoError(t, err)
	assert.Equal(t, int64(11), usage.Requests, "validation counts every authenticated request")
}

func TestUnauthenticatedDenialCarriesUpgradeHint(t *testing.T) {
	g, _ := newTestGate(t)
	policy := Policy{Name: "open", Pool: ratelimit.PoolTier}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, g.Admit(ctx, Request{Policy: policy, RemoteAddr: "10.1.1.1:1"}).Allowed)
	}
	d := g.Admit(ctx, Request{Policy: policy, RemoteAddr: "10.1.1.1:1"})
	var rateErr *RateLimitError
	require.ErrorAs(t, d.Err, &rateErr)
	assert.Contains(t, rateErr.Body(), "upgrade")
}

func TestAuthDisabledLooksUpTierWithoutCounting(t *testing.T) {
	g, keys := newTestGate(t, WithAuthDisabled(true))
	ctx := context.Background()

	d := g.Admit(ctx, Request{Policy: scanPolicy, APIKey: basicKey})
	require.True(t, d.Allowed)
	assert.Equal(t, models.TierBasic, d.Tier)

	d = g.Admit(ctx, Request{Policy: scanPolicy, APIKey: "unknown", RemoteAddr: "10.0.0.2:1"})
	require.True(t, d.Allowed)
	assert.Equal(t, models.TierUnauthenticated, d.Tier)
	assert.Equal(t, "ip:10.0.0.2", d.Identity)

	usage, _, _ := keys.GetUsage(ctx, basicKey)
	assert.Zero(t, usage.Requests)
}

func TestChargeMapsPaymentErrors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		err    error
		status int
		label  string
	}{
		{"missing", payment.ErrPaymentRequired, http.StatusPaymentRequired, "payment_required"},
		{"invalid", &payment.RejectionError{Reason: payment.ReasonNetworkMismatch}, http.StatusBadRequest, "invalid_payment"},
		{"unavailable", payment.ErrFacilitatorUnavailable, http.StatusBadGateway, "facilitator_unavailable"},
		{"timeout", payment.ErrFacilitatorTimeout, http.StatusGatewayTimeout, "facilitator_timeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &mockPayments{}
			p.On("Process", mock.Anything, "", "", "/api/v1/scan").Return(&payment.Result{State: payment.StateRejected}, tc.err)
			g, _ := newTestGate(t, WithPayments(p))

			d := g.Admit(ctx, Request{Policy: scanPolicy, APIKey: basicKey, Resource: "/api/v1/scan"})
			assert.False(t, d.Allowed)

			var payErr *PaymentError
			require.ErrorAs(t, d.Err, &payErr)
			assert.Equal(t, tc.status, payErr.StatusCode())
			assert.Equal(t, tc.label, payErr.Body()["error"])
			require.NotNil(t, d.RateLimit, "payment runs after throttling")
		})
	}
}

func TestChargePaymentRequiredBody(t *testing.T) {
	p := &mockPayments{}
	p.On("Process", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&payment.Result{State: payment.StateChallengeIssued}, payment.ErrPaymentRequired)
	g, _ := newTestGate(t, WithPayments(p))

	d := g.Admit(context.Background(), Request{Policy: scanPolicy, APIKey: basicKey, Resource: "/api/v1/scan"})
	var payErr *PaymentError
	require.ErrorAs(t, d.Err, &payErr)

	body := payErr.Body()
	assert.Equal(t, "$0.01", body["price"])
	assert.Equal(t, "base-sepolia", body["network"])
	assert.Equal(t, "0xpayee", body["payTo"])
	assert.Equal(t, "scan_proposed", body["scanId"])
}

func TestChargeBackendFailureIsNotAPaymentError(t *testing.T) {
	p := &mockPayments{}
	p.On("Process", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&payment.Result{State: payment.StateRejected}, errors.New("store down"))
	g, _ := newTestGate(t, WithPayments(p))

	d := g.Admit(context.Background(), Request{Policy: scanPolicy, APIKey: basicKey, Proof: "x"})
	require.Error(t, d.Err)
	var admErr Error
	assert.False(t, errors.As(d.Err, &admErr))
}

func TestChargeAllowsVerifiedPayment(t *testing.T) {
	p := &mockPayments{}
	p.On("Process", mock.Anything, "proof", "scan_1", "/api/v1/scan").
		Return(&payment.Result{State: payment.StateVerified, ScanID: "scan_1", Receipt: &payment.Receipt{TransactionHash: "0xtx"}}, nil)
	g, _ := newTestGate(t, WithPayments(p), WithClock(func() time.Time { return time.Now() }))

	d := g.Admit(context.Background(), Request{Policy: scanPolicy, APIKey: basicKey, Proof: "proof", ScanID: "scan_1", Resource: "/api/v1/scan"})
	require.True(t, d.Allowed)
	require.NotNil(t, d.Payment)
	assert.Equal(t, "0xtx", d.Payment.Receipt.TransactionHash)
	p.AssertExpectations(t)
}

func TestStagesRunIndividually(t *testing.T) {
	g, _ := newTestGate(t)
	a := &Admission{Request: Request{Policy: scanPolicy, APIKey: basicKey}}
	require.NoError(t, g.Authenticate(context.Background(), a))
	assert.Equal(t, models.TierBasic, a.Tier)
	assert.NotNil(t, a.Key)

	require.NoError(t, g.Charge(context.Background(), a), "no payment processor configured")
}
