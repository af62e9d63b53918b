package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanguard/gateway/internal/models"
)

func TestHTTPFacilitatorVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "base-sepolia", req.PaymentRequirements.Network)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: req.PaymentPayload.Payload.Authorization.From})
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL + "/"})
	require.NoError(t, err)

	resp, err := f.Verify(context.Background(), VerifyRequest{
		X402Version:         1,
		PaymentPayload:      validPayload(),
		PaymentRequirements: models.PaymentChallenge{Scheme: SchemeExact, Network: Network(ModeTestnet).Name},
	})
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xPayer", resp.Payer)
}

func TestHTTPFacilitatorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = f.Verify(context.Background(), VerifyRequest{})
	assert.ErrorIs(t, err, ErrFacilitatorUnavailable)
}

func TestHTTPFacilitatorClientErrorWithoutVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errorType":"unauthorized","errorMessage":"invalid api key"}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = f.Verify(context.Background(), VerifyRequest{})
	assert.ErrorIs(t, err, ErrFacilitatorUnavailable)
}

func TestHTTPFacilitatorClientErrorWithVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, InvalidReason: "invalid_exact_evm_payload_signature"})
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL})
	require.NoError(t, err)

	resp, err := f.Verify(context.Background(), VerifyRequest{})
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "invalid_exact_evm_payload_signature", resp.InvalidReason)
}

func TestHTTPFacilitatorSendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL, APIKeyID: "key-id", APIKeySecret: "not-base64-secret"})
	require.NoError(t, err)

	resp, err := f.Verify(context.Background(), VerifyRequest{})
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_funds", resp.InvalidReason)

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	tok, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(*jwt.Token) (any, error) {
		return []byte("not-base64-secret"), nil
	})
	require.NoError(t, err)
	sub, err := tok.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "key-id", sub)
}

func TestHTTPFacilitatorPacingRespectsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true})
	}))
	defer srv.Close()

	f, err := NewHTTPFacilitator(FacilitatorConfig{URL: srv.URL, RPS: 0.1})
	require.NoError(t, err)

	_, err = f.Verify(context.Background(), VerifyRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Verify(ctx, VerifyRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
