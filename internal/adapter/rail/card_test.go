package rail

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chargeReq() domain.ChargeRequest {
	return domain.ChargeRequest{
		SettlementID:   "stl-1",
		NegotiationID:  "neg-1",
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		Amount:         2349.99,
		Currency:       "USD",
		IdempotencyKey: "neg-1",
	}
}

func TestCardRailChargeSucceeds(t *testing.T) {
	var gotIdempotency string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/charges", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		gotIdempotency = r.Header.Get("Idempotency-Key")

		var req cardChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2349.99, req.Amount)
		assert.Equal(t, "USD", req.Currency)

		json.NewEncoder(w).Encode(cardChargeResponse{ChargeID: "ch_123", Status: "succeeded"})
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{BaseURL: srv.URL, APIKey: "test-key"}, newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "ch_123", result.Reference)
	assert.Equal(t, domain.SettlementPaid, result.Status)
	assert.Equal(t, "neg-1", gotIdempotency)
}

func TestCardRailChargeDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(cardChargeResponse{Status: "declined", Message: "insufficient funds"})
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{BaseURL: srv.URL}, newTestLogger())

	_, err := r.Charge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRailDeclined)
	assert.ErrorIs(t, err, domain.ErrRailFailure)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestCardRailDeclinedInOKBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cardChargeResponse{Status: "declined", Message: "card expired"})
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{BaseURL: srv.URL}, newTestLogger())

	_, err := r.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, domain.ErrRailDeclined)
}

func TestCardRailServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{BaseURL: srv.URL}, newTestLogger())

	_, err := r.Charge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRailUnavailable)
	assert.True(t, domain.IsRetryableError(err))
}

func TestCardRailUnreachable(t *testing.T) {
	r := NewCardRail(config.CardRailConfig{BaseURL: "http://127.0.0.1:1"}, newTestLogger())

	_, err := r.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, domain.ErrRailUnavailable)
}

func TestCardRailBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{
		BaseURL:        srv.URL,
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2},
	}, newTestLogger())

	for i := 0; i < 5; i++ {
		_, err := r.Charge(context.Background(), chargeReq())
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrRailUnavailable)
	}

	// Only the first two requests reach the server; the rest fail fast.
	assert.Equal(t, int32(2), hits.Load())
}

func TestCardRailDeclineDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(cardChargeResponse{Status: "declined"})
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{
		BaseURL:        srv.URL,
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2},
	}, newTestLogger())

	for i := 0; i < 5; i++ {
		_, err := r.Charge(context.Background(), chargeReq())
		assert.ErrorIs(t, err, domain.ErrRailDeclined)
	}

	// Declines are answers, not failures; every request reaches the server.
	assert.Equal(t, int32(5), hits.Load())
}

func TestCardRailRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/charges/ch_123/refund", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{BaseURL: srv.URL}, newTestLogger())
	assert.NoError(t, r.Refund(context.Background(), "ch_123"))
}

func TestCardRailRefundFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	r := NewCardRail(config.CardRailConfig{BaseURL: srv.URL}, newTestLogger())
	err := r.Refund(context.Background(), "ch_123")
	assert.ErrorIs(t, err, domain.ErrRailFailure)
}
