package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

// fakeLedger simulates a shared ledger with manual confirmation.
type fakeLedger struct {
	mu        sync.Mutex
	confirmed map[string]bool
	reversed  []string
	srv       *httptest.Server
}

func newFakeLedger(t *testing.T) *fakeLedger {
	t.Helper()
	f := &fakeLedger{confirmed: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		var req ledgerTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		txID := "tx_" + req.Memo
		f.mu.Lock()
		if _, ok := f.confirmed[txID]; !ok {
			f.confirmed[txID] = false
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(ledgerTransferResponse{TxID: txID, Status: "pending"})
	})
	mux.HandleFunc("GET /v1/transfers/{ref}", func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		f.mu.Lock()
		done, ok := f.confirmed[ref]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status := "pending"
		if done {
			status = "confirmed"
		}
		json.NewEncoder(w).Encode(ledgerTransferResponse{TxID: ref, Status: status})
	})
	mux.HandleFunc("POST /v1/transfers/{ref}/reverse", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reversed = append(f.reversed, r.PathValue("ref"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLedger) confirm(txID string) {
	f.mu.Lock()
	f.confirmed[txID] = true
	f.mu.Unlock()
}

func TestLedgerRailChargeReturnsPending(t *testing.T) {
	f := newFakeLedger(t)
	r := NewLedgerRail(config.LedgerRailConfig{BaseURL: f.srv.URL}, newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "tx_neg-1", result.Reference)
	assert.Equal(t, domain.SettlementPending, result.Status)
}

func TestLedgerRailConfirmationFlow(t *testing.T) {
	f := newFakeLedger(t)
	r := NewLedgerRail(config.LedgerRailConfig{BaseURL: f.srv.URL}, newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	done, err := r.Confirmed(context.Background(), result.Reference)
	require.NoError(t, err)
	assert.False(t, done)

	f.confirm(result.Reference)

	done, err = r.Confirmed(context.Background(), result.Reference)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLedgerRailConfirmedUnknownTx(t *testing.T) {
	f := newFakeLedger(t)
	r := NewLedgerRail(config.LedgerRailConfig{BaseURL: f.srv.URL}, newTestLogger())

	_, err := r.Confirmed(context.Background(), "tx_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerRailRejectedTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	r := NewLedgerRail(config.LedgerRailConfig{BaseURL: srv.URL}, newTestLogger())
	_, err := r.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, domain.ErrRailDeclined)
}

func TestLedgerRailServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewLedgerRail(config.LedgerRailConfig{BaseURL: srv.URL}, newTestLogger())
	_, err := r.Charge(context.Background(), chargeReq())
	assert.ErrorIs(t, err, domain.ErrRailUnavailable)
}

func TestLedgerRailRefund(t *testing.T) {
	f := newFakeLedger(t)
	r := NewLedgerRail(config.LedgerRailConfig{BaseURL: f.srv.URL}, newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	require.NoError(t, r.Refund(context.Background(), result.Reference))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{result.Reference}, f.reversed)
}
