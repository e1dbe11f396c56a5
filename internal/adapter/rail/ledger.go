package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

// LedgerRail submits transfers to a shared ledger over HTTP. Transfers
// settle asynchronously: Charge returns a pending transaction reference and
// the orchestrator polls Confirmed until the ledger finalizes it.
type LedgerRail struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewLedgerRail creates a shared ledger rail from config.
func NewLedgerRail(cfg config.LedgerRailConfig, logger *slog.Logger) *LedgerRail {
	return &LedgerRail{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

// Kind implements domain.SettlementRail.
func (r *LedgerRail) Kind() domain.RailKind { return domain.RailLedger }

type ledgerTransferRequest struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Memo     string  `json:"memo"`
}

type ledgerTransferResponse struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"` // "pending" or "confirmed"
}

// Charge submits a transfer and returns a pending result. The transfer is
// not settled until Confirmed reports true.
func (r *LedgerRail) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	body, err := json.Marshal(ledgerTransferRequest{
		From:     req.BuyerID,
		To:       req.SellerID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Memo:     req.NegotiationID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ledger unreachable: %w", domain.ErrRailUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", domain.ErrRailUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var tr ledgerTransferResponse
		if err := json.Unmarshal(data, &tr); err != nil {
			return nil, fmt.Errorf("decode response: %w", domain.ErrRailUnavailable)
		}
		if tr.TxID == "" {
			return nil, fmt.Errorf("ledger returned empty tx id: %w", domain.ErrRailUnavailable)
		}
		status := domain.SettlementPending
		if tr.Status == "confirmed" {
			status = domain.SettlementPaid
		}
		return &domain.ChargeResult{Reference: tr.TxID, Status: status}, nil

	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("ledger rejected transfer: %w", domain.ErrRailDeclined)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("ledger rejected request (status %d): %w", resp.StatusCode, domain.ErrRailDeclined)

	default:
		return nil, fmt.Errorf("ledger error (status %d): %w", resp.StatusCode, domain.ErrRailUnavailable)
	}
}

// Confirmed reports whether the ledger has finalized the transfer.
func (r *LedgerRail) Confirmed(ctx context.Context, reference string) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/transfers/"+reference, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("ledger unreachable: %w", domain.ErrRailUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, fmt.Errorf("transfer %s: %w", reference, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ledger error (status %d): %w", resp.StatusCode, domain.ErrRailUnavailable)
	}

	var tr ledgerTransferResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return false, fmt.Errorf("decode response: %w", domain.ErrRailUnavailable)
	}
	return tr.Status == "confirmed", nil
}

// Refund posts a reversing transfer for the given transaction.
func (r *LedgerRail) Refund(ctx context.Context, reference string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/transfers/"+reference+"/reverse", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", domain.ErrRailUnavailable)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("reversal failed (status %d): %w", resp.StatusCode, domain.ErrRailFailure)
	}
	return nil
}

var _ domain.ConfirmingRail = (*LedgerRail)(nil)
