package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

// Default circuit breaker settings for the card network.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CardRail charges through an external card network over HTTP. Repeated
// failures open a circuit breaker so a degraded network fails fast instead
// of tying up settlement workers in retry storms.
type CardRail struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*domain.ChargeResult]
	logger  *slog.Logger
}

// NewCardRail creates a card network rail from config. If circuit breaker
// settings are zero-valued, defaults are used.
func NewCardRail(cfg config.CardRailConfig, logger *slog.Logger) *CardRail {
	r := &CardRail{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}

	if cfg.CircuitBreaker.Enabled {
		maxFailures := cfg.CircuitBreaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = defaultCBMaxFailures
		}
		timeout := cfg.CircuitBreaker.Timeout
		if timeout == 0 {
			timeout = defaultCBTimeout
		}
		interval := cfg.CircuitBreaker.Interval
		if interval == 0 {
			interval = defaultCBInterval
		}

		r.breaker = gobreaker.NewCircuitBreaker[*domain.ChargeResult](gobreaker.Settings{
			Name:        "rail:card-network",
			MaxRequests: 1, // allow 1 probe in half-open state
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
			// A decline is a valid answer from the network, not a breaker
			// failure. Only transport-level failures trip the circuit.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrRailDeclined)
			},
		})
	}

	return r
}

// Kind implements domain.SettlementRail.
func (r *CardRail) Kind() domain.RailKind { return domain.RailCard }

// cardChargeRequest is the card network wire format for a charge.
type cardChargeRequest struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	BuyerID   string  `json:"buyer_id"`
	SellerID  string  `json:"seller_id"`
	Reference string  `json:"reference"`
}

type cardChargeResponse struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Charge submits a charge to the card network. Declines (HTTP 402 or a
// "declined" status body) map to ErrRailDeclined; transport errors and 5xx
// responses map to ErrRailUnavailable.
func (r *CardRail) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if r.breaker == nil {
		return r.doCharge(ctx, req)
	}

	result, err := r.breaker.Execute(func() (*domain.ChargeResult, error) {
		return r.doCharge(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("card network circuit open: %w", domain.ErrRailUnavailable)
		}
		return nil, err
	}
	return result, nil
}

func (r *CardRail) doCharge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	body, err := json.Marshal(cardChargeRequest{
		Amount:    req.Amount,
		Currency:  req.Currency,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Reference: req.NegotiationID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal charge: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/charges", bytes.NewReader(body))
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
		return nil, fmt.Errorf("card network unreachable: %w", domain.ErrRailUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", domain.ErrRailUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var cr cardChargeResponse
		if err := json.Unmarshal(data, &cr); err != nil {
			return nil, fmt.Errorf("decode response: %w", domain.ErrRailUnavailable)
		}
		if cr.Status == "declined" {
			return nil, fmt.Errorf("%s: %w", cr.Message, domain.ErrRailDeclined)
		}
		return &domain.ChargeResult{Reference: cr.ChargeID, Status: domain.SettlementPaid}, nil

	case resp.StatusCode == http.StatusPaymentRequired:
		var cr cardChargeResponse
		_ = json.Unmarshal(data, &cr)
		msg := cr.Message
		if msg == "" {
			msg = "payment required"
		}
		return nil, fmt.Errorf("%s: %w", msg, domain.ErrRailDeclined)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("card network rejected request (status %d): %w", resp.StatusCode, domain.ErrRailDeclined)

	default:
		return nil, fmt.Errorf("card network error (status %d): %w", resp.StatusCode, domain.ErrRailUnavailable)
	}
}

// Refund reverses a prior charge by reference.
func (r *CardRail) Refund(ctx context.Context, reference string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/charges/"+reference+"/refund", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("card network unreachable: %w", domain.ErrRailUnavailable)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("refund failed (status %d): %w", resp.StatusCode, domain.ErrRailFailure)
	}
	return nil
}

// State returns the current circuit breaker state for monitoring. Returns
// the closed state when the breaker is disabled.
func (r *CardRail) State() gobreaker.State {
	if r.breaker == nil {
		return gobreaker.StateClosed
	}
	return r.breaker.State()
}

var _ domain.SettlementRail = (*CardRail)(nil)
