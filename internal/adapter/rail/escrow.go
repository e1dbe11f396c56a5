package rail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agora/internal/domain"
)

// holdState tracks an escrow hold through its lifecycle.
type holdState int

const (
	holdActive holdState = iota
	holdReleased
	holdRefunded
)

type escrowHold struct {
	amount   float64
	currency string
	state    holdState
}

// EscrowRail holds funds in-process until both parties acknowledge release.
// Charge places a hold; the orchestrator calls Release after both
// acknowledgments or Refund when the hold deadline passes.
type EscrowRail struct {
	logger *slog.Logger

	mu    sync.Mutex
	holds map[string]*escrowHold // reference -> hold
	byKey map[string]string      // idempotency key -> reference
}

// NewEscrowRail creates an escrow rail.
func NewEscrowRail(logger *slog.Logger) *EscrowRail {
	return &EscrowRail{
		logger: logger,
		holds:  make(map[string]*escrowHold),
		byKey:  make(map[string]string),
	}
}

// Kind implements domain.SettlementRail.
func (e *EscrowRail) Kind() domain.RailKind { return domain.RailEscrow }

// Charge places funds on hold. Repeat charges with the same idempotency key
// return the original hold reference.
func (e *EscrowRail) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ref, ok := e.byKey[req.IdempotencyKey]; ok {
		return &domain.ChargeResult{Reference: ref, Status: domain.SettlementHeld}, nil
	}

	ref := "hold_" + newID()
	e.holds[ref] = &escrowHold{
		amount:   req.Amount,
		currency: req.Currency,
		state:    holdActive,
	}
	e.byKey[req.IdempotencyKey] = ref

	e.logger.Info("escrow hold placed",
		"reference", ref,
		"amount", req.Amount,
		"currency", req.Currency)

	return &domain.ChargeResult{Reference: ref, Status: domain.SettlementHeld}, nil
}

// Release transfers held funds to the seller. Only an active hold can be
// released; releasing twice is an error.
func (e *EscrowRail) Release(ctx context.Context, reference string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hold, ok := e.holds[reference]
	if !ok {
		return fmt.Errorf("hold %s: %w", reference, domain.ErrNotFound)
	}
	if hold.state != holdActive {
		return fmt.Errorf("hold %s already settled: %w", reference, domain.ErrInvalidState)
	}
	hold.state = holdReleased

	e.logger.Info("escrow hold released", "reference", reference, "amount", hold.amount)
	return nil
}

// Refund returns held funds to the buyer. Only an active hold can be
// refunded.
func (e *EscrowRail) Refund(ctx context.Context, reference string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hold, ok := e.holds[reference]
	if !ok {
		return fmt.Errorf("hold %s: %w", reference, domain.ErrNotFound)
	}
	if hold.state != holdActive {
		return fmt.Errorf("hold %s already settled: %w", reference, domain.ErrInvalidState)
	}
	hold.state = holdRefunded

	e.logger.Info("escrow hold refunded", "reference", reference, "amount", hold.amount)
	return nil
}

var _ domain.HoldingRail = (*EscrowRail)(nil)
