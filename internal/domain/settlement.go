package domain

import (
	"context"
	"time"
)

// RailKind identifies a settlement backend.
type RailKind string

const (
	RailMock   RailKind = "mock"
	RailCard   RailKind = "card-network"
	RailLedger RailKind = "ledger"
	RailEscrow RailKind = "escrow"
)

// SettlementStatus is the state of a settlement record.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementHeld     SettlementStatus = "held"
	SettlementPaid     SettlementStatus = "paid"
	SettlementFailed   SettlementStatus = "failed"
	SettlementRefunded SettlementStatus = "refunded"
)

// Terminal reports whether the settlement status is absorbing.
func (s SettlementStatus) Terminal() bool {
	switch s {
	case SettlementPaid, SettlementFailed, SettlementRefunded:
		return true
	}
	return false
}

// SettlementRecord is the durable record of one payment operation. It is 1:1
// with an accepted negotiation (idempotency key = negotiation id) and owned
// exclusively by the settlement orchestrator.
type SettlementRecord struct {
	ID            string           `json:"id"`
	NegotiationID string           `json:"negotiation_id"`
	BuyerID       string           `json:"buyer_id"`
	SellerID      string           `json:"seller_id"`
	Rail          RailKind         `json:"rail"`
	Amount        float64          `json:"amount"`
	Currency      string           `json:"currency"`
	Status        SettlementStatus `json:"status"`
	Reference     string           `json:"reference,omitempty"` // rail-specific token
	Attempts      int              `json:"attempts"`
	BuyerAck      bool             `json:"buyer_ack"`  // escrow release confirmation
	SellerAck     bool             `json:"seller_ack"` // escrow release confirmation
	HoldDeadline  time.Time        `json:"hold_deadline,omitempty"`
	ConfirmBy     time.Time        `json:"confirm_by,omitempty"` // ledger confirmation deadline
	FailureReason string           `json:"failure_reason,omitempty"`
	// OutcomeEmitted guards the one-shot outcome event: observing a terminal
	// transition more than once must not fan out reputation deltas twice.
	OutcomeEmitted bool      `json:"outcome_emitted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SettlementStore persists settlement records. Save is an upsert keyed by
// record id; the negotiation id carries a uniqueness constraint.
type SettlementStore interface {
	SaveSettlement(ctx context.Context, rec SettlementRecord) error
	GetSettlement(ctx context.Context, id string) (*SettlementRecord, error)
	GetSettlementByNegotiation(ctx context.Context, negotiationID string) (*SettlementRecord, error)
	ListSettlementsByStatus(ctx context.Context, status SettlementStatus) ([]SettlementRecord, error)
}

// ChargeRequest is the uniform input to a rail charge. IdempotencyKey is
// derived from the negotiation id so a rail never double-charges.
type ChargeRequest struct {
	SettlementID   string
	NegotiationID  string
	BuyerID        string
	SellerID       string
	Amount         float64
	Currency       string
	IdempotencyKey string
}

// ChargeResult is a rail's answer to a charge. Status is Paid for rails
// that settle synchronously, Pending for rails that confirm asynchronously
// (ledger) and Held for escrow.
type ChargeResult struct {
	Reference string
	Status    SettlementStatus
}

// SettlementRail is the contract every settlement backend implements.
// Charge failures are reported as ErrRailDeclined (permanent, no retry) or
// ErrRailUnavailable (transient, retried with backoff by the orchestrator).
type SettlementRail interface {
	Kind() RailKind
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, reference string) error
}

// ConfirmingRail is implemented by rails whose charges settle
// asynchronously and must be polled for confirmation (ledger).
type ConfirmingRail interface {
	SettlementRail
	Confirmed(ctx context.Context, reference string) (bool, error)
}

// HoldingRail is implemented by rails that place funds on hold pending a
// multi-party release (escrow).
type HoldingRail interface {
	SettlementRail
	Release(ctx context.Context, reference string) error
}

// SettlementInitiator starts settlement for an accepted negotiation. It is
// idempotent by negotiation id.
type SettlementInitiator interface {
	Initiate(ctx context.Context, negotiationID string, rail RailKind) (*SettlementRecord, error)
}
