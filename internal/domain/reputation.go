package domain

import (
	"context"
	"time"
)

// Score bounds. Scores are always clamped to this range.
const (
	MinScore = 0
	MaxScore = 100
)

// TrustTier classifies an agent by reputation score. The tier is always
// derived from the score, never stored independently.
type TrustTier string

const (
	TierUntrusted     TrustTier = "untrusted"      // 0-49
	TierNeutral       TrustTier = "neutral"        // 50-74
	TierTrusted       TrustTier = "trusted"        // 75-89
	TierHighlyTrusted TrustTier = "highly_trusted" // 90-100
)

// TierForScore derives the trust tier for a clamped score.
func TierForScore(score int) TrustTier {
	switch {
	case score < 50:
		return TierUntrusted
	case score < 75:
		return TierNeutral
	case score < 90:
		return TierTrusted
	default:
		return TierHighlyTrusted
	}
}

// PriceMultiplier is the quote markup applied for a counterparty of this
// tier, relative to the seller's floor price: untrusted agents pay a 50%
// premium, highly trusted agents get a 20% discount.
func (t TrustTier) PriceMultiplier() float64 {
	switch t {
	case TierUntrusted:
		return 1.5
	case TierNeutral:
		return 1.2
	case TierHighlyTrusted:
		return 0.8
	default:
		return 1.0
	}
}

// ClampScore bounds a raw score to [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// DeltaReason identifies why a reputation delta was applied.
type DeltaReason string

const (
	ReasonSettlementPaid     DeltaReason = "settlement_paid"
	ReasonSettlementFailed   DeltaReason = "settlement_failed"
	ReasonSettlementRefunded DeltaReason = "settlement_refunded"
	ReasonQuoteExpired       DeltaReason = "quote_expired"
	ReasonRejection          DeltaReason = "negotiation_rejected"
	ReasonAdjustment         DeltaReason = "system_adjustment"
)

// ReputationRecord is an agent's current trust standing.
type ReputationRecord struct {
	AgentID   string    `json:"agent_id"`
	Score     int       `json:"score"`
	Tier      TrustTier `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReputationDelta is one append-only audit entry. Deltas are the only way
// reputation changes; the current score is always the clamped sum of the
// starting score and all applied deltas.
type ReputationDelta struct {
	ID             string      `json:"id"`
	AgentID        string      `json:"agent_id"`
	Delta          int         `json:"delta"`
	Reason         DeltaReason `json:"reason"`
	RelatedAgentID string      `json:"related_agent_id,omitempty"`
	NegotiationID  string      `json:"negotiation_id,omitempty"`
	AppliedAt      time.Time   `json:"applied_at"`
}

// ReputationReader exposes read-only reputation lookups used by the
// negotiation engine for tier snapshots and gating.
type ReputationReader interface {
	Score(ctx context.Context, agentID string) (int, error)
	Tier(ctx context.Context, agentID string) (TrustTier, error)
}

// ReputationWriter applies outcome deltas. Implementations must serialize
// concurrent deltas for the same agent id and must not lose updates.
type ReputationWriter interface {
	ApplyDelta(ctx context.Context, delta ReputationDelta) (*ReputationRecord, error)
}

// ReputationStore persists reputation records and their audit trail.
type ReputationStore interface {
	GetReputation(ctx context.Context, agentID string) (*ReputationRecord, error)
	SaveReputation(ctx context.Context, rec ReputationRecord) error
	AppendDelta(ctx context.Context, delta ReputationDelta) error
	ListDeltas(ctx context.Context, agentID string, limit int) ([]ReputationDelta, error)
}
