package negotiation

import (
	"context"
	"math"

	"agora/internal/domain"
)

// ConcessionPolicy is the deterministic pricing policy. The opening quote
// marks the floor up by the buyer's tier multiplier; each later round
// narrows the gap between the live offer and the buyer's counter by a
// fixed fraction.
type ConcessionPolicy struct {
	// Fraction of the offer/counter gap conceded per round, in (0, 1].
	Fraction float64
}

var _ domain.PricePolicy = (*ConcessionPolicy)(nil)

// NewConcessionPolicy creates a policy conceding the given fraction per round.
func NewConcessionPolicy(fraction float64) *ConcessionPolicy {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.5
	}
	return &ConcessionPolicy{Fraction: fraction}
}

// ProposePrice implements domain.PricePolicy.
func (p *ConcessionPolicy) ProposePrice(_ context.Context, pc domain.PriceContext) (float64, error) {
	if pc.Round == 0 {
		return roundCents(pc.FloorPrice * pc.BuyerTier.PriceMultiplier()), nil
	}

	next := pc.CurrentOffer - (pc.CurrentOffer-pc.CounterOffer)*p.Fraction
	// A proposal at or below the buyer's counter means the seller simply
	// meets it.
	if next <= pc.CounterOffer {
		next = pc.CounterOffer
	}
	return roundCents(next), nil
}

// roundCents rounds a price to two decimal places.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
