package settlement

import (
	"context"
	"errors"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agora/internal/domain"
	"agora/internal/infra/tracer"
	"agora/internal/usecase/coordinator"
)

// newID generates a ULID string.
func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(mathrand.New(mathrand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Config holds the orchestrator's settlement parameters.
type Config struct {
	EscrowHold    time.Duration // auto-refund deadline for held funds
	ConfirmWindow time.Duration // ledger confirmation deadline
	MaxAttempts   int           // charge attempts on transient rail failure
	RetryBackoff  time.Duration // base backoff between attempts
}

// Orchestrator moves money for accepted negotiations. One settlement record
// per negotiation id; terminal records emit the outcome reputation deltas
// exactly once.
type Orchestrator struct {
	cfg        Config
	store      domain.SettlementStore
	sessions   domain.SessionStore
	reputation domain.ReputationWriter
	locks      *coordinator.Coordinator
	bus        domain.EventBus
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(time.Duration)

	mu    sync.RWMutex
	rails map[domain.RailKind]domain.SettlementRail
}

var _ domain.SettlementInitiator = (*Orchestrator)(nil)

// New creates a settlement orchestrator with no rails registered.
func New(
	cfg Config,
	store domain.SettlementStore,
	sessions domain.SessionStore,
	reputation domain.ReputationWriter,
	locks *coordinator.Coordinator,
	bus domain.EventBus,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		reputation: reputation,
		locks:      locks,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		sleep:      time.Sleep,
		rails:      make(map[domain.RailKind]domain.SettlementRail),
	}
}

// RegisterRail makes a settlement backend available by its kind.
func (o *Orchestrator) RegisterRail(rail domain.SettlementRail) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rails[rail.Kind()] = rail
}

func (o *Orchestrator) rail(kind domain.RailKind) (domain.SettlementRail, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.rails[kind]
	return r, ok
}

// Initiate starts settlement for an accepted negotiation. It is idempotent:
// a second call for the same negotiation returns the existing record
// untouched. The rail charge runs after the record is durable, detached
// from the caller's cancellation.
func (o *Orchestrator) Initiate(ctx context.Context, negotiationID string, railKind domain.RailKind) (*domain.SettlementRecord, error) {
	const op = "Orchestrator.Initiate"
	ctx, span := tracer.StartSpan(ctx, "settlement.initiate")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("rail", string(railKind)))

	if negotiationID == "" {
		return nil, domain.NewDomainError(op, domain.ErrValidation, "negotiation id is required")
	}

	var rec *domain.SettlementRecord
	var rail domain.SettlementRail
	created := false
	err := o.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		existing, err := o.store.GetSettlementByNegotiation(ctx, negotiationID)
		if err == nil {
			// Idempotent: the existing record wins, whatever rail was asked for.
			rec = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.WrapOp(op, err)
		}

		var ok bool
		rail, ok = o.rail(railKind)
		if !ok {
			return domain.NewDomainError(op, domain.ErrValidation, "unknown rail "+string(railKind))
		}

		session, err := o.sessions.GetSession(ctx, negotiationID)
		if err != nil {
			return domain.WrapOp(op, err)
		}
		if session.Status != domain.StatusAccepted {
			return domain.NewDomainError(op, domain.ErrInvalidState,
				"negotiation is "+string(session.Status)+", not accepted")
		}

		now := o.now()
		rec = &domain.SettlementRecord{
			ID:            newID(),
			NegotiationID: negotiationID,
			BuyerID:       session.BuyerID,
			SellerID:      session.SellerID,
			Rail:          railKind,
			Amount:        session.ClosePrice,
			Currency:      session.Currency,
			Status:        domain.SettlementPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.store.SaveSettlement(ctx, *rec); err != nil {
			return domain.WrapOp(op, err)
		}
		created = true
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if !created {
		tracer.SetOK(span)
		return rec, nil
	}

	o.logger.Info("settlement initiated",
		"settlement_id", rec.ID,
		"negotiation_id", negotiationID,
		"rail", string(railKind),
		"amount", rec.Amount,
	)
	o.publish(ctx, domain.EventSettlementInitiated, rec)

	// The buyer's request may be cancelled mid-charge; money movement must
	// not be.
	o.charge(context.WithoutCancel(ctx), rail, rec.ID, negotiationID)

	final, err := o.store.GetSettlementByNegotiation(ctx, negotiationID)
	if err != nil {
		return rec, nil
	}
	tracer.SetOK(span)
	return final, nil
}

// charge drives the rail call with bounded retries on transient failures.
func (o *Orchestrator) charge(ctx context.Context, rail domain.SettlementRail, settlementID, negotiationID string) {
	rec, err := o.store.GetSettlement(ctx, settlementID)
	if err != nil {
		o.logger.Error("load settlement for charge failed", "settlement_id", settlementID, "error", err)
		return
	}

	req := domain.ChargeRequest{
		SettlementID:   rec.ID,
		NegotiationID:  rec.NegotiationID,
		BuyerID:        rec.BuyerID,
		SellerID:       rec.SellerID,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		IdempotencyKey: "chg_" + rec.NegotiationID,
	}

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		o.bumpAttempts(ctx, negotiationID)

		result, err := rail.Charge(ctx, req)
		if err == nil {
			o.settleChargeResult(ctx, negotiationID, result)
			return
		}
		if errors.Is(err, domain.ErrRailDeclined) {
			o.markFailed(ctx, negotiationID, "charge declined")
			return
		}

		o.logger.Warn("rail charge attempt failed",
			"negotiation_id", negotiationID,
			"rail", string(rail.Kind()),
			"attempt", attempt,
			"error", err,
		)
		if attempt < o.cfg.MaxAttempts {
			o.sleep(o.cfg.RetryBackoff * time.Duration(attempt))
		}
	}
	o.markFailed(ctx, negotiationID, "rail unavailable after retries")
}

func (o *Orchestrator) settleChargeResult(ctx context.Context, negotiationID string, result *domain.ChargeResult) {
	switch result.Status {
	case domain.SettlementPaid:
		o.transition(ctx, negotiationID, func(rec *domain.SettlementRecord) bool {
			rec.Reference = result.Reference
			rec.Status = domain.SettlementPaid
			return true
		})
	case domain.SettlementHeld:
		o.transition(ctx, negotiationID, func(rec *domain.SettlementRecord) bool {
			rec.Reference = result.Reference
			rec.Status = domain.SettlementHeld
			rec.HoldDeadline = o.now().Add(o.cfg.EscrowHold)
			return true
		})
	case domain.SettlementPending:
		o.transition(ctx, negotiationID, func(rec *domain.SettlementRecord) bool {
			rec.Reference = result.Reference
			rec.ConfirmBy = o.now().Add(o.cfg.ConfirmWindow)
			return true
		})
	default:
		o.logger.Error("rail returned unexpected status",
			"negotiation_id", negotiationID,
			"status", string(result.Status),
		)
	}
}

// Release records an escrow release confirmation from one party. Funds move
// to the seller once both the buyer and the seller have confirmed.
func (o *Orchestrator) Release(ctx context.Context, negotiationID, actorID string) (*domain.SettlementRecord, error) {
	const op = "Orchestrator.Release"
	ctx, span := tracer.StartSpan(ctx, "settlement.release")
	defer span.End()

	var out *domain.SettlementRecord
	err := o.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		rec, err := o.store.GetSettlementByNegotiation(ctx, negotiationID)
		if err != nil {
			return domain.WrapOp(op, err)
		}
		if rec.Status != domain.SettlementHeld {
			return domain.NewDomainError(op, domain.ErrInvalidState,
				"settlement is "+string(rec.Status)+", not held")
		}

		switch actorID {
		case rec.BuyerID:
			rec.BuyerAck = true
		case rec.SellerID:
			rec.SellerAck = true
		default:
			return domain.NewDomainError(op, domain.ErrValidation, "actor is not a party to this settlement")
		}
		rec.UpdatedAt = o.now()

		if rec.BuyerAck && rec.SellerAck {
			rail, ok := o.rail(rec.Rail)
			if !ok {
				return domain.NewDomainError(op, domain.ErrInternal, "rail "+string(rec.Rail)+" not registered")
			}
			holding, ok := rail.(domain.HoldingRail)
			if !ok {
				return domain.NewDomainError(op, domain.ErrInternal, "rail "+string(rec.Rail)+" cannot hold funds")
			}
			if err := holding.Release(ctx, rec.Reference); err != nil {
				return domain.WrapOp(op, err)
			}
			rec.Status = domain.SettlementPaid
			rec.OutcomeEmitted = true
		}

		if err := o.store.SaveSettlement(ctx, *rec); err != nil {
			return domain.WrapOp(op, err)
		}
		out = rec
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if out.Status == domain.SettlementPaid {
		o.logger.Info("escrow released", "negotiation_id", negotiationID)
		o.publish(ctx, domain.EventSettlementPaid, out)
		o.applyOutcomeDeltas(ctx, out)
	}
	tracer.SetOK(span)
	return out, nil
}

// Get returns the settlement record for a negotiation.
func (o *Orchestrator) Get(ctx context.Context, negotiationID string) (*domain.SettlementRecord, error) {
	rec, err := o.store.GetSettlementByNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.Get", err)
	}
	return rec, nil
}

// SweepUnsettled initiates settlement for accepted negotiations that have
// no record, picking up acceptances whose handoff failed (caller gone,
// lock contention, store error). Safe to run repeatedly.
func (o *Orchestrator) SweepUnsettled(ctx context.Context) (int, error) {
	const op = "Orchestrator.SweepUnsettled"
	accepted, err := o.sessions.ListSessionsByStatus(ctx, domain.StatusAccepted)
	if err != nil {
		return 0, domain.WrapOp(op, err)
	}

	initiated := 0
	for _, s := range accepted {
		if _, err := o.store.GetSettlementByNegotiation(ctx, s.ID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("unsettled lookup failed",
				"negotiation_id", s.ID,
				"error", err,
			)
			continue
		}

		if _, err := o.Initiate(ctx, s.ID, s.Rail); err != nil {
			o.logger.Warn("settlement recovery failed",
				"negotiation_id", s.ID,
				"rail", string(s.Rail),
				"error", err,
			)
			continue
		}
		o.logger.Info("settlement recovered",
			"negotiation_id", s.ID,
			"rail", string(s.Rail),
		)
		initiated++
	}
	return initiated, nil
}

// SweepConfirmations polls the confirming rails for pending settlements.
// Confirmed charges go to Paid; charges past their confirmation window go
// to Failed. Safe to run repeatedly.
func (o *Orchestrator) SweepConfirmations(ctx context.Context) (int, error) {
	const op = "Orchestrator.SweepConfirmations"
	pending, err := o.store.ListSettlementsByStatus(ctx, domain.SettlementPending)
	if err != nil {
		return 0, domain.WrapOp(op, err)
	}

	resolved := 0
	for _, rec := range pending {
		if rec.Reference == "" {
			continue // charge not dispatched yet
		}
		rail, ok := o.rail(rec.Rail)
		if !ok {
			continue
		}
		confirming, ok := rail.(domain.ConfirmingRail)
		if !ok {
			continue
		}

		// Poll outside the lock; the transition re-checks state inside it.
		confirmed, err := confirming.Confirmed(ctx, rec.Reference)
		if err != nil {
			o.logger.Warn("confirmation poll failed",
				"negotiation_id", rec.NegotiationID,
				"error", err,
			)
			continue
		}

		switch {
		case confirmed:
			if o.transition(ctx, rec.NegotiationID, func(r *domain.SettlementRecord) bool {
				if r.Status != domain.SettlementPending {
					return false
				}
				r.Status = domain.SettlementPaid
				return true
			}) {
				resolved++
			}
		case o.now().After(rec.ConfirmBy):
			if o.markFailed(ctx, rec.NegotiationID, "confirmation window elapsed") {
				resolved++
			}
		}
	}
	return resolved, nil
}

// SweepHolds refunds escrow holds whose deadline has passed without both
// release confirmations. Safe to run repeatedly.
func (o *Orchestrator) SweepHolds(ctx context.Context) (int, error) {
	const op = "Orchestrator.SweepHolds"
	held, err := o.store.ListSettlementsByStatus(ctx, domain.SettlementHeld)
	if err != nil {
		return 0, domain.WrapOp(op, err)
	}

	refunded := 0
	for _, rec := range held {
		if !o.now().After(rec.HoldDeadline) {
			continue
		}
		rail, ok := o.rail(rec.Rail)
		if !ok {
			continue
		}
		if err := rail.Refund(ctx, rec.Reference); err != nil {
			o.logger.Warn("escrow refund failed",
				"negotiation_id", rec.NegotiationID,
				"error", err,
			)
			continue
		}
		if o.transition(ctx, rec.NegotiationID, func(r *domain.SettlementRecord) bool {
			if r.Status != domain.SettlementHeld {
				return false
			}
			r.Status = domain.SettlementRefunded
			r.FailureReason = "escrow hold expired"
			return true
		}) {
			refunded++
		}
	}
	return refunded, nil
}

// bumpAttempts increments the attempt counter under the lock.
func (o *Orchestrator) bumpAttempts(ctx context.Context, negotiationID string) {
	_ = o.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		rec, err := o.store.GetSettlementByNegotiation(ctx, negotiationID)
		if err != nil {
			return err
		}
		rec.Attempts++
		rec.UpdatedAt = o.now()
		return o.store.SaveSettlement(ctx, *rec)
	})
}

// markFailed moves a settlement to Failed, reporting whether this call won
// the transition.
func (o *Orchestrator) markFailed(ctx context.Context, negotiationID, reason string) bool {
	return o.transition(ctx, negotiationID, func(rec *domain.SettlementRecord) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = domain.SettlementFailed
		rec.FailureReason = reason
		return true
	})
}

// transition applies mutate under the lock and, when the result is a fresh
// terminal status, claims the one-shot outcome and fans it out. Returns
// whether the mutation was applied.
func (o *Orchestrator) transition(ctx context.Context, negotiationID string, mutate func(*domain.SettlementRecord) bool) bool {
	var rec *domain.SettlementRecord
	emit := false
	err := o.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		r, err := o.store.GetSettlementByNegotiation(ctx, negotiationID)
		if err != nil {
			return err
		}
		if !mutate(r) {
			return nil
		}
		r.UpdatedAt = o.now()
		if r.Status.Terminal() && !r.OutcomeEmitted {
			r.OutcomeEmitted = true
			emit = true
		}
		if err := o.store.SaveSettlement(ctx, *r); err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		o.logger.Error("settlement transition failed",
			"negotiation_id", negotiationID,
			"error", err,
		)
		return false
	}
	if rec == nil {
		return false
	}

	if emit {
		o.logger.Info("settlement "+string(rec.Status),
			"negotiation_id", negotiationID,
			"amount", rec.Amount,
			"reason", rec.FailureReason,
		)
		o.publish(ctx, eventFor(rec.Status), rec)
		o.applyOutcomeDeltas(ctx, rec)
	} else if rec.Status == domain.SettlementHeld {
		o.publish(ctx, domain.EventSettlementHeld, rec)
	}
	return true
}

func eventFor(status domain.SettlementStatus) domain.EventType {
	switch status {
	case domain.SettlementPaid:
		return domain.EventSettlementPaid
	case domain.SettlementFailed:
		return domain.EventSettlementFailed
	case domain.SettlementRefunded:
		return domain.EventSettlementRefunded
	default:
		return domain.EventSettlementInitiated
	}
}

// applyOutcomeDeltas fans the terminal outcome out to both parties'
// reputation. Each delta is retried a few times; on exhaustion the miss is
// logged and the settlement stays terminal. The OutcomeEmitted flag is
// claimed before the first attempt, so a crash here can under-count
// reputation but never double-count it.
func (o *Orchestrator) applyOutcomeDeltas(ctx context.Context, rec *domain.SettlementRecord) {
	var amount int
	var reason domain.DeltaReason
	switch rec.Status {
	case domain.SettlementPaid:
		amount, reason = 5, domain.ReasonSettlementPaid
	case domain.SettlementFailed:
		amount, reason = -3, domain.ReasonSettlementFailed
	case domain.SettlementRefunded:
		amount, reason = -3, domain.ReasonSettlementRefunded
	default:
		return
	}

	deltas := []domain.ReputationDelta{
		{AgentID: rec.BuyerID, Delta: amount, Reason: reason, RelatedAgentID: rec.SellerID, NegotiationID: rec.NegotiationID},
		{AgentID: rec.SellerID, Delta: amount, Reason: reason, RelatedAgentID: rec.BuyerID, NegotiationID: rec.NegotiationID},
	}
	for _, d := range deltas {
		var err error
		for attempt := 1; attempt <= 3; attempt++ {
			if _, err = o.reputation.ApplyDelta(ctx, d); err == nil {
				break
			}
			o.sleep(o.cfg.RetryBackoff * time.Duration(attempt))
		}
		if err != nil {
			o.logger.Error("outcome reputation delta lost",
				"agent_id", d.AgentID,
				"negotiation_id", rec.NegotiationID,
				"reason", string(reason),
				"error", err,
			)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, rec *domain.SettlementRecord) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, domain.Event{
		Type:          t,
		Timestamp:     o.now(),
		NegotiationID: rec.NegotiationID,
		Payload:       *rec,
	})
}
