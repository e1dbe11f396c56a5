package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	mathrand "math/rand"
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

// ReputationService combines the read and write sides the engine needs:
// tier snapshots and gating on the way in, outcome deltas on the way out.
type ReputationService interface {
	domain.ReputationReader
	domain.ReputationWriter
}

// Config holds the engine's negotiation parameters.
type Config struct {
	MaxRounds               int
	QuoteTTL                time.Duration // first quote
	CounterQuoteTTL         time.Duration // re-quotes after a counter
	Concession              float64
	MinBuyerScore           int
	PenalizeSellerRejection bool
	DefaultRail             domain.RailKind
}

// Engine drives the bounded-round quote/counter/accept state machine. All
// mutating operations on an existing session run under the coordinator's
// per-negotiation lock.
type Engine struct {
	cfg        Config
	store      domain.SessionStore
	discovery  domain.Discovery
	reputation ReputationService
	pricing    domain.PricePolicy
	locks      *coordinator.Coordinator
	bus        domain.EventBus
	settlement domain.SettlementInitiator
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a negotiation engine. settlement may be set later with
// SetSettlement to break the construction cycle with the orchestrator.
func New(
	cfg Config,
	store domain.SessionStore,
	discovery domain.Discovery,
	reputation ReputationService,
	pricing domain.PricePolicy,
	locks *coordinator.Coordinator,
	bus domain.EventBus,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		discovery:  discovery,
		reputation: reputation,
		pricing:    pricing,
		locks:      locks,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
}

// SetSettlement wires the settlement initiator used on Accept.
func (e *Engine) SetSettlement(s domain.SettlementInitiator) { e.settlement = s }

// RequestQuote validates an RFQ, snapshots catalog and reputation state,
// and opens a negotiation session with the first quote.
func (e *Engine) RequestQuote(ctx context.Context, rfq domain.RFQ) (*domain.Session, error) {
	const op = "Engine.RequestQuote"
	ctx, span := tracer.StartSpan(ctx, "negotiation.request_quote")
	defer span.End()

	now := e.now()
	if err := rfq.Validate(now); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	buyerScore, err := e.reputation.Score(ctx, rfq.BuyerID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	if buyerScore < e.cfg.MinBuyerScore {
		err := domain.NewDomainError(op, domain.ErrValidation,
			fmt.Sprintf("buyer score %d below minimum %d", buyerScore, e.cfg.MinBuyerScore))
		tracer.RecordError(span, err)
		return nil, err
	}

	product, err := e.discovery.LookupProduct(ctx, rfq.ProductID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	if product.Stock < rfq.Quantity {
		err := domain.NewDomainError(op, domain.ErrValidation,
			fmt.Sprintf("insufficient stock: have %d, want %d", product.Stock, rfq.Quantity))
		tracer.RecordError(span, err)
		return nil, err
	}
	if rfq.Currency != "" && rfq.Currency != product.Currency {
		err := domain.NewDomainError(op, domain.ErrValidation,
			fmt.Sprintf("currency mismatch: rfq %s, product %s", rfq.Currency, product.Currency))
		tracer.RecordError(span, err)
		return nil, err
	}

	buyerTier := domain.TierForScore(buyerScore)
	sellerTier, err := e.reputation.Tier(ctx, product.SellerID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	floor := roundCents(product.BasePrice * float64(rfq.Quantity))
	price, err := e.pricing.ProposePrice(ctx, domain.PriceContext{
		Round:      0,
		FloorPrice: floor,
		MaxPrice:   rfq.MaxPrice,
		BuyerTier:  buyerTier,
		SellerTier: sellerTier,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	if rfq.ID == "" {
		rfq.ID = newID()
	}
	rfq.Currency = product.Currency
	rfq.CreatedAt = now

	session := domain.Session{
		ID:         newID(),
		RFQ:        rfq,
		BuyerID:    rfq.BuyerID,
		SellerID:   product.SellerID,
		ProductID:  product.ID,
		FloorPrice: floor,
		Currency:   product.Currency,
		Round:      0,
		Status:     domain.StatusQuoted,
		BuyerTier:  buyerTier,
		SellerTier: sellerTier,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	session.Quotes = []domain.Quote{{
		ID:        newID(),
		RFQID:     rfq.ID,
		SellerID:  product.SellerID,
		Price:     price,
		Currency:  product.Currency,
		Round:     0,
		ExpiresAt: now.Add(e.cfg.QuoteTTL),
		CreatedAt: now,
	}}

	if err := e.store.SaveSession(ctx, session); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	e.logger.Info("quote issued",
		"negotiation_id", session.ID,
		"buyer_id", session.BuyerID,
		"seller_id", session.SellerID,
		"price", price,
		"buyer_tier", string(buyerTier),
	)
	e.publish(ctx, domain.EventNegotiationQuoted, &session)
	tracer.SetOK(span)
	return &session, nil
}

// CounterOffer records the buyer's counter price and issues the seller's
// re-quote, or closes the session when the round budget is exhausted.
func (e *Engine) CounterOffer(ctx context.Context, negotiationID, actorID string, counter float64) (*domain.Session, error) {
	const op = "Engine.CounterOffer"
	ctx, span := tracer.StartSpan(ctx, "negotiation.counter_offer")
	defer span.End()

	var out *domain.Session
	err := e.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		session, err := e.getSession(ctx, op, negotiationID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return domain.NewDomainError(op, domain.ErrInvalidState,
				"negotiation already "+string(session.Status))
		}
		if actorID != session.BuyerID {
			return domain.NewDomainError(op, domain.ErrValidation, "only the buyer may counter")
		}

		now := e.now()
		live := session.LiveQuote()
		if live == nil {
			return domain.NewDomainError(op, domain.ErrInvalidState, "no live quote to counter")
		}
		if live.Expired(now) {
			e.expireLocked(ctx, session, now)
			out = session
			return domain.NewDomainError(op, domain.ErrExpiredQuote,
				"quote expired at "+live.ExpiresAt.Format(time.RFC3339))
		}
		if counter < 0 {
			return domain.NewDomainError(op, domain.ErrValidation, "counter price must not be negative")
		}
		if counter > session.RFQ.MaxPrice {
			return domain.NewDomainError(op, domain.ErrValidation, "counter price exceeds rfq max price")
		}

		session.Round++
		session.LastCounter = counter
		session.UpdatedAt = now

		// The opening quote is round 0, so the round budget caps the number
		// of counters: the MaxRounds-th counter closes the session instead
		// of drawing a further quote.
		if session.Round >= e.cfg.MaxRounds {
			session.Status = domain.StatusRejected
			session.CloseNote = "round budget exhausted"
			if err := e.saveTerminal(ctx, session, now); err != nil {
				return domain.WrapOp(op, err)
			}
			e.logger.Info("negotiation closed, rounds exhausted",
				"negotiation_id", session.ID,
				"rounds", session.Round,
			)
			e.publish(ctx, domain.EventNegotiationRejected, session)
			out = session
			return nil
		}

		session.Status = domain.StatusCountered
		price, err := e.pricing.ProposePrice(ctx, domain.PriceContext{
			Round:        session.Round,
			FloorPrice:   session.FloorPrice,
			CurrentOffer: live.Price,
			CounterOffer: counter,
			MaxPrice:     session.RFQ.MaxPrice,
			BuyerTier:    session.BuyerTier,
			SellerTier:   session.SellerTier,
		})
		if err != nil {
			return domain.WrapOp(op, err)
		}

		session.Quotes = append(session.Quotes, domain.Quote{
			ID:        newID(),
			RFQID:     session.RFQ.ID,
			SellerID:  session.SellerID,
			Price:     price,
			Currency:  session.Currency,
			Round:     session.Round,
			ExpiresAt: now.Add(e.cfg.CounterQuoteTTL),
			CreatedAt: now,
		})
		session.Status = domain.StatusQuoted
		if err := e.store.SaveSession(ctx, *session); err != nil {
			return domain.WrapOp(op, err)
		}

		e.logger.Info("counter processed",
			"negotiation_id", session.ID,
			"round", session.Round,
			"counter", counter,
			"new_price", price,
		)
		e.publish(ctx, domain.EventNegotiationCountered, session)
		out = session
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return out, err
	}
	tracer.SetOK(span)
	return out, nil
}

// Accept closes the negotiation at the live quote price and kicks off
// settlement. Settlement initiation happens after the session lock is
// released; the orchestrator takes the same lock for its own transition.
func (e *Engine) Accept(ctx context.Context, negotiationID, actorID string, rail domain.RailKind) (*domain.Session, error) {
	const op = "Engine.Accept"
	ctx, span := tracer.StartSpan(ctx, "negotiation.accept")
	defer span.End()

	if rail == "" {
		rail = e.cfg.DefaultRail
	}

	var out *domain.Session
	err := e.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		session, err := e.getSession(ctx, op, negotiationID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return domain.NewDomainError(op, domain.ErrInvalidState,
				"negotiation already "+string(session.Status))
		}
		if actorID != session.BuyerID {
			return domain.NewDomainError(op, domain.ErrValidation, "only the buyer may accept")
		}

		now := e.now()
		live := session.LiveQuote()
		if live == nil {
			return domain.NewDomainError(op, domain.ErrInvalidState, "no live quote to accept")
		}
		if live.Expired(now) {
			e.expireLocked(ctx, session, now)
			out = session
			return domain.NewDomainError(op, domain.ErrExpiredQuote,
				"quote expired at "+live.ExpiresAt.Format(time.RFC3339))
		}

		session.Status = domain.StatusAccepted
		session.ClosePrice = live.Price
		session.Rail = rail
		session.UpdatedAt = now
		if err := e.saveTerminal(ctx, session, now); err != nil {
			return domain.WrapOp(op, err)
		}

		e.logger.Info("negotiation accepted",
			"negotiation_id", session.ID,
			"close_price", session.ClosePrice,
			"rounds", session.Round,
		)
		e.publish(ctx, domain.EventNegotiationAccepted, session)
		out = session
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return out, err
	}

	if e.settlement != nil {
		// The accepted transition is durable; the handoff runs detached so a
		// caller disconnecting here cannot strand the settlement.
		if _, err := e.settlement.Initiate(context.WithoutCancel(ctx), negotiationID, rail); err != nil {
			// The acceptance stands; settlement has its own recovery sweeps.
			e.logger.Error("settlement initiation failed",
				"negotiation_id", negotiationID,
				"rail", string(rail),
				"error", err,
			)
		}
	}
	tracer.SetOK(span)
	return out, nil
}

// Reject closes the negotiation without a deal. A seller walking away from
// a live quote takes a reputation penalty; a buyer declining does not.
func (e *Engine) Reject(ctx context.Context, negotiationID, actorID, note string) (*domain.Session, error) {
	const op = "Engine.Reject"
	ctx, span := tracer.StartSpan(ctx, "negotiation.reject")
	defer span.End()

	var out *domain.Session
	err := e.locks.WithSession(ctx, negotiationID, func(ctx context.Context) error {
		session, err := e.getSession(ctx, op, negotiationID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return domain.NewDomainError(op, domain.ErrInvalidState,
				"negotiation already "+string(session.Status))
		}
		if actorID != session.BuyerID && actorID != session.SellerID {
			return domain.NewDomainError(op, domain.ErrValidation, "actor is not a party to this negotiation")
		}

		now := e.now()
		session.Status = domain.StatusRejected
		session.CloseNote = note
		session.UpdatedAt = now
		if err := e.saveTerminal(ctx, session, now); err != nil {
			return domain.WrapOp(op, err)
		}

		if e.cfg.PenalizeSellerRejection && actorID == session.SellerID {
			e.applyDelta(ctx, domain.ReputationDelta{
				AgentID:        session.SellerID,
				Delta:          -2,
				Reason:         domain.ReasonRejection,
				RelatedAgentID: session.BuyerID,
				NegotiationID:  session.ID,
			})
		}

		e.logger.Info("negotiation rejected",
			"negotiation_id", session.ID,
			"actor_id", actorID,
		)
		e.publish(ctx, domain.EventNegotiationRejected, session)
		out = session
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return out, err
	}
	tracer.SetOK(span)
	return out, nil
}

// Get returns a session by negotiation id.
func (e *Engine) Get(ctx context.Context, negotiationID string) (*domain.Session, error) {
	return e.getSession(ctx, "Engine.Get", negotiationID)
}

// History returns archived negotiations involving the agent.
func (e *Engine) History(ctx context.Context, agentID string, limit int) ([]domain.Archive, error) {
	archives, err := e.store.ListArchives(ctx, agentID, limit)
	if err != nil {
		return nil, domain.WrapOp("Engine.History", err)
	}
	return archives, nil
}

// SweepExpired expires every live session whose quote TTL has lapsed.
// Sessions locked by a concurrent operation are skipped; the next sweep
// picks them up. Safe to run repeatedly.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	const op = "Engine.SweepExpired"
	ctx, span := tracer.StartSpan(ctx, "negotiation.sweep_expired")
	defer span.End()

	sessions, err := e.store.ListLiveSessions(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return 0, domain.WrapOp(op, err)
	}

	expired := 0
	for _, s := range sessions {
		live := s.LiveQuote()
		if live == nil || !live.Expired(e.now()) {
			continue
		}
		err := e.locks.WithSession(ctx, s.ID, func(ctx context.Context) error {
			// Re-read under the lock: another operation may have closed or
			// re-quoted the session since the listing.
			fresh, err := e.getSession(ctx, op, s.ID)
			if err != nil {
				return err
			}
			if fresh.Status.Terminal() {
				return nil
			}
			liveNow := fresh.LiveQuote()
			if liveNow == nil || !liveNow.Expired(e.now()) {
				return nil
			}
			e.expireLocked(ctx, fresh, e.now())
			expired++
			return nil
		})
		if err != nil {
			e.logger.Warn("sweep skipped session",
				"negotiation_id", s.ID,
				"error", err,
			)
		}
	}
	span.SetAttributes(tracer.IntAttr("expired", expired))
	tracer.SetOK(span)
	return expired, nil
}

func (e *Engine) getSession(ctx context.Context, op, id string) (*domain.Session, error) {
	if id == "" {
		return nil, domain.NewDomainError(op, domain.ErrValidation, "negotiation id is required")
	}
	session, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return session, nil
}

// expireLocked transitions a session to Expired. Caller holds the lock.
// The seller who let the quote lapse takes the penalty.
func (e *Engine) expireLocked(ctx context.Context, session *domain.Session, now time.Time) {
	session.Status = domain.StatusExpired
	session.CloseNote = "quote expired"
	session.UpdatedAt = now
	if err := e.saveTerminal(ctx, session, now); err != nil {
		e.logger.Error("persist expired session failed",
			"negotiation_id", session.ID,
			"error", err,
		)
		return
	}

	e.applyDelta(ctx, domain.ReputationDelta{
		AgentID:        session.SellerID,
		Delta:          -1,
		Reason:         domain.ReasonQuoteExpired,
		RelatedAgentID: session.BuyerID,
		NegotiationID:  session.ID,
	})

	e.logger.Info("negotiation expired", "negotiation_id", session.ID)
	e.publish(ctx, domain.EventNegotiationExpired, session)
}

// saveTerminal persists a terminal session together with its archive row.
func (e *Engine) saveTerminal(ctx context.Context, session *domain.Session, now time.Time) error {
	if err := e.store.SaveSession(ctx, *session); err != nil {
		return err
	}

	opening := 0.0
	if len(session.Quotes) > 0 {
		opening = session.Quotes[0].Price
	}
	archive := domain.Archive{
		NegotiationID: session.ID,
		BuyerID:       session.BuyerID,
		SellerID:      session.SellerID,
		ProductID:     session.ProductID,
		OpeningPrice:  opening,
		ClosePrice:    session.ClosePrice,
		Delta:         roundCents(opening - session.ClosePrice),
		Rounds:        session.Round,
		Outcome:       session.Status,
		Duration:      now.Sub(session.CreatedAt),
		ClosedAt:      now,
	}
	if err := e.store.SaveArchive(ctx, archive); err != nil {
		// The session transition is durable; a lost archive row is logged.
		e.logger.Error("save negotiation archive failed",
			"negotiation_id", session.ID,
			"error", err,
		)
	}
	return nil
}

func (e *Engine) applyDelta(ctx context.Context, delta domain.ReputationDelta) {
	if _, err := e.reputation.ApplyDelta(ctx, delta); err != nil {
		e.logger.Error("apply reputation delta failed",
			"agent_id", delta.AgentID,
			"reason", string(delta.Reason),
			"error", err,
		)
	}
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, session *domain.Session) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.Event{
		Type:          t,
		Timestamp:     e.now(),
		NegotiationID: session.ID,
		Payload:       *session,
	})
}
