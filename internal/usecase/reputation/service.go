package reputation

import (
	"context"
	"errors"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agora/internal/domain"
)

// newID generates a ULID string.
func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(mathrand.New(mathrand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

type cacheEntry struct {
	record  domain.ReputationRecord
	savedAt time.Time
}

// Service is the trust scoring engine. Reads go through a TTL cache; writes
// are serialized per agent id so concurrent deltas never lose updates, and
// every applied delta lands in the append-only audit trail.
type Service struct {
	store        domain.ReputationStore
	bus          domain.EventBus
	logger       *slog.Logger
	defaultScore int
	cacheTTL     time.Duration
	now          func() time.Time

	mu      sync.Mutex
	agentMu map[string]*sync.Mutex
	cache   map[string]cacheEntry
}

var (
	_ domain.ReputationReader = (*Service)(nil)
	_ domain.ReputationWriter = (*Service)(nil)
)

// New creates a reputation service. Agents never seen before score
// defaultScore; cached reads are served for cacheTTL before hitting the
// store again.
func New(store domain.ReputationStore, bus domain.EventBus, logger *slog.Logger, defaultScore int, cacheTTL time.Duration) *Service {
	return &Service{
		store:        store,
		bus:          bus,
		logger:       logger,
		defaultScore: domain.ClampScore(defaultScore),
		cacheTTL:     cacheTTL,
		now:          time.Now,
		agentMu:      make(map[string]*sync.Mutex),
		cache:        make(map[string]cacheEntry),
	}
}

func (s *Service) lockAgent(agentID string) func() {
	s.mu.Lock()
	m, ok := s.agentMu[agentID]
	if !ok {
		m = &sync.Mutex{}
		s.agentMu[agentID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Record returns the agent's current standing, from cache when fresh.
// Unknown agents get the default score and the neutral-or-derived tier.
func (s *Service) Record(ctx context.Context, agentID string) (*domain.ReputationRecord, error) {
	if agentID == "" {
		return nil, domain.NewDomainError("Reputation.Record", domain.ErrValidation, "agent id is required")
	}

	now := s.now()

	s.mu.Lock()
	if e, ok := s.cache[agentID]; ok && now.Sub(e.savedAt) < s.cacheTTL {
		rec := e.record
		s.mu.Unlock()
		return &rec, nil
	}
	s.mu.Unlock()

	rec, err := s.store.GetReputation(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			rec = &domain.ReputationRecord{
				AgentID:   agentID,
				Score:     s.defaultScore,
				Tier:      domain.TierForScore(s.defaultScore),
				UpdatedAt: now,
			}
		} else {
			return nil, domain.WrapOp("Reputation.Record", err)
		}
	}

	s.mu.Lock()
	s.cache[agentID] = cacheEntry{record: *rec, savedAt: now}
	s.mu.Unlock()

	return rec, nil
}

// Score returns the agent's current clamped score.
func (s *Service) Score(ctx context.Context, agentID string) (int, error) {
	rec, err := s.Record(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return rec.Score, nil
}

// Tier returns the agent's current trust tier.
func (s *Service) Tier(ctx context.Context, agentID string) (domain.TrustTier, error) {
	rec, err := s.Record(ctx, agentID)
	if err != nil {
		return "", err
	}
	return rec.Tier, nil
}

// ApplyDelta applies one reputation delta, clamping the resulting score and
// appending the delta to the audit trail. Concurrent deltas for the same
// agent are serialized.
func (s *Service) ApplyDelta(ctx context.Context, delta domain.ReputationDelta) (*domain.ReputationRecord, error) {
	const op = "Reputation.ApplyDelta"
	if delta.AgentID == "" {
		return nil, domain.NewDomainError(op, domain.ErrValidation, "agent id is required")
	}
	if delta.Reason == "" {
		return nil, domain.NewDomainError(op, domain.ErrValidation, "reason is required")
	}

	unlock := s.lockAgent(delta.AgentID)
	defer unlock()

	now := s.now()
	score := s.defaultScore
	rec, err := s.store.GetReputation(ctx, delta.AgentID)
	switch {
	case err == nil:
		score = rec.Score
	case errors.Is(err, domain.ErrNotFound):
		// first delta for this agent
	default:
		return nil, domain.WrapOp(op, err)
	}

	newScore := domain.ClampScore(score + delta.Delta)
	updated := domain.ReputationRecord{
		AgentID:   delta.AgentID,
		Score:     newScore,
		Tier:      domain.TierForScore(newScore),
		UpdatedAt: now,
	}

	if err := s.store.SaveReputation(ctx, updated); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	if delta.ID == "" {
		delta.ID = newID()
	}
	delta.AppliedAt = now
	if err := s.store.AppendDelta(ctx, delta); err != nil {
		// The score is already saved; a lost audit row is logged, not fatal.
		s.logger.Error("append reputation delta failed",
			"agent_id", delta.AgentID,
			"reason", string(delta.Reason),
			"error", err,
		)
	}

	s.mu.Lock()
	s.cache[delta.AgentID] = cacheEntry{record: updated, savedAt: now}
	s.mu.Unlock()

	s.logger.Info("reputation updated",
		"agent_id", delta.AgentID,
		"delta", delta.Delta,
		"score", newScore,
		"tier", string(updated.Tier),
		"reason", string(delta.Reason),
	)

	if s.bus != nil {
		s.bus.Publish(ctx, domain.Event{
			Type:          domain.EventReputationUpdated,
			Timestamp:     now,
			NegotiationID: delta.NegotiationID,
			Payload:       updated,
		})
	}

	return &updated, nil
}

// History returns the most recent audit entries for an agent.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]domain.ReputationDelta, error) {
	if agentID == "" {
		return nil, domain.NewDomainError("Reputation.History", domain.ErrValidation, "agent id is required")
	}
	deltas, err := s.store.ListDeltas(ctx, agentID, limit)
	if err != nil {
		return nil, domain.WrapOp("Reputation.History", err)
	}
	return deltas, nil
}

// PurgeCache drops cache entries older than the TTL. Run periodically by
// the scheduler so long-idle agents do not pin memory.
func (s *Service) PurgeCache() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.cache {
		if now.Sub(e.savedAt) >= s.cacheTTL {
			delete(s.cache, id)
			purged++
		}
	}
	return purged
}
