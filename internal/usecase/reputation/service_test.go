package reputation

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

// memStore is an in-memory ReputationStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.ReputationRecord
	deltas  []domain.ReputationDelta
	getN    int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.ReputationRecord)}
}

func (m *memStore) GetReputation(_ context.Context, agentID string) (*domain.ReputationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getN++
	rec, ok := m.records[agentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) SaveReputation(_ context.Context, rec domain.ReputationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.AgentID] = rec
	return nil
}

func (m *memStore) AppendDelta(_ context.Context, delta domain.ReputationDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, delta)
	return nil
}

func (m *memStore) ListDeltas(_ context.Context, agentID string, limit int) ([]domain.ReputationDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReputationDelta
	for _, d := range m.deltas {
		if d.AgentID == agentID {
			out = append(out, d)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestService(store *memStore) *Service {
	return New(store, nil, slog.Default(), 50, 30*time.Minute)
}

func TestUnknownAgentGetsDefaultScore(t *testing.T) {
	svc := newTestService(newMemStore())

	score, err := svc.Score(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 50, score)

	tier, err := svc.Tier(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierNeutral, tier)
}

func TestApplyDeltaUpdatesScoreAndAudit(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	rec, err := svc.ApplyDelta(context.Background(), domain.ReputationDelta{
		AgentID:       "buyer-1",
		Delta:         5,
		Reason:        domain.ReasonSettlementPaid,
		NegotiationID: "neg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 55, rec.Score)
	assert.Equal(t, domain.TierNeutral, rec.Tier)

	require.Len(t, store.deltas, 1)
	assert.NotEmpty(t, store.deltas[0].ID)
	assert.Equal(t, domain.ReasonSettlementPaid, store.deltas[0].Reason)
}

func TestApplyDeltaClampsScore(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	store.records["seller-1"] = domain.ReputationRecord{AgentID: "seller-1", Score: 98, Tier: domain.TierHighlyTrusted}
	rec, err := svc.ApplyDelta(context.Background(), domain.ReputationDelta{
		AgentID: "seller-1", Delta: 10, Reason: domain.ReasonSettlementPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Score)

	store.records["seller-2"] = domain.ReputationRecord{AgentID: "seller-2", Score: 2, Tier: domain.TierUntrusted}
	rec, err = svc.ApplyDelta(context.Background(), domain.ReputationDelta{
		AgentID: "seller-2", Delta: -10, Reason: domain.ReasonSettlementFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Score)
	assert.Equal(t, domain.TierUntrusted, rec.Tier)
}

func TestConcurrentDeltasDoNotLoseUpdates(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyDelta(context.Background(), domain.ReputationDelta{
				AgentID: "buyer-1", Delta: 1, Reason: domain.ReasonSettlementPaid,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	score, err := svc.Score(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 70, score) // 50 + 20
}

func TestScoreServedFromCache(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.Score(context.Background(), "agent-1")
	require.NoError(t, err)
	first := store.getN

	_, err = svc.Score(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, first, store.getN, "second read should hit the cache")
}

func TestPurgeCache(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	base := time.Now()
	svc.now = func() time.Time { return base }
	_, err := svc.Score(context.Background(), "agent-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(31 * time.Minute) }
	purged := svc.PurgeCache()
	assert.Equal(t, 1, purged)
}

func TestApplyDeltaValidation(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.ApplyDelta(context.Background(), domain.ReputationDelta{Delta: 5, Reason: domain.ReasonSettlementPaid})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.ApplyDelta(context.Background(), domain.ReputationDelta{AgentID: "a", Delta: 5})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
