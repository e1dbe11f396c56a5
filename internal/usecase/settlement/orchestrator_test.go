package settlement

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
	"agora/internal/usecase/coordinator"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.SettlementRecord // by negotiation id
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.SettlementRecord)}
}

func (m *memStore) SaveSettlement(_ context.Context, rec domain.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.NegotiationID] = rec
	return nil
}

func (m *memStore) GetSettlement(_ context.Context, id string) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			r := rec
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) GetSettlementByNegotiation(_ context.Context, negotiationID string) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[negotiationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	r := rec
	return &r, nil
}

func (m *memStore) ListSettlementsByStatus(_ context.Context, status domain.SettlementStatus) ([]domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SettlementRecord
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func (s *sessionStore) SaveSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *sessionStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sess, nil
}

func (s *sessionStore) ListLiveSessions(context.Context) ([]domain.Session, error) { return nil, nil }
func (s *sessionStore) ListSessionsByStatus(_ context.Context, status domain.NegotiationStatus) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	return out, nil
}
func (s *sessionStore) ListSessionsByAgent(context.Context, string, int) ([]domain.Session, error) {
	return nil, nil
}
func (s *sessionStore) SaveArchive(context.Context, domain.Archive) error { return nil }
func (s *sessionStore) ListArchives(context.Context, string, int) ([]domain.Archive, error) {
	return nil, nil
}

type fakeRep struct {
	mu     sync.Mutex
	deltas []domain.ReputationDelta
}

func (f *fakeRep) ApplyDelta(_ context.Context, d domain.ReputationDelta) (*domain.ReputationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
	return &domain.ReputationRecord{AgentID: d.AgentID}, nil
}

func (f *fakeRep) all() []domain.ReputationDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ReputationDelta(nil), f.deltas...)
}

// instantRail settles synchronously.
type instantRail struct {
	mu      sync.Mutex
	charges int
	err     error
	failN   int // fail the first N charges with err
}

func (r *instantRail) Kind() domain.RailKind { return domain.RailMock }

func (r *instantRail) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charges++
	if r.err != nil && (r.failN == 0 || r.charges <= r.failN) {
		return nil, r.err
	}
	return &domain.ChargeResult{Reference: "ref_" + req.NegotiationID, Status: domain.SettlementPaid}, nil
}

func (r *instantRail) Refund(context.Context, string) error { return nil }

func (r *instantRail) chargeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.charges
}

// asyncRail settles via confirmation polling.
type asyncRail struct {
	mu        sync.Mutex
	confirmed bool
}

func (r *asyncRail) Kind() domain.RailKind { return domain.RailLedger }

func (r *asyncRail) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	return &domain.ChargeResult{Reference: "tx_" + req.NegotiationID, Status: domain.SettlementPending}, nil
}

func (r *asyncRail) Refund(context.Context, string) error { return nil }

func (r *asyncRail) Confirmed(context.Context, string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed, nil
}

func (r *asyncRail) confirm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = true
}

// holdRail holds funds pending release.
type holdRail struct {
	mu       sync.Mutex
	released []string
	refunded []string
}

func (r *holdRail) Kind() domain.RailKind { return domain.RailEscrow }

func (r *holdRail) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	return &domain.ChargeResult{Reference: "hold_" + req.NegotiationID, Status: domain.SettlementHeld}, nil
}

func (r *holdRail) Refund(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunded = append(r.refunded, ref)
	return nil
}

func (r *holdRail) Release(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, ref)
	return nil
}

type testEnv struct {
	orch     *Orchestrator
	store    *memStore
	sessions *sessionStore
	rep      *fakeRep
	clock    *time.Time
}

func newTestEnv(t *testing.T, rails ...domain.SettlementRail) *testEnv {
	t.Helper()
	store := newMemStore()
	sessions := &sessionStore{sessions: make(map[string]domain.Session)}
	rep := &fakeRep{}

	orch := New(Config{
		EscrowHold:    7 * 24 * time.Hour,
		ConfirmWindow: time.Hour,
		MaxAttempts:   3,
		RetryBackoff:  time.Millisecond,
	}, store, sessions, rep, coordinator.New(2*time.Second), nil, slog.Default())
	for _, r := range rails {
		orch.RegisterRail(r)
	}

	now := time.Now()
	orch.now = func() time.Time { return now }
	orch.sleep = func(time.Duration) {}

	sessions.sessions["neg-1"] = domain.Session{
		ID:         "neg-1",
		BuyerID:    "buyer-1",
		SellerID:   "seller-1",
		Status:     domain.StatusAccepted,
		ClosePrice: 2349.99,
		Currency:   "USD",
	}

	return &testEnv{orch: orch, store: store, sessions: sessions, rep: rep, clock: &now}
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func TestInitiatePaysInstantly(t *testing.T) {
	rail := &instantRail{}
	env := newTestEnv(t, rail)

	rec, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPaid, rec.Status)
	assert.InDelta(t, 2349.99, rec.Amount, 0.001)
	assert.Equal(t, 1, rail.chargeCount())

	deltas := env.rep.all()
	require.Len(t, deltas, 2)
	for _, d := range deltas {
		assert.Equal(t, 5, d.Delta)
		assert.Equal(t, domain.ReasonSettlementPaid, d.Reason)
	}
}

func TestInitiateIsIdempotent(t *testing.T) {
	rail := &instantRail{}
	env := newTestEnv(t, rail)

	first, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
	require.NoError(t, err)

	second, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, rail.chargeCount(), "rail must be charged exactly once")
	assert.Len(t, env.rep.all(), 2, "outcome deltas must be emitted exactly once")
}

func TestInitiateConcurrentSingleCharge(t *testing.T) {
	rail := &instantRail{}
	env := newTestEnv(t, rail)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rail.chargeCount())
	assert.Len(t, env.rep.all(), 2)
}

func TestInitiateRequiresAcceptedSession(t *testing.T) {
	env := newTestEnv(t, &instantRail{})
	env.sessions.sessions["neg-2"] = domain.Session{ID: "neg-2", Status: domain.StatusQuoted}

	_, err := env.orch.Initiate(context.Background(), "neg-2", domain.RailMock)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestInitiateUnknownRail(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailCard)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSweepUnsettledRecoversAcceptedSession(t *testing.T) {
	rail := &instantRail{}
	env := newTestEnv(t, rail)

	// An accepted session with no settlement record, as left behind by a
	// handoff that never reached Initiate.
	sess := env.sessions.sessions["neg-1"]
	sess.Rail = domain.RailMock
	env.sessions.sessions["neg-1"] = sess

	n, err := env.orch.SweepUnsettled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := env.orch.Get(context.Background(), "neg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPaid, rec.Status)
	assert.Equal(t, 1, rail.chargeCount())

	// A second sweep finds nothing to recover.
	n, err = env.orch.SweepUnsettled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, rail.chargeCount())
}

func TestDeclinedChargeFailsImmediately(t *testing.T) {
	rail := &instantRail{err: domain.ErrRailDeclined}
	env := newTestEnv(t, rail)

	rec, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, 1, rail.chargeCount(), "declines must not be retried")

	deltas := env.rep.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, -3, deltas[0].Delta)
	assert.Equal(t, domain.ReasonSettlementFailed, deltas[0].Reason)
}

func TestTransientFailureRetried(t *testing.T) {
	rail := &instantRail{err: domain.ErrRailUnavailable, failN: 2}
	env := newTestEnv(t, rail)

	rec, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPaid, rec.Status)
	assert.Equal(t, 3, rail.chargeCount())
	assert.Equal(t, 3, rec.Attempts)
}

func TestTransientFailureExhausted(t *testing.T) {
	rail := &instantRail{err: domain.ErrRailUnavailable}
	env := newTestEnv(t, rail)

	rec, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailMock)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, "rail unavailable after retries", rec.FailureReason)
	assert.Equal(t, 3, rail.chargeCount())
}

func TestLedgerConfirmationFlow(t *testing.T) {
	rail := &asyncRail{}
	env := newTestEnv(t, rail)

	rec, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailLedger)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPending, rec.Status)
	assert.Equal(t, "tx_neg-1", rec.Reference)
	assert.Equal(t, env.clock.Add(time.Hour), rec.ConfirmBy)

	// Not yet confirmed.
	n, err := env.orch.SweepConfirmations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, env.rep.all())

	rail.confirm()
	n, err = env.orch.SweepConfirmations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = env.orch.Get(context.Background(), "neg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPaid, rec.Status)
	assert.Len(t, env.rep.all(), 2)

	// Idempotent.
	n, err = env.orch.SweepConfirmations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, env.rep.all(), 2)
}

func TestLedgerConfirmationWindowElapses(t *testing.T) {
	rail := &asyncRail{}
	env := newTestEnv(t, rail)

	_, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailLedger)
	require.NoError(t, err)

	env.advance(2 * time.Hour)
	n, err := env.orch.SweepConfirmations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := env.orch.Get(context.Background(), "neg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, "confirmation window elapsed", rec.FailureReason)
}

func TestEscrowReleaseRequiresBothParties(t *testing.T) {
	rail := &holdRail{}
	env := newTestEnv(t, rail)

	rec, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailEscrow)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementHeld, rec.Status)
	assert.Equal(t, env.clock.Add(7*24*time.Hour), rec.HoldDeadline)

	rec, err = env.orch.Release(context.Background(), "neg-1", "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementHeld, rec.Status)
	assert.True(t, rec.BuyerAck)
	assert.Empty(t, rail.released)

	rec, err = env.orch.Release(context.Background(), "neg-1", "seller-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPaid, rec.Status)
	assert.Equal(t, []string{"hold_neg-1"}, rail.released)
	assert.Len(t, env.rep.all(), 2)
}

func TestEscrowReleaseByStrangerRejected(t *testing.T) {
	rail := &holdRail{}
	env := newTestEnv(t, rail)

	_, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailEscrow)
	require.NoError(t, err)

	_, err = env.orch.Release(context.Background(), "neg-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEscrowHoldExpiresToRefund(t *testing.T) {
	rail := &holdRail{}
	env := newTestEnv(t, rail)

	_, err := env.orch.Initiate(context.Background(), "neg-1", domain.RailEscrow)
	require.NoError(t, err)

	// One ack is not enough to stop the clock.
	_, err = env.orch.Release(context.Background(), "neg-1", "buyer-1")
	require.NoError(t, err)

	env.advance(8 * 24 * time.Hour)
	n, err := env.orch.SweepHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hold_neg-1"}, rail.refunded)

	rec, err := env.orch.Get(context.Background(), "neg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementRefunded, rec.Status)

	deltas := env.rep.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, -3, deltas[0].Delta)
	assert.Equal(t, domain.ReasonSettlementRefunded, deltas[0].Reason)

	// Second sweep is a no-op.
	n, err = env.orch.SweepHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, env.rep.all(), 2)
}
