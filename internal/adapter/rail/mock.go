package rail

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"agora/internal/domain"
)

// MockRail settles every charge instantly and in-process. It is the default
// rail for development and tests.
type MockRail struct {
	logger *slog.Logger

	mu      sync.Mutex
	charges map[string]string // idempotency key -> reference
}

// NewMockRail creates a mock rail.
func NewMockRail(logger *slog.Logger) *MockRail {
	return &MockRail{
		logger:  logger,
		charges: make(map[string]string),
	}
}

// Kind implements domain.SettlementRail.
func (m *MockRail) Kind() domain.RailKind { return domain.RailMock }

// Charge settles immediately. Repeat charges with the same idempotency key
// return the original reference.
func (m *MockRail) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.charges[req.IdempotencyKey]; ok {
		return &domain.ChargeResult{Reference: ref, Status: domain.SettlementPaid}, nil
	}

	ref := "mock_" + strings.ToLower(newID())
	m.charges[req.IdempotencyKey] = ref

	m.logger.Debug("mock rail charged",
		"reference", ref,
		"amount", req.Amount,
		"currency", req.Currency)

	return &domain.ChargeResult{Reference: ref, Status: domain.SettlementPaid}, nil
}

// Refund is a no-op on the mock rail.
func (m *MockRail) Refund(ctx context.Context, reference string) error {
	m.logger.Debug("mock rail refunded", "reference", reference)
	return nil
}

var _ domain.SettlementRail = (*MockRail)(nil)
