package rail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

func TestMockRailChargesInstantly(t *testing.T) {
	r := NewMockRail(newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPaid, result.Status)
	assert.Contains(t, result.Reference, "mock_")
}

func TestMockRailIdempotent(t *testing.T) {
	r := NewMockRail(newTestLogger())

	first, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	second, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, first.Reference, second.Reference)
}

func TestEscrowRailPlacesHold(t *testing.T) {
	r := NewEscrowRail(newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementHeld, result.Status)
	assert.Contains(t, result.Reference, "hold_")
}

func TestEscrowRailIdempotent(t *testing.T) {
	r := NewEscrowRail(newTestLogger())

	first, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	second, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, first.Reference, second.Reference)
}

func TestEscrowRailReleaseOnce(t *testing.T) {
	r := NewEscrowRail(newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	require.NoError(t, r.Release(context.Background(), result.Reference))

	err = r.Release(context.Background(), result.Reference)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestEscrowRailRefundActiveHold(t *testing.T) {
	r := NewEscrowRail(newTestLogger())

	result, err := r.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	require.NoError(t, r.Refund(context.Background(), result.Reference))

	// A refunded hold can no longer be released.
	err = r.Release(context.Background(), result.Reference)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestEscrowRailUnknownHold(t *testing.T) {
	r := NewEscrowRail(newTestLogger())

	assert.ErrorIs(t, r.Release(context.Background(), "hold_missing"), domain.ErrNotFound)
	assert.ErrorIs(t, r.Refund(context.Background(), "hold_missing"), domain.ErrNotFound)
}
