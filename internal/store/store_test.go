package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sentryguard/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openPosition(userID, symbol string, side domain.Side) *domain.Position {
	return &domain.Position{
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: decimal.NewFromInt(100),
		Quantity:   decimal.NewFromInt(1),
		Leverage:   10,
		SLPrice:    decimal.NewFromInt(98),
		Status:     domain.PositionStatusOpen,
	}
}

func TestCreatePosition_DuplicateOpenRejected(t *testing.T) {
	s := openTestStore(t)
	repo := NewPositionStore(s)
	ctx := context.Background()

	first := openPosition("u1", "BTCUSDT", domain.SideBuy)
	require.NoError(t, repo.CreatePosition(ctx, first))
	require.NotZero(t, first.ID)

	dup := openPosition("u1", "BTCUSDT", domain.SideBuy)
	assert.ErrorIs(t, repo.CreatePosition(ctx, dup), ErrDuplicatePosition)

	// The opposite side and another user are both fine.
	require.NoError(t, repo.CreatePosition(ctx, openPosition("u1", "BTCUSDT", domain.SideSell)))
	require.NoError(t, repo.CreatePosition(ctx, openPosition("u2", "BTCUSDT", domain.SideBuy)))

	// Once the first is closed, a new open position may take its slot.
	require.NoError(t, repo.FinalizePosition(ctx, first.ID, domain.CloseReasonManualProfit,
		decimal.NewFromInt(105), decimal.NewFromInt(5), time.Now()))
	require.NoError(t, repo.CreatePosition(ctx, openPosition("u1", "BTCUSDT", domain.SideBuy)))
}

func TestFinalizePosition_Idempotent(t *testing.T) {
	s := openTestStore(t)
	repo := NewPositionStore(s)
	ctx := context.Background()

	p := openPosition("u1", "ETHUSDT", domain.SideBuy)
	require.NoError(t, repo.CreatePosition(ctx, p))

	closedAt := time.Now()
	require.NoError(t, repo.FinalizePosition(ctx, p.ID, domain.CloseReasonTP1,
		decimal.NewFromInt(103), decimal.NewFromInt(3), closedAt))

	// A second finalize with different values must not touch the row.
	require.NoError(t, repo.FinalizePosition(ctx, p.ID, domain.CloseReasonSLHit,
		decimal.NewFromInt(98), decimal.NewFromInt(-2), closedAt.Add(time.Hour)))

	got, err := repo.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, domain.CloseReasonTP1, got.CloseReason)
	assert.True(t, got.ClosePrice.Equal(decimal.NewFromInt(103)))
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(3)))
}

func TestPositionMetadata_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	repo := NewPositionStore(s)
	ctx := context.Background()

	resyncAt := time.Now().Truncate(time.Millisecond)
	p := openPosition("u1", "SOLUSDT", domain.SideSell)
	p.Metadata = domain.PositionMetadata{
		SettingsSnapshot: domain.PricingSnapshot{
			SLMethod:       domain.SLMethodPercentEntry,
			CalculatorType: domain.CalculatorSimplePercent,
			TPLevels:       2,
		},
		ResyncCount:  2,
		LastResyncAt: &resyncAt,
		Recovered:    true,
	}
	require.NoError(t, repo.CreatePosition(ctx, p))

	got, err := repo.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata.ResyncCount)
	assert.True(t, got.Metadata.Recovered)
	require.NotNil(t, got.Metadata.LastResyncAt)
	assert.WithinDuration(t, resyncAt, *got.Metadata.LastResyncAt, time.Second)
	assert.Equal(t, domain.SLMethodPercentEntry, got.Metadata.SettingsSnapshot.SLMethod)
	assert.Equal(t, 2, got.Metadata.SettingsSnapshot.TPLevels)
}

func TestLeaseStore_SingleHolder(t *testing.T) {
	s := openTestStore(t)
	leases := NewLeaseStore(s)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, leases.TryAcquire(ctx, "instance-a", now, now.Add(2*time.Minute)))
	require.NoError(t, leases.TryAcquire(ctx, "instance-b", now, now.Add(2*time.Minute)))

	lease, err := leases.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "instance-a", lease.InstanceID)

	// Release by the loser is a no-op; the winner's release clears it.
	require.NoError(t, leases.Release(ctx, "instance-b"))
	lease, err = leases.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "instance-a", lease.InstanceID)

	require.NoError(t, leases.Release(ctx, "instance-a"))
	lease, err = leases.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestLeaseStore_ExpiredLeaseIsRecycled(t *testing.T) {
	s := openTestStore(t)
	leases := NewLeaseStore(s)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, leases.TryAcquire(ctx, "stale", now.Add(-5*time.Minute), now.Add(-3*time.Minute)))
	require.NoError(t, leases.GCExpired(ctx, now))
	require.NoError(t, leases.TryAcquire(ctx, "fresh", now, now.Add(2*time.Minute)))

	lease, err := leases.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "fresh", lease.InstanceID)
}
