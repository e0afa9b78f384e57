package dispatcher

import (
	"context"
	"testing"
	"time"

	"sentryguard/internal/domain"
	"sentryguard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAlertRepo struct {
	inserted []*domain.Alert
	statuses map[int64]domain.AlertStatus
}

func newFakeAlertRepo() *fakeAlertRepo {
	return &fakeAlertRepo{statuses: map[int64]domain.AlertStatus{}}
}

func (f *fakeAlertRepo) InsertAlert(ctx context.Context, alert *domain.Alert) error {
	alert.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, alert)
	return nil
}

func (f *fakeAlertRepo) UpdateAlertStatus(ctx context.Context, alertID int64, status domain.AlertStatus, errMsg string) error {
	f.statuses[alertID] = status
	return nil
}

func (f *fakeAlertRepo) MarkExecuted(ctx context.Context, alertID int64, executedAt time.Time) error {
	f.statuses[alertID] = domain.AlertStatusExecuted
	return nil
}

type fakeUsers struct{ ids []string }

func (f *fakeUsers) ActiveUserIDs(ctx context.Context) ([]string, error) { return f.ids, nil }

type fakePositions struct{ existing *domain.Position }

func (f *fakePositions) OpenPosition(ctx context.Context, userID, symbol string, side domain.Side) (*domain.Position, error) {
	return f.existing, nil
}

type fakeResolver struct{ policy domain.UserPolicy }

func (f *fakeResolver) Resolve(ctx context.Context, userID, symbol string) (domain.UserPolicy, error) {
	return f.policy, nil
}

type fakeOpener struct {
	opened int
	err    error
}

func (f *fakeOpener) Open(ctx context.Context, userID string, alert domain.Alert, p domain.UserPolicy) error {
	if f.err != nil {
		return f.err
	}
	f.opened++
	return nil
}

func activePolicy() domain.UserPolicy {
	return domain.UserPolicy{BotActive: true}
}

func mustLogger() *logging.ZapLogger {
	l, err := logging.NewZapLogger("ERROR")
	if err != nil {
		panic(err)
	}
	return l
}

func TestDispatch_ExecutesForActiveUsers(t *testing.T) {
	repo := newFakeAlertRepo()
	opener := &fakeOpener{}
	d := New(repo, &fakeUsers{ids: []string{"u1", "u2"}}, &fakePositions{}, &fakeResolver{policy: activePolicy()}, opener, nil, 10, mustLogger())

	summary, err := d.Dispatch(context.Background(), IncomingAlert{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: decimal.NewFromInt(100), TVTimestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, 2, opener.opened)
}

func TestDispatch_IgnoresDisabledBot(t *testing.T) {
	repo := newFakeAlertRepo()
	opener := &fakeOpener{}
	p := activePolicy()
	p.BotActive = false
	d := New(repo, &fakeUsers{ids: []string{"u1"}}, &fakePositions{}, &fakeResolver{policy: p}, opener, nil, 10, mustLogger())

	summary, err := d.Dispatch(context.Background(), IncomingAlert{Symbol: "BTCUSDT", Side: domain.SideBuy, TVTimestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Ignored)
	assert.Equal(t, 0, opener.opened)
}

func TestDispatch_FiltersByTier(t *testing.T) {
	repo := newFakeAlertRepo()
	opener := &fakeOpener{}
	p := activePolicy()
	p.FilterByTier = true
	p.ExcludedTiers = []string{"low"}
	d := New(repo, &fakeUsers{ids: []string{"u1"}}, &fakePositions{}, &fakeResolver{policy: p}, opener, nil, 10, mustLogger())

	summary, err := d.Dispatch(context.Background(), IncomingAlert{Symbol: "BTCUSDT", Side: domain.SideBuy, Tier: "low", TVTimestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Ignored)
}

func TestComputeSession(t *testing.T) {
	assert.Equal(t, "Asia", ComputeSession(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)))
	assert.Equal(t, "London", ComputeSession(time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)))
	assert.Equal(t, "London", ComputeSession(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "London", ComputeSession(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "NY", ComputeSession(time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Sydney", ComputeSession(time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)))
}

func TestWithinActiveTimeRange_SpansMidnight(t *testing.T) {
	ranges := []domain.TimeRange{{Start: "22:00", End: "01:00"}}

	at := func(hour, min int) time.Time {
		return time.Date(2026, 1, 1, hour, min, 0, 0, time.UTC)
	}
	assert.True(t, withinActiveTimeRange(at(22, 30), "UTC", ranges))
	assert.True(t, withinActiveTimeRange(at(0, 30), "UTC", ranges))
	assert.False(t, withinActiveTimeRange(at(2, 0), "UTC", ranges))
}
