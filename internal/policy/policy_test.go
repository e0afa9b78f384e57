package policy

import (
	"context"
	"testing"

	"sentryguard/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	user  UserRecord
	admin domain.UserPolicy
}

func (f *fakeRepo) GetUserSettings(ctx context.Context, userID string) (UserRecord, error) {
	return f.user, nil
}

func (f *fakeRepo) GetAdminSettings(ctx context.Context) (domain.UserPolicy, error) {
	return f.admin, nil
}

func TestResolve_UserCustomOverridesDefaults(t *testing.T) {
	user := Defaults()
	user.DefaultLeverage = 20
	user.SimpleSLPercent = decimal.NewFromInt(3)

	repo := &fakeRepo{user: UserRecord{Settings: user, Modes: GroupModes{Money: ModeCustom, SLTP: ModeCustom, Tier: ModeCustom}}}
	r := New(repo)

	resolved, err := r.Resolve(context.Background(), "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 20, resolved.DefaultLeverage)
	assert.True(t, resolved.SimpleSLPercent.Equal(decimal.NewFromInt(3)))
}

func TestResolve_CopyAdminOverlaysGroup(t *testing.T) {
	user := Defaults()
	user.SimpleSLPercent = decimal.NewFromInt(99) // should be discarded by copy_admin

	admin := Defaults()
	admin.SimpleSLPercent = decimal.NewFromInt(5)

	repo := &fakeRepo{
		user:  UserRecord{Settings: user, Modes: GroupModes{SLTP: ModeCopyAdmin}},
		admin: admin,
	}
	r := New(repo)

	resolved, err := r.Resolve(context.Background(), "u1", "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, resolved.SimpleSLPercent.Equal(decimal.NewFromInt(5)))
}

func TestResolve_CategoryOverrideNarrowsLeverageOnly(t *testing.T) {
	user := Defaults()
	user.DefaultLeverage = 50
	user.CategorySettings = map[domain.SymbolCategory]domain.CategoryOverride{
		domain.CategoryAltcoin: {Enabled: true, MaxLeverage: 10},
	}

	repo := &fakeRepo{user: UserRecord{Settings: user}}
	r := New(repo)

	resolved, err := r.Resolve(context.Background(), "u1", "PEPEUSDT")
	require.NoError(t, err)
	assert.Equal(t, 10, resolved.DefaultLeverage)
}

func TestResolve_CategoryOverrideNeverWidensLeverage(t *testing.T) {
	user := Defaults()
	user.DefaultLeverage = 5
	user.CategorySettings = map[domain.SymbolCategory]domain.CategoryOverride{
		domain.CategoryBTCETH: {Enabled: true, MaxLeverage: 50},
	}

	repo := &fakeRepo{user: UserRecord{Settings: user}}
	r := New(repo)

	resolved, err := r.Resolve(context.Background(), "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 5, resolved.DefaultLeverage)
}
