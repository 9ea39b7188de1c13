package quota_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/quota"
)

type record struct {
	at     time.Time
	tokens int64
}

type fakeHistory struct {
	records []record
}

func (f *fakeHistory) UnlimitedUsage(_ context.Context, _, _ int64, _ string, from, to time.Time) (quota.Usage, error) {
	var u quota.Usage
	for _, r := range f.records {
		if !r.at.Before(from) && r.at.Before(to) {
			u.Count++
			u.Tokens += r.tokens
		}
	}
	return u, nil
}

type fakeFlags map[string]bool

func (f fakeFlags) Bool(_ context.Context, key string, def bool) (bool, error) {
	v, ok := f[key]
	if !ok {
		return def, nil
	}
	return v, nil
}

type fakeLimits map[string]*models.ModelCost

func (f fakeLimits) Lookup(_ context.Context, modelID string) (*models.ModelCost, bool, error) {
	mc, ok := f[modelID]
	return mc, ok, nil
}

func ptr(v int64) *int64 { return &v }

var msk = time.FixedZone("MSK", 3*3600)

func unlimitedSub() *models.Subscription {
	return &models.Subscription{ID: 7, UserID: 1, Type: models.SubscriptionUnlimited1Day, IsActive: true}
}

func newGuard(h *fakeHistory, flags fakeFlags, limits fakeLimits, now *time.Time) *quota.Guard {
	return quota.New(limits, h, flags, slog.New(slog.NewTextHandler(io.Discard, nil)),
		quota.WithClock(func() time.Time { return *now }),
	)
}

func TestWindow(t *testing.T) {
	g := quota.New(fakeLimits{}, &fakeHistory{}, fakeFlags{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	from, to := g.Window(time.Date(2025, 3, 5, 20, 59, 0, 0, msk))
	assert.True(t, from.Equal(time.Date(2025, 3, 4, 21, 0, 0, 0, msk)))
	assert.True(t, to.Equal(time.Date(2025, 3, 5, 21, 0, 0, 0, msk)))

	from, to = g.Window(time.Date(2025, 3, 5, 21, 0, 0, 0, msk))
	assert.True(t, from.Equal(time.Date(2025, 3, 5, 21, 0, 0, 0, msk)))
	assert.True(t, to.Equal(time.Date(2025, 3, 6, 21, 0, 0, 0, msk)))

	// 19:30 UTC is 22:30 at +3.
	from, _ = g.Window(time.Date(2025, 3, 5, 19, 30, 0, 0, time.UTC))
	assert.True(t, from.Equal(time.Date(2025, 3, 5, 21, 0, 0, 0, msk)))
}

func TestRequestCapRollsOverAtResetHour(t *testing.T) {
	h := &fakeHistory{}
	base := time.Date(2025, 3, 5, 9, 0, 0, 0, msk)
	for i := 0; i < 10; i++ {
		h.records = append(h.records, record{at: base.Add(time.Duration(i) * time.Minute), tokens: 1})
	}
	limits := fakeLimits{"flux": {ModelID: "flux", UnlimitedDailyLimit: ptr(10), IsActive: true}}
	now := time.Date(2025, 3, 5, 20, 59, 0, 0, msk)
	g := newGuard(h, fakeFlags{}, limits, &now)
	ctx := context.Background()

	err := g.CheckUnlimited(ctx, 1, unlimitedSub(), "flux", 1)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.LimitRequests, exceeded.Kind)
	assert.Equal(t, int64(10), exceeded.Used)
	assert.Equal(t, int64(10), exceeded.Limit)
	assert.True(t, exceeded.ResetAt.Equal(time.Date(2025, 3, 5, 21, 0, 0, 0, msk)))
	assert.Contains(t, exceeded.Message(), "flux")
	assert.Contains(t, exceeded.Message(), "10 of 10")
	assert.Contains(t, exceeded.Message(), "21:00 05.03.2025")

	now = time.Date(2025, 3, 5, 21, 1, 0, 0, msk)
	assert.NoError(t, g.CheckUnlimited(ctx, 1, unlimitedSub(), "flux", 1))
}

func TestEleventhRequestDenied(t *testing.T) {
	h := &fakeHistory{}
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, msk)
	limits := fakeLimits{"flux": {ModelID: "flux", UnlimitedDailyLimit: ptr(10), IsActive: true}}
	g := newGuard(h, fakeFlags{}, limits, &now)

	for i := 0; i < 10; i++ {
		require.NoError(t, g.CheckUnlimited(context.Background(), 1, unlimitedSub(), "flux", 1), "request %d", i+1)
		h.records = append(h.records, record{at: now, tokens: 1})
	}
	assert.ErrorIs(t, g.CheckUnlimited(context.Background(), 1, unlimitedSub(), "flux", 1), quota.ErrQuotaExceeded)
}

func TestTokenBudget(t *testing.T) {
	h := &fakeHistory{records: []record{{at: time.Date(2025, 3, 5, 10, 0, 0, 0, msk), tokens: 900}}}
	limits := fakeLimits{"gpt": {ModelID: "gpt", UnlimitedBudgetTokens: ptr(1000), IsActive: true}}
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, msk)
	g := newGuard(h, fakeFlags{}, limits, &now)
	ctx := context.Background()

	assert.NoError(t, g.CheckUnlimited(ctx, 1, unlimitedSub(), "gpt", 100))

	err := g.CheckUnlimited(ctx, 1, unlimitedSub(), "gpt", 101)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.LimitTokens, exceeded.Kind)
	assert.Equal(t, int64(900), exceeded.Used)
	assert.Contains(t, exceeded.Message(), "900 of 1000 tokens")
}

func TestAllowedWithoutConfigOrFlag(t *testing.T) {
	h := &fakeHistory{}
	for i := 0; i < 50; i++ {
		h.records = append(h.records, record{at: time.Date(2025, 3, 5, 10, 0, 0, 0, msk), tokens: 100})
	}
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, msk)
	limits := fakeLimits{
		"capped":   {ModelID: "capped", UnlimitedDailyLimit: ptr(1), IsActive: true},
		"uncapped": {ModelID: "uncapped", IsActive: true},
	}
	ctx := context.Background()

	g := newGuard(h, fakeFlags{}, limits, &now)
	assert.NoError(t, g.CheckUnlimited(ctx, 1, unlimitedSub(), "uncapped", 1))
	assert.NoError(t, g.CheckUnlimited(ctx, 1, unlimitedSub(), "unknown", 1))
	assert.Error(t, g.CheckUnlimited(ctx, 1, unlimitedSub(), "capped", 1))

	disabled := newGuard(h, fakeFlags{quota.FlagUnlimitedLimitsEnabled: false}, limits, &now)
	assert.NoError(t, disabled.CheckUnlimited(ctx, 1, unlimitedSub(), "capped", 1))

	tokens := &models.Subscription{ID: 8, Type: models.SubscriptionTokens, IsActive: true}
	assert.NoError(t, g.CheckUnlimited(ctx, 1, tokens, "capped", 1))
}
