package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/registry"
)

type fakeSource struct {
	mu    sync.Mutex
	rows  map[string]*models.ModelCost
	loads int
	err   error
}

func (f *fakeSource) GetModelCost(_ context.Context, modelID string) (*models.ModelCost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[modelID]
	if !ok {
		return nil, nil
	}
	c := *row
	return &c, nil
}

func (f *fakeSource) UpsertModelCost(_ context.Context, cost *models.ModelCost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *cost
	f.rows[cost.ModelID] = &c
	return nil
}

func (f *fakeSource) set(cost models.ModelCost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[cost.ModelID] = &cost
}

type recordingBus struct {
	published []string
}

func (b *recordingBus) Publish(_ context.Context, modelID string) error {
	b.published = append(b.published, modelID)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gpt(tokensPerUnit float64) models.ModelCost {
	return models.ModelCost{
		ModelID:        "gpt-4o",
		Provider:       "openai",
		CategoryCode:   "text",
		CostUSDPerUnit: decimal.RequireFromString("0.000005"),
		CostUnit:       models.UnitToken,
		TokensPerUnit:  tokensPerUnit,
		IsActive:       true,
	}
}

func TestGetCachesUntilInvalidated(t *testing.T) {
	src := &fakeSource{rows: map[string]*models.ModelCost{}}
	src.set(gpt(1))
	bus := &recordingBus{}
	reg := registry.New(src, discard(), registry.WithBroadcaster(bus))
	ctx := context.Background()

	c, err := reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.TokensPerUnit)

	src.set(gpt(2))
	c, err = reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.TokensPerUnit, "served from cache")
	assert.Equal(t, 1, src.loads)

	reg.Invalidate(ctx, "gpt-4o")
	c, err = reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 2.0, c.TokensPerUnit)
	assert.Equal(t, []string{"gpt-4o"}, bus.published)
}

func TestGetMissingAndInactive(t *testing.T) {
	src := &fakeSource{rows: map[string]*models.ModelCost{}}
	inactive := gpt(1)
	inactive.ModelID = "old"
	inactive.IsActive = false
	src.set(inactive)
	reg := registry.New(src, discard())
	ctx := context.Background()

	_, err := reg.Get(ctx, "nope")
	assert.ErrorIs(t, err, registry.ErrConfigMissing)

	_, err = reg.Get(ctx, "old")
	assert.ErrorIs(t, err, registry.ErrConfigMissing)

	_, ok, err := reg.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, src.loads, "absence is cached")
}

func TestGetSourceError(t *testing.T) {
	src := &fakeSource{rows: map[string]*models.ModelCost{}, err: errors.New("db down")}
	reg := registry.New(src, discard())

	_, err := reg.Get(context.Background(), "gpt-4o")
	require.Error(t, err)
	assert.NotErrorIs(t, err, registry.ErrConfigMissing)
}

func TestTTLExpiry(t *testing.T) {
	src := &fakeSource{rows: map[string]*models.ModelCost{}}
	src.set(gpt(1))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.New(src, discard(),
		registry.WithTTL(time.Minute),
		registry.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	_, err := reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)

	now = now.Add(time.Minute)
	_, err = reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestReturnedCostIsACopy(t *testing.T) {
	src := &fakeSource{rows: map[string]*models.ModelCost{}}
	src.set(gpt(1))
	reg := registry.New(src, discard())
	ctx := context.Background()

	c, err := reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	c.TokensPerUnit = 99

	c, err = reg.Get(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.TokensPerUnit)
}

func TestLoadSeedFileAndSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costs.yaml")
	t.Setenv("VEO_RATE", "0.5")
	require.NoError(t, os.WriteFile(path, []byte(`
model_costs:
  - model_id: veo3
    provider: kie
    category_code: video
    cost_usd_per_unit: ${VEO_RATE}
    cost_unit: second
    tokens_per_unit: 100
    unit_multipliers:
      1080p: 1.5
    unlimited_daily_limit: 3
    is_active: true
  - model_id: gpt-4o-mini
    provider: openai
    category_code: text
    cost_usd_per_unit: "0.0000006"
    cost_unit: token
    tokens_per_unit: 0.1
    base_tokens: 5
    is_active: true
`), 0o600))

	costs, err := registry.LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, costs, 2)
	assert.True(t, decimal.RequireFromString("0.5").Equal(costs[0].CostUSDPerUnit))
	assert.Equal(t, 1.5, costs[0].UnitMultipliers["1080p"])
	require.NotNil(t, costs[0].UnlimitedDailyLimit)
	assert.Equal(t, int64(3), *costs[0].UnlimitedDailyLimit)
	assert.Nil(t, costs[1].UnlimitedDailyLimit)

	src := &fakeSource{rows: map[string]*models.ModelCost{}}
	reg := registry.New(src, discard())
	_, ok, err := reg.Lookup(context.Background(), "veo3")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.Seed(context.Background(), src, costs))
	c, err := reg.Get(context.Background(), "veo3")
	require.NoError(t, err)
	assert.Equal(t, models.UnitSecond, c.CostUnit)
}

func TestLoadSeedFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	missing, err := registry.LoadSeedFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte(`
model_costs:
  - {model_id: a, provider: p, cost_unit: request, is_active: true}
  - {model_id: a, provider: p, cost_unit: request, is_active: true}
`), 0o600))
	_, err = registry.LoadSeedFile(dup)
	assert.ErrorContains(t, err, "duplicate")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
model_costs:
  - {model_id: a, provider: p, cost_unit: parsec}
`), 0o600))
	_, err = registry.LoadSeedFile(bad)
	assert.ErrorContains(t, err, "cost_unit")
}
