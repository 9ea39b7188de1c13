package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/models"
)

type countingSource struct {
	loads map[string]int
}

func (s *countingSource) GetModelCost(_ context.Context, modelID string) (*models.ModelCost, error) {
	s.loads[modelID]++
	return &models.ModelCost{
		ModelID:        modelID,
		Provider:       "kie",
		CostUSDPerUnit: decimal.NewFromFloat(0.01),
		CostUnit:       models.UnitRequest,
		TokensPerUnit:  1,
		IsActive:       true,
	}, nil
}

func TestApplyInvalidation(t *testing.T) {
	src := &countingSource{loads: map[string]int{}}
	r := New(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := r.Get(ctx, id)
		require.NoError(t, err)
	}

	applyInvalidation(r, "a")
	_, _ = r.Get(ctx, "a")
	_, _ = r.Get(ctx, "b")
	assert.Equal(t, 2, src.loads["a"])
	assert.Equal(t, 1, src.loads["b"])

	applyInvalidation(r, invalidateAll)
	_, _ = r.Get(ctx, "b")
	assert.Equal(t, 2, src.loads["b"])
}

func TestNewRedisBusDefaultsChannel(t *testing.T) {
	bus := NewRedisBus(nil, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, DefaultChannel, bus.channel)
}
