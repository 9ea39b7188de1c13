package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/digkill/NeuroMeter/internal/models"
)

type seedFile struct {
	ModelCosts []models.ModelCost `yaml:"model_costs"`
}

// Writer persists model costs.
type Writer interface {
	UpsertModelCost(ctx context.Context, cost *models.ModelCost) error
}

// LoadSeedFile parses a YAML list of model costs. Environment variables in the form ${VAR}
// are expanded before parsing. A missing file yields no entries.
func LoadSeedFile(path string) ([]models.ModelCost, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var parsed seedFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &parsed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(parsed.ModelCosts))
	for i, c := range parsed.ModelCosts {
		if err := Validate(c); err != nil {
			return nil, fmt.Errorf("model_costs[%d]: %w", i, err)
		}
		if seen[c.ModelID] {
			return nil, fmt.Errorf("model_costs[%d]: duplicate model_id %q", i, c.ModelID)
		}
		seen[c.ModelID] = true
	}
	return parsed.ModelCosts, nil
}

// Seed upserts costs and drops their cached entries.
func (r *Registry) Seed(ctx context.Context, w Writer, costs []models.ModelCost) error {
	for i := range costs {
		if err := w.UpsertModelCost(ctx, &costs[i]); err != nil {
			return fmt.Errorf("seed %s: %w", costs[i].ModelID, err)
		}
		r.Forget(costs[i].ModelID)
	}
	return nil
}

// Validate checks a cost row before it is stored.
func Validate(c models.ModelCost) error {
	if c.ModelID == "" {
		return errors.New("model_id is required")
	}
	if c.Provider == "" {
		return errors.New("provider is required")
	}
	switch c.CostUnit {
	case models.UnitRequest, models.UnitToken, models.UnitMinute, models.UnitCharacter, models.UnitSecond:
	default:
		return fmt.Errorf("invalid cost_unit %q", c.CostUnit)
	}
	if c.CostUSDPerUnit.IsNegative() {
		return errors.New("cost_usd_per_unit cannot be negative")
	}
	if c.TokensPerUnit < 0 || c.BaseTokens < 0 {
		return errors.New("token rates cannot be negative")
	}
	for k, m := range c.UnitMultipliers {
		if m <= 0 {
			return fmt.Errorf("unit_multipliers[%s] must be positive", k)
		}
	}
	if c.UnlimitedDailyLimit != nil && *c.UnlimitedDailyLimit < 0 {
		return errors.New("unlimited_daily_limit cannot be negative")
	}
	if c.UnlimitedBudgetTokens != nil && *c.UnlimitedBudgetTokens < 0 {
		return errors.New("unlimited_budget_tokens cannot be negative")
	}
	return nil
}
