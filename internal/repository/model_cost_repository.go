package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/registry"
)

type ModelCostRepository struct {
	db *sql.DB
}

var (
	_ registry.Source = (*ModelCostRepository)(nil)
	_ registry.Writer = (*ModelCostRepository)(nil)
)

func NewModelCostRepository(db *sql.DB) *ModelCostRepository {
	return &ModelCostRepository{db: db}
}

const modelCostColumns = `model_id, provider, category_code, cost_usd_per_unit, cost_unit, tokens_per_unit, base_tokens, unit_multipliers, unlimited_daily_limit, unlimited_budget_tokens, is_active, updated_at`

func scanModelCost(row rowScanner) (*models.ModelCost, error) {
	var (
		mc          models.ModelCost
		multipliers sql.NullString
		dailyLimit  sql.NullInt64
		budget      sql.NullInt64
	)
	if err := row.Scan(&mc.ModelID, &mc.Provider, &mc.CategoryCode, &mc.CostUSDPerUnit, &mc.CostUnit, &mc.TokensPerUnit, &mc.BaseTokens, &multipliers, &dailyLimit, &budget, &mc.IsActive, &mc.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := decodeJSONColumn[float64](multipliers)
	if err != nil {
		return nil, fmt.Errorf("decode unit multipliers of %s: %w", mc.ModelID, err)
	}
	mc.UnitMultipliers = m
	mc.UnlimitedDailyLimit = int64Ptr(dailyLimit)
	mc.UnlimitedBudgetTokens = int64Ptr(budget)
	return &mc, nil
}

// GetModelCost returns (nil, nil) for unknown models. Inactive rows are returned as stored.
func (r *ModelCostRepository) GetModelCost(ctx context.Context, modelID string) (*models.ModelCost, error) {
	mc, err := scanModelCost(r.db.QueryRowContext(ctx, `SELECT `+modelCostColumns+` FROM model_costs WHERE model_id = ?`, modelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get model cost: %w", err)
	}
	return mc, nil
}

func (r *ModelCostRepository) ListModelCosts(ctx context.Context) ([]models.ModelCost, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+modelCostColumns+` FROM model_costs ORDER BY model_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list model costs: %w", err)
	}
	defer rows.Close()

	var out []models.ModelCost
	for rows.Next() {
		mc, err := scanModelCost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model cost: %w", err)
		}
		out = append(out, *mc)
	}
	return out, rows.Err()
}

func (r *ModelCostRepository) UpsertModelCost(ctx context.Context, mc *models.ModelCost) error {
	const query = `
INSERT INTO model_costs (model_id, provider, category_code, cost_usd_per_unit, cost_unit, tokens_per_unit, base_tokens, unit_multipliers, unlimited_daily_limit, unlimited_budget_tokens, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    provider = VALUES(provider),
    category_code = VALUES(category_code),
    cost_usd_per_unit = VALUES(cost_usd_per_unit),
    cost_unit = VALUES(cost_unit),
    tokens_per_unit = VALUES(tokens_per_unit),
    base_tokens = VALUES(base_tokens),
    unit_multipliers = VALUES(unit_multipliers),
    unlimited_daily_limit = VALUES(unlimited_daily_limit),
    unlimited_budget_tokens = VALUES(unlimited_budget_tokens),
    is_active = VALUES(is_active)`
	multipliers, err := jsonColumn(mc.UnitMultipliers)
	if err != nil {
		return fmt.Errorf("encode unit multipliers: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query,
		mc.ModelID, mc.Provider, mc.CategoryCode, mc.CostUSDPerUnit, mc.CostUnit, mc.TokensPerUnit, mc.BaseTokens,
		multipliers, nullInt64(mc.UnlimitedDailyLimit), nullInt64(mc.UnlimitedBudgetTokens), mc.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert model cost: %w", err)
	}
	return nil
}

func (r *ModelCostRepository) DeleteModelCost(ctx context.Context, modelID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM model_costs WHERE model_id = ?`, modelID)
	if err != nil {
		return false, fmt.Errorf("delete model cost: %w", err)
	}
	return affected(res)
}
