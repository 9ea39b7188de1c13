package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/NeuroMeter/internal/models"
)

type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, title, COALESCE(description, ''), type, tokens, duration_days, price, currency, is_active, created_at, updated_at`

func scanPlan(row rowScanner) (*models.Plan, error) {
	var plan models.Plan
	if err := row.Scan(&plan.ID, &plan.Title, &plan.Description, &plan.Type, &plan.Tokens, &plan.DurationDays, &plan.Price, &plan.Currency, &plan.IsActive, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return nil, err
	}
	return &plan, nil
}

func getPlan(ctx context.Context, q querier, id int64) (*models.Plan, error) {
	plan, err := scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan by id: %w", err)
	}
	return plan, nil
}

func (r *PlanRepository) ListPlans(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (r *PlanRepository) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	return getPlan(ctx, r.db, id)
}

func (r *PlanRepository) CreatePlan(ctx context.Context, plan *models.Plan) (int64, error) {
	const query = `
INSERT INTO subscription_plans (title, description, type, tokens, duration_days, price, currency, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, plan.Title, plan.Description, plan.Type, plan.Tokens, plan.DurationDays, plan.Price, plan.Currency, plan.IsActive)
	if err != nil {
		return 0, fmt.Errorf("create plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("plan last insert id: %w", err)
	}
	return id, nil
}

func (r *PlanRepository) UpdatePlan(ctx context.Context, plan *models.Plan) (bool, error) {
	const query = `
UPDATE subscription_plans
SET title = ?, description = NULLIF(?, ''), type = ?, tokens = ?, duration_days = ?, price = ?, currency = ?, is_active = ?
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, plan.Title, plan.Description, plan.Type, plan.Tokens, plan.DurationDays, plan.Price, plan.Currency, plan.IsActive, plan.ID); err != nil {
		return false, fmt.Errorf("update plan: %w", err)
	}
	// RowsAffected is 0 for an unchanged row, so existence is checked separately.
	existing, err := r.GetPlan(ctx, plan.ID)
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}

func (r *PlanRepository) DeletePlan(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscription_plans WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete plan: %w", err)
	}
	return affected(res)
}
