package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/service"
)

type PromoRepository struct {
	db *sql.DB
}

var _ service.PromoStore = (*PromoRepository)(nil)

func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

const promoColumns = `id, code, plan_id, max_uses, uses, created_at`

func scanPromo(row rowScanner) (*models.PromoCode, error) {
	var promo models.PromoCode
	if err := row.Scan(&promo.ID, &promo.Code, &promo.PlanID, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
		return nil, err
	}
	return &promo, nil
}

func (r *PromoRepository) ListPromos(ctx context.Context) ([]models.PromoCode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+promoColumns+` FROM promo_codes ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	var promos []models.PromoCode
	for rows.Next() {
		promo, err := scanPromo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, *promo)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) CreatePromo(ctx context.Context, promo *models.PromoCode) (int64, error) {
	const query = `
INSERT INTO promo_codes (code, plan_id, max_uses, uses)
VALUES (?, ?, ?, 0)`
	res, err := r.db.ExecContext(ctx, query, promo.Code, promo.PlanID, promo.MaxUses)
	if err != nil {
		return 0, fmt.Errorf("create promo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("promo last insert id: %w", err)
	}
	return id, nil
}

func (r *PromoRepository) DeletePromo(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM promo_codes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete promo: %w", err)
	}
	return affected(res)
}

// InPromoTx runs a redemption in one transaction. LockPromo takes the row lock that serializes
// redemptions of the same code.
func (r *PromoRepository) InPromoTx(ctx context.Context, fn func(ctx context.Context, tx service.PromoTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promo tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &promoTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promo tx: %w", err)
	}
	return nil
}

type promoTx struct {
	tx *sql.Tx
}

func (t *promoTx) LockPromo(ctx context.Context, code string) (*models.PromoCode, error) {
	promo, err := scanPromo(t.tx.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE code = ? FOR UPDATE`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock promo: %w", err)
	}
	return promo, nil
}

func (t *promoTx) HasRedeemed(ctx context.Context, userID, promoID int64) (bool, error) {
	const query = `SELECT 1 FROM promo_redemptions WHERE user_id = ? AND promo_code_id = ?`
	var dummy int
	if err := t.tx.QueryRowContext(ctx, query, userID, promoID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check promo redemption: %w", err)
	}
	return true, nil
}

func (t *promoTx) RecordRedemption(ctx context.Context, userID, promoID int64, at time.Time) error {
	const query = `
INSERT INTO promo_redemptions (user_id, promo_code_id, created_at)
VALUES (?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, query, userID, promoID, at); err != nil {
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}

func (t *promoTx) IncrementPromoUses(ctx context.Context, promoID int64) error {
	const query = `
UPDATE promo_codes SET uses = uses + 1
WHERE id = ? AND uses < max_uses`
	res, err := t.tx.ExecContext(ctx, query, promoID)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return service.ErrPromoExhausted
	}
	return nil
}

func (t *promoTx) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	return getPlan(ctx, t.tx, id)
}

func (t *promoTx) CreateSubscription(ctx context.Context, sub *models.Subscription) (int64, error) {
	return insertSubscription(ctx, t.tx, sub)
}
