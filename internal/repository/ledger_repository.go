package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/quota"
	"github.com/digkill/NeuroMeter/internal/service"
)

// LedgerRepository stores AI requests and their debits.
type LedgerRepository struct {
	db *sql.DB
}

var (
	_ ledger.Store  = (*LedgerRepository)(nil)
	_ quota.History = (*LedgerRepository)(nil)
)

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// InUserTx locks the user row for the duration of fn, so charges and refunds of one user are
// applied one after another.
func (r *LedgerRepository) InUserTx(ctx context.Context, userID int64, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	var locked int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = ? FOR UPDATE`, userID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock user %d: %w", userID, service.ErrUserNotFound)
		}
		return fmt.Errorf("lock user: %w", err)
	}

	if err := fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

const aiRequestColumns = `id, user_id, subscription_id, ai_model, tokens_cost, status, operation_category, is_unlimited_subscription, refunded_at, created_at`

func scanAIRequest(row rowScanner) (*models.AIRequest, error) {
	var (
		req      models.AIRequest
		subID    sql.NullInt64
		refunded sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.UserID, &subID, &req.AIModel, &req.TokensCost, &req.Status, &req.OperationCategory, &req.IsUnlimitedSubscription, &refunded, &req.CreatedAt); err != nil {
		return nil, err
	}
	req.SubscriptionID = int64Ptr(subID)
	req.RefundedAt = timePtr(refunded)
	return &req, nil
}

func (r *LedgerRepository) GetAIRequest(ctx context.Context, id int64) (*models.AIRequest, error) {
	req, err := scanAIRequest(r.db.QueryRowContext(ctx, `SELECT `+aiRequestColumns+` FROM ai_requests WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ai request: %w", err)
	}
	return req, nil
}

func (r *LedgerRepository) FinalizeAIRequest(ctx context.Context, id int64, status models.RequestStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE ai_requests SET status = ? WHERE id = ? AND status = ?`, status, id, models.RequestPending)
	if err != nil {
		return false, fmt.Errorf("finalize ai request: %w", err)
	}
	return affected(res)
}

// ListAIRequests returns a user's requests, newest first.
func (r *LedgerRepository) ListAIRequests(ctx context.Context, userID int64, limit int) ([]models.AIRequest, error) {
	query := `SELECT ` + aiRequestColumns + ` FROM ai_requests WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ai requests: %w", err)
	}
	defer rows.Close()

	var out []models.AIRequest
	for rows.Next() {
		req, err := scanAIRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ai request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// UnlimitedUsage counts requests charged to the subscription for the model in [from, to): completed ones
// plus pending ones that were not refunded.
func (r *LedgerRepository) UnlimitedUsage(ctx context.Context, userID, subscriptionID int64, modelID string, from, to time.Time) (quota.Usage, error) {
	const query = `
SELECT COUNT(*), COALESCE(SUM(tokens_cost), 0)
FROM ai_requests
WHERE user_id = ? AND subscription_id = ? AND ai_model = ?
  AND (status = ? OR (status = ? AND refunded_at IS NULL))
  AND created_at >= ? AND created_at < ?`
	var u quota.Usage
	err := r.db.QueryRowContext(ctx, query, userID, subscriptionID, modelID,
		models.RequestCompleted, models.RequestPending, from, to).Scan(&u.Count, &u.Tokens)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("unlimited usage: %w", err)
	}
	return u, nil
}

type ledgerTx struct {
	tx *sql.Tx
}

func (t *ledgerTx) UsableSubscriptions(ctx context.Context, userID int64, now time.Time) ([]models.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = ? AND is_active = 1 AND (expires_at IS NULL OR expires_at > ?)
ORDER BY id ASC
FOR UPDATE`
	return querySubscriptions(ctx, t.tx, query, userID, now)
}

func (t *ledgerTx) AdjustTokensUsed(ctx context.Context, subscriptionID, delta int64) error {
	const query = `UPDATE subscriptions SET tokens_used = GREATEST(tokens_used + ?, 0) WHERE id = ?`
	if _, err := t.tx.ExecContext(ctx, query, delta, subscriptionID); err != nil {
		return fmt.Errorf("adjust tokens used: %w", err)
	}
	return nil
}

func (t *ledgerTx) CreateAIRequest(ctx context.Context, req *models.AIRequest) (int64, error) {
	const query = `
INSERT INTO ai_requests (user_id, subscription_id, ai_model, tokens_cost, status, operation_category, is_unlimited_subscription, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	created := req.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := t.tx.ExecContext(ctx, query, req.UserID, nullInt64(req.SubscriptionID), req.AIModel, req.TokensCost, req.Status, req.OperationCategory, req.IsUnlimitedSubscription, created)
	if err != nil {
		return 0, fmt.Errorf("insert ai request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ai request last insert id: %w", err)
	}
	return id, nil
}

func (t *ledgerTx) AddDebits(ctx context.Context, debits []models.Debit) error {
	if len(debits) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(debits))
	args := make([]any, 0, len(debits)*4)
	for _, d := range debits {
		placeholders = append(placeholders, "(?, ?, ?, ?)")
		args = append(args, d.AIRequestID, d.Seq, d.SubscriptionID, d.Amount)
	}
	query := `INSERT INTO ai_request_debits (ai_request_id, seq, subscription_id, amount) VALUES ` + strings.Join(placeholders, ", ")
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert debits: %w", err)
	}
	return nil
}

func (t *ledgerTx) Debits(ctx context.Context, aiRequestID int64) ([]models.Debit, error) {
	const query = `SELECT ai_request_id, seq, subscription_id, amount FROM ai_request_debits WHERE ai_request_id = ? ORDER BY seq ASC`
	rows, err := t.tx.QueryContext(ctx, query, aiRequestID)
	if err != nil {
		return nil, fmt.Errorf("list debits: %w", err)
	}
	defer rows.Close()

	var out []models.Debit
	for rows.Next() {
		var d models.Debit
		if err := rows.Scan(&d.AIRequestID, &d.Seq, &d.SubscriptionID, &d.Amount); err != nil {
			return nil, fmt.Errorf("scan debit: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *ledgerTx) MarkRefunded(ctx context.Context, aiRequestID int64, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE ai_requests SET refunded_at = ? WHERE id = ? AND refunded_at IS NULL`, at, aiRequestID)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	return affected(res)
}

func (t *ledgerTx) SetAIRequestStatus(ctx context.Context, aiRequestID int64, status models.RequestStatus) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE ai_requests SET status = ? WHERE id = ?`, status, aiRequestID); err != nil {
		return fmt.Errorf("set ai request status: %w", err)
	}
	return nil
}
