package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, user_id, type, tokens_amount, tokens_used, price, is_active, source, started_at, expires_at, created_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		s       models.Subscription
		expires sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.Type, &s.TokensAmount, &s.TokensUsed, &s.Price, &s.IsActive, &s.Source, &s.StartedAt, &expires, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.ExpiresAt = timePtr(expires)
	return &s, nil
}

func querySubscriptions(ctx context.Context, q querier, query string, args ...any) ([]models.Subscription, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func insertSubscription(ctx context.Context, q querier, sub *models.Subscription) (int64, error) {
	const query = `
INSERT INTO subscriptions (user_id, type, tokens_amount, tokens_used, price, is_active, source, started_at, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := q.ExecContext(ctx, query, sub.UserID, sub.Type, sub.TokensAmount, sub.TokensUsed, sub.Price, sub.IsActive, sub.Source, sub.StartedAt, nullTime(sub.ExpiresAt), created)
	if err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("subscription last insert id: %w", err)
	}
	return id, nil
}

func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) (int64, error) {
	return insertSubscription(ctx, r.db, sub)
}

func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *SubscriptionRepository) ListSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error) {
	return querySubscriptions(ctx, r.db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY id ASC`, userID)
}

func (r *SubscriptionRepository) DeactivateSubscription(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return affected(res)
}
