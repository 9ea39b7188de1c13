// Package ledger owns subscription token balances. Every billable operation is booked here as an
// AI request; token subscriptions are debited soonest-expiry-first and unlimited subscriptions are
// gated by the quota guard instead.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

var (
	ErrInsufficientTokens = errors.New("ledger: insufficient tokens")
	ErrRequestNotFound    = errors.New("ledger: ai request not found")
	ErrInvalidAmount      = errors.New("ledger: amount must not be negative")
)

// InsufficientTokensError carries the balance that was available when the charge was rejected.
type InsufficientTokensError struct {
	Available int64
	Requested int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientTokensError) Is(target error) bool {
	return target == ErrInsufficientTokens
}

// Store is the persistence the ledger needs.
type Store interface {
	// InUserTx runs fn serialized against every other InUserTx for the same user.
	// Writes made through tx are discarded when fn returns an error.
	InUserTx(ctx context.Context, userID int64, fn func(ctx context.Context, tx Tx) error) error
	GetAIRequest(ctx context.Context, id int64) (*models.AIRequest, error)
	// FinalizeAIRequest moves a pending request to status. It reports false when the request was not pending.
	FinalizeAIRequest(ctx context.Context, id int64, status models.RequestStatus) (bool, error)
}

// Tx is the per-user critical section.
type Tx interface {
	UsableSubscriptions(ctx context.Context, userID int64, now time.Time) ([]models.Subscription, error)
	// AdjustTokensUsed adds delta to tokens_used, never going below zero.
	AdjustTokensUsed(ctx context.Context, subscriptionID, delta int64) error
	CreateAIRequest(ctx context.Context, req *models.AIRequest) (int64, error)
	AddDebits(ctx context.Context, debits []models.Debit) error
	Debits(ctx context.Context, aiRequestID int64) ([]models.Debit, error)
	// MarkRefunded sets refunded_at once. It reports false when the request was already refunded.
	MarkRefunded(ctx context.Context, aiRequestID int64, at time.Time) (bool, error)
	SetAIRequestStatus(ctx context.Context, aiRequestID int64, status models.RequestStatus) error
}

// QuotaChecker gates unlimited subscriptions. *quota.Guard satisfies it.
type QuotaChecker interface {
	CheckUnlimited(ctx context.Context, userID int64, sub *models.Subscription, modelID string, tokenCost int64) error
}

type Ledger struct {
	store Store
	quota QuotaChecker
	log   *slog.Logger
	now   func() time.Time
}

// Option configures Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, quota QuotaChecker, log *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{store: store, quota: quota, log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type ChargeRequest struct {
	UserID   int64
	ModelID  string
	Amount   int64
	Category string
	// Status of the booked request: RequestCompleted for synchronous work,
	// RequestPending for a tentative charge that is finalized later. Empty means completed.
	Status models.RequestStatus
	// Settlement books work that already ran. On an unlimited subscription the quota is not
	// consulted, so the usage is always recorded and counts against later requests.
	Settlement bool
}

type ChargeResult struct {
	AIRequestID    int64
	SubscriptionID int64
	IsUnlimited    bool
	Debits         []models.Debit
}

// Charge books amount against the user's usable subscriptions. On failure nothing is written.
func (l *Ledger) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	status := req.Status
	if status == "" {
		status = models.RequestCompleted
	}

	var result *ChargeResult
	err := l.store.InUserTx(ctx, req.UserID, func(ctx context.Context, tx Tx) error {
		subs, err := tx.UsableSubscriptions(ctx, req.UserID, l.now())
		if err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}

		if unlimited := pickUnlimited(subs); unlimited != nil {
			result, err = l.chargeUnlimited(ctx, tx, req, status, unlimited)
			return err
		}
		result, err = l.chargeTokens(ctx, tx, req, status, subs)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("charge booked",
		"user_id", req.UserID,
		"model", req.ModelID,
		"amount", req.Amount,
		"ai_request_id", result.AIRequestID,
		"subscription_id", result.SubscriptionID,
		"unlimited", result.IsUnlimited,
		"status", status,
	)
	return result, nil
}

func (l *Ledger) chargeUnlimited(ctx context.Context, tx Tx, req ChargeRequest, status models.RequestStatus, sub *models.Subscription) (*ChargeResult, error) {
	if !req.Settlement {
		if err := l.quota.CheckUnlimited(ctx, req.UserID, sub, req.ModelID, req.Amount); err != nil {
			return nil, err
		}
	}

	subID := sub.ID
	id, err := tx.CreateAIRequest(ctx, &models.AIRequest{
		UserID:                  req.UserID,
		SubscriptionID:          &subID,
		AIModel:                 req.ModelID,
		TokensCost:              req.Amount,
		Status:                  status,
		OperationCategory:       req.Category,
		IsUnlimitedSubscription: true,
		CreatedAt:               l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create ai request: %w", err)
	}
	return &ChargeResult{AIRequestID: id, SubscriptionID: sub.ID, IsUnlimited: true}, nil
}

func (l *Ledger) chargeTokens(ctx context.Context, tx Tx, req ChargeRequest, status models.RequestStatus, subs []models.Subscription) (*ChargeResult, error) {
	ranked := RankForDebit(subs)

	var available int64
	for _, s := range ranked {
		available += s.TokensRemaining()
	}
	if len(ranked) == 0 || available < req.Amount {
		return nil, &InsufficientTokensError{Available: available, Requested: req.Amount}
	}

	var debits []models.Debit
	left := req.Amount
	for _, s := range ranked {
		if left == 0 {
			break
		}
		take := min(s.TokensRemaining(), left)
		if take == 0 {
			continue
		}
		debits = append(debits, models.Debit{Seq: len(debits), SubscriptionID: s.ID, Amount: take})
		left -= take
	}

	primary := ranked[0].ID
	if len(debits) > 0 {
		primary = debits[0].SubscriptionID
	}

	id, err := tx.CreateAIRequest(ctx, &models.AIRequest{
		UserID:            req.UserID,
		SubscriptionID:    &primary,
		AIModel:           req.ModelID,
		TokensCost:        req.Amount,
		Status:            status,
		OperationCategory: req.Category,
		CreatedAt:         l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create ai request: %w", err)
	}

	for i := range debits {
		debits[i].AIRequestID = id
		if err := tx.AdjustTokensUsed(ctx, debits[i].SubscriptionID, debits[i].Amount); err != nil {
			return nil, fmt.Errorf("debit subscription %d: %w", debits[i].SubscriptionID, err)
		}
	}
	if len(debits) > 0 {
		if err := tx.AddDebits(ctx, debits); err != nil {
			return nil, fmt.Errorf("record debits: %w", err)
		}
	}
	return &ChargeResult{AIRequestID: id, SubscriptionID: primary, Debits: debits}, nil
}

// Check reports whether Charge would currently succeed, without writing anything.
func (l *Ledger) Check(ctx context.Context, userID int64, modelID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return l.store.InUserTx(ctx, userID, func(ctx context.Context, tx Tx) error {
		subs, err := tx.UsableSubscriptions(ctx, userID, l.now())
		if err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
		if unlimited := pickUnlimited(subs); unlimited != nil {
			return l.quota.CheckUnlimited(ctx, userID, unlimited, modelID, amount)
		}
		available := sumRemaining(subs)
		if len(subs) == 0 || available < amount {
			return &InsufficientTokensError{Available: available, Requested: amount}
		}
		return nil
	})
}

// AvailableTokens sums tokensRemaining over the user's usable token subscriptions.
func (l *Ledger) AvailableTokens(ctx context.Context, userID int64) (int64, error) {
	var available int64
	err := l.store.InUserTx(ctx, userID, func(ctx context.Context, tx Tx) error {
		subs, err := tx.UsableSubscriptions(ctx, userID, l.now())
		if err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
		available = sumRemaining(subs)
		return nil
	})
	return available, err
}

// Refund credits a request's debits back in reverse order and marks the request failed.
// It reports false when the request had already been refunded.
func (l *Ledger) Refund(ctx context.Context, aiRequestID int64) (bool, error) {
	req, err := l.store.GetAIRequest(ctx, aiRequestID)
	if err != nil {
		return false, fmt.Errorf("get ai request: %w", err)
	}
	if req == nil {
		return false, fmt.Errorf("%w: %d", ErrRequestNotFound, aiRequestID)
	}

	var refunded int64
	applied := false
	err = l.store.InUserTx(ctx, req.UserID, func(ctx context.Context, tx Tx) error {
		ok, err := tx.MarkRefunded(ctx, aiRequestID, l.now())
		if err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		if !ok {
			return nil
		}

		debits, err := tx.Debits(ctx, aiRequestID)
		if err != nil {
			return fmt.Errorf("load debits: %w", err)
		}
		sort.Slice(debits, func(i, j int) bool { return debits[i].Seq > debits[j].Seq })
		for _, d := range debits {
			if err := tx.AdjustTokensUsed(ctx, d.SubscriptionID, -d.Amount); err != nil {
				return fmt.Errorf("credit subscription %d: %w", d.SubscriptionID, err)
			}
			refunded += d.Amount
		}
		if err := tx.SetAIRequestStatus(ctx, aiRequestID, models.RequestFailed); err != nil {
			return fmt.Errorf("set request failed: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		l.log.Info("charge refunded", "user_id", req.UserID, "ai_request_id", aiRequestID, "tokens", refunded)
	} else {
		l.log.Debug("refund already applied", "ai_request_id", aiRequestID)
	}
	return applied, nil
}

// Finalize moves a pending request to completed or failed. It does not touch balances.
func (l *Ledger) Finalize(ctx context.Context, aiRequestID int64, status models.RequestStatus) (bool, error) {
	if status != models.RequestCompleted && status != models.RequestFailed {
		return false, fmt.Errorf("finalize ai request %d: invalid status %q", aiRequestID, status)
	}
	ok, err := l.store.FinalizeAIRequest(ctx, aiRequestID, status)
	if err != nil {
		return false, fmt.Errorf("finalize ai request %d: %w", aiRequestID, err)
	}
	return ok, nil
}

// RankForDebit orders token subscriptions soonest-expiry-first with eternal subscriptions last.
// Unlimited subscriptions are dropped.
func RankForDebit(subs []models.Subscription) []models.Subscription {
	ranked := make([]models.Subscription, 0, len(subs))
	for _, s := range subs {
		if !s.Type.IsUnlimited() {
			ranked = append(ranked, s)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].ExpiresAt, ranked[j].ExpiresAt
		switch {
		case a == nil && b == nil:
			return ranked[i].ID < ranked[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return ranked[i].ID < ranked[j].ID
		}
	})
	return ranked
}

func pickUnlimited(subs []models.Subscription) *models.Subscription {
	var picked *models.Subscription
	for i := range subs {
		s := &subs[i]
		if !s.Type.IsUnlimited() {
			continue
		}
		if picked == nil || expiresBefore(s, picked) {
			picked = s
		}
	}
	return picked
}

func expiresBefore(a, b *models.Subscription) bool {
	switch {
	case a.ExpiresAt == nil:
		return false
	case b.ExpiresAt == nil:
		return true
	default:
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
}

func sumRemaining(subs []models.Subscription) int64 {
	var total int64
	for _, s := range subs {
		if !s.Type.IsUnlimited() {
			total += s.TokensRemaining()
		}
	}
	return total
}
