//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/database"
	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/quota"
	"github.com/digkill/NeuroMeter/internal/repository"
	"github.com/digkill/NeuroMeter/internal/service"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN is not set")
	}
	ctx := context.Background()
	db, err := database.Connect(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(ctx, db))
	t.Cleanup(func() { db.Close() })
	return db
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newUser(t *testing.T, store *repository.Store) *models.User {
	t.Helper()
	u, created, err := store.EnsureUser(context.Background(), &models.User{TelegramID: time.Now().UnixNano(), Username: "tester"})
	require.NoError(t, err)
	require.True(t, created)
	return u
}

func grant(t *testing.T, store *repository.Store, userID, tokens int64, expires *time.Time) int64 {
	t.Helper()
	id, err := store.CreateSubscription(context.Background(), &models.Subscription{
		UserID:       userID,
		Type:         models.SubscriptionTokens,
		TokensAmount: tokens,
		Price:        decimal.Zero,
		IsActive:     true,
		Source:       "admin",
		StartedAt:    time.Now(),
		ExpiresAt:    expires,
	})
	require.NoError(t, err)
	return id
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()

	u := newUser(t, store)
	again, created, err := store.EnsureUser(ctx, &models.User{TelegramID: u.TelegramID, Username: "renamed"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "renamed", again.Username)
}

func TestChargeAndRefundAcrossSubscriptions(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()
	l := ledger.New(store, nil, discard())

	u := newUser(t, store)
	soon := time.Now().Add(24 * time.Hour)
	first := grant(t, store, u.ID, 100, &soon)
	second := grant(t, store, u.ID, 100, nil)

	res, err := l.Charge(ctx, ledger.ChargeRequest{UserID: u.ID, ModelID: "gpt", Amount: 150, Category: "text"})
	require.NoError(t, err)
	require.Len(t, res.Debits, 2)
	assert.Equal(t, first, res.SubscriptionID)

	a, err := store.GetSubscription(ctx, first)
	require.NoError(t, err)
	b, err := store.GetSubscription(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.TokensUsed)
	assert.Equal(t, int64(50), b.TokensUsed)

	ok, err := l.Refund(ctx, res.AIRequestID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Refund(ctx, res.AIRequestID)
	require.NoError(t, err)
	assert.False(t, ok)

	available, err := l.AvailableTokens(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), available)

	req, err := store.GetAIRequest(ctx, res.AIRequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, req.Status)
	assert.NotNil(t, req.RefundedAt)
}

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()
	l := ledger.New(store, nil, discard())

	u := newUser(t, store)
	grant(t, store, u.ID, 100, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Charge(ctx, ledger.ChargeRequest{UserID: u.ID, ModelID: "gpt", Amount: 10})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ledger.ErrInsufficientTokens), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	available, err := l.AvailableTokens(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, available)
}

func TestUnlimitedUsageCountsBookedRequests(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()
	u := newUser(t, store)

	until := time.Now().Add(24 * time.Hour)
	subID, err := store.CreateSubscription(ctx, &models.Subscription{
		UserID: u.ID, Type: models.SubscriptionUnlimited1Day, IsActive: true, StartedAt: time.Now(), ExpiresAt: &until,
	})
	require.NoError(t, err)

	limit := int64(10)
	guard := quota.New(staticLimits{"veo": {ModelID: "veo", UnlimitedDailyLimit: &limit, IsActive: true}}, store, store, discard())
	l := ledger.New(store, guard, discard())

	for i := 0; i < 3; i++ {
		_, err := l.Charge(ctx, ledger.ChargeRequest{UserID: u.ID, ModelID: "veo", Amount: 40})
		require.NoError(t, err)
	}
	pending, err := l.Charge(ctx, ledger.ChargeRequest{UserID: u.ID, ModelID: "veo", Amount: 40, Status: models.RequestPending})
	require.NoError(t, err)

	from, to := guard.Window(time.Now())
	usage, err := store.UnlimitedUsage(ctx, u.ID, subID, "veo", from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage.Count)
	assert.Equal(t, int64(160), usage.Tokens)

	_, err = l.Refund(ctx, pending.AIRequestID)
	require.NoError(t, err)
	usage, err = store.UnlimitedUsage(ctx, u.ID, subID, "veo", from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Count)
	assert.Equal(t, int64(120), usage.Tokens)
}

type staticLimits map[string]models.ModelCost

func (s staticLimits) Lookup(_ context.Context, modelID string) (*models.ModelCost, bool, error) {
	mc, ok := s[modelID]
	if !ok {
		return nil, false, nil
	}
	return &mc, true, nil
}

func TestJobClaimAndFencing(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()
	u := newUser(t, store)

	now := time.Now().Truncate(time.Microsecond)
	progress := 12
	id, err := store.CreateJob(ctx, &models.VideoGenerationJob{
		UserID:            u.ID,
		Provider:          "kie",
		ModelID:           "veo3",
		Status:            models.JobPending,
		Prompt:            "a cat",
		InputData:         map[string]any{"aspect_ratio": "16:9"},
		ProgressMessageID: &progress,
		MaxAttempts:       3,
		ExpiresAt:         now.Add(time.Hour),
		CreatedAt:         now.Add(-time.Hour),
		UpdatedAt:         now.Add(-time.Hour),
	})
	require.NoError(t, err)

	job, err := store.ClaimJob(ctx, jobs.ClaimCriteria{Now: now})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, "16:9", job.InputData["aspect_ratio"])
	require.NotNil(t, job.ProgressMessageID)
	assert.Equal(t, 12, *job.ProgressMessageID)

	ok, err := store.SetTaskID(ctx, id, 2, "task-x", now)
	require.NoError(t, err)
	assert.False(t, ok, "stale attempt must not write")

	ok, err = store.SetTaskID(ctx, id, 1, "task-1", now.Add(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ParkJob(ctx, id, 1, now.Add(2*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)

	job, err = store.ClaimJob(ctx, jobs.ClaimCriteria{Now: now, RepollBefore: now.Add(time.Second)})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptCount)
	assert.Equal(t, "task-1", job.TaskID)

	ok, err = store.CompleteJob(ctx, id, 2, "https://cdn/v.mp4", now.Add(3*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.FailJob(ctx, id, "late", now)
	require.NoError(t, err)
	assert.False(t, ok, "terminal job must not fail")
}

func TestUnrefundedFailedJobsSurviveRetention(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()
	l := ledger.New(store, nil, discard())
	u := newUser(t, store)
	grant(t, store, u.ID, 100, nil)

	charge, err := l.Charge(ctx, ledger.ChargeRequest{UserID: u.ID, ModelID: "veo3", Amount: 80, Status: models.RequestPending})
	require.NoError(t, err)
	now := time.Now().Truncate(time.Microsecond)
	reqID := charge.AIRequestID
	id, err := store.CreateJob(ctx, &models.VideoGenerationJob{
		UserID: u.ID, AIRequestID: &reqID, Provider: "kie", ModelID: "veo3", Status: models.JobPending,
		Prompt: "a cat", MaxAttempts: 3, ExpiresAt: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	ok, err := store.FailJob(ctx, id, "expired", now)
	require.NoError(t, err)
	require.True(t, ok)

	listed := func() bool {
		list, err := store.ListUnrefundedJobs(ctx, 0)
		require.NoError(t, err)
		for _, j := range list {
			if j.ID == id {
				return true
			}
		}
		return false
	}
	assert.True(t, listed())
	_, err = store.DeleteFinishedBefore(ctx, now)
	require.NoError(t, err)
	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = l.Refund(ctx, reqID)
	require.NoError(t, err)
	assert.False(t, listed())
	_, err = store.DeleteFinishedBefore(ctx, now)
	require.NoError(t, err)
	job, err = store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPromoRedemptionIsSingleUse(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()
	u := newUser(t, store)

	planID, err := store.CreatePlan(ctx, &models.Plan{Title: "Starter", Type: models.SubscriptionTokens, Tokens: 500, Price: decimal.Zero, Currency: "RUB", IsActive: true})
	require.NoError(t, err)
	code := "PROMO" + time.Now().Format("150405.000000")
	_, err = store.CreatePromo(ctx, &models.PromoCode{Code: code, PlanID: planID, MaxUses: 5})
	require.NoError(t, err)

	promos := service.NewPromoService(store, store, discard())
	sub, err := promos.Redeem(ctx, u.ID, code)
	require.NoError(t, err)
	assert.Equal(t, int64(500), sub.TokensAmount)

	_, err = promos.Redeem(ctx, u.ID, code)
	assert.ErrorIs(t, err, service.ErrPromoAlreadyRedeemed)
}

func TestSettingsAndModelCosts(t *testing.T) {
	store := repository.NewStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.SetBool(ctx, quota.FlagUnlimitedLimitsEnabled, false))
	v, err := store.Bool(ctx, quota.FlagUnlimitedLimitsEnabled, true)
	require.NoError(t, err)
	assert.False(t, v)

	limit := int64(10)
	mc := &models.ModelCost{
		ModelID:             "it-model",
		Provider:            "kie",
		CostUSDPerUnit:      decimal.RequireFromString("0.05"),
		CostUnit:            models.UnitSecond,
		TokensPerUnit:       10,
		UnitMultipliers:     map[string]float64{"1080p": 2},
		UnlimitedDailyLimit: &limit,
		IsActive:            true,
	}
	require.NoError(t, store.UpsertModelCost(ctx, mc))
	got, err := store.GetModelCost(ctx, "it-model")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CostUSDPerUnit.Equal(mc.CostUSDPerUnit))
	assert.Equal(t, 2.0, got.UnitMultipliers["1080p"])
	assert.Equal(t, int64(10), *got.UnlimitedDailyLimit)
	assert.Nil(t, got.UnlimitedBudgetTokens)

	deleted, err := store.DeleteModelCost(ctx, "it-model")
	require.NoError(t, err)
	assert.True(t, deleted)
}
