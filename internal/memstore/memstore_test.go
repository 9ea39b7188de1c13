package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/memstore"
	"github.com/digkill/NeuroMeter/internal/models"
)

func TestUserTxRollsBackOnError(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	subID, err := s.CreateSubscription(ctx, &models.Subscription{UserID: 1, Type: models.SubscriptionTokens, TokensAmount: 10, IsActive: true})
	require.NoError(t, err)

	boom := errors.New("boom")
	var reqID int64
	err = s.InUserTx(ctx, 1, func(ctx context.Context, tx ledger.Tx) error {
		require.NoError(t, tx.AdjustTokensUsed(ctx, subID, 7))
		reqID, err = tx.CreateAIRequest(ctx, &models.AIRequest{UserID: 1, TokensCost: 7})
		require.NoError(t, err)
		require.NoError(t, tx.AddDebits(ctx, []models.Debit{{AIRequestID: reqID, SubscriptionID: subID, Amount: 7}}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	sub, err := s.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Zero(t, sub.TokensUsed)
	req, err := s.GetAIRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestAdjustTokensUsedNeverNegative(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	subID, err := s.CreateSubscription(ctx, &models.Subscription{UserID: 1, Type: models.SubscriptionTokens, TokensAmount: 10, TokensUsed: 3, IsActive: true})
	require.NoError(t, err)

	require.NoError(t, s.InUserTx(ctx, 1, func(ctx context.Context, tx ledger.Tx) error {
		return tx.AdjustTokensUsed(ctx, subID, -5)
	}))
	sub, err := s.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Zero(t, sub.TokensUsed)
}

func TestClaimPrefersOldestAndSkipsExpired(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	now := time.Now()

	_, err := s.CreateJob(ctx, &models.VideoGenerationJob{Status: models.JobPending, ExpiresAt: now.Add(-time.Second), UpdatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	newer, err := s.CreateJob(ctx, &models.VideoGenerationJob{Status: models.JobPending, ExpiresAt: now.Add(time.Hour), UpdatedAt: now})
	require.NoError(t, err)
	older, err := s.CreateJob(ctx, &models.VideoGenerationJob{Status: models.JobPending, ExpiresAt: now.Add(time.Hour), UpdatedAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	first, err := s.ClaimJob(ctx, jobs.ClaimCriteria{Now: now})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, older, first.ID)
	assert.Equal(t, models.JobProcessing, first.Status)
	assert.Equal(t, 1, first.AttemptCount)

	second, err := s.ClaimJob(ctx, jobs.ClaimCriteria{Now: now})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, newer, second.ID)

	none, err := s.ClaimJob(ctx, jobs.ClaimCriteria{Now: now})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUnlimitedUsageCountsBookedRequestsInWindow(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	now := time.Now()
	subID := int64(9)

	require.NoError(t, s.InUserTx(ctx, 1, func(ctx context.Context, tx ledger.Tx) error {
		for _, r := range []models.AIRequest{
			{Status: models.RequestCompleted, TokensCost: 10, CreatedAt: now},
			{Status: models.RequestCompleted, TokensCost: 5, CreatedAt: now},
			{Status: models.RequestPending, TokensCost: 100, CreatedAt: now},
			{Status: models.RequestPending, TokensCost: 1000, CreatedAt: now, RefundedAt: &now},
			{Status: models.RequestFailed, TokensCost: 1000, CreatedAt: now},
			{Status: models.RequestCompleted, TokensCost: 100, CreatedAt: now.Add(-48 * time.Hour)},
		} {
			r.UserID, r.SubscriptionID, r.AIModel, r.IsUnlimitedSubscription = 1, &subID, "veo", true
			if _, err := tx.CreateAIRequest(ctx, &r); err != nil {
				return err
			}
		}
		return nil
	}))

	usage, err := s.UnlimitedUsage(ctx, 1, subID, "veo", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Count)
	assert.Equal(t, int64(115), usage.Tokens)
}
