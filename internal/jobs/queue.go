package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/NeuroMeter/internal/cost"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
)

const categoryVideo = "video"

// Configs resolves model cost configuration. *registry.Registry satisfies it.
type Configs interface {
	Get(ctx context.Context, modelID string) (*models.ModelCost, error)
}

type EnqueueRequest struct {
	UserID            int64
	ChatID            int64
	ProgressMessageID *int
	ModelID           string
	Prompt            string
	InputData         map[string]any
	// Units is measured in the model's cost unit, usually seconds of video.
	Units    float64
	Variants []string
}

// Queue books the tentative charge and inserts the job.
type Queue struct {
	store       Store
	billing     Billing
	configs     Configs
	log         *slog.Logger
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewQueue(store Store, billing Billing, configs Configs, log *slog.Logger, ttl time.Duration, maxAttempts int) *Queue {
	return &Queue{
		store:       store,
		billing:     billing,
		configs:     configs,
		log:         log,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Enqueue fails with the ledger's or the quota guard's error before any job is created.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.VideoGenerationJob, error) {
	if req.Prompt == "" {
		return nil, ErrPromptRequired
	}
	if req.Units <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidUnits, req.Units)
	}
	mc, err := q.configs.Get(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	price := cost.Of(mc, req.Units, req.Variants...)

	category := mc.CategoryCode
	if category == "" {
		category = categoryVideo
	}
	charge, err := q.billing.Charge(ctx, ledger.ChargeRequest{
		UserID:   req.UserID,
		ModelID:  req.ModelID,
		Amount:   price.Tokens,
		Category: category,
		Status:   models.RequestPending,
	})
	if err != nil {
		return nil, err
	}

	now := q.now()
	aiRequestID := charge.AIRequestID
	job := &models.VideoGenerationJob{
		UserID:            req.UserID,
		AIRequestID:       &aiRequestID,
		Provider:          mc.Provider,
		ModelID:           req.ModelID,
		Status:            models.JobPending,
		Prompt:            req.Prompt,
		InputData:         req.InputData,
		ChatID:            req.ChatID,
		ProgressMessageID: req.ProgressMessageID,
		TokensCost:        price.Tokens,
		MaxAttempts:       q.maxAttempts,
		ExpiresAt:         now.Add(q.ttl),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	id, err := q.store.CreateJob(ctx, job)
	if err != nil {
		if _, rerr := q.billing.Refund(ctx, aiRequestID); rerr != nil {
			q.log.Error("refund after failed enqueue", "ai_request_id", aiRequestID, "err", rerr)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	job.ID = id

	q.log.Info("video job enqueued",
		"job_id", id,
		"user_id", req.UserID,
		"model", req.ModelID,
		"tokens", price.Tokens,
		"usd", price.USD.String(),
	)
	return job, nil
}
