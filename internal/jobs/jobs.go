// Package jobs runs long video generations as persisted jobs.
//
// A job moves pending → processing → completed | failed | timeout_waiting, and
// timeout_waiting → processing | failed. Workers claim jobs with a compare-and-set, so a job is
// processed by at most one worker at a time. Every transition out of processing is fenced by
// the attempt number the worker claimed, so a worker whose lease was taken over cannot finish
// the job.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
)

var (
	ErrJobExpired     = errors.New("jobs: job expired before the provider finished")
	ErrPromptRequired = errors.New("jobs: prompt is required")
	ErrInvalidUnits   = errors.New("jobs: units must be positive")
)

// ClaimCriteria selects a claimable job: pending, timeout_waiting last touched at or before
// RepollBefore, or processing started at or before StaleBefore. Expired jobs are never claimed.
// A zero RepollBefore or StaleBefore disables that branch.
type ClaimCriteria struct {
	Now          time.Time
	RepollBefore time.Time
	StaleBefore  time.Time
}

// Store persists jobs. Transition methods report false when the job was not in the expected state.
type Store interface {
	CreateJob(ctx context.Context, job *models.VideoGenerationJob) (int64, error)
	// GetJob returns (nil, nil) when the job does not exist.
	GetJob(ctx context.Context, id int64) (*models.VideoGenerationJob, error)
	// ClaimJob atomically moves one claimable job to processing, sets started_processing_at and
	// increments attempt_count. It returns (nil, nil) when nothing is claimable.
	ClaimJob(ctx context.Context, c ClaimCriteria) (*models.VideoGenerationJob, error)
	SetTaskID(ctx context.Context, id int64, attempt int, taskID string, at time.Time) (bool, error)
	// RequeueJob moves processing → pending.
	RequeueJob(ctx context.Context, id int64, attempt int, errMsg string, at time.Time) (bool, error)
	// ParkJob moves processing → timeout_waiting.
	ParkJob(ctx context.Context, id int64, attempt int, at time.Time) (bool, error)
	// CompleteJob moves processing → completed.
	CompleteJob(ctx context.Context, id int64, attempt int, videoPath string, at time.Time) (bool, error)
	// FailJob moves any non-terminal job to failed.
	FailJob(ctx context.Context, id int64, errMsg string, at time.Time) (bool, error)
	// ListExpiredJobs returns non-terminal jobs whose expires_at is before now.
	ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]models.VideoGenerationJob, error)
	// ListUnrefundedJobs returns failed jobs whose AI request is still pending and was never refunded.
	ListUnrefundedJobs(ctx context.Context, limit int) ([]models.VideoGenerationJob, error)
	// DeleteFinishedBefore removes terminal jobs that expired before the given time. Failed jobs
	// still listed by ListUnrefundedJobs are kept.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Billing is the part of the ledger jobs rely on. *ledger.Ledger satisfies it.
type Billing interface {
	Charge(ctx context.Context, req ledger.ChargeRequest) (*ledger.ChargeResult, error)
	Refund(ctx context.Context, aiRequestID int64) (bool, error)
	Finalize(ctx context.Context, aiRequestID int64, status models.RequestStatus) (bool, error)
}

// Notification is the final outcome of a job as delivered to the user's chat.
type Notification struct {
	JobID             int64
	UserID            int64
	ChatID            int64
	ProgressMessageID *int
	ModelID           string
	Status            models.JobStatus
	VideoURL          string
	ErrorMessage      string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ResultStore copies a provider result to storage the service controls and returns its URL.
type ResultStore interface {
	Save(ctx context.Context, jobID int64, sourceURL string) (string, error)
}

func notificationFor(job *models.VideoGenerationJob, status models.JobStatus, videoURL, errMsg string) Notification {
	return Notification{
		JobID:             job.ID,
		UserID:            job.UserID,
		ChatID:            job.ChatID,
		ProgressMessageID: job.ProgressMessageID,
		ModelID:           job.ModelID,
		Status:            status,
		VideoURL:          videoURL,
		ErrorMessage:      errMsg,
	}
}
