package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

const refundAttempts = 3

// settler drives a job to failed and returns its tentative charge. The worker's failure path and
// the expiry sweep both go through it; FailJob's compare-and-set decides which one settles.
type settler struct {
	store    Store
	billing  Billing
	notifier Notifier
	log      *slog.Logger
}

// fail reports whether this call performed the transition.
func (s *settler) fail(ctx context.Context, job *models.VideoGenerationJob, errMsg string, at time.Time) (bool, error) {
	ok, err := s.store.FailJob(ctx, job.ID, errMsg, at)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Debug("job already settled", "job_id", job.ID)
		return false, nil
	}

	s.log.Warn("job failed", "job_id", job.ID, "user_id", job.UserID, "model", job.ModelID, "attempts", job.AttemptCount, "err", errMsg)
	_ = s.refund(ctx, job)
	s.notify(ctx, notificationFor(job, models.JobFailed, "", errMsg))
	return true, nil
}

// refund returns the job's tentative charge. A refund that still fails after refundAttempts is left
// for the sweep, which retries failed jobs whose request was never refunded.
func (s *settler) refund(ctx context.Context, job *models.VideoGenerationJob) error {
	if job.AIRequestID == nil {
		return nil
	}
	var err error
	for i := 0; i < refundAttempts; i++ {
		if _, err = s.billing.Refund(ctx, *job.AIRequestID); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.log.Error("refund failed", "job_id", job.ID, "ai_request_id", *job.AIRequestID, "err", err)
	return err
}

func (s *settler) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Error("notify", "job_id", n.JobID, "status", n.Status, "err", err)
	}
}
