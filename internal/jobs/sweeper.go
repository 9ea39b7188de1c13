package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepBatch = 100

// Sweeper force-fails jobs past expires_at, retries refunds that failed and deletes old terminal rows
// on a cron schedule.
type Sweeper struct {
	store     Store
	settler   *settler
	log       *slog.Logger
	retention time.Duration
	now       func() time.Time
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired  int
	Refunded int
	Deleted  int64
}

func NewSweeper(store Store, billing Billing, notifier Notifier, log *slog.Logger, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		settler:   &settler{store: store, billing: billing, notifier: notifier, log: log},
		log:       log,
		retention: retention,
		now:       time.Now,
	}
}

// SetClock overrides time.Now.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start schedules Sweep with a standard cron spec or descriptor such as "@every 1m".
// The schedule stops when ctx is done.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("job sweep", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	s.log.Info("job sweeper scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Sweep runs one expiry and retention pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	for {
		expired, err := s.store.ListExpiredJobs(ctx, now, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("list expired jobs: %w", err)
		}
		settled := 0
		for i := range expired {
			ok, err := s.settler.fail(ctx, &expired[i], ErrJobExpired.Error(), now)
			if err != nil {
				return res, fmt.Errorf("expire job %d: %w", expired[i].ID, err)
			}
			if ok {
				settled++
			}
		}
		res.Expired += settled
		// A short batch is the last one; a batch that settled nothing would repeat forever.
		if len(expired) < sweepBatch || settled == 0 {
			break
		}
	}

	unrefunded, err := s.store.ListUnrefundedJobs(ctx, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list unrefunded jobs: %w", err)
	}
	for i := range unrefunded {
		if err := s.settler.refund(ctx, &unrefunded[i]); err == nil {
			res.Refunded++
		}
	}

	if s.retention > 0 {
		deleted, err := s.store.DeleteFinishedBefore(ctx, now.Add(-s.retention))
		if err != nil {
			return res, fmt.Errorf("delete finished jobs: %w", err)
		}
		res.Deleted = deleted
	}

	if res.Expired > 0 || res.Refunded > 0 || res.Deleted > 0 {
		s.log.Info("job sweep", "expired", res.Expired, "refunded", res.Refunded, "deleted", res.Deleted)
	}
	return res, nil
}
