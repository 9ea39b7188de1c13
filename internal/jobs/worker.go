package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/provider"
)

type WorkerOptions struct {
	Workers int
	// PollInterval is both the claim tick and the delay between polls of one task.
	PollInterval time.Duration
	// PassTimeout bounds how long one claim keeps polling before the job is parked.
	PassTimeout time.Duration
	// RequestTimeout bounds a single provider call.
	RequestTimeout time.Duration
	// RepollInterval is how long a parked job waits before it can be claimed again.
	RepollInterval time.Duration
	// Lease is how long a processing job may go untouched before another worker takes it over.
	Lease time.Duration
}

type Worker struct {
	store     Store
	billing   Billing
	providers map[string]provider.TaskProvider
	results   ResultStore
	settler   *settler
	log       *slog.Logger
	opts      WorkerOptions
	now       func() time.Time
}

// WorkerOption configures Worker.
type WorkerOption func(*Worker)

// WithResultStore mirrors finished videos before they are delivered.
func WithResultStore(rs ResultStore) WorkerOption {
	return func(w *Worker) { w.results = rs }
}

// WithWorkerClock overrides time.Now.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(store Store, billing Billing, providers []provider.TaskProvider, notifier Notifier, log *slog.Logger, opts WorkerOptions, options ...WorkerOption) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}

	byName := make(map[string]provider.TaskProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	w := &Worker{
		store:     store,
		billing:   billing,
		providers: byName,
		settler:   &settler{store: store, billing: billing, notifier: notifier, log: log},
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// Run starts the worker pool and blocks until ctx is cancelled and every worker has returned.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("job workers started", "workers", w.opts.Workers, "poll_interval", w.opts.PollInterval.String())

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	wg.Wait()

	w.log.Info("job workers stopped")
}

func (w *Worker) loop(ctx context.Context, n int) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			processed, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error("claim job", "worker", n, "err", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(ctx, w.criteria())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.log.Info("job claimed", "job_id", job.ID, "attempt", job.AttemptCount, "status", job.Status)

	if err := w.Process(ctx, job); err != nil {
		w.log.Error("process job", "job_id", job.ID, "err", err)
	}
	return true, nil
}

func (w *Worker) criteria() ClaimCriteria {
	now := w.now()
	c := ClaimCriteria{Now: now}
	if w.opts.RepollInterval > 0 {
		c.RepollBefore = now.Add(-w.opts.RepollInterval)
	}
	if w.opts.Lease > 0 {
		c.StaleBefore = now.Add(-w.opts.Lease)
	}
	return c
}

// Process runs one pass over a claimed job. Terminal jobs are left untouched.
func (w *Worker) Process(ctx context.Context, job *models.VideoGenerationJob) error {
	if job.Status.IsTerminal() {
		return nil
	}

	p, ok := w.providers[job.Provider]
	if !ok {
		_, err := w.settler.fail(ctx, job, fmt.Sprintf("unknown provider %q", job.Provider), w.now())
		return err
	}

	if job.TaskID == "" {
		taskID, err := w.createTask(ctx, p, job)
		if err != nil {
			return w.handleError(ctx, job, err)
		}
		stored, err := w.store.SetTaskID(ctx, job.ID, job.AttemptCount, taskID, w.now())
		if err != nil {
			return fmt.Errorf("store task id: %w", err)
		}
		if !stored {
			w.log.Warn("job lost before task id was stored", "job_id", job.ID, "task_id", taskID)
			return nil
		}
		job.TaskID = taskID
		w.log.Info("provider task created", "job_id", job.ID, "provider", p.Name(), "task_id", taskID)
	}

	return w.poll(ctx, p, job)
}

func (w *Worker) createTask(ctx context.Context, p provider.TaskProvider, job *models.VideoGenerationJob) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()
	return p.CreateTask(callCtx, job.ModelID, provider.Input{Prompt: job.Prompt, Params: job.InputData})
}

func (w *Worker) poll(ctx context.Context, p provider.TaskProvider, job *models.VideoGenerationJob) error {
	deadline := w.now().Add(w.opts.PassTimeout)
	for {
		callCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
		res, err := p.PollTask(callCtx, job.TaskID)
		cancel()
		if err != nil {
			return w.handleError(ctx, job, err)
		}

		switch res.State {
		case provider.TaskSuccess:
			return w.complete(ctx, job, res.ResultURL)
		case provider.TaskFailed:
			return w.handleError(ctx, job, provider.FailureError(p.Name(), res))
		}

		if !w.now().Before(deadline) {
			return w.park(ctx, job)
		}
		select {
		case <-ctx.Done():
			// Shutdown mid-pass: the lease lets another worker resume the task.
			return ctx.Err()
		case <-time.After(w.opts.PollInterval):
		}
	}
}

func (w *Worker) park(ctx context.Context, job *models.VideoGenerationJob) error {
	if job.AttemptCount >= job.MaxAttempts {
		_, err := w.settler.fail(ctx, job, fmt.Sprintf("provider task still running after %d attempts", job.AttemptCount), w.now())
		return err
	}
	ok, err := w.store.ParkJob(ctx, job.ID, job.AttemptCount, w.now())
	if err != nil {
		return fmt.Errorf("park job: %w", err)
	}
	if ok {
		w.log.Info("job parked", "job_id", job.ID, "attempt", job.AttemptCount)
	}
	return nil
}

func (w *Worker) handleError(ctx context.Context, job *models.VideoGenerationJob, cause error) error {
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	if provider.IsPermanent(cause) || job.AttemptCount >= job.MaxAttempts {
		_, err := w.settler.fail(ctx, job, cause.Error(), w.now())
		return err
	}

	ok, err := w.store.RequeueJob(ctx, job.ID, job.AttemptCount, cause.Error(), w.now())
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if ok {
		w.log.Warn("job requeued", "job_id", job.ID, "attempt", job.AttemptCount, "max_attempts", job.MaxAttempts, "err", cause)
	}
	return nil
}

func (w *Worker) complete(ctx context.Context, job *models.VideoGenerationJob, resultURL string) error {
	videoURL := resultURL
	if w.results != nil && resultURL != "" {
		stored, err := w.results.Save(ctx, job.ID, resultURL)
		if err != nil {
			w.log.Warn("mirror result, keeping provider url", "job_id", job.ID, "err", err)
		} else {
			videoURL = stored
		}
	}

	ok, err := w.store.CompleteJob(ctx, job.ID, job.AttemptCount, videoURL, w.now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !ok {
		w.log.Warn("job settled elsewhere before completion", "job_id", job.ID)
		return nil
	}

	if job.AIRequestID != nil {
		if _, err := w.billing.Finalize(ctx, *job.AIRequestID, models.RequestCompleted); err != nil {
			w.log.Error("finalize ai request", "job_id", job.ID, "ai_request_id", *job.AIRequestID, "err", err)
		}
	}
	w.log.Info("job completed", "job_id", job.ID, "user_id", job.UserID, "model", job.ModelID, "attempts", job.AttemptCount)
	w.settler.notify(ctx, notificationFor(job, models.JobCompleted, videoURL, ""))
	return nil
}
