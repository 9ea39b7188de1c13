package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTaskTimeout is returned by Run when the task is still running at the deadline.
var ErrTaskTimeout = errors.New("provider: task did not finish in time")

// RunOptions bounds a synchronous generation.
type RunOptions struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Timeout        time.Duration
}

// Run creates a task and polls it until it finishes. It suits short generations such as
// images where a caller can afford to wait; videos go through the job queue instead.
func Run(ctx context.Context, p TaskProvider, modelID string, input Input, opts RunOptions) (TaskResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	taskID, err := call(ctx, opts.RequestTimeout, func(ctx context.Context) (string, error) {
		return p.CreateTask(ctx, modelID, input)
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("create task: %w", err)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return TaskResult{}, Transient(p.Name(), fmt.Errorf("%w: task %s", ErrTaskTimeout, taskID))
			}
			return TaskResult{}, ctx.Err()
		case <-ticker.C:
		}

		res, err := call(ctx, opts.RequestTimeout, func(ctx context.Context) (TaskResult, error) {
			return p.PollTask(ctx, taskID)
		})
		if err != nil {
			if IsPermanent(err) {
				return TaskResult{}, fmt.Errorf("poll task %s: %w", taskID, err)
			}
			continue
		}
		switch res.State {
		case TaskSuccess:
			return res, nil
		case TaskFailed:
			return res, FailureError(p.Name(), res)
		}
	}
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
