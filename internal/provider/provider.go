// Package provider defines the uniform capability every remote AI backend exposes to the
// job worker and the billing services.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrTransient = errors.New("provider: transient error")
	ErrPermanent = errors.New("provider: permanent error")
)

type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskFailed  TaskState = "failed"
)

// Input is the provider-agnostic description of a generation.
type Input struct {
	Prompt string
	Params map[string]any
}

// TaskResult is the outcome of a single poll.
type TaskResult struct {
	State        TaskState
	ResultURL    string
	ErrorMessage string
	// Retryable is only meaningful for TaskFailed.
	Retryable bool
}

// TaskProvider runs long generations as remote tasks.
type TaskProvider interface {
	Name() string
	CreateTask(ctx context.Context, modelID string, input Input) (string, error)
	PollTask(ctx context.Context, taskID string) (TaskResult, error)
}

// Error wraps a provider failure with its retry classification.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e.Retryable {
		return target == ErrTransient
	}
	return target == ErrPermanent
}

// Transient marks err as worth retrying.
func Transient(providerName string, err error) error {
	return &Error{Provider: providerName, Retryable: true, Err: err}
}

// Permanent marks err as final: retrying cannot succeed.
func Permanent(providerName string, err error) error {
	return &Error{Provider: providerName, Retryable: false, Err: err}
}

// IsPermanent reports whether err was classified as non-retryable. Unclassified errors
// (timeouts, connection resets) are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// FailureError converts a failed poll result into a classified error.
func FailureError(providerName string, res TaskResult) error {
	msg := res.ErrorMessage
	if msg == "" {
		msg = "task failed"
	}
	if res.Retryable {
		return Transient(providerName, errors.New(msg))
	}
	return Permanent(providerName, errors.New(msg))
}
