// Package quota enforces per-model daily caps for unlimited subscriptions.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

// FlagUnlimitedLimitsEnabled toggles enforcement globally. Absent means enabled.
const FlagUnlimitedLimitsEnabled = "unlimited_limits_enabled"

var ErrQuotaExceeded = errors.New("quota: unlimited plan limit reached")

// LimitKind names the cap that denied a request.
type LimitKind string

const (
	LimitRequests LimitKind = "requests"
	LimitTokens   LimitKind = "tokens"
)

// ExceededError describes a denial.
type ExceededError struct {
	ModelID string
	Kind    LimitKind
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s %d/%d, resets at %s",
		e.ModelID, e.Kind, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Message is the user-facing explanation, with the reset time in the window's zone.
func (e *ExceededError) Message() string {
	reset := e.ResetAt.Format("15:04 02.01.2006 UTC-07:00")
	switch e.Kind {
	case LimitTokens:
		return fmt.Sprintf("Daily token budget for %s is used up (%d of %d tokens). The limit resets at %s.",
			e.ModelID, e.Used, e.Limit, reset)
	default:
		return fmt.Sprintf("Daily request limit for %s is reached (%d of %d requests). The limit resets at %s.",
			e.ModelID, e.Used, e.Limit, reset)
	}
}

// Usage is the booked unlimited activity of one user, subscription and model inside a window:
// completed requests plus pending ones that were not refunded.
type Usage struct {
	Count  int64
	Tokens int64
}

// History is the read-only view of booked AI requests.
type History interface {
	UnlimitedUsage(ctx context.Context, userID, subscriptionID int64, modelID string, from, to time.Time) (Usage, error)
}

// Flags reads boolean feature flags.
type Flags interface {
	Bool(ctx context.Context, key string, def bool) (bool, error)
}

// Limits resolves a model's configuration. The bool is false when no active row exists.
type Limits interface {
	Lookup(ctx context.Context, modelID string) (*models.ModelCost, bool, error)
}

type Guard struct {
	limits Limits
	usage  History
	flags  Flags
	log    *slog.Logger

	zone      *time.Location
	resetHour int
	now       func() time.Time
}

// Option configures Guard.
type Option func(*Guard)

// WithWindow sets the civil UTC offset and the hour at which the window rolls over.
func WithWindow(offsetHours, resetHour int) Option {
	return func(g *Guard) {
		g.zone = time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600)
		g.resetHour = resetHour
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(limits Limits, usage History, flags Flags, log *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		limits: limits,
		usage:  usage,
		flags:  flags,
		log:    log,
		now:    time.Now,
	}
	WithWindow(3, 21)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns [start, end) of the quota window containing t.
func (g *Guard) Window(t time.Time) (time.Time, time.Time) {
	local := t.In(g.zone)
	start := time.Date(local.Year(), local.Month(), local.Day(), g.resetHour, 0, 0, 0, g.zone)
	if local.Hour() < g.resetHour {
		start = start.AddDate(0, 0, -1)
	}
	return start, start.AddDate(0, 0, 1)
}

// CheckUnlimited decides whether an unlimited subscription may run modelID for tokenCost.
// It returns nil when allowed and an *ExceededError when denied.
func (g *Guard) CheckUnlimited(ctx context.Context, userID int64, sub *models.Subscription, modelID string, tokenCost int64) error {
	if sub == nil || !sub.Type.IsUnlimited() {
		return nil
	}

	enabled, err := g.flags.Bool(ctx, FlagUnlimitedLimitsEnabled, true)
	if err != nil {
		return fmt.Errorf("read %s: %w", FlagUnlimitedLimitsEnabled, err)
	}
	if !enabled {
		return nil
	}

	mc, ok, err := g.limits.Lookup(ctx, modelID)
	if err != nil {
		return err
	}
	if !ok || (mc.UnlimitedDailyLimit == nil && mc.UnlimitedBudgetTokens == nil) {
		return nil
	}

	from, to := g.Window(g.now())
	used, err := g.usage.UnlimitedUsage(ctx, userID, sub.ID, modelID, from, to)
	if err != nil {
		return fmt.Errorf("load unlimited usage: %w", err)
	}

	if limit := mc.UnlimitedDailyLimit; limit != nil && used.Count >= *limit {
		return g.deny(userID, &ExceededError{ModelID: modelID, Kind: LimitRequests, Used: used.Count, Limit: *limit, ResetAt: to})
	}
	if budget := mc.UnlimitedBudgetTokens; budget != nil && used.Tokens+tokenCost > *budget {
		return g.deny(userID, &ExceededError{ModelID: modelID, Kind: LimitTokens, Used: used.Tokens, Limit: *budget, ResetAt: to})
	}
	return nil
}

func (g *Guard) deny(userID int64, e *ExceededError) error {
	g.log.Info("unlimited quota denied",
		"user_id", userID,
		"model", e.ModelID,
		"kind", e.Kind,
		"used", e.Used,
		"limit", e.Limit,
	)
	return e
}
