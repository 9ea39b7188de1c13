// Package registry caches model cost configuration in process memory.
//
// The cache is read-through: a miss loads the row from the Source and remembers the result,
// including the absence of a row. Entries live until Invalidate is called (admin writes) or
// the optional TTL elapses.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

// ErrConfigMissing is returned when a model has no active cost configuration.
var ErrConfigMissing = errors.New("registry: model cost config missing")

// Source loads model costs from the system of record. It returns (nil, nil) when the model is unknown.
type Source interface {
	GetModelCost(ctx context.Context, modelID string) (*models.ModelCost, error)
}

// Broadcaster fans out invalidations to other processes.
type Broadcaster interface {
	Publish(ctx context.Context, modelID string) error
}

type entry struct {
	cost      *models.ModelCost
	fetchedAt time.Time
}

type Registry struct {
	src         Source
	log         *slog.Logger
	ttl         time.Duration
	broadcaster Broadcaster
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// Option configures Registry.
type Option func(*Registry)

// WithTTL bounds how long an entry is trusted. Zero keeps entries until invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithBroadcaster publishes every invalidation to other processes.
func WithBroadcaster(b Broadcaster) Option {
	return func(r *Registry) { r.broadcaster = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(src Source, log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		src:     src,
		log:     log,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the active configuration for modelID or ErrConfigMissing.
func (r *Registry) Get(ctx context.Context, modelID string) (*models.ModelCost, error) {
	cost, ok, err := r.Lookup(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.log.Warn("model cost config missing", "model", modelID)
		return nil, fmt.Errorf("%w: %s", ErrConfigMissing, modelID)
	}
	return cost, nil
}

// Lookup is Get without the error for unknown or inactive models.
func (r *Registry) Lookup(ctx context.Context, modelID string) (*models.ModelCost, bool, error) {
	if e, ok := r.cached(modelID); ok {
		return activeCopy(e.cost)
	}

	cost, err := r.src.GetModelCost(ctx, modelID)
	if err != nil {
		return nil, false, fmt.Errorf("load model cost %s: %w", modelID, err)
	}

	r.mu.Lock()
	r.entries[modelID] = entry{cost: cost, fetchedAt: r.now()}
	r.mu.Unlock()

	return activeCopy(cost)
}

// Invalidate drops modelID locally and tells other processes to do the same.
func (r *Registry) Invalidate(ctx context.Context, modelID string) {
	r.Forget(modelID)
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Publish(ctx, modelID); err != nil {
		r.log.Error("publish cost invalidation", "model", modelID, "err", err)
	}
}

// Forget drops modelID from this process only.
func (r *Registry) Forget(modelID string) {
	r.mu.Lock()
	delete(r.entries, modelID)
	r.mu.Unlock()
}

// ForgetAll empties the local cache.
func (r *Registry) ForgetAll() {
	r.mu.Lock()
	r.entries = make(map[string]entry)
	r.mu.Unlock()
}

func (r *Registry) cached(modelID string) (entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if !ok {
		return entry{}, false
	}
	if r.ttl > 0 && r.now().Sub(e.fetchedAt) >= r.ttl {
		return entry{}, false
	}
	return e, true
}

func activeCopy(cost *models.ModelCost) (*models.ModelCost, bool, error) {
	if cost == nil || !cost.IsActive {
		return nil, false, nil
	}
	c := *cost
	return &c, true, nil
}
