// Package memstore is an in-memory implementation of every store interface in the module.
// Unit tests of the ledger, quota guard, jobs, services and admin API run against it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/quota"
	"github.com/digkill/NeuroMeter/internal/service"
)

type redemptionKey struct {
	userID  int64
	promoID int64
}

type Store struct {
	mu     sync.Mutex
	nextID int64

	users       map[int64]*models.User
	subs        map[int64]*models.Subscription
	costs       map[string]*models.ModelCost
	requests    map[int64]*models.AIRequest
	debits      map[int64][]models.Debit
	jobs        map[int64]*models.VideoGenerationJob
	settings    map[string]string
	plans       map[int64]*models.Plan
	promos      map[int64]*models.PromoCode
	redemptions map[redemptionKey]time.Time

	userLocks map[int64]*sync.Mutex
	promoMu   sync.Mutex
}

var (
	_ ledger.Store              = (*Store)(nil)
	_ quota.History             = (*Store)(nil)
	_ quota.Flags               = (*Store)(nil)
	_ jobs.Store                = (*Store)(nil)
	_ service.UserStore         = (*Store)(nil)
	_ service.SubscriptionStore = (*Store)(nil)
	_ service.PlanStore         = (*Store)(nil)
	_ service.PromoStore        = (*Store)(nil)
	_ service.ModelCostStore    = (*Store)(nil)
	_ service.SettingsStore     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		users:       make(map[int64]*models.User),
		subs:        make(map[int64]*models.Subscription),
		costs:       make(map[string]*models.ModelCost),
		requests:    make(map[int64]*models.AIRequest),
		debits:      make(map[int64][]models.Debit),
		jobs:        make(map[int64]*models.VideoGenerationJob),
		settings:    make(map[string]string),
		plans:       make(map[int64]*models.Plan),
		promos:      make(map[int64]*models.PromoCode),
		redemptions: make(map[redemptionKey]time.Time),
		userLocks:   make(map[int64]*sync.Mutex),
	}
}

// id must be called with mu held.
func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// undoLog collects inverse operations so a failed transaction leaves no writes behind.
type undoLog struct {
	s    *Store
	undo []func()
}

func (u *undoLog) push(fn func()) {
	u.undo = append(u.undo, fn)
}

func (u *undoLog) rollback() {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

// Users.

func (s *Store) EnsureUser(_ context.Context, u *models.User) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.TelegramID == u.TelegramID {
			existing.Username, existing.FirstName, existing.LastName = u.Username, u.FirstName, u.LastName
			existing.UpdatedAt = time.Now()
			c := *existing
			return &c, false, nil
		}
	}
	c := *u
	c.ID = s.id()
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	s.users[c.ID] = &c
	out := c
	return &out, true, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (s *Store) GetUserByTelegramID(_ context.Context, telegramID int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TelegramID == telegramID {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

// Subscriptions.

func (s *Store) CreateSubscription(_ context.Context, sub *models.Subscription) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSubscriptionLocked(sub), nil
}

func (s *Store) createSubscriptionLocked(sub *models.Subscription) int64 {
	c := *sub
	c.ID = s.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.subs[c.ID] = &c
	return c.ID
}

func (s *Store) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, nil
	}
	c := *sub
	return &c, nil
}

func (s *Store) ListSubscriptions(_ context.Context, userID int64) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeactivateSubscription(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || !sub.IsActive {
		return false, nil
	}
	sub.IsActive = false
	return true, nil
}

// Ledger.

func (s *Store) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *Store) InUserTx(ctx context.Context, userID int64, fn func(ctx context.Context, tx ledger.Tx) error) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tx := &ledgerTx{undoLog{s: s}}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type ledgerTx struct {
	undoLog
}

func (t *ledgerTx) UsableSubscriptions(_ context.Context, userID int64, now time.Time) ([]models.Subscription, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range t.s.subs {
		if sub.UserID == userID && sub.Usable(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *ledgerTx) AdjustTokensUsed(_ context.Context, subscriptionID, delta int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	sub, ok := t.s.subs[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %d not found", subscriptionID)
	}
	prev := sub.TokensUsed
	sub.TokensUsed = max(prev+delta, 0)
	t.push(func() { sub.TokensUsed = prev })
	return nil
}

func (t *ledgerTx) CreateAIRequest(_ context.Context, req *models.AIRequest) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := *req
	c.ID = t.s.id()
	t.s.requests[c.ID] = &c
	t.push(func() { delete(t.s.requests, c.ID) })
	return c.ID, nil
}

func (t *ledgerTx) AddDebits(_ context.Context, debits []models.Debit) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, d := range debits {
		id := d.AIRequestID
		prev := len(t.s.debits[id])
		t.s.debits[id] = append(t.s.debits[id], d)
		t.push(func() { t.s.debits[id] = t.s.debits[id][:prev] })
	}
	return nil
}

func (t *ledgerTx) Debits(_ context.Context, aiRequestID int64) ([]models.Debit, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return append([]models.Debit(nil), t.s.debits[aiRequestID]...), nil
}

func (t *ledgerTx) MarkRefunded(_ context.Context, aiRequestID int64, at time.Time) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	req, ok := t.s.requests[aiRequestID]
	if !ok || req.RefundedAt != nil {
		return false, nil
	}
	ts := at
	req.RefundedAt = &ts
	t.push(func() { req.RefundedAt = nil })
	return true, nil
}

func (t *ledgerTx) SetAIRequestStatus(_ context.Context, aiRequestID int64, status models.RequestStatus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	req, ok := t.s.requests[aiRequestID]
	if !ok {
		return fmt.Errorf("ai request %d not found", aiRequestID)
	}
	prev := req.Status
	req.Status = status
	t.push(func() { req.Status = prev })
	return nil
}

func (s *Store) GetAIRequest(_ context.Context, id int64) (*models.AIRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	c := *req
	return &c, nil
}

func (s *Store) FinalizeAIRequest(_ context.Context, id int64, status models.RequestStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != models.RequestPending {
		return false, nil
	}
	req.Status = status
	return true, nil
}

// ListAIRequests returns a user's requests, newest first.
func (s *Store) ListAIRequests(_ context.Context, userID int64, limit int) ([]models.AIRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AIRequest
	for _, r := range s.requests {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Quota history.

func (s *Store) UnlimitedUsage(_ context.Context, userID, subscriptionID int64, modelID string, from, to time.Time) (quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u quota.Usage
	for _, r := range s.requests {
		if r.UserID != userID || r.AIModel != modelID || !countsTowardQuota(r) {
			continue
		}
		if r.SubscriptionID == nil || *r.SubscriptionID != subscriptionID {
			continue
		}
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		u.Count++
		u.Tokens += r.TokensCost
	}
	return u, nil
}

func countsTowardQuota(r *models.AIRequest) bool {
	switch r.Status {
	case models.RequestCompleted:
		return true
	case models.RequestPending:
		return r.RefundedAt == nil
	}
	return false
}

// Settings.

func (s *Store) Bool(_ context.Context, key string, def bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, nil
	}
	return b, nil
}

func (s *Store) SetBool(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = strconv.FormatBool(value)
	return nil
}

// Model costs.

func (s *Store) GetModelCost(_ context.Context, modelID string) (*models.ModelCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.costs[modelID]
	if !ok {
		return nil, nil
	}
	c := *mc
	return &c, nil
}

func (s *Store) UpsertModelCost(_ context.Context, cost *models.ModelCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cost
	c.UpdatedAt = time.Now()
	s.costs[c.ModelID] = &c
	return nil
}

func (s *Store) ListModelCosts(_ context.Context) ([]models.ModelCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ModelCost, 0, len(s.costs))
	for _, mc := range s.costs {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *Store) DeleteModelCost(_ context.Context, modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.costs[modelID]; !ok {
		return false, nil
	}
	delete(s.costs, modelID)
	return true, nil
}

// Plans.

func (s *Store) CreatePlan(_ context.Context, plan *models.Plan) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *plan
	c.ID = s.id()
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	s.plans[c.ID] = &c
	return c.ID, nil
}

func (s *Store) UpdatePlan(_ context.Context, plan *models.Plan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.plans[plan.ID]
	if !ok {
		return false, nil
	}
	c := *plan
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	s.plans[c.ID] = &c
	return true, nil
}

func (s *Store) DeletePlan(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return false, nil
	}
	delete(s.plans, id)
	return true, nil
}

func (s *Store) GetPlan(_ context.Context, id int64) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPlanLocked(id), nil
}

func (s *Store) getPlanLocked(id int64) *models.Plan {
	p, ok := s.plans[id]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (s *Store) ListPlans(_ context.Context, activeOnly bool) ([]models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Plan
	for _, p := range s.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Promo codes.

func (s *Store) CreatePromo(_ context.Context, p *models.PromoCode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.promos {
		if strings.EqualFold(existing.Code, p.Code) {
			return 0, fmt.Errorf("promo code %q already exists", p.Code)
		}
	}
	c := *p
	c.ID = s.id()
	c.CreatedAt = time.Now()
	s.promos[c.ID] = &c
	return c.ID, nil
}

func (s *Store) ListPromos(_ context.Context) ([]models.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PromoCode, 0, len(s.promos))
	for _, p := range s.promos {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeletePromo(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.promos[id]; !ok {
		return false, nil
	}
	delete(s.promos, id)
	return true, nil
}

func (s *Store) InPromoTx(ctx context.Context, fn func(ctx context.Context, tx service.PromoTx) error) error {
	s.promoMu.Lock()
	defer s.promoMu.Unlock()

	tx := &promoTx{undoLog{s: s}}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type promoTx struct {
	undoLog
}

func (t *promoTx) LockPromo(_ context.Context, code string) (*models.PromoCode, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, p := range t.s.promos {
		if strings.EqualFold(p.Code, code) {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (t *promoTx) HasRedeemed(_ context.Context, userID, promoID int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.redemptions[redemptionKey{userID, promoID}]
	return ok, nil
}

func (t *promoTx) RecordRedemption(_ context.Context, userID, promoID int64, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := redemptionKey{userID, promoID}
	t.s.redemptions[key] = at
	t.push(func() { delete(t.s.redemptions, key) })
	return nil
}

func (t *promoTx) IncrementPromoUses(_ context.Context, promoID int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.promos[promoID]
	if !ok {
		return fmt.Errorf("promo %d not found", promoID)
	}
	p.Uses++
	t.push(func() { p.Uses-- })
	return nil
}

func (t *promoTx) GetPlan(_ context.Context, id int64) (*models.Plan, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.getPlanLocked(id), nil
}

func (t *promoTx) CreateSubscription(_ context.Context, sub *models.Subscription) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id := t.s.createSubscriptionLocked(sub)
	t.push(func() { delete(t.s.subs, id) })
	return id, nil
}

// Jobs.

func (s *Store) CreateJob(_ context.Context, job *models.VideoGenerationJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *job
	c.ID = s.id()
	s.jobs[c.ID] = &c
	return c.ID, nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*models.VideoGenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func claimable(j *models.VideoGenerationJob, c jobs.ClaimCriteria) bool {
	if !j.ExpiresAt.After(c.Now) {
		return false
	}
	switch j.Status {
	case models.JobPending:
		return true
	case models.JobTimeoutWaiting:
		return !c.RepollBefore.IsZero() && !j.UpdatedAt.After(c.RepollBefore)
	case models.JobProcessing:
		return !c.StaleBefore.IsZero() && j.StartedProcessingAt != nil && !j.StartedProcessingAt.After(c.StaleBefore)
	}
	return false
}

func (s *Store) ClaimJob(_ context.Context, c jobs.ClaimCriteria) (*models.VideoGenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked *models.VideoGenerationJob
	for _, j := range s.jobs {
		if !claimable(j, c) {
			continue
		}
		if picked == nil || j.UpdatedAt.Before(picked.UpdatedAt) || (j.UpdatedAt.Equal(picked.UpdatedAt) && j.ID < picked.ID) {
			picked = j
		}
	}
	if picked == nil {
		return nil, nil
	}

	started := c.Now
	picked.Status = models.JobProcessing
	picked.StartedProcessingAt = &started
	picked.AttemptCount++
	picked.UpdatedAt = c.Now
	out := *picked
	return &out, nil
}

// transition applies fn when the job is processing under the given attempt.
func (s *Store) transition(id int64, attempt int, fn func(j *models.VideoGenerationJob)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobProcessing || j.AttemptCount != attempt {
		return false
	}
	fn(j)
	return true
}

func (s *Store) SetTaskID(_ context.Context, id int64, attempt int, taskID string, at time.Time) (bool, error) {
	return s.transition(id, attempt, func(j *models.VideoGenerationJob) {
		j.TaskID = taskID
		j.UpdatedAt = at
	}), nil
}

func (s *Store) RequeueJob(_ context.Context, id int64, attempt int, errMsg string, at time.Time) (bool, error) {
	return s.transition(id, attempt, func(j *models.VideoGenerationJob) {
		j.Status = models.JobPending
		j.ErrorMessage = errMsg
		j.UpdatedAt = at
	}), nil
}

func (s *Store) ParkJob(_ context.Context, id int64, attempt int, at time.Time) (bool, error) {
	return s.transition(id, attempt, func(j *models.VideoGenerationJob) {
		j.Status = models.JobTimeoutWaiting
		j.UpdatedAt = at
	}), nil
}

func (s *Store) CompleteJob(_ context.Context, id int64, attempt int, videoPath string, at time.Time) (bool, error) {
	return s.transition(id, attempt, func(j *models.VideoGenerationJob) {
		done := at
		j.Status = models.JobCompleted
		j.VideoPath = videoPath
		j.ErrorMessage = ""
		j.CompletedAt = &done
		j.UpdatedAt = at
	}), nil
}

func (s *Store) FailJob(_ context.Context, id int64, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	done := at
	j.Status = models.JobFailed
	j.ErrorMessage = errMsg
	j.CompletedAt = &done
	j.UpdatedAt = at
	return true, nil
}

func (s *Store) ListExpiredJobs(_ context.Context, now time.Time, limit int) ([]models.VideoGenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VideoGenerationJob
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() && j.ExpiresAt.Before(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnrefundedJobs(_ context.Context, limit int) ([]models.VideoGenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VideoGenerationJob
	for _, j := range s.jobs {
		if s.unrefunded(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.ExpiresAt.Before(before) && !s.unrefunded(j) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// unrefunded reports a failed job whose request is still pending. Callers hold s.mu.
func (s *Store) unrefunded(j *models.VideoGenerationJob) bool {
	if j.Status != models.JobFailed || j.AIRequestID == nil {
		return false
	}
	req, ok := s.requests[*j.AIRequestID]
	return ok && req.Status == models.RequestPending && req.RefundedAt == nil
}
