package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/admin"
	"github.com/digkill/NeuroMeter/internal/cost"
	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/memstore"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/provider"
	"github.com/digkill/NeuroMeter/internal/quota"
	"github.com/digkill/NeuroMeter/internal/registry"
	"github.com/digkill/NeuroMeter/internal/service"
)

type fakeChat struct{}

func (fakeChat) Name() string { return "openai" }

func (fakeChat) Chat(_ context.Context, _ provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Text: "hi there", PromptTokens: 10, CompletionTokens: 20}, nil
}

type fakeTasks struct{}

func (fakeTasks) Name() string { return "kie" }

func (fakeTasks) CreateTask(_ context.Context, _ string, _ provider.Input) (string, error) {
	return "task-1", nil
}

func (fakeTasks) PollTask(_ context.Context, _ string) (provider.TaskResult, error) {
	return provider.TaskResult{State: provider.TaskSuccess, ResultURL: "https://cdn/img.png"}, nil
}

type fixture struct {
	store  *memstore.Store
	server *admin.Server
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discard()
	store := memstore.New()
	reg := registry.New(store, log)
	ctx := context.Background()

	one := int64(1)
	for _, mc := range []models.ModelCost{
		{ModelID: "mini", Provider: "openai", CostUnit: models.UnitToken, CostUSDPerUnit: decimal.RequireFromString("0.000001"), TokensPerUnit: 0.1, BaseTokens: 2, IsActive: true},
		{ModelID: "flux", Provider: "kie", CategoryCode: "image", CostUnit: models.UnitRequest, CostUSDPerUnit: decimal.RequireFromString("0.02"), TokensPerUnit: 5, UnlimitedDailyLimit: &one, IsActive: true},
		{ModelID: "veo", Provider: "kie", CategoryCode: "video", CostUnit: models.UnitSecond, CostUSDPerUnit: decimal.RequireFromString("0.05"), TokensPerUnit: 10, IsActive: true},
	} {
		require.NoError(t, store.UpsertModelCost(ctx, &mc))
	}

	guard := quota.New(reg, store, store, log)
	l := ledger.New(store, guard, log)
	svc := admin.Services{
		Users:         service.NewUserService(store),
		Subscriptions: service.NewSubscriptionService(store, store, log),
		Plans:         service.NewPlanService(store),
		Promos:        service.NewPromoService(store, store, log),
		ModelCosts:    service.NewModelCostService(store, reg, log),
		Flags:         service.NewFlagService(store, log),
		Chat:          service.NewChatService(reg, cost.NewCalculator(reg), l, []provider.ChatProvider{fakeChat{}}, log),
		Generation:    service.NewGenerationService(reg, l, []provider.TaskProvider{fakeTasks{}}, nil, provider.RunOptions{PollInterval: time.Millisecond, Timeout: time.Second}, log),
		Videos:        jobs.NewQueue(store, l, reg, log, time.Hour, 3),
		Jobs:          store,
	}
	return &fixture{store: store, server: admin.NewServer(":0", "admin", "secret", log, svc)}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuthAndHealth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/model-costs/", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMeteringFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/users", map[string]any{"telegram_id": 777, "username": "neo"})
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decode[struct {
		ID int64 `json:"id"`
	}](t, rec)

	rec = f.do(t, http.MethodPost, "/api/users", map[string]any{"telegram_id": 777})
	assert.Equal(t, http.StatusOK, rec.Code)

	base := "/api/users/" + itoa(user.ID)
	rec = f.do(t, http.MethodPost, "/admin/users/"+itoa(user.ID)+"/subscriptions", map[string]any{"type": "tokens", "tokens": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/chat", map[string]any{
		"model_id": "mini",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decode[service.ChatReply](t, rec)
	assert.Equal(t, "hi there", reply.Text)
	assert.Equal(t, int64(5), reply.Tokens)

	rec = f.do(t, http.MethodPost, base+"/images", map[string]any{"model_id": "flux", "prompt": "a fox"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	img := decode[service.GenerationResult](t, rec)
	assert.Equal(t, "https://cdn/img.png", img.URL)
	assert.Equal(t, int64(5), img.Tokens)

	rec = f.do(t, http.MethodPost, base+"/videos", map[string]any{"model_id": "veo", "prompt": "waves", "units": 8, "chat_id": 42})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[models.VideoGenerationJob](t, rec)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, int64(80), job.TokensCost)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+itoa(job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[service.Balance](t, rec)
	assert.Equal(t, int64(10), balance.Tokens)

	rec = f.do(t, http.MethodPost, base+"/videos", map[string]any{"model_id": "veo", "prompt": "waves", "units": 8})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	denied := decode[map[string]any](t, rec)
	assert.EqualValues(t, 10, denied["available"])
	assert.EqualValues(t, 80, denied["requested"])

	rec = f.do(t, http.MethodPost, base+"/videos", map[string]any{"model_id": "veo", "prompt": "waves"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/users/"+itoa(user.ID)+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]models.AIRequest](t, rec)
	assert.Len(t, history, 3)
}

func TestUnlimitedQuotaDenial(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/users", map[string]any{"telegram_id": 1})
	user := decode[struct {
		ID int64 `json:"id"`
	}](t, rec)
	rec = f.do(t, http.MethodPost, "/admin/users/"+itoa(user.ID)+"/subscriptions", map[string]any{"type": "unlimited_1day"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	base := "/api/users/" + itoa(user.ID)
	rec = f.do(t, http.MethodPost, base+"/images", map[string]any{"model_id": "flux", "prompt": "a fox"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/images", map[string]any{"model_id": "flux", "prompt": "a fox"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Daily request limit for flux")

	rec = f.do(t, http.MethodPut, "/admin/flags/"+quota.FlagUnlimitedLimitsEnabled, map[string]any{"value": false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/images", map[string]any{"model_id": "flux", "prompt": "a fox"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModelCostAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/admin/model-costs/kling", map[string]any{
		"provider":          "kie",
		"cost_usd_per_unit": "0.07",
		"cost_unit":         "second",
		"tokens_per_unit":   12,
		"unit_multipliers":  map[string]float64{"1080p": 1.5},
		"is_active":         true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/admin/model-costs/kling", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mc := decode[models.ModelCost](t, rec)
	assert.Equal(t, "kling", mc.ModelID)
	assert.Equal(t, 1.5, mc.UnitMultipliers["1080p"])

	rec = f.do(t, http.MethodPut, "/admin/model-costs/bad", map[string]any{"provider": "kie", "cost_unit": "parsec"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/model-costs/kling", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/admin/model-costs/kling", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users/1/chat", map[string]any{
		"model_id": "unknown",
		"messages": []map[string]string{{"role": "user", "content": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlansAndPromos(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/plans/", map[string]any{"title": "Starter", "tokens": 500, "price": "199"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	plan := decode[models.Plan](t, rec)
	assert.Equal(t, "RUB", plan.Currency)

	rec = f.do(t, http.MethodPost, "/admin/promo-codes/", map[string]any{"code": "HELLO", "plan_id": plan.ID, "max_uses": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/users", map[string]any{"telegram_id": 5})
	first := decode[struct {
		ID int64 `json:"id"`
	}](t, rec)
	rec = f.do(t, http.MethodPost, "/api/users", map[string]any{"telegram_id": 6})
	second := decode[struct {
		ID int64 `json:"id"`
	}](t, rec)

	rec = f.do(t, http.MethodPost, "/api/users/"+itoa(first.ID)+"/promo", map[string]any{"code": "HELLO"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/users/"+itoa(first.ID)+"/promo", map[string]any{"code": "HELLO"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/users/"+itoa(second.ID)+"/promo", map[string]any{"code": "HELLO"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/users/"+itoa(second.ID)+"/promo", map[string]any{"code": "NOPE"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/flags/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
