package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/api"
	"github.com/kiranshivaraju/researchops/internal/api/handler"
	mw "github.com/kiranshivaraju/researchops/internal/api/middleware"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/cache"
	"github.com/kiranshivaraju/researchops/internal/campaign"
	"github.com/kiranshivaraju/researchops/internal/chainer"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/poller"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/provider/mock"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	readKey  = "read0001-contract-key-000000000000"
	writeKey = "writ0001-contract-key-000000000000"
	adminKey = "admn0001-contract-key-000000000000"
)

type server struct {
	handler http.Handler
	poller  *poller.Poller
}

func seedKey(t *testing.T, s *store.MemoryStore, raw string, scopes ...string) {
	t.Helper()
	key, err := mw.NewAPIKey(raw[:4], raw, scopes)
	require.NoError(t, err)
	require.NoError(t, s.CreateAPIKey(context.Background(), key))
}

func newServer(t *testing.T, ratePerMin int) *server {
	t.Helper()
	s := store.NewMemoryStore()
	seedKey(t, s, readKey, models.ScopeRead)
	seedKey(t, s, writeKey, models.ScopeRead, models.ScopeWrite)
	seedKey(t, s, adminKey, models.ScopeAdmin)

	c := cache.NewMemoryCache()
	registry := provider.NewRegistry("mock", mock.NewMockProvider())
	gov := budget.NewGovernor(s, budget.DefaultPricing(), budget.Limits{})
	svc := jobs.NewService(s, registry, gov, jobs.Options{
		Views:         cache.NewJobViews(c, time.Minute),
		DefaultModels: map[string]string{"mock": "mock-research"},
		Submit:        config.SubmitConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	sched := campaign.NewScheduler(s, svc, gov, chainer.New(0))
	svc.OnTerminal(sched.OnJobTerminal)
	auth := mw.NewAuth(s)

	h := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(c, ratePerMin),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{"database": s, "cache": c}),

		SubmitJob: handler.NewSubmitJobHandler(svc),
		ListJobs:  handler.NewListJobsHandler(svc),
		GetJob:    handler.NewGetJobHandler(svc),
		JobOutput: handler.NewJobOutputHandler(svc),
		CancelJob: handler.NewCancelJobHandler(svc),
		RetryJob:  handler.NewRetryJobHandler(svc),

		PlanCampaign:       handler.NewPlanCampaignHandler(sched),
		GetCampaign:        handler.NewGetCampaignHandler(sched),
		ExecuteCampaign:    handler.NewCampaignActionHandler(sched, handler.ActionExecute),
		PauseCampaign:      handler.NewCampaignActionHandler(sched, handler.ActionPause),
		ResumeCampaign:     handler.NewCampaignActionHandler(sched, handler.ActionResume),
		CancelCampaign:     handler.NewCampaignActionHandler(sched, handler.ActionCancel),
		OverrideDependency: handler.NewOverrideDependencyHandler(sched),

		EstimateHandler: handler.NewEstimateHandler(svc, gov),
		BudgetSummary:   handler.NewBudgetSummaryHandler(gov),

		ReconcileHandler: handler.NewReconcileHandler(svc),
		CreateKeyHandler: handler.NewCreateKeyHandler(s),
		ListKeysHandler:  handler.NewListKeysHandler(s),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(s),
	})

	p := poller.New(s, registry, svc, config.PollerConfig{Workers: 2, MaxWait: time.Hour, MaxPollErrors: 3})
	return &server{handler: h, poller: p}
}

func (srv *server) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	srv := newServer(t, 100)
	rec := srv.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	srv := newServer(t, 100)
	id := uuid.NewString()

	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs/" + id},
		{http.MethodGet, "/api/v1/jobs/" + id + "/output"},
		{http.MethodPost, "/api/v1/jobs/" + id + "/cancel"},
		{http.MethodPost, "/api/v1/jobs/" + id + "/retry"},
		{http.MethodPost, "/api/v1/campaigns"},
		{http.MethodGet, "/api/v1/campaigns/" + id},
		{http.MethodPost, "/api/v1/campaigns/" + id + "/execute"},
		{http.MethodPost, "/api/v1/campaigns/" + id + "/tasks/a/override"},
		{http.MethodGet, "/api/v1/budget"},
		{http.MethodPost, "/api/v1/budget/estimate"},
		{http.MethodPost, "/api/v1/admin/reconcile"},
		{http.MethodGet, "/api/v1/admin/keys"},
		{http.MethodDelete, "/api/v1/admin/keys/" + id},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := srv.do(t, rt.method, rt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "INVALID_TOKEN", errCode(t, rec))
		})
	}
}

func TestRouter_ScopesEnforced(t *testing.T) {
	srv := newServer(t, 100)
	job := map[string]any{"provider": "mock", "prompt": "Survey heat pump installers"}

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"read key lists jobs", http.MethodGet, "/api/v1/jobs", readKey, nil, http.StatusOK},
		{"read key cannot submit", http.MethodPost, "/api/v1/jobs", readKey, job, http.StatusForbidden},
		{"write key submits", http.MethodPost, "/api/v1/jobs", writeKey, job, http.StatusAccepted},
		{"write key cannot list keys", http.MethodGet, "/api/v1/admin/keys", writeKey, nil, http.StatusForbidden},
		{"admin key lists keys", http.MethodGet, "/api/v1/admin/keys", adminKey, nil, http.StatusOK},
		{"admin key submits", http.MethodPost, "/api/v1/jobs", adminKey, job, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, tt.method, tt.path, tt.key, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_JobLifecycle(t *testing.T) {
	srv := newServer(t, 100)
	ctx := context.Background()

	rec := srv.do(t, http.MethodPost, "/api/v1/jobs", writeKey, map[string]any{
		"provider": "mock",
		"prompt":   "Survey heat pump installers",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[models.JobView](t, rec)

	for i := 0; i < 2; i++ {
		_, err := srv.poller.PollOnce(ctx)
		require.NoError(t, err)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String(), readKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[models.JobView](t, rec)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.NotEmpty(t, view.OutputRef)
	assert.Greater(t, view.CostSoFar, 0.0)

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/output", readKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Contains(t, out["output"], "Survey heat pump installers")

	rec = srv.do(t, http.MethodGet, "/api/v1/budget", readKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, view.CostSoFar, decode[budget.Summary](t, rec).Day, 1e-9)
}

func TestRouter_CampaignYAMLPlan(t *testing.T) {
	srv := newServer(t, 100)
	doc := `
goal: Compare residential battery vendors
budget_cap: 20
tasks:
  - id: vendors
    phase: 1
    prompt: List residential battery vendors
  - id: pricing
    phase: 2
    prompt: "Compare pricing for {{dep:vendors}}"
    depends_on: [vendors]
`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", bytes.NewBufferString(doc))
	r.Header.Set("Content-Type", "application/yaml")
	r.Header.Set("Authorization", "Bearer "+writeKey)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[models.CampaignView](t, rec).ID

	rec = srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id.String()+"/execute", writeKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := srv.poller.PollOnce(ctx)
		require.NoError(t, err)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id.String(), readKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[models.CampaignView](t, rec)
	assert.Equal(t, models.CampaignStatusCompleted, view.Status)
	assert.Greater(t, view.Spent, 0.0)
}

func TestRouter_RateLimit(t *testing.T) {
	srv := newServer(t, 2)
	for i := 0; i < 2; i++ {
		rec := srv.do(t, http.MethodGet, "/api/v1/jobs", readKey, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := srv.do(t, http.MethodGet, "/api/v1/jobs", readKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs", writeKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_NotFound(t *testing.T) {
	srv := newServer(t, 100)
	rec := srv.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, rec))
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	s := store.NewMemoryStore()
	seedKey(t, s, readKey, models.ScopeRead)
	h := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 100),
	})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	r.Header.Set("Authorization", "Bearer "+readKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
