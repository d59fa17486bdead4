package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/api/handler"
	mw "github.com/kiranshivaraju/researchops/internal/api/middleware"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/campaign"
	"github.com/kiranshivaraju/researchops/internal/chainer"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/provider/mock"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	router   http.Handler
	svc      *jobs.Service
	sched    *campaign.Scheduler
	store    *store.MemoryStore
	provider *mock.MockProvider
}

func newFixture(t *testing.T, limits budget.Limits) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	p := mock.NewMockProvider()
	gov := budget.NewGovernor(s, budget.DefaultPricing(), limits)
	svc := jobs.NewService(s, provider.NewRegistry("mock", p), gov, jobs.Options{
		DefaultModels: map[string]string{"mock": "mock-research"},
		Submit:        config.SubmitConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	sched := campaign.NewScheduler(s, svc, gov, chainer.New(0))
	svc.OnTerminal(sched.OnJobTerminal)

	r := chi.NewRouter()
	r.Post("/jobs", handler.NewSubmitJobHandler(svc))
	r.Get("/jobs", handler.NewListJobsHandler(svc))
	r.Get("/jobs/{jobID}", handler.NewGetJobHandler(svc))
	r.Get("/jobs/{jobID}/output", handler.NewJobOutputHandler(svc))
	r.Post("/jobs/{jobID}/cancel", handler.NewCancelJobHandler(svc))
	r.Post("/jobs/{jobID}/retry", handler.NewRetryJobHandler(svc))
	r.Post("/reconcile", handler.NewReconcileHandler(svc))
	r.Post("/campaigns", handler.NewPlanCampaignHandler(sched))
	r.Get("/campaigns/{campaignID}", handler.NewGetCampaignHandler(sched))
	for _, a := range []string{handler.ActionExecute, handler.ActionPause, handler.ActionResume, handler.ActionCancel} {
		r.Post("/campaigns/{campaignID}/"+a, handler.NewCampaignActionHandler(sched, a))
	}
	r.Post("/campaigns/{campaignID}/tasks/{taskID}/override", handler.NewOverrideDependencyHandler(sched))
	r.Post("/budget/estimate", handler.NewEstimateHandler(svc, gov))
	r.Get("/budget", handler.NewBudgetSummaryHandler(gov))
	r.Post("/keys", handler.NewCreateKeyHandler(s))
	r.Get("/keys", handler.NewListKeysHandler(s))
	r.Delete("/keys/{keyID}", handler.NewRevokeKeyHandler(s))

	return &fixture{router: r, svc: svc, sched: sched, store: s, provider: p}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

func data[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func errBody(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func (f *fixture) submit(t *testing.T) models.JobView {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"provider": "mock",
		"prompt":   "Survey sodium-ion cathode suppliers",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return data[models.JobView](t, rec)
}

func (f *fixture) complete(t *testing.T, id uuid.UUID, output string) {
	t.Helper()
	job, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	_, err = f.svc.Apply(context.Background(), job, models.PollResult{
		Status: models.JobStatusCompleted,
		Output: output,
		Usage:  &models.Usage{OutputTokens: 500},
	})
	require.NoError(t, err)
}

// --- jobs ---

func TestSubmitJob(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	view := f.submit(t)

	assert.Equal(t, models.JobStatusSubmitted, view.Status)
	assert.Equal(t, "mock", view.Provider)
	assert.Equal(t, "mock-research", view.Model)
	assert.NotEmpty(t, view.ProviderJobID)
	assert.Greater(t, view.CostEstimate, 0.0)
}

func TestSubmitJob_Validation(t *testing.T) {
	f := newFixture(t, budget.Limits{})

	tests := []struct {
		name string
		body any
		want int
		code string
	}{
		{"missing prompt", map[string]any{"provider": "mock"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"blank prompt", map[string]any{"provider": "mock", "prompt": "  "}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown provider", map[string]any{"provider": "nope", "prompt": "x"}, http.StatusBadRequest, "UNKNOWN_PROVIDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.code, errBody(t, rec).Code)
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_BudgetDenied(t *testing.T) {
	f := newFixture(t, budget.Limits{Job: budget.Ceiling{Hard: 0.0001}})
	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{"provider": "mock", "prompt": "x"})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	e := errBody(t, rec)
	assert.Equal(t, "BUDGET_DENIED", e.Code)
	assert.Contains(t, e.Details, "decision")
}

func TestSubmitJob_ConfirmationRequired(t *testing.T) {
	f := newFixture(t, budget.Limits{Job: budget.Ceiling{Soft: 0.0001}})
	body := map[string]any{"provider": "mock", "prompt": "x"}

	rec := f.do(t, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	e := errBody(t, rec)
	assert.Equal(t, "CONFIRMATION_REQUIRED", e.Code)
	assert.Contains(t, e.Details, "estimate")

	body["approved"] = true
	rec = f.do(t, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitJob_ProviderRejectionReturnsFailedJob(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	f.provider.SubmitFunc = func(context.Context, models.SubmitRequest) (string, error) {
		return "", &provider.SubmissionError{Provider: "mock", Reason: "prompt too long"}
	}

	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{"provider": "mock", "prompt": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := errBody(t, rec)
	assert.Equal(t, "SUBMISSION_REJECTED", e.Code)
	job, ok := e.Details["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusFailed, job["status"])
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	view := f.submit(t)

	rec := f.do(t, http.MethodGet, "/jobs/"+view.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, view.ID, data[models.JobView](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobOutput(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	view := f.submit(t)
	path := "/jobs/" + view.ID.String() + "/output"

	rec := f.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OUTPUT_NOT_READY", errBody(t, rec).Code)

	f.complete(t, view.ID, "Three suppliers dominate.")
	rec = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := data[map[string]any](t, rec)
	assert.Equal(t, "Three suppliers dominate.", out["output"])
}

func TestListJobs_Filters(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	first := f.submit(t)
	f.submit(t)
	f.complete(t, first.ID, "done")

	rec := f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]models.JobView](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	completed := data[[]models.JobView](t, rec)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)

	rec = f.do(t, http.MethodGet, "/jobs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data[[]models.JobView](t, rec), 1)

	for _, q := range []string{"status=bogus", "campaign_id=x", "since=yesterday", "limit=0", "limit=9999",
		"since=2026-01-02T00:00:00Z&until=2026-01-01T00:00:00Z"} {
		rec = f.do(t, http.MethodGet, "/jobs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	view := f.submit(t)
	path := "/jobs/" + view.ID.String() + "/cancel"

	rec := f.do(t, http.MethodPost, path, map[string]any{"reason": "scope changed"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := data[models.JobView](t, rec)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Contains(t, got.FailureReason, "scope changed")

	rec = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	e := errBody(t, rec)
	assert.Equal(t, "ALREADY_FINAL", e.Code)
	assert.Contains(t, e.Details, "job")
}

func TestRetryJob(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	view := f.submit(t)
	path := "/jobs/" + view.ID.String() + "/retry"

	rec := f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_RETRYABLE", errBody(t, rec).Code)

	f.do(t, http.MethodPost, "/jobs/"+view.ID.String()+"/cancel", nil)
	rec = f.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	retried := data[models.JobView](t, rec)
	assert.NotEqual(t, view.ID, retried.ID)
	assert.Equal(t, models.JobStatusSubmitted, retried.Status)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	view := f.submit(t)

	rec := f.do(t, http.MethodPost, "/reconcile", map[string]any{
		"provider":        "mock",
		"provider_job_id": view.ProviderJobID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := data[map[string]any](t, rec)
	assert.Equal(t, false, got["created"])

	rec = f.do(t, http.MethodPost, "/reconcile", map[string]any{"provider": "mock"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- campaigns ---

func planBody() map[string]any {
	return map[string]any{
		"goal":       "Map the sodium-ion supply chain",
		"budget_cap": 50,
		"tasks": []map[string]any{
			{"id": "suppliers", "phase": 1, "prompt_template": "List cathode suppliers"},
			{"id": "risks", "phase": 2, "prompt_template": "Assess risks for {{dep:suppliers}}", "depends_on": []string{"suppliers"}},
		},
	}
}

func TestPlanCampaign_JSON(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	rec := f.do(t, http.MethodPost, "/campaigns", planBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	view := data[models.CampaignView](t, rec)
	assert.Equal(t, models.CampaignStatusPlanned, view.Status)
	assert.Len(t, view.Tasks, 2)
	assert.Equal(t, 2, view.PhaseCount)
}

func TestPlanCampaign_YAML(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	doc := `
goal: Map the sodium-ion supply chain
budget_cap: 50
tasks:
  - id: suppliers
    phase: 1
    prompt: List cathode suppliers
`
	r := httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader(doc))
	r.Header.Set("Content-Type", "application/yaml; charset=utf-8")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, data[models.CampaignView](t, rec).Tasks, 1)

	r = httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader("goal: x\nsurprise: true\n"))
	r.Header.Set("Content-Type", "application/yaml")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_PLAN", errBody(t, rec).Code)
}

func TestPlanCampaign_InvalidPlanListsProblems(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	body := planBody()
	body["budget_cap"] = 0

	rec := f.do(t, http.MethodPost, "/campaigns", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := errBody(t, rec)
	assert.Equal(t, "INVALID_PLAN", e.Code)
	problems, ok := e.Details["problems"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, problems)
}

func TestPlanCampaign_OverBudget(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	body := planBody()
	body["budget_cap"] = 0.000001

	rec := f.do(t, http.MethodPost, "/campaigns", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "OVER_BUDGET", errBody(t, rec).Code)
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	rec := f.do(t, http.MethodPost, "/campaigns", planBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := data[models.CampaignView](t, rec).ID
	base := "/campaigns/" + id.String()

	rec = f.do(t, http.MethodPost, base+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := data[models.CampaignView](t, rec)
	assert.Equal(t, models.CampaignStatusExecuting, view.Status)
	assert.Equal(t, 1, view.CurrentPhase)

	rec = f.do(t, http.MethodPost, base+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", errBody(t, rec).Code)

	rec = f.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.CampaignStatusFailed, data[models.CampaignView](t, rec).Status)

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, tk := range data[models.CampaignView](t, rec).Tasks {
		assert.Equal(t, models.JobStatusCancelled, tk.Status, tk.ID)
	}

	rec = f.do(t, http.MethodGet, "/campaigns/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCampaignExecute_DependencyFailureReturnsFailedCampaign(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	f.provider.SubmitFunc = func(context.Context, models.SubmitRequest) (string, error) {
		return "", &provider.SubmissionError{Provider: "mock", Reason: "unsupported"}
	}
	rec := f.do(t, http.MethodPost, "/campaigns", planBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := data[models.CampaignView](t, rec).ID

	rec = f.do(t, http.MethodPost, "/campaigns/"+id.String()+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := data[models.CampaignView](t, rec)
	assert.Equal(t, models.CampaignStatusFailed, view.Status)
	assert.NotEmpty(t, view.FailureReason)
}

func TestOverrideDependency(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	rec := f.do(t, http.MethodPost, "/campaigns", planBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := data[models.CampaignView](t, rec).ID
	base := "/campaigns/" + id.String() + "/tasks/"

	rec = f.do(t, http.MethodPost, base+"risks/override", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, data[models.Task](t, rec).AllowFailedDeps)

	rec = f.do(t, http.MethodPost, base+"ghost/override", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- budget ---

func TestEstimate(t *testing.T) {
	f := newFixture(t, budget.Limits{Job: budget.Ceiling{Soft: 0.0001}})
	rec := f.do(t, http.MethodPost, "/budget/estimate", map[string]any{"provider": "mock", "prompt": "x"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := data[map[string]any](t, rec)
	assert.Equal(t, "mock-research", got["model"])
	assert.Greater(t, got["estimate"], 0.0)
	decision, ok := got["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(budget.VerdictRequireConfirmation), decision["verdict"])

	all, err := f.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBudgetSummary(t *testing.T) {
	f := newFixture(t, budget.Limits{Day: budget.Ceiling{Hard: 25}})
	f.submit(t)

	rec := f.do(t, http.MethodGet, "/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := data[budget.Summary](t, rec)
	assert.Greater(t, sum.Day, 0.0)
	assert.Equal(t, 25.0, sum.Limits.Day.Hard)
}

// --- keys ---

func TestKeys_CreateListRevoke(t *testing.T) {
	f := newFixture(t, budget.Limits{})

	rec := f.do(t, http.MethodPost, "/keys", map[string]any{"name": "analyst", "scopes": []string{"read", "write"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := data[map[string]any](t, rec)
	raw, _ := created["key"].(string)
	assert.Len(t, raw, 48)
	assert.Equal(t, raw[:mw.KeyPrefixLen], created["key_prefix"])
	assert.NotContains(t, rec.Body.String(), "key_hash")

	rec = f.do(t, http.MethodGet, "/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	keys := data[[]models.APIKey](t, rec)
	require.Len(t, keys, 1)

	rec = f.do(t, http.MethodDelete, "/keys/"+keys[0].ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/keys/"+keys[0].ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeys_CreateValidation(t *testing.T) {
	f := newFixture(t, budget.Limits{})

	rec := f.do(t, http.MethodPost, "/keys", map[string]any{"scopes": []string{"read"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/keys", map[string]any{"name": "x", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/keys", map[string]any{"name": "reader"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []any{"read"}, data[map[string]any](t, rec)["scopes"])
}

func TestRevokeKey_NotSelf(t *testing.T) {
	f := newFixture(t, budget.Limits{})
	self := &models.APIKey{ID: uuid.New(), KeyPrefix: "abcd1234", Scopes: []string{models.ScopeAdmin}}

	r := httptest.NewRequest(http.MethodDelete, "/keys/"+self.ID.String(), nil)
	r = r.WithContext(mw.WithAPIKey(r.Context(), self))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- health ---

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	handler.NewHealthHandler(map[string]handler.Pinger{"database": ok, "cache": ok}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", data[map[string]any](t, rec)["status"])

	rec = httptest.NewRecorder()
	handler.NewHealthHandler(map[string]handler.Pinger{"database": ok, "cache": down}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	e := errBody(t, rec)
	assert.Equal(t, "DEGRADED", e.Code)
	assert.Equal(t, "degraded", e.Details["cache"])
	assert.Equal(t, "ok", e.Details["database"])
}

// --- error mapping ---

type stubJobs struct {
	handler.JobService
	err error
}

func (s stubJobs) Status(context.Context, uuid.UUID) (models.JobView, error) {
	return models.JobView{}, s.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{store.ErrInvalidTransition, http.StatusConflict, "INVALID_STATE"},
		{&provider.ProviderError{Provider: "openai", Op: "poll", StatusCode: 503, Err: provider.ErrProviderUnavailable}, http.StatusBadGateway, "PROVIDER_UNAVAILABLE"},
		{&provider.ConfigurationError{Provider: "openai", Tool: "file_search", Field: "vector_store_ids", Rule: "required"}, http.StatusUnprocessableEntity, "INVALID_CONFIGURATION"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/jobs/{jobID}", handler.NewGetJobHandler(stubJobs{err: tt.err}))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString(), nil))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.code, errBody(t, rec).Code)
		})
	}
}
