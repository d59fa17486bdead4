package budget

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T, limits Limits) (*Governor, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	g := NewGovernor(s, DefaultPricing(), limits)
	fixed := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	return g, s
}

// --- Pricing ---

func TestEstimate_ModelAndTools(t *testing.T) {
	p := DefaultPricing()

	// 4000 chars -> 1000 input tokens at $10/M = $0.01; 20000 output at $40/M = $0.80.
	base := p.Estimate("o3-deep-research", string(make([]byte, 4000)), nil)
	assert.InDelta(t, 0.81, base, 0.0001)

	withSearch := p.Estimate("o3-deep-research", string(make([]byte, 4000)), []models.ToolConfig{{Type: "web_search"}})
	assert.InDelta(t, 0.81+0.20, withSearch, 0.0001)
}

func TestEstimate_EveryProviderToolIsPriced(t *testing.T) {
	p := DefaultPricing()
	for _, name := range []string{"openai", "anthropic"} {
		for _, tool := range provider.SupportedTools(name) {
			_, ok := p.Tools[tool]
			assert.True(t, ok, "%s tool %s has no price", name, tool)
		}
	}

	base := p.Estimate("o3-deep-research", "x", nil)
	preview := p.Estimate("o3-deep-research", "x", []models.ToolConfig{{Type: "web_search_preview"}})
	assert.InDelta(t, base+0.20, preview, 0.0001)
}

func TestEstimate_UnknownToolCostsOneCall(t *testing.T) {
	p := DefaultPricing()
	base := p.Estimate("o3-deep-research", "x", nil)
	got := p.Estimate("o3-deep-research", "x", []models.ToolConfig{{Type: "image_generation"}})
	assert.InDelta(t, base+p.ToolCall, got, 0.0001)
}

func TestEstimate_UnknownModelUsesFallback(t *testing.T) {
	p := DefaultPricing()
	assert.Equal(t, p.Estimate("o3-deep-research", "x", nil), p.Estimate("some-future-model", "x", nil))
}

func TestCostOf(t *testing.T) {
	p := DefaultPricing()
	cost := p.CostOf("o3-deep-research", models.Usage{InputTokens: 100_000, OutputTokens: 10_000, ReasoningTokens: 5000, ToolCalls: 4})
	// 0.1M*10 + 0.01M*40 + 4*0.01
	assert.InDelta(t, 1.0+0.4+0.04, cost, 0.0001)
}

func TestLoadPricingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	doc := `
tool_call = 0.02

[models."o3-deep-research"]
input_per_mtok = 5
output_per_mtok = 20
expected_output_tokens = 10000

[models."house-model"]
input_per_mtok = 1
output_per_mtok = 2
expected_output_tokens = 1000

[tools.web_search]
per_call = 0.02
expected_calls = 5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := LoadPricingFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, p.Models["o3-deep-research"].InputPerMTok)
	assert.Equal(t, 2.0, p.Models["house-model"].OutputPerMTok)
	assert.Contains(t, p.Models, "o4-mini-deep-research", "defaults are kept")
	assert.Equal(t, 0.02, p.ToolCall)
	assert.Equal(t, 5, p.Tools["web_search"].ExpectedCalls)
}

func TestLoadPricingFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPricingFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "negative.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[models.x]\ninput_per_mtok = -1\n"), 0o600))
	_, err = LoadPricingFile(bad)
	assert.ErrorContains(t, err, "negative price")
}

// --- Authorize ---

func TestAuthorize_Scopes(t *testing.T) {
	g, _ := newTestGovernor(t, Limits{
		Job:   Ceiling{Hard: 10, Soft: 2},
		Day:   Ceiling{Hard: 50, Soft: 25},
		Month: Ceiling{Hard: 500, Soft: 250},
	})

	tests := []struct {
		name     string
		estimate float64
		scope    Scope
		totals   models.SpendTotals
		want     Verdict
	}{
		{"job within soft", 1, ScopeJob, models.SpendTotals{}, VerdictAllow},
		{"job over soft", 3, ScopeJob, models.SpendTotals{}, VerdictRequireConfirmation},
		{"job over hard", 11, ScopeJob, models.SpendTotals{}, VerdictDeny},
		{"job ignores day spend", 1, ScopeJob, models.SpendTotals{Day: 1000}, VerdictAllow},
		{"day exactly at hard", 1, ScopeDay, models.SpendTotals{Day: 49}, VerdictAllow},
		{"day over hard", 1.5, ScopeDay, models.SpendTotals{Day: 49}, VerdictDeny},
		{"day over soft", 1, ScopeDay, models.SpendTotals{Day: 25}, VerdictRequireConfirmation},
		{"month over hard", 1, ScopeMonth, models.SpendTotals{Month: 500}, VerdictDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Authorize(tt.estimate, tt.scope, tt.totals)
			assert.Equal(t, tt.want, d.Verdict)
			if tt.want != VerdictAllow {
				assert.Equal(t, tt.scope, d.Scope)
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestAuthorize_ZeroDisablesCeiling(t *testing.T) {
	g, _ := newTestGovernor(t, Limits{})
	d := g.AuthorizeAll(1e6, models.SpendTotals{Day: 1e6, Month: 1e6})
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestAuthorizeAll_DenyWinsOverConfirmation(t *testing.T) {
	g, _ := newTestGovernor(t, Limits{Job: Ceiling{Soft: 1}, Day: Ceiling{Hard: 5}})
	d := g.AuthorizeAll(3, models.SpendTotals{Day: 4})
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, ScopeDay, d.Scope)
}

// --- Reserve ---

func TestReserve_DailyCeilingNeverExceeded(t *testing.T) {
	g, s := newTestGovernor(t, Limits{Day: Ceiling{Hard: 5}})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var denied int
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 1})
			if errors.Is(err, ErrBudgetDenied) {
				mu.Lock()
				denied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, denied)
	totals, err := s.SpendTotals(ctx, g.now(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, totals.Day, 0.0001)
}

func TestReserve_ActualsFreeBudget(t *testing.T) {
	g, _ := newTestGovernor(t, Limits{Day: Ceiling{Hard: 2}})
	ctx := context.Background()

	first := uuid.New()
	_, err := g.Reserve(ctx, ReserveRequest{JobID: first, Estimate: 1.5})
	require.NoError(t, err)

	_, err = g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 1})
	require.ErrorIs(t, err, ErrBudgetDenied)

	require.NoError(t, g.Reconcile(ctx, first, nil, 0.5))

	_, err = g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 1})
	assert.NoError(t, err)
}

func TestReserve_DeniedErrorCarriesDecision(t *testing.T) {
	g, s := newTestGovernor(t, Limits{Job: Ceiling{Hard: 1}})

	_, err := g.Reserve(context.Background(), ReserveRequest{JobID: uuid.New(), Estimate: 2})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ScopeJob, denied.Decision.Scope)
	assert.Contains(t, err.Error(), "job hard ceiling")
	assert.Empty(t, s.SpendRecords(), "a denied reservation writes nothing")
}

func TestReserve_ConfirmationResolution(t *testing.T) {
	ctx := context.Background()
	limits := Limits{Job: Ceiling{Soft: 1}, AutoApproveBelow: 1.5}

	t.Run("unresolved", func(t *testing.T) {
		g, _ := newTestGovernor(t, limits)
		d, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 2})
		var confirm *ConfirmationRequiredError
		require.ErrorAs(t, err, &confirm)
		assert.ErrorIs(t, err, ErrConfirmationRequired)
		assert.Equal(t, VerdictRequireConfirmation, d.Verdict)
	})
	t.Run("approved", func(t *testing.T) {
		g, _ := newTestGovernor(t, limits)
		d, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 2, Approved: true})
		require.NoError(t, err)
		assert.Equal(t, VerdictRequireConfirmation, d.Verdict)
	})
	t.Run("campaign auto approve", func(t *testing.T) {
		g, _ := newTestGovernor(t, limits)
		_, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 2, AutoApprove: true})
		assert.NoError(t, err)
	})
	t.Run("below threshold", func(t *testing.T) {
		g, _ := newTestGovernor(t, limits)
		_, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 1.2})
		assert.NoError(t, err)
	})
}

func TestReserve_CampaignCap(t *testing.T) {
	g, _ := newTestGovernor(t, Limits{})
	ctx := context.Background()
	campaign := uuid.New()

	_, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), CampaignID: &campaign, CampaignCap: 1, Estimate: 0.6})
	require.NoError(t, err)

	d, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), CampaignID: &campaign, CampaignCap: 1, Estimate: 0.6})
	require.ErrorIs(t, err, ErrBudgetDenied)
	assert.Equal(t, ScopeCampaign, d.Scope)

	spent, err := g.CampaignSpend(ctx, campaign)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, spent, 0.0001)
}

func TestSummaryAndPreflight(t *testing.T) {
	g, _ := newTestGovernor(t, LimitsFromConfig(config.BudgetConfig{DayHard: 3, DaySoft: 2}))
	ctx := context.Background()

	_, err := g.Reserve(ctx, ReserveRequest{JobID: uuid.New(), Estimate: 1.5})
	require.NoError(t, err)

	sum, err := g.Summary(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sum.Day, 0.0001)
	assert.InDelta(t, 1.5, sum.Month, 0.0001)
	assert.Equal(t, 3.0, sum.Limits.Day.Hard)

	d, err := g.Preflight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictRequireConfirmation, d.Verdict)

	d, err = g.Preflight(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, d.Verdict)
}
