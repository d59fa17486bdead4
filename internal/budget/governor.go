// Package budget estimates job costs and enforces spend ceilings at job,
// day, month and campaign scope against the spend ledger.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

var ErrBudgetDenied = errors.New("budget denied")
var ErrConfirmationRequired = errors.New("budget confirmation required")

type Verdict string

const (
	VerdictAllow               Verdict = "allow"
	VerdictDeny                Verdict = "deny"
	VerdictRequireConfirmation Verdict = "require_confirmation"
)

type Scope string

const (
	ScopeJob      Scope = "job"
	ScopeDay      Scope = "day"
	ScopeMonth    Scope = "month"
	ScopeCampaign Scope = "campaign"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Scope   Scope   `json:"scope,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// DeniedError is returned when a hard ceiling stops a reservation.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("budget denied: %s", e.Decision.Reason)
}

func (e *DeniedError) Is(target error) bool { return target == ErrBudgetDenied }

// ConfirmationRequiredError is returned when a soft ceiling is crossed and
// nothing approved the spend in advance.
type ConfirmationRequiredError struct {
	Decision Decision
	Estimate float64
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("budget confirmation required: %s", e.Decision.Reason)
}

func (e *ConfirmationRequiredError) Is(target error) bool { return target == ErrConfirmationRequired }

// Ceiling is a hard and soft limit pair. Zero disables either limit.
type Ceiling struct {
	Hard float64 `json:"hard"`
	Soft float64 `json:"soft"`
}

type Limits struct {
	Job              Ceiling `json:"job"`
	Day              Ceiling `json:"day"`
	Month            Ceiling `json:"month"`
	AutoApproveBelow float64 `json:"auto_approve_below"`
}

func LimitsFromConfig(cfg config.BudgetConfig) Limits {
	return Limits{
		Job:              Ceiling{Hard: cfg.JobHard, Soft: cfg.JobSoft},
		Day:              Ceiling{Hard: cfg.DayHard, Soft: cfg.DaySoft},
		Month:            Ceiling{Hard: cfg.MonthHard, Soft: cfg.MonthSoft},
		AutoApproveBelow: cfg.AutoApproveBelow,
	}
}

// Governor authorizes spend before submission and records it in the ledger.
type Governor struct {
	store   store.Store
	pricing *Pricing
	limits  Limits
	now     func() time.Time
}

func NewGovernor(s store.Store, pricing *Pricing, limits Limits) *Governor {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Governor{store: s, pricing: pricing, limits: limits, now: time.Now}
}

func (g *Governor) Limits() Limits { return g.limits }

func (g *Governor) Estimate(model, prompt string, tools []models.ToolConfig) float64 {
	return g.pricing.Estimate(model, prompt, tools)
}

func (g *Governor) CostOf(model string, u models.Usage) float64 {
	return g.pricing.CostOf(model, u)
}

func (g *Governor) ceiling(scope Scope) Ceiling {
	switch scope {
	case ScopeJob:
		return g.limits.Job
	case ScopeDay:
		return g.limits.Day
	case ScopeMonth:
		return g.limits.Month
	}
	return Ceiling{}
}

// Authorize evaluates one scope. Spent is the effective spend already
// recorded for that scope; the job scope ignores it.
func (g *Governor) Authorize(estimate float64, scope Scope, totals models.SpendTotals) Decision {
	c := g.ceiling(scope)
	var spent float64
	switch scope {
	case ScopeDay:
		spent = totals.Day
	case ScopeMonth:
		spent = totals.Month
	}
	projected := spent + estimate

	if c.Hard > 0 && projected > c.Hard+epsilon {
		return Decision{
			Verdict: VerdictDeny,
			Scope:   scope,
			Reason:  fmt.Sprintf("%s hard ceiling $%.2f exceeded (spent $%.4f + estimate $%.4f)", scope, c.Hard, spent, estimate),
		}
	}
	if c.Soft > 0 && projected > c.Soft+epsilon {
		return Decision{
			Verdict: VerdictRequireConfirmation,
			Scope:   scope,
			Reason:  fmt.Sprintf("%s soft ceiling $%.2f exceeded (spent $%.4f + estimate $%.4f)", scope, c.Soft, spent, estimate),
		}
	}
	return Decision{Verdict: VerdictAllow, Scope: scope}
}

// epsilon absorbs float noise from summing four-decimal amounts.
const epsilon = 1e-9

// AuthorizeAll evaluates job, day and month. A denial in any scope wins over
// a confirmation request.
func (g *Governor) AuthorizeAll(estimate float64, totals models.SpendTotals) Decision {
	result := Decision{Verdict: VerdictAllow}
	for _, scope := range []Scope{ScopeJob, ScopeDay, ScopeMonth} {
		d := g.Authorize(estimate, scope, totals)
		switch d.Verdict {
		case VerdictDeny:
			return d
		case VerdictRequireConfirmation:
			if result.Verdict == VerdictAllow {
				result = d
			}
		}
	}
	return result
}

// ReserveRequest describes one prospective job for Reserve.
type ReserveRequest struct {
	JobID      uuid.UUID
	CampaignID *uuid.UUID
	// CampaignCap is enforced when CampaignID is set.
	CampaignCap float64
	Estimate    float64
	// Approved, AutoApprove and the configured AutoApproveBelow threshold
	// each resolve a confirmation request.
	Approved    bool
	AutoApprove bool
}

// Reserve authorizes the estimate and appends it to the ledger atomically,
// so concurrent reservations cannot jointly pass the same remaining budget.
func (g *Governor) Reserve(ctx context.Context, req ReserveRequest) (Decision, error) {
	var decision Decision
	rec := &models.SpendRecord{
		ID:         uuid.New(),
		JobID:      req.JobID,
		CampaignID: req.CampaignID,
		Kind:       models.SpendKindEstimate,
		Amount:     req.Estimate,
		RecordedAt: g.now().UTC(),
	}

	err := g.store.ReserveSpend(ctx, rec, func(totals models.SpendTotals) error {
		if req.CampaignID != nil && totals.Campaign+req.Estimate > req.CampaignCap+epsilon {
			decision = Decision{
				Verdict: VerdictDeny,
				Scope:   ScopeCampaign,
				Reason: fmt.Sprintf("campaign cap $%.2f exceeded (spent $%.4f + estimate $%.4f)",
					req.CampaignCap, totals.Campaign, req.Estimate),
			}
			return &DeniedError{Decision: decision}
		}

		decision = g.AuthorizeAll(req.Estimate, totals)
		switch decision.Verdict {
		case VerdictDeny:
			return &DeniedError{Decision: decision}
		case VerdictRequireConfirmation:
			if req.Approved || req.AutoApprove ||
				(g.limits.AutoApproveBelow > 0 && req.Estimate <= g.limits.AutoApproveBelow) {
				return nil
			}
			return &ConfirmationRequiredError{Decision: decision, Estimate: req.Estimate}
		}
		return nil
	})
	if err != nil {
		return decision, err
	}

	slog.Info("budget reserved",
		"job_id", req.JobID,
		"estimate", req.Estimate,
		"verdict", decision.Verdict,
	)
	return decision, nil
}

// Reconcile records the actual cost of a job. The ledger keeps the estimate;
// the latest actual record supersedes it in every aggregate.
func (g *Governor) Reconcile(ctx context.Context, jobID uuid.UUID, campaignID *uuid.UUID, actual float64) error {
	if actual < 0 {
		actual = 0
	}
	rec := &models.SpendRecord{
		ID:         uuid.New(),
		JobID:      jobID,
		CampaignID: campaignID,
		Kind:       models.SpendKindActual,
		Amount:     actual,
		RecordedAt: g.now().UTC(),
	}
	if err := g.store.AppendSpend(ctx, rec); err != nil {
		return fmt.Errorf("reconciling spend for job %s: %w", jobID, err)
	}
	return nil
}

// RecordEstimate appends an estimate without authorization. It is used for
// jobs discovered at the provider that never went through Reserve.
func (g *Governor) RecordEstimate(ctx context.Context, jobID uuid.UUID, campaignID *uuid.UUID, amount float64) error {
	rec := &models.SpendRecord{
		ID:         uuid.New(),
		JobID:      jobID,
		CampaignID: campaignID,
		Kind:       models.SpendKindEstimate,
		Amount:     amount,
		RecordedAt: g.now().UTC(),
	}
	if err := g.store.AppendSpend(ctx, rec); err != nil {
		return fmt.Errorf("recording estimate for job %s: %w", jobID, err)
	}
	return nil
}

// CampaignSpend returns the effective spend of one campaign.
func (g *Governor) CampaignSpend(ctx context.Context, campaignID uuid.UUID) (float64, error) {
	totals, err := g.store.SpendTotals(ctx, g.now(), &campaignID)
	if err != nil {
		return 0, err
	}
	return totals.Campaign, nil
}

// Summary is the budget status returned by the budget surface.
type Summary struct {
	At     time.Time `json:"at"`
	Day    float64   `json:"day_spent"`
	Month  float64   `json:"month_spent"`
	Limits Limits    `json:"limits"`
}

func (g *Governor) Summary(ctx context.Context) (Summary, error) {
	now := g.now().UTC()
	totals, err := g.store.SpendTotals(ctx, now, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("budget summary: %w", err)
	}
	return Summary{At: now, Day: totals.Day, Month: totals.Month, Limits: g.limits}, nil
}

// Preflight evaluates an estimate against current spend without reserving it.
func (g *Governor) Preflight(ctx context.Context, estimate float64) (Decision, error) {
	totals, err := g.store.SpendTotals(ctx, g.now(), nil)
	if err != nil {
		return Decision{}, fmt.Errorf("budget preflight: %w", err)
	}
	return g.AuthorizeAll(estimate, totals), nil
}
