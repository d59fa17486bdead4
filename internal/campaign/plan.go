package campaign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/chainer"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPlan      = errors.New("invalid campaign plan")
	ErrOverBudget       = errors.New("campaign estimate exceeds budget cap")
	ErrInvalidState     = errors.New("invalid campaign state")
	ErrDependencyFailed = errors.New("campaign dependency failed")
	ErrUnknownTask      = errors.New("unknown task")
)

// PlanError lists every problem found in a plan.
type PlanError struct {
	Problems []string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidPlan, strings.Join(e.Problems, "; "))
}

func (e *PlanError) Is(target error) bool { return target == ErrInvalidPlan }

// PlanRequest describes a campaign to create.
type PlanRequest struct {
	Goal          string         `json:"goal"           yaml:"goal"`
	BudgetCap     float64        `json:"budget_cap"     yaml:"budget_cap"`
	FailurePolicy string         `json:"failure_policy" yaml:"failure_policy"`
	AutoApprove   bool           `json:"auto_approve"   yaml:"auto_approve"`
	AllowOverCap  bool           `json:"allow_over_cap" yaml:"allow_over_cap"`
	Draft         bool           `json:"draft"          yaml:"draft"`
	Tasks         []*models.Task `json:"tasks"          yaml:"tasks"`
}

// ParsePlanYAML decodes a plan document. Unknown fields are rejected.
func ParsePlanYAML(data []byte) (PlanRequest, error) {
	var req PlanRequest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return PlanRequest{}, &PlanError{Problems: []string{"yaml: " + err.Error()}}
	}
	return req, nil
}

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// validate checks the dependency graph. Dependencies must point at strictly
// lower phases, which also rules out cycles.
func validate(req PlanRequest) []string {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(req.Goal) == "" {
		add("goal is required")
	}
	if req.BudgetCap <= 0 {
		add("budget_cap must be positive")
	}
	switch req.FailurePolicy {
	case "", models.FailurePolicyFail, models.FailurePolicyContinue:
	default:
		add("failure_policy must be %q or %q", models.FailurePolicyFail, models.FailurePolicyContinue)
	}
	if len(req.Tasks) == 0 {
		add("at least one task is required")
		return problems
	}

	byID := make(map[string]*models.Task, len(req.Tasks))
	maxPhase := 0
	for i, t := range req.Tasks {
		if t == nil {
			add("task %d is empty", i)
			continue
		}
		if !taskIDRe.MatchString(t.ID) {
			add("task %d: id %q must match %s", i, t.ID, taskIDRe)
			continue
		}
		if _, dup := byID[t.ID]; dup {
			add("task %s: duplicate id", t.ID)
			continue
		}
		byID[t.ID] = t
		if t.Phase < 1 {
			add("task %s: phase must be >= 1", t.ID)
		}
		if t.Phase > maxPhase {
			maxPhase = t.Phase
		}
		if strings.TrimSpace(t.PromptTemplate) == "" {
			add("task %s: prompt is required", t.ID)
		}
	}

	phases := make(map[int]bool)
	for _, t := range req.Tasks {
		if t == nil || byID[t.ID] != t {
			continue
		}
		phases[t.Phase] = true
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			d, ok := byID[dep]
			switch {
			case seen[dep]:
				add("task %s: dependency %s listed twice", t.ID, dep)
			case !ok:
				add("task %s: unknown dependency %s", t.ID, dep)
			case d.Phase >= t.Phase:
				add("task %s (phase %d): dependency %s is in phase %d, dependencies must be in an earlier phase", t.ID, t.Phase, dep, d.Phase)
			}
			seen[dep] = true
		}
		for _, ref := range chainer.References(t.PromptTemplate) {
			if !seen[ref] {
				add("task %s: prompt references {{dep:%s}} which is not a declared dependency", t.ID, ref)
			}
		}
	}
	for p := 1; p <= maxPhase; p++ {
		if !phases[p] {
			add("phase %d has no tasks; phases must be contiguous from 1", p)
		}
	}
	return problems
}

// Plan validates and prices a campaign, then persists it with its tasks.
// Task estimates assume every dependency injects the maximum context.
func (s *Scheduler) Plan(ctx context.Context, req PlanRequest) (*models.CampaignView, error) {
	if problems := validate(req); len(problems) > 0 {
		return nil, &PlanError{Problems: problems}
	}

	now := s.now().UTC()
	c := &models.Campaign{
		ID:            uuid.New(),
		Goal:          req.Goal,
		BudgetCap:     req.BudgetCap,
		Status:        models.CampaignStatusPlanned,
		FailurePolicy: req.FailurePolicy,
		AutoApprove:   req.AutoApprove,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = models.FailurePolicyFail
	}
	if req.Draft {
		c.Status = models.CampaignStatusDraft
	}

	var problems []string
	total := 0.0
	tasks := make([]*models.Task, 0, len(req.Tasks))
	for _, in := range req.Tasks {
		padded := in.PromptTemplate + strings.Repeat(" ", len(in.DependsOn)*s.chainer.MaxChars())
		quote, err := s.jobs.Estimate(jobs.SubmitRequest{
			Provider: in.Provider,
			Model:    in.Model,
			Prompt:   padded,
			Tools:    in.Tools,
		})
		if err != nil {
			problems = append(problems, fmt.Sprintf("task %s: %v", in.ID, err))
			continue
		}
		if err := provider.ValidateRequest(quote.Provider, models.SubmitRequest{
			Prompt:         in.PromptTemplate,
			Model:          quote.Model,
			Tools:          in.Tools,
			VectorStoreIDs: in.VectorStoreIDs,
		}); err != nil {
			problems = append(problems, fmt.Sprintf("task %s: %v", in.ID, err))
			continue
		}

		t := &models.Task{
			ID:                in.ID,
			CampaignID:        c.ID,
			Phase:             in.Phase,
			Title:             in.Title,
			PromptTemplate:    in.PromptTemplate,
			DependsOn:         in.DependsOn,
			Provider:          quote.Provider,
			Model:             quote.Model,
			Tools:             in.Tools,
			VectorStoreIDs:    in.VectorStoreIDs,
			EstimatedCost:     quote.Estimate,
			Status:            models.JobStatusQueued,
			ContinueOnFailure: in.ContinueOnFailure,
			UpdatedAt:         now,
		}
		if len(t.DependsOn) > 0 {
			t.Status = models.TaskStatusBlocked
			t.BlockedReason = "waiting for " + strings.Join(t.DependsOn, ", ")
		}
		if t.Phase > c.PhaseCount {
			c.PhaseCount = t.Phase
		}
		total += quote.Estimate
		tasks = append(tasks, t)
	}
	if len(problems) > 0 {
		return nil, &PlanError{Problems: problems}
	}
	if total > c.BudgetCap && !req.AllowOverCap {
		return nil, fmt.Errorf("%w: estimated $%.4f, cap $%.4f", ErrOverBudget, total, c.BudgetCap)
	}

	if err := s.store.CreateCampaign(ctx, c, tasks); err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}
	slog.Info("campaign planned",
		"campaign_id", c.ID,
		"status", c.Status,
		"phases", c.PhaseCount,
		"tasks", len(tasks),
		"estimate", total,
		"budget_cap", c.BudgetCap,
	)
	return &models.CampaignView{Campaign: *c, Tasks: tasks}, nil
}
