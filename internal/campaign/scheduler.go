// Package campaign executes multi-phase research plans: tasks grouped into
// ordered phases whose prompts are built from the outputs of earlier tasks.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/chainer"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

const (
	reasonCancelled  = "cancelled by operator"
	dependencyFailed = "DependencyFailed: "
)

// Jobs is the part of the job service a scheduler drives.
type Jobs interface {
	Estimate(req jobs.SubmitRequest) (jobs.Quote, error)
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Output(ctx context.Context, id uuid.UUID) (string, error)
}

type Scheduler struct {
	store    store.Store
	jobs     Jobs
	governor *budget.Governor
	chainer  *chainer.Chainer
	locks    *keyedMutex
	now      func() time.Time
}

func NewScheduler(s store.Store, j Jobs, governor *budget.Governor, ch *chainer.Chainer) *Scheduler {
	if ch == nil {
		ch = chainer.New(0)
	}
	return &Scheduler{
		store:    s,
		jobs:     j,
		governor: governor,
		chainer:  ch,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// load returns the campaign and its tasks.
func (s *Scheduler) load(ctx context.Context, id uuid.UUID) (*models.Campaign, []*models.Task, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c, tasks, nil
}

func (s *Scheduler) saveCampaign(ctx context.Context, c *models.Campaign) error {
	c.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateCampaign(ctx, c); err != nil {
		return fmt.Errorf("saving campaign %s: %w", c.ID, err)
	}
	return nil
}

func (s *Scheduler) saveTask(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// Status returns the campaign with its tasks and effective spend.
func (s *Scheduler) Status(ctx context.Context, id uuid.UUID) (*models.CampaignView, error) {
	c, tasks, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	spent, err := s.governor.CampaignSpend(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.CampaignView{Campaign: *c, Spent: spent, Tasks: tasks}, nil
}

// Execute starts a planned or draft campaign at phase 1.
func (s *Scheduler) Execute(ctx context.Context, id uuid.UUID) error {
	return s.locked(ctx, id, func(ctx context.Context) error {
		c, err := s.store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignStatusPlanned && c.Status != models.CampaignStatusDraft {
			return fmt.Errorf("%w: cannot execute a %s campaign", ErrInvalidState, c.Status)
		}
		c.Status = models.CampaignStatusExecuting
		c.CurrentPhase = 1
		if err := s.saveCampaign(ctx, c); err != nil {
			return err
		}
		slog.Info("campaign executing", "campaign_id", id, "phases", c.PhaseCount)
		return s.advance(ctx, id)
	})
}

// Pause stops the campaign from entering its next phase. Without work in
// flight it pauses at once.
func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) error {
	return s.locked(ctx, id, func(ctx context.Context) error {
		c, tasks, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignStatusExecuting {
			return fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidState, c.Status)
		}
		inFlight := false
		for _, t := range tasks {
			if t.Phase == c.CurrentPhase && t.InFlight() {
				inFlight = true
				break
			}
		}
		if inFlight {
			c.PauseRequested = true
		} else {
			c.Status = models.CampaignStatusPaused
			c.PauseRequested = false
		}
		slog.Info("campaign pause requested", "campaign_id", id, "immediate", !inFlight, "phase", c.CurrentPhase)
		return s.saveCampaign(ctx, c)
	})
}

// Resume continues a paused campaign. Tasks already handed to a provider are
// not submitted again.
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) error {
	return s.locked(ctx, id, func(ctx context.Context) error {
		c, err := s.store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignStatusPaused {
			return fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidState, c.Status)
		}
		c.Status = models.CampaignStatusExecuting
		c.PauseRequested = false
		if err := s.saveCampaign(ctx, c); err != nil {
			return err
		}
		slog.Info("campaign resumed", "campaign_id", id, "phase", c.CurrentPhase)
		return s.advance(ctx, id)
	})
}

// Cancel stops every unfinished task and fails the campaign.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.locked(ctx, id, func(ctx context.Context) error {
		c, tasks, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if c.IsFinished() {
			return fmt.Errorf("%w: campaign already %s", ErrInvalidState, c.Status)
		}

		for _, t := range tasks {
			if t.IsTerminal() {
				continue
			}
			if t.JobID == nil {
				t.Status = models.JobStatusCancelled
				t.FailureReason = reasonCancelled
				t.BlockedReason = ""
			} else {
				job, err := s.jobs.Cancel(ctx, *t.JobID, "campaign "+reasonCancelled)
				if err != nil && !errors.Is(err, jobs.ErrAlreadyFinal) {
					slog.Error("cancelling campaign job failed", "campaign_id", id, "task_id", t.ID, "job_id", *t.JobID, "error", err)
					continue
				}
				t.Status = job.Status
				t.FailureReason = job.FailureReason
			}
			if err := s.saveTask(ctx, t); err != nil {
				return err
			}
		}

		c.Status = models.CampaignStatusFailed
		c.FailureReason = reasonCancelled
		c.PauseRequested = false
		slog.Info("campaign cancelled", "campaign_id", id)
		return s.saveCampaign(ctx, c)
	})
}

// OverrideDependency lets a task run even if its dependencies fail. Outputs
// of failed dependencies are replaced by a note in the prompt.
func (s *Scheduler) OverrideDependency(ctx context.Context, id uuid.UUID, taskID string) (*models.Task, error) {
	var out *models.Task
	err := s.locked(ctx, id, func(ctx context.Context) error {
		c, tasks, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		switch c.Status {
		case models.CampaignStatusDraft, models.CampaignStatusPlanned, models.CampaignStatusPaused:
		default:
			return fmt.Errorf("%w: dependencies can only be overridden while a campaign is draft, planned or paused, not %s", ErrInvalidState, c.Status)
		}
		for _, t := range tasks {
			if t.ID != taskID {
				continue
			}
			if t.Status != models.TaskStatusBlocked {
				return fmt.Errorf("%w: task %s is %s, not blocked", ErrInvalidState, taskID, t.Status)
			}
			t.AllowFailedDeps = true
			if strings.HasPrefix(t.BlockedReason, dependencyFailed) {
				t.BlockedReason = "dependency failure overridden"
			}
			slog.Info("dependency failure overridden", "campaign_id", id, "task_id", taskID)
			out = t
			return s.saveTask(ctx, t)
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	})
	return out, err
}

// Advance moves an executing campaign forward as far as it can go. It is a
// no-op for campaigns in any other state.
func (s *Scheduler) Advance(ctx context.Context, id uuid.UUID) error {
	if holding(ctx, id) {
		// Called from a job hook while this campaign is already being worked on.
		return nil
	}
	return s.locked(ctx, id, func(ctx context.Context) error {
		return s.advance(ctx, id)
	})
}

// OnJobTerminal is the job service hook that drives campaigns forward when
// one of their jobs finishes.
func (s *Scheduler) OnJobTerminal(ctx context.Context, job *models.Job) {
	if job.CampaignID == nil {
		return
	}
	err := s.Advance(ctx, *job.CampaignID)
	switch {
	case err == nil:
	case errors.Is(err, ErrDependencyFailed):
		slog.Warn("campaign failed", "campaign_id", *job.CampaignID, "job_id", job.ID, "error", err)
	default:
		slog.Error("advancing campaign failed", "campaign_id", *job.CampaignID, "job_id", job.ID, "error", err)
	}
}

// Recover advances every executing campaign, picking up jobs that finished
// while the process was down.
func (s *Scheduler) Recover(ctx context.Context) error {
	executing, err := s.store.ListCampaigns(ctx, []string{models.CampaignStatusExecuting})
	if err != nil {
		return fmt.Errorf("listing executing campaigns: %w", err)
	}
	for _, c := range executing {
		if err := s.Advance(ctx, c.ID); err != nil && !errors.Is(err, ErrDependencyFailed) {
			slog.Error("recovering campaign failed", "campaign_id", c.ID, "error", err)
		}
	}
	if len(executing) > 0 {
		slog.Info("campaigns recovered", "count", len(executing))
	}
	return nil
}

// Redrive advances executing campaigns whose current phase has a ready task
// without a job, as a transient submit error leaves behind. No job hook will
// fire for such a campaign, so the poller calls this every cycle.
func (s *Scheduler) Redrive(ctx context.Context) error {
	executing, err := s.store.ListCampaigns(ctx, []string{models.CampaignStatusExecuting})
	if err != nil {
		return fmt.Errorf("listing executing campaigns: %w", err)
	}
	for _, c := range executing {
		tasks, err := s.store.ListTasks(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("listing tasks of campaign %s: %w", c.ID, err)
		}
		if !stalled(c, tasks) {
			continue
		}
		slog.Info("re-driving stalled campaign", "campaign_id", c.ID, "phase", c.CurrentPhase)
		if err := s.Advance(ctx, c.ID); err != nil && !errors.Is(err, ErrDependencyFailed) {
			slog.Error("re-driving campaign failed", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}

func stalled(c *models.Campaign, tasks []*models.Task) bool {
	for _, t := range tasks {
		if t.Phase == c.CurrentPhase && t.Status == models.JobStatusQueued && t.JobID == nil {
			return true
		}
	}
	return false
}

// advance runs with the campaign lock held.
func (s *Scheduler) advance(ctx context.Context, id uuid.UUID) error {
	c, tasks, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignStatusExecuting {
		return nil
	}
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	if err := s.sync(ctx, tasks); err != nil {
		return err
	}

	for {
		if err := s.settleBlocked(ctx, c, tasks, byID); err != nil {
			return err
		}

		var current []*models.Task
		for _, t := range tasks {
			if t.Phase == c.CurrentPhase {
				current = append(current, t)
			}
		}
		for _, t := range current {
			if t.Status == models.JobStatusQueued && t.JobID == nil {
				if err := s.submit(ctx, c, t, byID); err != nil {
					return err
				}
			}
		}
		for _, t := range current {
			if !settled(t) {
				return nil
			}
		}

		if reason := s.phaseFailure(c, current); reason != "" {
			c.Status = models.CampaignStatusFailed
			c.FailureReason = reason
			c.PauseRequested = false
			if err := s.saveCampaign(ctx, c); err != nil {
				return err
			}
			return fmt.Errorf("campaign %s phase %d: %w: %s", c.ID, c.CurrentPhase, ErrDependencyFailed, reason)
		}
		if c.CurrentPhase >= c.PhaseCount {
			c.Status = models.CampaignStatusCompleted
			c.PauseRequested = false
			slog.Info("campaign completed", "campaign_id", c.ID, "phases", c.PhaseCount)
			return s.saveCampaign(ctx, c)
		}

		c.CurrentPhase++
		slog.Info("campaign phase started", "campaign_id", c.ID, "phase", c.CurrentPhase)
		if c.PauseRequested {
			c.Status = models.CampaignStatusPaused
			c.PauseRequested = false
			slog.Info("campaign paused", "campaign_id", c.ID, "phase", c.CurrentPhase)
			return s.saveCampaign(ctx, c)
		}
		if err := s.saveCampaign(ctx, c); err != nil {
			return err
		}
	}
}

// sync copies the status of each task's job from the Job Store.
func (s *Scheduler) sync(ctx context.Context, tasks []*models.Task) error {
	for _, t := range tasks {
		if t.JobID == nil || t.IsTerminal() {
			continue
		}
		job, err := s.jobs.Get(ctx, *t.JobID)
		if err != nil {
			return fmt.Errorf("syncing task %s: %w", t.ID, err)
		}
		if job.Status == t.Status {
			continue
		}
		t.Status = job.Status
		t.FailureReason = job.FailureReason
		if err := s.saveTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// continues reports whether a failure of t lets the campaign go on.
func continues(c *models.Campaign, t *models.Task) bool {
	if t.ContinueOnFailure != nil {
		return *t.ContinueOnFailure
	}
	return c.FailurePolicy == models.FailurePolicyContinue
}

// stuck reports whether t can never run because a dependency failed.
func stuck(t *models.Task) bool {
	return t.Status == models.TaskStatusBlocked && strings.HasPrefix(t.BlockedReason, dependencyFailed)
}

func skipped(t *models.Task) bool {
	return t.Status == models.JobStatusCancelled && t.JobID == nil && strings.HasPrefix(t.FailureReason, dependencyFailed)
}

func settled(t *models.Task) bool { return t.IsTerminal() || stuck(t) }

// tolerated reports whether dependents of a failed task are skipped rather
// than left blocked.
func tolerated(c *models.Campaign, d *models.Task) bool {
	if stuck(d) {
		return false
	}
	return skipped(d) || continues(c, d)
}

// settleBlocked releases blocked tasks whose dependencies completed and
// settles those whose dependencies failed. Tasks are in phase order, so one
// pass propagates through the whole graph.
func (s *Scheduler) settleBlocked(ctx context.Context, c *models.Campaign, tasks []*models.Task, byID map[string]*models.Task) error {
	for _, t := range tasks {
		if t.Status != models.TaskStatusBlocked {
			continue
		}
		var failed *models.Task
		pending := false
		for _, dep := range t.DependsOn {
			d := byID[dep]
			switch {
			case d.Status == models.JobStatusCompleted:
			case d.IsTerminal() || stuck(d):
				if failed == nil {
					failed = d
				}
			default:
				pending = true
			}
		}
		if pending {
			continue
		}

		prevReason := t.BlockedReason
		switch {
		case failed == nil || t.AllowFailedDeps:
			t.Status = models.JobStatusQueued
			t.BlockedReason = ""
		case tolerated(c, failed):
			t.Status = models.JobStatusCancelled
			t.BlockedReason = ""
			t.FailureReason = fmt.Sprintf("%stask %s ended %s", dependencyFailed, failed.ID, failed.Status)
		default:
			t.BlockedReason = fmt.Sprintf("%stask %s ended %s", dependencyFailed, failed.ID, failed.Status)
			if stuck(failed) {
				t.BlockedReason = fmt.Sprintf("%stask %s is blocked", dependencyFailed, failed.ID)
			}
			if t.BlockedReason == prevReason {
				continue
			}
		}
		slog.Info("task dependencies settled",
			"campaign_id", c.ID,
			"task_id", t.ID,
			"status", t.Status,
			"reason", t.BlockedReason+t.FailureReason,
		)
		if err := s.saveTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// phaseFailure returns why a settled phase fails the campaign, or "".
func (s *Scheduler) phaseFailure(c *models.Campaign, phase []*models.Task) string {
	for _, t := range phase {
		switch {
		case stuck(t):
			return fmt.Sprintf("task %s cannot run: %s", t.ID, t.BlockedReason)
		case t.Status == models.JobStatusCompleted, skipped(t):
		case !continues(c, t):
			reason := fmt.Sprintf("task %s ended %s", t.ID, t.Status)
			if t.FailureReason != "" {
				reason += ": " + t.FailureReason
			}
			return reason
		}
	}
	return ""
}

// submit renders a ready task's prompt and hands it to the job service.
// Budget denials and rejected configurations fail the task. A job returned
// with an error is recorded on the task so it is never submitted again.
// Other errors leave the task queued for Redrive.
func (s *Scheduler) submit(ctx context.Context, c *models.Campaign, t *models.Task, byID map[string]*models.Task) error {
	deps := make([]chainer.Dependency, 0, len(t.DependsOn))
	for _, id := range t.DependsOn {
		d := byID[id]
		dep := chainer.Dependency{TaskID: d.ID, Status: d.Status}
		if d.JobID != nil {
			dep.JobID = *d.JobID
		}
		if d.Status == models.JobStatusCompleted && d.JobID != nil {
			out, err := s.jobs.Output(ctx, *d.JobID)
			if err != nil {
				return fmt.Errorf("loading output of task %s: %w", d.ID, err)
			}
			dep.Output = out
		}
		deps = append(deps, dep)
	}
	prompt := s.chainer.Render(t.PromptTemplate, deps)

	campaignID := c.ID
	job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
		Provider:       t.Provider,
		Model:          t.Model,
		Prompt:         prompt,
		Tools:          t.Tools,
		VectorStoreIDs: t.VectorStoreIDs,
		CampaignID:     &campaignID,
		TaskID:         t.ID,
		CampaignCap:    c.BudgetCap,
		AutoApprove:    c.AutoApprove,
	})
	t.Prompt = prompt
	switch {
	case job != nil:
		t.JobID = &job.ID
		t.Status = job.Status
		t.FailureReason = job.FailureReason
		if err != nil {
			slog.Warn("campaign task job ended at submission", "campaign_id", c.ID, "task_id", t.ID, "job_id", job.ID, "error", err)
		}
	case errors.Is(err, budget.ErrBudgetDenied), errors.Is(err, budget.ErrConfirmationRequired):
		t.Status = models.JobStatusFailed
		t.FailureReason = "BudgetDenied: " + err.Error()
	case isRejection(err):
		t.Status = models.JobStatusFailed
		t.FailureReason = err.Error()
	default:
		return fmt.Errorf("submitting task %s: %w", t.ID, err)
	}

	slog.Info("campaign task submitted",
		"campaign_id", c.ID,
		"task_id", t.ID,
		"job_id", t.JobID,
		"status", t.Status,
		"failure_reason", t.FailureReason,
	)
	return s.saveTask(ctx, t)
}

func isRejection(err error) bool {
	var se *provider.SubmissionError
	return errors.As(err, &se) || errors.Is(err, provider.ErrUnknownProvider)
}
