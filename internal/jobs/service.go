// Package jobs owns the lifecycle of individual research jobs: budgeted
// submission, status reads, cancellation, retries, and the terminal
// bookkeeping shared by the poller and operator actions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/cache"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/notify"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

var (
	ErrNotRetryable   = errors.New("job is not in a retryable state")
	ErrOutputNotReady = errors.New("job output is not available")
	ErrAlreadyFinal   = errors.New("job already reached a terminal state")
)

// SubmitRequest is a request to run one research job.
type SubmitRequest struct {
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
	Prompt         string              `json:"prompt"`
	Tools          []models.ToolConfig `json:"tools,omitempty"`
	VectorStoreIDs []string            `json:"vector_store_ids,omitempty"`
	FileIDs        []string            `json:"file_ids,omitempty"`
	WebhookURL     string              `json:"webhook_url,omitempty"`
	Priority       int                 `json:"priority"`
	// Approved confirms spend above a soft ceiling.
	Approved bool `json:"approved"`

	CampaignID  *uuid.UUID `json:"-"`
	TaskID      string     `json:"-"`
	CampaignCap float64    `json:"-"`
	AutoApprove bool       `json:"-"`
	RetryOf     *uuid.UUID `json:"-"`
	RetryCount  int        `json:"-"`
}

// Outcome is what is known about a job when it reaches a terminal state.
type Outcome struct {
	Status        string
	FailureReason string
	Output        string
	Usage         *models.Usage
	// Billed keeps the estimate as the cost of a job the provider may still
	// charge for although it did not complete here.
	Billed bool
}

// Hook runs after a job reached a terminal state and the store reflects it.
type Hook func(ctx context.Context, job *models.Job)

// Options wires the optional collaborators of a Service.
type Options struct {
	Views  *cache.JobViews
	Events *notify.Dispatcher
	// DefaultModels maps a provider name to the model used when a request names none.
	DefaultModels map[string]string
	Submit        config.SubmitConfig
}

type Service struct {
	store         store.Store
	providers     *provider.Registry
	governor      *budget.Governor
	views         *cache.JobViews
	events        *notify.Dispatcher
	defaultModels map[string]string
	submit        config.SubmitConfig

	onComplete []Hook
	onTerminal []Hook
	now        func() time.Time
}

func NewService(s store.Store, providers *provider.Registry, governor *budget.Governor, opts Options) *Service {
	if opts.Submit.MaxAttempts < 1 {
		opts.Submit.MaxAttempts = 1
	}
	return &Service{
		store:         s,
		providers:     providers,
		governor:      governor,
		views:         opts.Views,
		events:        opts.Events,
		defaultModels: opts.DefaultModels,
		submit:        opts.Submit,
		now:           time.Now,
	}
}

// OnComplete registers a hook run for completed jobs only, before
// notifications go out. Report generation attaches here.
func (s *Service) OnComplete(h Hook) { s.onComplete = append(s.onComplete, h) }

// OnTerminal registers a hook run last for every terminal job.
func (s *Service) OnTerminal(h Hook) { s.onTerminal = append(s.onTerminal, h) }

// DefaultModel returns the model a request for providerName runs with when it names none.
func (s *Service) DefaultModel(providerName string) string {
	return s.defaultModels[s.providers.Resolve(providerName)]
}

// Quote is the priced form of a request.
type Quote struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Estimate float64 `json:"estimate"`
}

// Estimate prices a request without reserving anything.
func (s *Service) Estimate(req SubmitRequest) (Quote, error) {
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return Quote{}, err
	}
	model := req.Model
	if model == "" {
		model = s.defaultModels[p.Name()]
	}
	return Quote{Provider: p.Name(), Model: model, Estimate: s.governor.Estimate(model, req.Prompt, req.Tools)}, nil
}

// Submit validates, reserves budget, persists and hands the job to its
// provider. A budget denial returns before any job exists. A provider
// rejection leaves a failed job and returns it together with the error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = s.defaultModels[p.Name()]
	}

	jobID := uuid.New()
	preq := models.SubmitRequest{
		JobID:          jobID.String(),
		Prompt:         req.Prompt,
		Model:          req.Model,
		Tools:          req.Tools,
		VectorStoreIDs: req.VectorStoreIDs,
		FileIDs:        req.FileIDs,
		Metadata:       map[string]string{"job_id": jobID.String()},
	}
	if req.CampaignID != nil {
		preq.Metadata["campaign_id"] = req.CampaignID.String()
		preq.Metadata["task_id"] = req.TaskID
	}
	if err := provider.ValidateRequest(p.Name(), preq); err != nil {
		return nil, &provider.SubmissionError{Provider: p.Name(), Reason: "invalid configuration", Err: err}
	}

	estimate := s.governor.Estimate(req.Model, req.Prompt, req.Tools)
	if _, err := s.governor.Reserve(ctx, budget.ReserveRequest{
		JobID:       jobID,
		CampaignID:  req.CampaignID,
		CampaignCap: req.CampaignCap,
		Estimate:    estimate,
		Approved:    req.Approved,
		AutoApprove: req.AutoApprove,
	}); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:             jobID,
		Provider:       p.Name(),
		Model:          req.Model,
		Prompt:         req.Prompt,
		Tools:          req.Tools,
		VectorStoreIDs: req.VectorStoreIDs,
		FileIDs:        req.FileIDs,
		WebhookURL:     req.WebhookURL,
		Priority:       req.Priority,
		Status:         models.JobStatusQueued,
		CostEstimate:   estimate,
		RetryCount:     req.RetryCount,
		RetryOf:        req.RetryOf,
		CampaignID:     req.CampaignID,
		TaskID:         req.TaskID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		// Release the reservation; the job never existed.
		if rerr := s.governor.Reconcile(ctx, jobID, req.CampaignID, 0); rerr != nil {
			slog.Error("failed to release budget reservation", "job_id", jobID, "error", rerr)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	providerJobID, err := s.submitWithRetry(ctx, p, preq)
	if err != nil {
		slog.Warn("job submission failed",
			"job_id", job.ID,
			"provider", p.Name(),
			"error", err,
		)
		reason := "SubmissionError: " + err.Error()
		if provider.IsRetryable(err) {
			reason = fmt.Sprintf("ProviderError: %v (after %d attempts)", err, s.submit.MaxAttempts)
		}
		failed, ferr := s.Finish(ctx, job, Outcome{Status: models.JobStatusFailed, FailureReason: reason})
		if ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return failed, err
	}

	if err := s.store.MarkSubmitted(ctx, job.ID, providerJobID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return s.settleLateSubmission(ctx, p, job.ID, providerJobID)
		}
		return s.abandonUnrecorded(ctx, p, job, providerJobID, err)
	}

	job, err = s.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("job submitted",
		"job_id", job.ID,
		"provider", job.Provider,
		"provider_job_id", job.ProviderJobID,
		"campaign_id", job.CampaignID,
		"task_id", job.TaskID,
		"cost_estimate", job.CostEstimate,
	)
	s.refreshView(ctx, job)
	if s.events != nil {
		s.events.JobSubmitted(ctx, job)
	}
	return job, nil
}

// settleLateSubmission handles a provider job accepted after its local job
// already ended, typically cancelled while the submission was in flight.
// The store holds the provider id by now. The provider job is cancelled; if
// it keeps running its estimate is charged to the ledger.
func (s *Service) settleLateSubmission(ctx context.Context, p models.ResearchProvider, id uuid.UUID, providerJobID string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, cerr := p.Cancel(ctx, providerJobID)
	if cerr == nil && ok {
		slog.Info("cancelled provider job accepted after its job ended",
			"job_id", job.ID,
			"provider", p.Name(),
			"provider_job_id", providerJobID,
			"status", job.Status,
		)
		return job, nil
	}
	slog.Warn("provider job outlives its ended job and may be billed",
		"job_id", job.ID,
		"provider", p.Name(),
		"provider_job_id", providerJobID,
		"status", job.Status,
		"error", cerr,
	)
	if err := s.governor.Reconcile(ctx, job.ID, job.CampaignID, job.CostEstimate); err != nil {
		slog.Error("spend reconciliation failed", "job_id", job.ID, "actual_cost", job.CostEstimate, "error", err)
	}
	return job, nil
}

// abandonUnrecorded fails a job whose provider accepted it but whose
// provider id could not be stored. The provider job is cancelled where
// possible and its id goes into the failure reason. The job is returned with
// the error so callers never submit the same work twice.
func (s *Service) abandonUnrecorded(ctx context.Context, p models.ResearchProvider, job *models.Job, providerJobID string, cause error) (*models.Job, error) {
	slog.Error("provider accepted job but recording its id failed",
		"job_id", job.ID,
		"provider", p.Name(),
		"provider_job_id", providerJobID,
		"error", cause,
	)
	err := fmt.Errorf("recording provider job id %s: %w", providerJobID, cause)

	reason := fmt.Sprintf("ProviderError: recording provider job id %s failed: %v", providerJobID, cause)
	billed := false
	if ok, cerr := p.Cancel(ctx, providerJobID); cerr != nil || !ok {
		billed = true
		reason += fmt.Sprintf("; provider could not cancel job %s, it may still run and be billed", providerJobID)
	} else {
		reason += "; provider job cancelled"
	}

	failed, ferr := s.Finish(ctx, job, Outcome{Status: models.JobStatusFailed, FailureReason: reason, Billed: billed})
	if ferr != nil {
		return job, errors.Join(err, ferr)
	}
	return failed, err
}

func (s *Service) submitWithRetry(ctx context.Context, p models.ResearchProvider, req models.SubmitRequest) (string, error) {
	b := backoff.NewExponentialBackOff()
	if s.submit.InitialBackoff > 0 {
		b.InitialInterval = s.submit.InitialBackoff
	}
	if s.submit.MaxBackoff > 0 {
		b.MaxInterval = s.submit.MaxBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.submit.MaxAttempts-1)), ctx)

	return backoff.RetryNotifyWithData(func() (string, error) {
		id, err := p.Submit(ctx, req)
		if err != nil && !provider.IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		return id, err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("provider submit failed, retrying",
			"job_id", req.JobID,
			"provider", p.Name(),
			"backoff", wait,
			"error", err,
		)
	})
}

// Finish records a terminal outcome: actual cost, store update, spend
// reconciliation, then the status view, completion hooks, notifications and
// terminal hooks in that order. Finishing an already terminal job is a no-op
// that returns the stored job.
func (s *Service) Finish(ctx context.Context, job *models.Job, out Outcome) (*models.Job, error) {
	cost := s.actualCost(job, out)

	opts := []store.JobUpdateOption{store.WithCost(cost)}
	if out.FailureReason != "" {
		opts = append(opts, store.WithFailureReason(out.FailureReason))
	}
	if out.Usage != nil {
		opts = append(opts, store.WithUsage(*out.Usage))
	}
	if out.Output != "" {
		opts = append(opts, store.WithOutput(out.Output))
	}

	changed, err := s.store.UpdateJobStatus(ctx, job.ID, out.Status, opts...)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return nil, fmt.Errorf("finishing job %s: %w", job.ID, err)
	}
	current, gerr := s.store.GetJob(ctx, job.ID)
	if gerr != nil {
		return nil, gerr
	}
	if err != nil || !changed {
		// Someone else finished it first.
		if current.IsTerminal() {
			return current, nil
		}
		return current, err
	}

	if err := s.governor.Reconcile(ctx, job.ID, job.CampaignID, cost); err != nil {
		slog.Error("spend reconciliation failed", "job_id", job.ID, "actual_cost", cost, "error", err)
	}

	slog.Info("job finished",
		"job_id", current.ID,
		"provider", current.Provider,
		"provider_job_id", current.ProviderJobID,
		"status", current.Status,
		"actual_cost", cost,
		"failure_reason", current.FailureReason,
	)

	s.refreshView(ctx, current)
	if current.Status == models.JobStatusCompleted {
		for _, h := range s.onComplete {
			h(ctx, current)
		}
	}
	if s.events != nil {
		s.events.JobTerminal(ctx, current)
	}
	for _, h := range s.onTerminal {
		h(ctx, current)
	}
	return current, nil
}

// actualCost prices the outcome from usage when reported. Without usage a
// completed or cancelled job keeps its estimate and a failed or expired job
// costs nothing.
func (s *Service) actualCost(job *models.Job, out Outcome) float64 {
	if out.Usage != nil {
		return s.governor.CostOf(job.Model, *out.Usage)
	}
	if out.Billed {
		return job.CostEstimate
	}
	switch out.Status {
	case models.JobStatusCompleted, models.JobStatusCancelled:
		if job.ProviderJobID == "" && out.Status == models.JobStatusCancelled {
			return 0
		}
		return job.CostEstimate
	default:
		return 0
	}
}

func (s *Service) refreshView(ctx context.Context, job *models.Job) {
	if s.views == nil {
		return
	}
	if err := s.views.Put(ctx, job.View()); err != nil {
		slog.Warn("status view cache write failed", "job_id", job.ID, "error", err)
	}
}

// MarkProcessing records that the provider started working on a job.
func (s *Service) MarkProcessing(ctx context.Context, job *models.Job) error {
	changed, err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing)
	if err != nil {
		return err
	}
	if changed {
		job.Status = models.JobStatusProcessing
		job.UpdatedAt = s.now().UTC()
		s.refreshView(ctx, job)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Status returns the status view, served from the cache when present.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (models.JobView, error) {
	if s.views != nil {
		view, ok, err := s.views.Get(ctx, id)
		if err != nil {
			slog.Warn("status view cache read failed", "job_id", id, "error", err)
		}
		if ok {
			return *view, nil
		}
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.JobView{}, err
	}
	s.refreshView(ctx, job)
	return job.View(), nil
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Output returns the persisted output of a completed job.
func (s *Service) Output(ctx context.Context, id uuid.UUID) (string, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if !job.IsTerminal() || job.OutputRef == "" {
		return "", fmt.Errorf("%w: job %s is %s", ErrOutputNotReady, id, job.Status)
	}
	return s.store.GetJobOutput(ctx, id)
}

// Cancel stops a job. When the provider will not cancel, the job is still
// marked cancelled locally and the reason notes that it may be billed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, fmt.Errorf("%w: job %s is %s", ErrAlreadyFinal, id, job.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	if job.ProviderJobID != "" {
		p, err := s.providers.Get(job.Provider)
		var ok bool
		if err == nil {
			ok, err = p.Cancel(ctx, job.ProviderJobID)
		}
		if err != nil || !ok {
			slog.Warn("provider did not cancel job",
				"job_id", job.ID,
				"provider", job.Provider,
				"provider_job_id", job.ProviderJobID,
				"error", err,
			)
			reason = fmt.Sprintf("%s; provider could not cancel job %s, it may still run and be billed", reason, job.ProviderJobID)
		}
	}
	done, err := s.Finish(ctx, job, Outcome{Status: models.JobStatusCancelled, FailureReason: reason})
	if err == nil && job.ProviderJobID == "" && done.ProviderJobID != "" && done.SubmittedAt != nil {
		// The submission landed between the read above and the update.
		p, perr := s.providers.Get(done.Provider)
		if perr != nil {
			return done, nil
		}
		return s.settleLateSubmission(ctx, p, done.ID, done.ProviderJobID)
	}
	return done, err
}

// Retry submits a fresh job with the parameters of a failed, cancelled or
// expired one. The original job is never modified.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, approved bool) (*models.Job, error) {
	orig, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusExpired:
	default:
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, orig.Status)
	}
	return s.Submit(ctx, SubmitRequest{
		Provider:       orig.Provider,
		Model:          orig.Model,
		Prompt:         orig.Prompt,
		Tools:          orig.Tools,
		VectorStoreIDs: orig.VectorStoreIDs,
		FileIDs:        orig.FileIDs,
		WebhookURL:     orig.WebhookURL,
		Priority:       orig.Priority,
		Approved:       approved,
		RetryOf:        &orig.ID,
		RetryCount:     orig.RetryCount + 1,
	})
}

// Reconcile looks a provider job up by its provider id, polls it once and
// applies the result. A provider job with no local record is backfilled so
// its cost enters the ledger. The bool reports whether a job was created.
func (s *Service) Reconcile(ctx context.Context, providerName, providerJobID string) (*models.Job, bool, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return nil, false, err
	}

	job, err := s.store.GetJobByProviderID(ctx, p.Name(), providerJobID)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		job, err = s.backfill(ctx, p, providerJobID)
		if err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	}
	if job.IsTerminal() {
		return job, created, nil
	}

	res, err := p.Poll(ctx, providerJobID)
	if err != nil {
		return job, created, err
	}
	job, err = s.Apply(ctx, job, res)
	return job, created, err
}

func (s *Service) backfill(ctx context.Context, p models.ResearchProvider, providerJobID string) (*models.Job, error) {
	now := s.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Provider:  p.Name(),
		Model:     s.defaultModels[p.Name()],
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.governor.RecordEstimate(ctx, job.ID, nil, 0); err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("backfilling job: %w", err)
	}
	if err := s.store.MarkSubmitted(ctx, job.ID, providerJobID); err != nil {
		return nil, err
	}
	slog.Info("backfilled job from provider",
		"job_id", job.ID,
		"provider", p.Name(),
		"provider_job_id", providerJobID,
	)
	return s.store.GetJob(ctx, job.ID)
}

// Apply moves a job according to one poll result. Terminal results go
// through Finish.
func (s *Service) Apply(ctx context.Context, job *models.Job, res models.PollResult) (*models.Job, error) {
	switch {
	case models.IsTerminalStatus(res.Status):
		out := Outcome{Status: res.Status, Output: res.Output, Usage: res.Usage}
		if res.Status != models.JobStatusCompleted {
			msg := res.Error
			if msg == "" {
				msg = "provider reported " + res.Status
			}
			out.FailureReason = fmt.Sprintf("%s (provider job id %s)", msg, job.ProviderJobID)
		}
		return s.Finish(ctx, job, out)
	case res.Status == models.JobStatusProcessing && job.Status == models.JobStatusSubmitted:
		if err := s.MarkProcessing(ctx, job); err != nil {
			return job, err
		}
	}
	return job, nil
}

// FailInterrupted fails queued jobs that never received a provider id and
// are older than grace. Such jobs were being submitted when the process stopped.
func (s *Service) FailInterrupted(ctx context.Context, grace time.Duration) (int, error) {
	queued, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses: []string{models.JobStatusQueued},
		Until:    s.now().UTC().Add(-grace),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range queued {
		if job.ProviderJobID != "" {
			continue
		}
		if _, err := s.Finish(ctx, job, Outcome{
			Status:        models.JobStatusFailed,
			FailureReason: "SubmissionError: submission interrupted by a restart before the provider answered",
		}); err != nil {
			slog.Error("failed to fail interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
