package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByProviderID(ctx context.Context, provider, providerJobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// MarkSubmitted records the provider job id and moves a queued job to
	// submitted. The id is recorded even when the job already left queued,
	// in which case ErrInvalidTransition is returned.
	MarkSubmitted(ctx context.Context, id uuid.UUID, providerJobID string) error
	// UpdateJobStatus applies one lifecycle edge. Re-applying the current
	// status is a no-op reported as changed=false.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error)
	GetJobOutput(ctx context.Context, id uuid.UUID) (string, error)

	CreateCampaign(ctx context.Context, c *models.Campaign, tasks []*models.Task) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, statuses []string) ([]*models.Campaign, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	ListTasks(ctx context.Context, campaignID uuid.UUID) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error

	// ReserveSpend computes the totals, calls decide to accept or reject them and
	// appends rec, all under one ledger-wide lock. An error from decide aborts
	// the reservation and is returned unchanged in meaning.
	ReserveSpend(ctx context.Context, rec *models.SpendRecord, decide func(models.SpendTotals) error) error
	AppendSpend(ctx context.Context, rec *models.SpendRecord) error
	SpendTotals(ctx context.Context, at time.Time, campaignID *uuid.UUID) (models.SpendTotals, error)
}

type JobFilter struct {
	Statuses   []string
	Provider   string
	CampaignID *uuid.UUID
	Since      time.Time
	Until      time.Time
	// WithProviderID restricts the result to jobs a provider accepted.
	WithProviderID bool
	// Limit <= 0 returns every match.
	Limit int
}

type jobUpdateParams struct {
	FailureReason *string
	Cost          *float64
	Usage         *models.Usage
	Output        *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithFailureReason(reason string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FailureReason = &reason
	}
}

// WithCost sets the actual cost. Only valid together with a terminal status.
func WithCost(cost float64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Cost = &cost
	}
}

func WithUsage(u models.Usage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Usage = &u
	}
}

// WithOutput persists the job output and sets its output reference.
func WithOutput(output string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Output = &output
	}
}

var validTransitions = map[string][]string{
	models.JobStatusQueued: {
		models.JobStatusSubmitted, models.JobStatusFailed, models.JobStatusCancelled,
	},
	models.JobStatusSubmitted: {
		models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed,
		models.JobStatusCancelled, models.JobStatusExpired,
	},
	models.JobStatusProcessing: {
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusExpired,
	},
}

// CanTransition reports whether from -> to is an edge of the job lifecycle.
func CanTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// checkTransition decides whether an update changes the stored job.
func checkTransition(current, next string, p *jobUpdateParams) (bool, error) {
	if (p.Cost != nil || p.Usage != nil) && !models.IsTerminalStatus(next) {
		return false, fmt.Errorf("%w: cost and usage require a terminal status, got %s", ErrInvalidTransition, next)
	}
	if current == next {
		return false, nil
	}
	if !CanTransition(current, next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return true, nil
}

// decisionError carries a rejection from a ReserveSpend decide func. It is
// never retried.
type decisionError struct{ err error }

func (e *decisionError) Error() string { return e.err.Error() }
func (e *decisionError) Unwrap() error { return e.err }

// dayBounds returns the UTC day and month windows containing at.
func dayBounds(at time.Time) (dayStart, dayEnd, monthStart, monthEnd time.Time) {
	at = at.UTC()
	dayStart = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd = dayStart.AddDate(0, 0, 1)
	monthStart = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd = monthStart.AddDate(0, 1, 0)
	return
}
