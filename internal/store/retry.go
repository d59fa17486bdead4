package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// RetryPolicy bounds how hard a transient database error is retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times within roughly two seconds.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}

// RetryingStore decorates a Store with exponential-backoff retries of
// transient failures. Domain errors are returned on the first attempt.
type RetryingStore struct {
	inner  Store
	policy RetryPolicy
}

func NewRetrying(inner Store, policy RetryPolicy) *RetryingStore {
	return &RetryingStore{inner: inner, policy: policy}
}

func permanent(err error) bool {
	var de *decisionError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &de)
}

func (r *RetryingStore) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}

func retry[T any](ctx context.Context, r *RetryingStore, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			slog.Warn("store operation failed, retrying", "op", op, "attempt", attempt, "error", err)
		}
		return v, err
	}, r.backoff(ctx))
}

func retryErr(ctx context.Context, r *RetryingStore, op string, fn func() error) error {
	_, err := retry(ctx, r, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *RetryingStore) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *RetryingStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return retry(ctx, r, "get_api_key_by_prefix", func() ([]*models.APIKey, error) {
		return r.inner.GetAPIKeyByPrefix(ctx, prefix)
	})
}

func (r *RetryingStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	return retryErr(ctx, r, "update_api_key_last_used", func() error { return r.inner.UpdateAPIKeyLastUsed(ctx, id) })
}

func (r *RetryingStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return retryErr(ctx, r, "create_api_key", func() error { return r.inner.CreateAPIKey(ctx, key) })
}

func (r *RetryingStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return retry(ctx, r, "list_api_keys", func() ([]*models.APIKey, error) { return r.inner.ListAPIKeys(ctx) })
}

func (r *RetryingStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	return retryErr(ctx, r, "revoke_api_key", func() error { return r.inner.RevokeAPIKey(ctx, id) })
}

func (r *RetryingStore) CreateJob(ctx context.Context, job *models.Job) error {
	return retryErr(ctx, r, "create_job", func() error { return r.inner.CreateJob(ctx, job) })
}

func (r *RetryingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return retry(ctx, r, "get_job", func() (*models.Job, error) { return r.inner.GetJob(ctx, id) })
}

func (r *RetryingStore) GetJobByProviderID(ctx context.Context, provider, providerJobID string) (*models.Job, error) {
	return retry(ctx, r, "get_job_by_provider_id", func() (*models.Job, error) {
		return r.inner.GetJobByProviderID(ctx, provider, providerJobID)
	})
}

func (r *RetryingStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	return retry(ctx, r, "list_jobs", func() ([]*models.Job, error) { return r.inner.ListJobs(ctx, filter) })
}

func (r *RetryingStore) MarkSubmitted(ctx context.Context, id uuid.UUID, providerJobID string) error {
	return retryErr(ctx, r, "mark_submitted", func() error { return r.inner.MarkSubmitted(ctx, id, providerJobID) })
}

func (r *RetryingStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error) {
	return retry(ctx, r, "update_job_status", func() (bool, error) {
		return r.inner.UpdateJobStatus(ctx, id, status, opts...)
	})
}

func (r *RetryingStore) GetJobOutput(ctx context.Context, id uuid.UUID) (string, error) {
	return retry(ctx, r, "get_job_output", func() (string, error) { return r.inner.GetJobOutput(ctx, id) })
}

func (r *RetryingStore) CreateCampaign(ctx context.Context, c *models.Campaign, tasks []*models.Task) error {
	return retryErr(ctx, r, "create_campaign", func() error { return r.inner.CreateCampaign(ctx, c, tasks) })
}

func (r *RetryingStore) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	return retry(ctx, r, "get_campaign", func() (*models.Campaign, error) { return r.inner.GetCampaign(ctx, id) })
}

func (r *RetryingStore) ListCampaigns(ctx context.Context, statuses []string) ([]*models.Campaign, error) {
	return retry(ctx, r, "list_campaigns", func() ([]*models.Campaign, error) {
		return r.inner.ListCampaigns(ctx, statuses)
	})
}

func (r *RetryingStore) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	return retryErr(ctx, r, "update_campaign", func() error { return r.inner.UpdateCampaign(ctx, c) })
}

func (r *RetryingStore) ListTasks(ctx context.Context, campaignID uuid.UUID) ([]*models.Task, error) {
	return retry(ctx, r, "list_tasks", func() ([]*models.Task, error) { return r.inner.ListTasks(ctx, campaignID) })
}

func (r *RetryingStore) UpdateTask(ctx context.Context, t *models.Task) error {
	return retryErr(ctx, r, "update_task", func() error { return r.inner.UpdateTask(ctx, t) })
}

func (r *RetryingStore) ReserveSpend(ctx context.Context, rec *models.SpendRecord, decide func(models.SpendTotals) error) error {
	return retryErr(ctx, r, "reserve_spend", func() error { return r.inner.ReserveSpend(ctx, rec, decide) })
}

func (r *RetryingStore) AppendSpend(ctx context.Context, rec *models.SpendRecord) error {
	return retryErr(ctx, r, "append_spend", func() error { return r.inner.AppendSpend(ctx, rec) })
}

func (r *RetryingStore) SpendTotals(ctx context.Context, at time.Time, campaignID *uuid.UUID) (models.SpendTotals, error) {
	return retry(ctx, r, "spend_totals", func() (models.SpendTotals, error) {
		return r.inner.SpendTotals(ctx, at, campaignID)
	})
}

var _ Store = (*RetryingStore)(nil)
