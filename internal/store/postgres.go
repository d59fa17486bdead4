package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// spendLockKey is the advisory lock serializing every spend reservation.
const spendLockKey = 0x5e4d

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, provider_job_id, provider, model, prompt, tools, vector_store_ids, file_ids,
	webhook_url, priority, status, failure_reason, cost_estimate, actual_cost, usage, output_ref,
	retry_count, retry_of, campaign_id, task_id, created_at, submitted_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j     models.Job
		tools []byte
		usage []byte
	)
	err := row.Scan(&j.ID, &j.ProviderJobID, &j.Provider, &j.Model, &j.Prompt, &tools,
		&j.VectorStoreIDs, &j.FileIDs, &j.WebhookURL, &j.Priority, &j.Status, &j.FailureReason,
		&j.CostEstimate, &j.ActualCost, &usage, &j.OutputRef, &j.RetryCount, &j.RetryOf,
		&j.CampaignID, &j.TaskID, &j.CreatedAt, &j.SubmittedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &j.Tools); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
	}
	if len(usage) > 0 {
		j.Usage = &models.Usage{}
		if err := json.Unmarshal(usage, j.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	return &j, nil
}

func marshalTools(tools []models.ToolConfig) ([]byte, error) {
	if tools == nil {
		tools = []models.ToolConfig{}
	}
	return json.Marshal(tools)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	tools, err := marshalTools(job.Tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, provider_job_id, provider, model, prompt, tools, vector_store_ids, file_ids,
		   webhook_url, priority, status, failure_reason, cost_estimate, retry_count, retry_of,
		   campaign_id, task_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		job.ID, job.ProviderJobID, job.Provider, job.Model, job.Prompt, tools, job.VectorStoreIDs,
		job.FileIDs, job.WebhookURL, job.Priority, job.Status, job.FailureReason, job.CostEstimate,
		job.RetryCount, job.RetryOf, job.CampaignID, job.TaskID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByProviderID(ctx context.Context, provider, providerJobID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider = $1 AND provider_job_id = $2`, provider, providerJobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by provider id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, filter.Statuses)
		argIdx++
	}
	if filter.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("provider = $%d", argIdx))
		args = append(args, filter.Provider)
		argIdx++
	}
	if filter.CampaignID != nil {
		conditions = append(conditions, fmt.Sprintf("campaign_id = $%d", argIdx))
		args = append(args, *filter.CampaignID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.Until)
		argIdx++
	}
	if filter.WithProviderID {
		conditions = append(conditions, "provider_job_id <> ''")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, id uuid.UUID, providerJobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark submitted: %w", err)
	}
	defer tx.Rollback(ctx)

	var status, current string
	err = tx.QueryRow(ctx, `SELECT status, provider_job_id FROM jobs WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job for submit: %w", err)
	}
	if current != "" {
		if current == providerJobID {
			return nil
		}
		return fmt.Errorf("%w: provider job id already set to %s", ErrInvalidTransition, current)
	}

	now := time.Now().UTC()
	if status == models.JobStatusQueued {
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET provider_job_id = $2, status = $3, submitted_at = $4, updated_at = $4 WHERE id = $1`,
			id, providerJobID, models.JobStatusSubmitted, now)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET provider_job_id = $2, updated_at = $3 WHERE id = $1`, id, providerJobID, now)
	}
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark submitted: %w", err)
	}
	if status != models.JobStatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, models.JobStatusSubmitted)
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin update job status: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent updates to the same job.
	var currentStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get job status: %w", err)
	}

	changed, err := checkTransition(currentStatus, status, params)
	if err != nil || !changed {
		return false, err
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusSubmitted {
		query += fmt.Sprintf(", submitted_at = COALESCE(submitted_at, $%d)", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminalStatus(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.FailureReason != nil {
		query += fmt.Sprintf(", failure_reason = $%d", argIdx)
		args = append(args, *params.FailureReason)
		argIdx++
	}
	if params.Cost != nil {
		query += fmt.Sprintf(", actual_cost = $%d", argIdx)
		args = append(args, *params.Cost)
		argIdx++
	}
	if params.Usage != nil {
		b, err := json.Marshal(params.Usage)
		if err != nil {
			return false, fmt.Errorf("encode usage: %w", err)
		}
		query += fmt.Sprintf(", usage = $%d", argIdx)
		args = append(args, b)
		argIdx++
	}
	if params.Output != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO job_outputs (job_id, output, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT (job_id) DO NOTHING`, id, *params.Output, now)
		if err != nil {
			return false, fmt.Errorf("store job output: %w", err)
		}
		query += fmt.Sprintf(", output_ref = $%d", argIdx)
		args = append(args, models.OutputRefFor(id))
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit job status: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetJobOutput(ctx context.Context, id uuid.UUID) (string, error) {
	var out string
	err := s.pool.QueryRow(ctx, `SELECT output FROM job_outputs WHERE job_id = $1`, id).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job output: %w", err)
	}
	return out, nil
}

// --- Campaigns ---

const campaignColumns = `id, goal, budget_cap, status, current_phase, phase_count, failure_policy,
	pause_requested, auto_approve, failure_reason, created_at, updated_at`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.Goal, &c.BudgetCap, &c.Status, &c.CurrentPhase, &c.PhaseCount,
		&c.FailurePolicy, &c.PauseRequested, &c.AutoApprove, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign persists the campaign and its tasks in one transaction.
func (s *PostgresStore) CreateCampaign(ctx context.Context, c *models.Campaign, tasks []*models.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create campaign: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO campaigns (id, goal, budget_cap, status, current_phase, phase_count, failure_policy,
		   pause_requested, auto_approve, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Goal, c.BudgetCap, c.Status, c.CurrentPhase, c.PhaseCount, c.FailurePolicy,
		c.PauseRequested, c.AutoApprove, c.FailureReason, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create campaign: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range tasks {
		tools, err := marshalTools(t.Tools)
		if err != nil {
			return fmt.Errorf("encode task tools: %w", err)
		}
		batch.Queue(
			`INSERT INTO tasks (campaign_id, id, phase, title, prompt_template, depends_on, provider, model,
			   tools, vector_store_ids, estimated_cost, status, blocked_reason, continue_on_failure, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			c.ID, t.ID, t.Phase, t.Title, t.PromptTemplate, t.DependsOn, t.Provider, t.Model,
			tools, t.VectorStoreIDs, t.EstimatedCost, t.Status, t.BlockedReason, t.ContinueOnFailure, t.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit campaign: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, statuses []string) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statuses)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET status = $2, current_phase = $3, pause_requested = $4, auto_approve = $5,
		   failure_reason = $6, updated_at = $7
		 WHERE id = $1`,
		c.ID, c.Status, c.CurrentPhase, c.PauseRequested, c.AutoApprove, c.FailureReason, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, campaignID uuid.UUID) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT campaign_id, id, phase, title, prompt_template, depends_on, provider, model, tools,
		   vector_store_ids, estimated_cost, job_id, status, blocked_reason, failure_reason,
		   continue_on_failure, allow_failed_deps, prompt, updated_at
		 FROM tasks WHERE campaign_id = $1 ORDER BY phase, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var (
			t     models.Task
			tools []byte
		)
		if err := rows.Scan(&t.CampaignID, &t.ID, &t.Phase, &t.Title, &t.PromptTemplate, &t.DependsOn,
			&t.Provider, &t.Model, &tools, &t.VectorStoreIDs, &t.EstimatedCost, &t.JobID, &t.Status,
			&t.BlockedReason, &t.FailureReason, &t.ContinueOnFailure, &t.AllowFailedDeps, &t.Prompt,
			&t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if len(tools) > 0 {
			if err := json.Unmarshal(tools, &t.Tools); err != nil {
				return nil, fmt.Errorf("decode task tools: %w", err)
			}
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *models.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET job_id = $3, status = $4, blocked_reason = $5, failure_reason = $6,
		   allow_failed_deps = $7, prompt = $8, estimated_cost = $9, updated_at = $10
		 WHERE campaign_id = $1 AND id = $2`,
		t.CampaignID, t.ID, t.JobID, t.Status, t.BlockedReason, t.FailureReason,
		t.AllowFailedDeps, t.Prompt, t.EstimatedCost, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Spend ledger ---

// spendTotalsQuery sums effective spend: the latest actual record of a job
// when one exists, otherwise its estimate. Buckets use the estimate time.
const spendTotalsQuery = `
WITH est AS (
    SELECT DISTINCT ON (job_id) job_id, campaign_id, amount, recorded_at
    FROM spend_records WHERE kind = 'estimate'
    ORDER BY job_id, recorded_at DESC
), act AS (
    SELECT DISTINCT ON (job_id) job_id, amount
    FROM spend_records WHERE kind = 'actual'
    ORDER BY job_id, recorded_at DESC
)
SELECT
    COALESCE(SUM(COALESCE(act.amount, est.amount)) FILTER (WHERE est.recorded_at >= $1 AND est.recorded_at < $2), 0)::float8,
    COALESCE(SUM(COALESCE(act.amount, est.amount)) FILTER (WHERE est.recorded_at >= $3 AND est.recorded_at < $4), 0)::float8,
    COALESCE(SUM(COALESCE(act.amount, est.amount)) FILTER (WHERE est.campaign_id = $5), 0)::float8
FROM est LEFT JOIN act USING (job_id)`

func spendTotals(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, at time.Time, campaignID *uuid.UUID) (models.SpendTotals, error) {
	dayStart, dayEnd, monthStart, monthEnd := dayBounds(at)
	var t models.SpendTotals
	err := q.QueryRow(ctx, spendTotalsQuery, dayStart, dayEnd, monthStart, monthEnd, campaignID).
		Scan(&t.Day, &t.Month, &t.Campaign)
	if err != nil {
		return models.SpendTotals{}, fmt.Errorf("spend totals: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) SpendTotals(ctx context.Context, at time.Time, campaignID *uuid.UUID) (models.SpendTotals, error) {
	return spendTotals(ctx, s.pool, at, campaignID)
}

func (s *PostgresStore) ReserveSpend(ctx context.Context, rec *models.SpendRecord, decide func(models.SpendTotals) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reserve spend: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(spendLockKey)); err != nil {
		return fmt.Errorf("lock spend ledger: %w", err)
	}

	totals, err := spendTotals(ctx, tx, rec.RecordedAt, rec.CampaignID)
	if err != nil {
		return err
	}
	if err := decide(totals); err != nil {
		return &decisionError{err: err}
	}

	if err := insertSpend(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit spend reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendSpend(ctx context.Context, rec *models.SpendRecord) error {
	return insertSpend(ctx, s.pool, rec)
}

func insertSpend(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, rec *models.SpendRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO spend_records (id, job_id, campaign_id, kind, amount, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.JobID, rec.CampaignID, rec.Kind, rec.Amount, rec.RecordedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("append spend record: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
