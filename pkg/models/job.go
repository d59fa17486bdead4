package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusSubmitted  = "submitted"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
	JobStatusExpired    = "expired"
)

// IsTerminalStatus reports whether no further transition can leave status.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	default:
		return false
	}
}

// Job is one unit of research work submitted to a single provider.
// The ID is local and stable; ProviderJobID is assigned by the provider on
// acceptance and never changes afterwards.
type Job struct {
	ID             uuid.UUID    `db:"id"               json:"id"`
	ProviderJobID  string       `db:"provider_job_id"  json:"provider_job_id,omitempty"`
	Provider       string       `db:"provider"         json:"provider"`
	Model          string       `db:"model"            json:"model"`
	Prompt         string       `db:"prompt"           json:"prompt"`
	Tools          []ToolConfig `db:"tools"            json:"tools,omitempty"`
	VectorStoreIDs []string     `db:"vector_store_ids" json:"vector_store_ids,omitempty"`
	FileIDs        []string     `db:"file_ids"         json:"file_ids,omitempty"`
	WebhookURL     string       `db:"webhook_url"      json:"webhook_url,omitempty"`
	Priority       int          `db:"priority"         json:"priority"`
	Status         string       `db:"status"           json:"status"`
	FailureReason  string       `db:"failure_reason"   json:"failure_reason,omitempty"`
	CostEstimate   float64      `db:"cost_estimate"    json:"cost_estimate"`
	ActualCost     *float64     `db:"actual_cost"      json:"actual_cost,omitempty"`
	Usage          *Usage       `db:"usage"            json:"usage,omitempty"`
	OutputRef      string       `db:"output_ref"       json:"output_ref,omitempty"`
	RetryCount     int          `db:"retry_count"      json:"retry_count"`
	RetryOf        *uuid.UUID   `db:"retry_of"         json:"retry_of,omitempty"`
	CampaignID     *uuid.UUID   `db:"campaign_id"      json:"campaign_id,omitempty"`
	TaskID         string       `db:"task_id"          json:"task_id,omitempty"`
	CreatedAt      time.Time    `db:"created_at"       json:"created_at"`
	SubmittedAt    *time.Time   `db:"submitted_at"     json:"submitted_at,omitempty"`
	CompletedAt    *time.Time   `db:"completed_at"     json:"completed_at,omitempty"`
	UpdatedAt      time.Time    `db:"updated_at"       json:"updated_at"`
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool { return IsTerminalStatus(j.Status) }

// OutputRefFor is the reference stored on a job once its output is persisted.
func OutputRefFor(id uuid.UUID) string {
	return fmt.Sprintf("job:%s/output", id)
}

// Usage records what a provider reported for a finished job.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	ToolCalls       int `json:"tool_calls,omitempty"`
}

// JobView is the payload returned by the status surface and delivered to webhooks.
type JobView struct {
	ID            uuid.UUID  `json:"id"`
	ProviderJobID string     `json:"provider_job_id,omitempty"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CostEstimate  float64    `json:"cost_estimate"`
	CostSoFar     float64    `json:"cost_so_far"`
	Usage         *Usage     `json:"usage,omitempty"`
	OutputRef     string     `json:"output_ref,omitempty"`
	CampaignID    *uuid.UUID `json:"campaign_id,omitempty"`
	TaskID        string     `json:"task_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// View derives the status-surface payload. Cost so far is the actual cost once
// known, otherwise the estimate.
func (j *Job) View() JobView {
	cost := j.CostEstimate
	if j.ActualCost != nil {
		cost = *j.ActualCost
	}
	v := JobView{
		ID:            j.ID,
		ProviderJobID: j.ProviderJobID,
		Provider:      j.Provider,
		Model:         j.Model,
		Status:        j.Status,
		FailureReason: j.FailureReason,
		CostEstimate:  j.CostEstimate,
		CostSoFar:     cost,
		Usage:         j.Usage,
		CampaignID:    j.CampaignID,
		TaskID:        j.TaskID,
		UpdatedAt:     j.UpdatedAt,
	}
	if j.IsTerminal() {
		v.OutputRef = j.OutputRef
	}
	return v
}
