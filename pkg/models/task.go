package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatusBlocked marks a task waiting on its dependencies. Every other
// task status mirrors the status of its job.
const TaskStatusBlocked = "blocked"

// Task is a node in a campaign's dependency graph. It becomes a Job once submitted.
type Task struct {
	ID                string       `db:"id"                  json:"id"                            yaml:"id"`
	CampaignID        uuid.UUID    `db:"campaign_id"         json:"campaign_id"                   yaml:"-"`
	Phase             int          `db:"phase"               json:"phase"                         yaml:"phase"`
	Title             string       `db:"title"               json:"title,omitempty"               yaml:"title,omitempty"`
	PromptTemplate    string       `db:"prompt_template"     json:"prompt_template"               yaml:"prompt"`
	DependsOn         []string     `db:"depends_on"          json:"depends_on,omitempty"          yaml:"depends_on,omitempty"`
	Provider          string       `db:"provider"            json:"provider"                      yaml:"provider"`
	Model             string       `db:"model"               json:"model"                         yaml:"model"`
	Tools             []ToolConfig `db:"tools"               json:"tools,omitempty"               yaml:"tools,omitempty"`
	VectorStoreIDs    []string     `db:"vector_store_ids"    json:"vector_store_ids,omitempty"    yaml:"vector_store_ids,omitempty"`
	EstimatedCost     float64      `db:"estimated_cost"      json:"estimated_cost"                yaml:"-"`
	JobID             *uuid.UUID   `db:"job_id"              json:"job_id,omitempty"              yaml:"-"`
	Status            string       `db:"status"              json:"status"                        yaml:"-"`
	BlockedReason     string       `db:"blocked_reason"      json:"blocked_reason,omitempty"      yaml:"-"`
	FailureReason     string       `db:"failure_reason"      json:"failure_reason,omitempty"      yaml:"-"`
	ContinueOnFailure *bool        `db:"continue_on_failure" json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	AllowFailedDeps   bool         `db:"allow_failed_deps"   json:"allow_failed_deps"             yaml:"-"`
	Prompt            string       `db:"prompt"              json:"prompt,omitempty"              yaml:"-"`
	UpdatedAt         time.Time    `db:"updated_at"          json:"updated_at"                    yaml:"-"`
}

// IsTerminal reports whether the task's job reached a final state.
func (t *Task) IsTerminal() bool { return IsTerminalStatus(t.Status) }

// InFlight reports whether the task was handed to a provider and is not yet finished.
func (t *Task) InFlight() bool {
	return t.Status == JobStatusQueued && t.JobID != nil ||
		t.Status == JobStatusSubmitted || t.Status == JobStatusProcessing
}
