package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CampaignStatusDraft     = "draft"
	CampaignStatusPlanned   = "planned"
	CampaignStatusExecuting = "executing"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusFailed    = "failed"
)

const (
	FailurePolicyFail     = "fail"
	FailurePolicyContinue = "continue"
)

// Campaign groups tasks into phases executed in ascending order under one budget cap.
type Campaign struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	Goal           string    `db:"goal"            json:"goal"`
	BudgetCap      float64   `db:"budget_cap"      json:"budget_cap"`
	Status         string    `db:"status"          json:"status"`
	CurrentPhase   int       `db:"current_phase"   json:"current_phase"`
	PhaseCount     int       `db:"phase_count"     json:"phase_count"`
	FailurePolicy  string    `db:"failure_policy"  json:"failure_policy"`
	PauseRequested bool      `db:"pause_requested" json:"pause_requested"`
	AutoApprove    bool      `db:"auto_approve"    json:"auto_approve"`
	FailureReason  string    `db:"failure_reason"  json:"failure_reason,omitempty"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// IsFinished reports whether the campaign reached completed or failed.
func (c *Campaign) IsFinished() bool {
	return c.Status == CampaignStatusCompleted || c.Status == CampaignStatusFailed
}

// CampaignView is a campaign with its tasks and spend, as returned by the status surface.
type CampaignView struct {
	Campaign
	Spent float64 `json:"spent"`
	Tasks []*Task `json:"tasks"`
}
