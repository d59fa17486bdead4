package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SpendKindEstimate = "estimate"
	SpendKindActual   = "actual"
)

// SpendRecord is one append-only ledger entry. A job's effective spend is its
// latest actual record if present, otherwise its estimate record.
type SpendRecord struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	JobID      uuid.UUID  `db:"job_id"      json:"job_id"`
	CampaignID *uuid.UUID `db:"campaign_id" json:"campaign_id,omitempty"`
	Kind       string     `db:"kind"        json:"kind"`
	Amount     float64    `db:"amount"      json:"amount"`
	RecordedAt time.Time  `db:"recorded_at" json:"recorded_at"`
}

// SpendTotals is the effective spend aggregated for one authorization decision.
// Day and month are the UTC buckets containing the reservation time.
type SpendTotals struct {
	Day      float64 `json:"day"`
	Month    float64 `json:"month"`
	Campaign float64 `json:"campaign"`
}
