package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// MemoryStore is an in-process Store for tests and local development. It
// keeps the same transition and ledger guarantees as PostgresStore; records
// are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	keys      map[uuid.UUID]*models.APIKey
	jobs      map[uuid.UUID]*models.Job
	outputs   map[uuid.UUID]string
	campaigns map[uuid.UUID]*models.Campaign
	tasks     map[uuid.UUID]map[string]*models.Task
	spend     []models.SpendRecord

	// ledgerMu serializes ReserveSpend end to end, like the advisory lock.
	ledgerMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      make(map[uuid.UUID]*models.APIKey),
		jobs:      make(map[uuid.UUID]*models.Job),
		outputs:   make(map[uuid.UUID]string),
		campaigns: make(map[uuid.UUID]*models.Campaign),
		tasks:     make(map[uuid.UUID]map[string]*models.Task),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// --- Jobs ---

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Tools = append([]models.ToolConfig(nil), j.Tools...)
	c.VectorStoreIDs = append([]string(nil), j.VectorStoreIDs...)
	c.FileIDs = append([]string(nil), j.FileIDs...)
	if j.ActualCost != nil {
		v := *j.ActualCost
		c.ActualCost = &v
	}
	if j.Usage != nil {
		u := *j.Usage
		c.Usage = &u
	}
	return &c
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	if job.ProviderJobID != "" {
		for _, j := range s.jobs {
			if j.Provider == job.Provider && j.ProviderJobID == job.ProviderJobID {
				return ErrDuplicateKey
			}
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) GetJobByProviderID(_ context.Context, provider, providerJobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Provider == provider && j.ProviderJobID == providerJobID && providerJobID != "" {
			return copyJob(j), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListJobs(_ context.Context, f JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[string]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}

	var out []*models.Job
	for _, j := range s.jobs {
		switch {
		case len(statuses) > 0 && !statuses[j.Status]:
			continue
		case f.Provider != "" && j.Provider != f.Provider:
			continue
		case f.CampaignID != nil && (j.CampaignID == nil || *j.CampaignID != *f.CampaignID):
			continue
		case !f.Since.IsZero() && j.CreatedAt.Before(f.Since):
			continue
		case !f.Until.IsZero() && !j.CreatedAt.Before(f.Until):
			continue
		case f.WithProviderID && j.ProviderJobID == "":
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, id uuid.UUID, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.ProviderJobID != "" {
		if j.ProviderJobID == providerJobID {
			return nil
		}
		return fmt.Errorf("%w: provider job id already set to %s", ErrInvalidTransition, j.ProviderJobID)
	}
	now := time.Now().UTC()
	j.ProviderJobID = providerJobID
	j.UpdatedAt = now
	if j.Status != models.JobStatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, models.JobStatusSubmitted)
	}
	j.Status = models.JobStatusSubmitted
	j.SubmittedAt = &now
	return nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	changed, err := checkTransition(j.Status, status, params)
	if err != nil || !changed {
		return false, err
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if status == models.JobStatusSubmitted && j.SubmittedAt == nil {
		j.SubmittedAt = &now
	}
	if models.IsTerminalStatus(status) {
		j.CompletedAt = &now
	}
	if params.FailureReason != nil {
		j.FailureReason = *params.FailureReason
	}
	if params.Cost != nil {
		v := *params.Cost
		j.ActualCost = &v
	}
	if params.Usage != nil {
		u := *params.Usage
		j.Usage = &u
	}
	if params.Output != nil {
		if _, exists := s.outputs[id]; !exists {
			s.outputs[id] = *params.Output
		}
		j.OutputRef = models.OutputRefFor(id)
	}
	return true, nil
}

func (s *MemoryStore) GetJobOutput(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[id]
	if !ok {
		return "", ErrNotFound
	}
	return out, nil
}

// --- Campaigns ---

func copyTask(t *models.Task) *models.Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Tools = append([]models.ToolConfig(nil), t.Tools...)
	c.VectorStoreIDs = append([]string(nil), t.VectorStoreIDs...)
	if t.JobID != nil {
		id := *t.JobID
		c.JobID = &id
	}
	if t.ContinueOnFailure != nil {
		v := *t.ContinueOnFailure
		c.ContinueOnFailure = &v
	}
	return &c
}

func (s *MemoryStore) CreateCampaign(_ context.Context, c *models.Campaign, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return ErrDuplicateKey
	}
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return ErrDuplicateKey
		}
		tc := copyTask(t)
		tc.CampaignID = c.ID
		byID[t.ID] = tc
	}
	cc := *c
	s.campaigns[c.ID] = &cc
	s.tasks[c.ID] = byID
	return nil
}

func (s *MemoryStore) GetCampaign(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *MemoryStore) ListCampaigns(_ context.Context, statuses []string) ([]*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.Campaign
	for _, c := range s.campaigns {
		if len(want) == 0 || want[c.Status] {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateCampaign(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.campaigns[c.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = c.Status
	cur.CurrentPhase = c.CurrentPhase
	cur.PauseRequested = c.PauseRequested
	cur.AutoApprove = c.AutoApprove
	cur.FailureReason = c.FailureReason
	cur.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, campaignID uuid.UUID) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks[campaignID] {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.CampaignID][t.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyTask(cur)
	if t.JobID != nil {
		id := *t.JobID
		updated.JobID = &id
	} else {
		updated.JobID = nil
	}
	updated.Status = t.Status
	updated.BlockedReason = t.BlockedReason
	updated.FailureReason = t.FailureReason
	updated.AllowFailedDeps = t.AllowFailedDeps
	updated.Prompt = t.Prompt
	updated.EstimatedCost = t.EstimatedCost
	updated.UpdatedAt = t.UpdatedAt
	s.tasks[t.CampaignID][t.ID] = updated
	return nil
}

// --- Spend ledger ---

func (s *MemoryStore) totals(at time.Time, campaignID *uuid.UUID) models.SpendTotals {
	dayStart, dayEnd, monthStart, monthEnd := dayBounds(at)

	type entry struct {
		est, act *models.SpendRecord
	}
	byJob := make(map[uuid.UUID]*entry)
	for i := range s.spend {
		r := &s.spend[i]
		e, ok := byJob[r.JobID]
		if !ok {
			e = &entry{}
			byJob[r.JobID] = e
		}
		switch r.Kind {
		case models.SpendKindEstimate:
			if e.est == nil || !r.RecordedAt.Before(e.est.RecordedAt) {
				e.est = r
			}
		case models.SpendKindActual:
			if e.act == nil || !r.RecordedAt.Before(e.act.RecordedAt) {
				e.act = r
			}
		}
	}

	var t models.SpendTotals
	for _, e := range byJob {
		if e.est == nil {
			continue
		}
		amount := e.est.Amount
		if e.act != nil {
			amount = e.act.Amount
		}
		at := e.est.RecordedAt.UTC()
		if !at.Before(dayStart) && at.Before(dayEnd) {
			t.Day += amount
		}
		if !at.Before(monthStart) && at.Before(monthEnd) {
			t.Month += amount
		}
		if campaignID != nil && e.est.CampaignID != nil && *e.est.CampaignID == *campaignID {
			t.Campaign += amount
		}
	}
	return t
}

func (s *MemoryStore) SpendTotals(_ context.Context, at time.Time, campaignID *uuid.UUID) (models.SpendTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals(at, campaignID), nil
}

func (s *MemoryStore) ReserveSpend(_ context.Context, rec *models.SpendRecord, decide func(models.SpendTotals) error) error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	s.mu.RLock()
	totals := s.totals(rec.RecordedAt, rec.CampaignID)
	s.mu.RUnlock()

	if err := decide(totals); err != nil {
		return &decisionError{err: err}
	}
	return s.append(rec)
}

func (s *MemoryStore) AppendSpend(_ context.Context, rec *models.SpendRecord) error {
	return s.append(rec)
}

func (s *MemoryStore) append(rec *models.SpendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.spend {
		if r.ID == rec.ID {
			return ErrDuplicateKey
		}
	}
	c := *rec
	if rec.CampaignID != nil {
		id := *rec.CampaignID
		c.CampaignID = &id
	}
	s.spend = append(s.spend, c)
	return nil
}

// SpendRecords returns a copy of the ledger in insertion order.
func (s *MemoryStore) SpendRecords() []models.SpendRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SpendRecord(nil), s.spend...)
}

var _ Store = (*MemoryStore)(nil)
