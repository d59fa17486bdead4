package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/api/response"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var jobStatuses = map[string]bool{
	models.JobStatusQueued:     true,
	models.JobStatusSubmitted:  true,
	models.JobStatusProcessing: true,
	models.JobStatusCompleted:  true,
	models.JobStatusFailed:     true,
	models.JobStatusCancelled:  true,
	models.JobStatusExpired:    true,
}

// JobService is the job lifecycle the handlers drive.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (models.JobView, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	Output(ctx context.Context, id uuid.UUID) (string, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Job, error)
	Retry(ctx context.Context, id uuid.UUID, approved bool) (*models.Job, error)
	Reconcile(ctx context.Context, providerName, providerJobID string) (*models.Job, bool, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.SubmitRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			invalid(w, "prompt is required")
			return
		}

		job, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeSubmitError(w, job, err)
			return
		}
		response.Accepted(w, job.View())
	}
}

// writeSubmitError reports a rejected submission. A provider rejection
// still produced a failed job, so its view travels with the error.
func writeSubmitError(w http.ResponseWriter, job *models.Job, err error) {
	if job == nil {
		writeError(w, err)
		return
	}
	response.Error(w, http.StatusUnprocessableEntity, "SUBMISSION_REJECTED", err.Error(),
		map[string]any{"job": job.View()})
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, ok := parseJobFilter(w, r)
		if !ok {
			return
		}
		list, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]models.JobView, 0, len(list))
		for _, j := range list {
			views = append(views, j.View())
		}
		response.List(w, views, len(views), filter.Limit)
	}
}

func parseJobFilter(w http.ResponseWriter, r *http.Request) (store.JobFilter, bool) {
	q := r.URL.Query()
	filter := store.JobFilter{Provider: q.Get("provider"), Limit: defaultListLimit}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !jobStatuses[s] {
				invalid(w, "unknown status "+strconv.Quote(s))
				return filter, false
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}
	if raw := q.Get("campaign_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			invalid(w, "campaign_id must be a valid UUID")
			return filter, false
		}
		filter.CampaignID = &id
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			invalid(w, p.name+" must be a valid RFC3339 timestamp")
			return filter, false
		}
		*p.dst = t
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		invalid(w, "until must not be before since")
		return filter, false
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			invalid(w, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return filter, false
		}
		filter.Limit = n
	}
	return filter, true
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		view, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, view)
	}
}

type outputResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Output string    `json:"output"`
}

// NewJobOutputHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/output.
func NewJobOutputHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		out, err := svc.Output(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, outputResponse{JobID: id, Output: out})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &body, true) {
			return
		}

		job, err := svc.Cancel(r.Context(), id, body.Reason)
		if errors.Is(err, jobs.ErrAlreadyFinal) && job != nil {
			response.Error(w, http.StatusConflict, "ALREADY_FINAL", err.Error(),
				map[string]any{"job": job.View()})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, job.View())
	}
}

// NewRetryJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
func NewRetryJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		var body struct {
			Approved bool `json:"approved"`
		}
		if !decodeBody(w, r, &body, true) {
			return
		}

		job, err := svc.Retry(r.Context(), id, body.Approved)
		if err != nil {
			writeSubmitError(w, job, err)
			return
		}
		response.Accepted(w, job.View())
	}
}

type reconcileResponse struct {
	Job     models.JobView `json:"job"`
	Created bool           `json:"created"`
}

// NewReconcileHandler returns an http.HandlerFunc for POST /api/v1/admin/reconcile.
func NewReconcileHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Provider      string `json:"provider"`
			ProviderJobID string `json:"provider_job_id"`
		}
		if !decodeBody(w, r, &body, false) {
			return
		}
		if body.Provider == "" || body.ProviderJobID == "" {
			invalid(w, "provider and provider_job_id are required")
			return
		}

		job, created, err := svc.Reconcile(r.Context(), body.Provider, body.ProviderJobID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, reconcileResponse{Job: job.View(), Created: created})
	}
}
