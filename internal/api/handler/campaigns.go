package handler

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/api/response"
	"github.com/kiranshivaraju/researchops/internal/campaign"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// CampaignService is the campaign scheduler surface.
type CampaignService interface {
	Plan(ctx context.Context, req campaign.PlanRequest) (*models.CampaignView, error)
	Status(ctx context.Context, id uuid.UUID) (*models.CampaignView, error)
	Execute(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	OverrideDependency(ctx context.Context, id uuid.UUID, taskID string) (*models.Task, error)
}

func isYAML(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch ct {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

// NewPlanCampaignHandler returns an http.HandlerFunc for POST /api/v1/campaigns.
// The plan may be JSON or YAML, selected by Content-Type.
func NewPlanCampaignHandler(svc CampaignService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req campaign.PlanRequest
		if isYAML(r) {
			data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				invalid(w, "Unreadable request body")
				return
			}
			if req, err = campaign.ParsePlanYAML(data); err != nil {
				writeError(w, err)
				return
			}
		} else if !decodeBody(w, r, &req, false) {
			return
		}

		view, err := svc.Plan(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, view)
	}
}

// NewGetCampaignHandler returns an http.HandlerFunc for GET /api/v1/campaigns/{campaignID}.
func NewGetCampaignHandler(svc CampaignService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "campaignID")
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

// Campaign actions that change state.
const (
	ActionExecute = "execute"
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionCancel  = "cancel"
)

// NewCampaignActionHandler returns an http.HandlerFunc for
// POST /api/v1/campaigns/{campaignID}/{action} and answers with the
// campaign as it stands afterwards. A campaign that fails because a task
// failed is reported through its status, not as a request error.
func NewCampaignActionHandler(svc CampaignService, action string) http.HandlerFunc {
	var run func(context.Context, uuid.UUID) error
	switch action {
	case ActionExecute:
		run = svc.Execute
	case ActionPause:
		run = svc.Pause
	case ActionResume:
		run = svc.Resume
	case ActionCancel:
		run = svc.Cancel
	default:
		panic("handler: unknown campaign action " + action)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "campaignID")
		if !ok {
			return
		}
		if err := run(r.Context(), id); err != nil && !errors.Is(err, campaign.ErrDependencyFailed) {
			writeError(w, err)
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

// NewOverrideDependencyHandler returns an http.HandlerFunc for
// POST /api/v1/campaigns/{campaignID}/tasks/{taskID}/override.
func NewOverrideDependencyHandler(svc CampaignService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "campaignID")
		if !ok {
			return
		}
		task, err := svc.OverrideDependency(r.Context(), id, chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, task)
	}
}
