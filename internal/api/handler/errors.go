package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/api/response"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/campaign"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/store"
)

const maxBodyBytes = 1 << 20

// writeError maps service errors onto the error envelope.
func writeError(w http.ResponseWriter, err error) {
	var (
		denied  *budget.DeniedError
		confirm *budget.ConfirmationRequiredError
		planErr *campaign.PlanError
		subErr  *provider.SubmissionError
		cfgErr  *provider.ConfigurationError
	)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, campaign.ErrUnknownTask):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.As(err, &denied):
		response.Error(w, http.StatusPaymentRequired, "BUDGET_DENIED", err.Error(),
			map[string]any{"decision": denied.Decision})
	case errors.As(err, &confirm):
		response.Error(w, http.StatusConflict, "CONFIRMATION_REQUIRED",
			"Estimated cost crosses a soft budget ceiling; resubmit with approved=true",
			map[string]any{"decision": confirm.Decision, "estimate": confirm.Estimate})
	case errors.As(err, &planErr):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_PLAN", "Campaign plan is invalid",
			map[string]any{"problems": planErr.Problems})
	case errors.Is(err, campaign.ErrOverBudget):
		response.Error(w, http.StatusUnprocessableEntity, "OVER_BUDGET", err.Error(), nil)
	case errors.As(err, &cfgErr):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_CONFIGURATION", err.Error(), nil)
	case errors.As(err, &subErr):
		response.Error(w, http.StatusUnprocessableEntity, "SUBMISSION_REJECTED", err.Error(), nil)
	case errors.Is(err, provider.ErrUnknownProvider):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_PROVIDER", err.Error(), nil)
	case errors.Is(err, jobs.ErrOutputNotReady):
		response.Error(w, http.StatusConflict, "OUTPUT_NOT_READY", err.Error(), nil)
	case errors.Is(err, jobs.ErrAlreadyFinal):
		response.Error(w, http.StatusConflict, "ALREADY_FINAL", err.Error(), nil)
	case errors.Is(err, jobs.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)
	case errors.Is(err, campaign.ErrInvalidState), errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case provider.IsRetryable(err):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", err.Error(), nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func invalid(w http.ResponseWriter, msg string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
}

// pathID parses a UUID path parameter, writing a 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		invalid(w, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// optional is set and leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	invalid(w, "Invalid JSON body")
	return false
}
