package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/researchops/internal/api/response"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/jobs"
)

// Estimator prices a request without reserving budget.
type Estimator interface {
	Estimate(req jobs.SubmitRequest) (jobs.Quote, error)
}

// BudgetService reports spend and checks estimates against the ceilings.
type BudgetService interface {
	Summary(ctx context.Context) (budget.Summary, error)
	Preflight(ctx context.Context, estimate float64) (budget.Decision, error)
}

type estimateResponse struct {
	jobs.Quote
	Decision budget.Decision `json:"decision"`
}

// NewEstimateHandler returns an http.HandlerFunc for POST /api/v1/budget/estimate.
func NewEstimateHandler(est Estimator, gov BudgetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.SubmitRequest
		if !decodeBody(w, r, &req, false) {
			return
		}

		quote, err := est.Estimate(req)
		if err != nil {
			writeError(w, err)
			return
		}
		decision, err := gov.Preflight(r.Context(), quote.Estimate)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, estimateResponse{Quote: quote, Decision: decision})
	}
}

// NewBudgetSummaryHandler returns an http.HandlerFunc for GET /api/v1/budget.
func NewBudgetSummaryHandler(gov BudgetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := gov.Summary(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, sum)
	}
}
