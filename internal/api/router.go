package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/researchops/internal/api/middleware"
	"github.com/kiranshivaraju/researchops/internal/api/response"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob http.HandlerFunc
	ListJobs  http.HandlerFunc
	GetJob    http.HandlerFunc
	JobOutput http.HandlerFunc
	CancelJob http.HandlerFunc
	RetryJob  http.HandlerFunc

	PlanCampaign       http.HandlerFunc
	GetCampaign        http.HandlerFunc
	ExecuteCampaign    http.HandlerFunc
	PauseCampaign      http.HandlerFunc
	ResumeCampaign     http.HandlerFunc
	CancelCampaign     http.HandlerFunc
	OverrideDependency http.HandlerFunc

	EstimateHandler http.HandlerFunc
	BudgetSummary   http.HandlerFunc

	ReconcileHandler http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", orNotImplemented(deps.HealthHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			r.Use(deps.RateLimit.Limit)

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeRead))

				r.Get("/jobs", orNotImplemented(deps.ListJobs))
				r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJob))
				r.Get("/jobs/{jobID}/output", orNotImplemented(deps.JobOutput))
				r.Get("/campaigns/{campaignID}", orNotImplemented(deps.GetCampaign))
				r.Get("/budget", orNotImplemented(deps.BudgetSummary))
				r.Post("/budget/estimate", orNotImplemented(deps.EstimateHandler))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeWrite))

				r.Post("/jobs", orNotImplemented(deps.SubmitJob))
				r.Post("/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
				r.Post("/jobs/{jobID}/retry", orNotImplemented(deps.RetryJob))

				r.Post("/campaigns", orNotImplemented(deps.PlanCampaign))
				r.Post("/campaigns/{campaignID}/execute", orNotImplemented(deps.ExecuteCampaign))
				r.Post("/campaigns/{campaignID}/pause", orNotImplemented(deps.PauseCampaign))
				r.Post("/campaigns/{campaignID}/resume", orNotImplemented(deps.ResumeCampaign))
				r.Post("/campaigns/{campaignID}/cancel", orNotImplemented(deps.CancelCampaign))
				r.Post("/campaigns/{campaignID}/tasks/{taskID}/override", orNotImplemented(deps.OverrideDependency))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

				r.Post("/admin/reconcile", orNotImplemented(deps.ReconcileHandler))
				r.Post("/admin/keys", orNotImplemented(deps.CreateKeyHandler))
				r.Get("/admin/keys", orNotImplemented(deps.ListKeysHandler))
				r.Delete("/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
