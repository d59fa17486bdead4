package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/researchops/pkg/models"
)

type contextKey string

const apiKeyKey contextKey = "api_key"

// WithAPIKey stores the authenticated key in ctx.
func WithAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// APIKeyFrom returns the key the request authenticated with.
func APIKeyFrom(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyKey).(*models.APIKey)
	return key, ok && key != nil
}
