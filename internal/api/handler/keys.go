package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/researchops/internal/api/middleware"
	"github.com/kiranshivaraju/researchops/internal/api/response"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// KeyAdmin manages API keys.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

var knownScopes = map[string]bool{
	models.ScopeRead:  true,
	models.ScopeWrite: true,
	models.ScopeAdmin: true,
}

// createdKey carries the raw key. It is never retrievable again.
type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if !decodeBody(w, r, &body, false) {
			return
		}
		body.Name = strings.TrimSpace(body.Name)
		if body.Name == "" {
			invalid(w, "name is required")
			return
		}
		if len(body.Scopes) == 0 {
			body.Scopes = []string{models.ScopeRead}
		}
		for _, s := range body.Scopes {
			if !knownScopes[s] {
				invalid(w, "unknown scope "+s)
				return
			}
		}

		raw, err := mw.GenerateRawKey()
		if err != nil {
			writeError(w, err)
			return
		}
		key, err := mw.NewAPIKey(body.Name, raw, body.Scopes)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, createdKey{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := keys.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []*models.APIKey{}
		}
		response.List(w, list, len(list), 0)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		if current, ok := mw.APIKeyFrom(r); ok && current.ID == id {
			invalid(w, "a key cannot revoke itself")
			return
		}
		if err := keys.RevokeAPIKey(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		response.NoContent(w)
	}
}
