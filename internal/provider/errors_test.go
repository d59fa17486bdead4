package provider_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusError_Classification(t *testing.T) {
	tests := []struct {
		op        string
		status    int
		retryable bool
	}{
		{"submit", http.StatusTooManyRequests, true},
		{"submit", http.StatusInternalServerError, true},
		{"submit", http.StatusBadRequest, false},
		{"poll", http.StatusNotFound, true},
	}
	for _, tt := range tests {
		err := provider.StatusError("openai", tt.op, tt.status, []byte("boom"))
		assert.Equal(t, tt.retryable, provider.IsRetryable(err), "%s %d", tt.op, tt.status)
	}

	var subErr *provider.SubmissionError
	require.True(t, errors.As(provider.StatusError("openai", "submit", 400, []byte("bad tool")), &subErr))
	assert.Contains(t, subErr.Error(), "bad tool")
}

func TestClassifyError_Timeout(t *testing.T) {
	err := provider.ClassifyError("openai", "poll", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, provider.ErrProviderTimeout))
	assert.True(t, provider.IsRetryable(err))
}

func TestClassifyError_Unavailable(t *testing.T) {
	err := provider.ClassifyError("openai", "poll", errors.New("connection refused"))
	assert.True(t, errors.Is(err, provider.ErrProviderUnavailable))
}

type namedProvider struct {
	models.ResearchProvider
	name string
}

func (n namedProvider) Name() string { return n.name }

func TestRegistry_GetAndDefault(t *testing.T) {
	reg := provider.NewRegistry("b", namedProvider{name: "a"}, namedProvider{name: "b"})

	p, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name())
	assert.Equal(t, "b", reg.Resolve(""))
	assert.Equal(t, "a", reg.Resolve("a"))

	_, err = reg.Get("c")
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}
