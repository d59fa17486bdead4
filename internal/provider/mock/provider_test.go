package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/researchops/internal/provider/mock"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() models.SubmitRequest {
	return models.SubmitRequest{Prompt: "Assess lithium price outlook", Model: "mock-1"}
}

func TestNewMockProvider_Name(t *testing.T) {
	assert.Equal(t, "mock", mock.NewMockProvider().Name())
}

func TestNewMockProvider_Lifecycle(t *testing.T) {
	p := mock.NewMockProvider()
	ctx := context.Background()

	id, err := p.Submit(ctx, sampleRequest())
	require.NoError(t, err)

	res, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, res.Status)

	res, err = p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, res.Status)
	assert.Contains(t, res.Output, "Assess lithium price outlook")
	require.NotNil(t, res.Usage)

	ok, err := p.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, p.Submitted(), 1)
}

func TestNewMockProvider_Cancel(t *testing.T) {
	p := mock.NewMockProvider()
	ctx := context.Background()
	id, err := p.Submit(ctx, sampleRequest())
	require.NoError(t, err)

	ok, err := p.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, res.Status)
}

func TestNewFailingProvider(t *testing.T) {
	want := errors.New("provider down")
	p := mock.NewFailingProvider(want)
	_, err := p.Submit(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, want)
	_, err = p.Poll(context.Background(), "x")
	assert.ErrorIs(t, err, want)
}

func TestNewStuckProvider(t *testing.T) {
	p := mock.NewStuckProvider()
	id, err := p.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	res, err := p.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, res.Status)
}
