package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// MockProvider satisfies models.ResearchProvider for tests and local runs.
// Any nil func field falls back to the simulated behaviour.
type MockProvider struct {
	Name_      string
	SubmitFunc func(ctx context.Context, req models.SubmitRequest) (string, error)
	PollFunc   func(ctx context.Context, providerJobID string) (models.PollResult, error)
	CancelFunc func(ctx context.Context, providerJobID string) (bool, error)

	mu        sync.Mutex
	jobs      map[string]*simulated
	submitted []models.SubmitRequest
}

type simulated struct {
	req   models.SubmitRequest
	polls int
	state string
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Submit(ctx context.Context, req models.SubmitRequest) (string, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	id := "mock-" + uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = make(map[string]*simulated)
	}
	m.jobs[id] = &simulated{req: req, state: models.JobStatusSubmitted}
	return id, nil
}

// Poll reports processing on the first poll and completed on the second.
func (m *MockProvider) Poll(ctx context.Context, providerJobID string) (models.PollResult, error) {
	if m.PollFunc != nil {
		return m.PollFunc(ctx, providerJobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[providerJobID]
	if !ok {
		return models.PollResult{}, fmt.Errorf("mock: unknown job %q", providerJobID)
	}
	j.polls++
	if j.state == models.JobStatusSubmitted {
		if j.polls == 1 {
			j.state = models.JobStatusProcessing
		}
	} else if j.state == models.JobStatusProcessing {
		j.state = models.JobStatusCompleted
	}
	res := models.PollResult{Status: j.state}
	if j.state == models.JobStatusCompleted {
		res.Output = fmt.Sprintf("Mock research findings for: %s", truncate(j.req.Prompt, 80))
		res.Usage = &models.Usage{InputTokens: len(j.req.Prompt) / 4, OutputTokens: 1200, ToolCalls: len(j.req.Tools)}
	}
	if j.state == models.JobStatusCancelled {
		res.Error = "cancelled"
	}
	return res, nil
}

func (m *MockProvider) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, providerJobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[providerJobID]
	if !ok || models.IsTerminalStatus(j.state) {
		return false, nil
	}
	j.state = models.JobStatusCancelled
	return true, nil
}

// Submitted returns every request passed to Submit, in call order.
func (m *MockProvider) Submitted() []models.SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SubmitRequest(nil), m.submitted...)
}

// NewMockProvider returns a MockProvider with the simulated two-poll lifecycle.
func NewMockProvider() *MockProvider {
	return &MockProvider{Name_: "mock"}
}

// NewFailingProvider returns a MockProvider whose every call returns err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		SubmitFunc: func(_ context.Context, _ models.SubmitRequest) (string, error) {
			return "", err
		},
		PollFunc: func(_ context.Context, _ string) (models.PollResult, error) {
			return models.PollResult{}, err
		},
		CancelFunc: func(_ context.Context, _ string) (bool, error) {
			return false, err
		},
	}
}

// NewStuckProvider returns a MockProvider whose jobs never leave processing.
func NewStuckProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-stuck",
		PollFunc: func(_ context.Context, _ string) (models.PollResult, error) {
			return models.PollResult{Status: models.JobStatusProcessing}, nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Compile-time check that MockProvider implements ResearchProvider.
var _ models.ResearchProvider = (*MockProvider)(nil)
