// Package syncjob gives providers that only answer synchronously the same
// submit/poll/cancel contract as providers with a native job queue.
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// IDPrefix marks pseudo-job ids generated by the adapter.
const IDPrefix = "sync-"

// Runner performs one blocking provider call.
type Runner interface {
	Run(ctx context.Context, req models.SubmitRequest) (models.PollResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req models.SubmitRequest) (models.PollResult, error)

func (f RunnerFunc) Run(ctx context.Context, req models.SubmitRequest) (models.PollResult, error) {
	return f(ctx, req)
}

// SlotStore persists finished results so they survive a process restart.
// GetResult returns nil, nil for an unknown id.
type SlotStore interface {
	SetResult(ctx context.Context, id string, res models.PollResult) error
	GetResult(ctx context.Context, id string) (*models.PollResult, error)
}

type pseudoJob struct {
	cancel    context.CancelFunc
	cancelled bool
	result    *models.PollResult
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRetry retries transient runner failures with exponential backoff, up
// to cfg.MaxAttempts calls per pseudo-job.
func WithRetry(cfg config.SubmitConfig) Option {
	return func(a *Adapter) {
		a.retry = cfg
	}
}

// Adapter implements models.ResearchProvider on top of a blocking Runner.
type Adapter struct {
	name    string
	runner  Runner
	slots   SlotStore
	timeout time.Duration
	retry   config.SubmitConfig

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]*pseudoJob
}

// New creates an adapter. slots may be nil, in which case a result lives in
// memory until a poll has returned it. Without WithRetry every runner error
// fails the pseudo-job.
func New(name string, runner Runner, slots SlotStore, timeout time.Duration, opts ...Option) *Adapter {
	base, stop := context.WithCancel(context.Background())
	a := &Adapter{
		name:     name,
		runner:   runner,
		slots:    slots,
		timeout:  timeout,
		base:     base,
		stop:     stop,
		inflight: make(map[string]*pseudoJob),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.retry.MaxAttempts < 1 {
		a.retry.MaxAttempts = 1
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

// Submit validates the request, starts the blocking call in the background
// and returns a locally generated pseudo-job id immediately.
func (a *Adapter) Submit(_ context.Context, req models.SubmitRequest) (string, error) {
	if err := provider.ValidateRequest(a.name, req); err != nil {
		return "", &provider.SubmissionError{Provider: a.name, Reason: "invalid configuration", Err: err}
	}
	if a.base.Err() != nil {
		return "", &provider.ProviderError{Provider: a.name, Op: "submit", Err: fmt.Errorf("%w: adapter closed", provider.ErrProviderUnavailable)}
	}

	id := IDPrefix + uuid.NewString()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if a.timeout > 0 {
		ctx, cancel = context.WithTimeout(a.base, a.timeout)
	} else {
		ctx, cancel = context.WithCancel(a.base)
	}

	a.mu.Lock()
	a.inflight[id] = &pseudoJob{cancel: cancel}
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx, id, req)
	return id, nil
}

func (a *Adapter) run(ctx context.Context, id string, req models.SubmitRequest) {
	defer a.wg.Done()
	var res models.PollResult
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync provider call panicked", "provider", a.name, "provider_job_id", id, "panic", r)
			res = models.PollResult{Status: models.JobStatusFailed, Error: fmt.Sprintf("internal error: %v", r)}
		}
		a.finish(id, res)
	}()

	out, err := a.call(ctx, id, req)
	switch {
	case err == nil:
		res = out
		if res.Status == "" {
			res.Status = models.JobStatusCompleted
		}
	case a.wasCancelled(id):
		res = models.PollResult{Status: models.JobStatusCancelled, Error: "cancelled before the provider answered"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res = models.PollResult{Status: models.JobStatusFailed, Error: fmt.Sprintf("synchronous call exceeded %s", a.timeout)}
	default:
		res = models.PollResult{Status: models.JobStatusFailed, Error: err.Error()}
	}
}

// call runs the blocking request, retrying transient provider errors while
// the pseudo-job is neither cancelled nor out of time.
func (a *Adapter) call(ctx context.Context, id string, req models.SubmitRequest) (models.PollResult, error) {
	b := backoff.NewExponentialBackOff()
	if a.retry.InitialBackoff > 0 {
		b.InitialInterval = a.retry.InitialBackoff
	}
	if a.retry.MaxBackoff > 0 {
		b.MaxInterval = a.retry.MaxBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.retry.MaxAttempts-1)), ctx)

	return backoff.RetryNotifyWithData(func() (models.PollResult, error) {
		out, err := a.runner.Run(ctx, req)
		if err != nil && (ctx.Err() != nil || !provider.IsRetryable(err)) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("sync provider call failed, retrying",
			"provider", a.name,
			"provider_job_id", id,
			"backoff", wait,
			"error", err,
		)
	})
}

func (a *Adapter) wasCancelled(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.inflight[id]
	return ok && j.cancelled
}

// finish persists the result before publishing it in memory, so a poll that
// dropped the entry finds it in the slot store.
func (a *Adapter) finish(id string, res models.PollResult) {
	if a.slots != nil {
		// The request context is gone by now; the write gets its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.slots.SetResult(ctx, id, res); err != nil {
			slog.Error("failed to persist sync result", "provider", a.name, "provider_job_id", id, "error", err)
		}
		cancel()
	}

	a.mu.Lock()
	if j, ok := a.inflight[id]; ok {
		j.result = &res
		j.cancel()
	}
	a.mu.Unlock()
}

// Poll reads the result slot. The in-memory entry of a pseudo-job is dropped
// once a poll has returned its terminal result; later polls read the slot
// store. A pseudo-job unknown to this process and absent from the slot store
// was lost to a restart and is reported as failed.
func (a *Adapter) Poll(ctx context.Context, providerJobID string) (models.PollResult, error) {
	a.mu.Lock()
	j, ok := a.inflight[providerJobID]
	var res *models.PollResult
	if ok {
		res = j.result
		if res != nil {
			delete(a.inflight, providerJobID)
		}
	}
	a.mu.Unlock()

	if ok {
		if res == nil {
			return models.PollResult{Status: models.JobStatusProcessing}, nil
		}
		return *res, nil
	}

	if a.slots != nil {
		stored, err := a.slots.GetResult(ctx, providerJobID)
		if err != nil {
			return models.PollResult{}, &provider.ProviderError{Provider: a.name, Op: "poll", Err: err}
		}
		if stored != nil {
			return *stored, nil
		}
	}
	if !strings.HasPrefix(providerJobID, IDPrefix) {
		return models.PollResult{}, &provider.ProviderError{
			Provider: a.name,
			Op:       "poll",
			Err:      fmt.Errorf("%w: %q is not a pseudo-job id", provider.ErrInvalidResponse, providerJobID),
		}
	}
	return models.PollResult{
		Status: models.JobStatusFailed,
		Error:  "pseudo-job lost: the process restarted before the synchronous call finished",
	}, nil
}

// Cancel stops a running call. It returns false once the call has finished.
func (a *Adapter) Cancel(_ context.Context, providerJobID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.inflight[providerJobID]
	if !ok || j.result != nil {
		return false, nil
	}
	j.cancelled = true
	j.cancel()
	return true, nil
}

// InFlight returns the number of pseudo-jobs held in memory.
func (a *Adapter) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// Close cancels every running call and waits for the goroutines to record their results.
func (a *Adapter) Close() {
	a.stop()
	a.wg.Wait()
}

var _ models.ResearchProvider = (*Adapter)(nil)
