// Package poller drives submitted jobs to a terminal state by polling their
// providers on a schedule that backs off with elapsed time.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"golang.org/x/sync/errgroup"
)

type pollState struct {
	last   time.Time
	errors int
}

// Stats summarizes one poll cycle.
type Stats struct {
	Active   int `json:"active"`
	Polled   int `json:"polled"`
	Finished int `json:"finished"`
	TimedOut int `json:"timed_out"`
	Errors   int `json:"errors"`
}

type Poller struct {
	store     store.Store
	providers *provider.Registry
	jobs      *jobs.Service
	cfg       config.PollerConfig
	now       func() time.Time

	mu    sync.Mutex
	state map[uuid.UUID]*pollState

	cycleHooks []func(ctx context.Context) error
}

func New(s store.Store, providers *provider.Registry, svc *jobs.Service, cfg config.PollerConfig) *Poller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	return &Poller{
		store:     s,
		providers: providers,
		jobs:      svc,
		cfg:       cfg,
		now:       time.Now,
		state:     make(map[uuid.UUID]*pollState),
	}
}

// OnCycle registers fn to run at the end of every poll cycle. Campaign
// scheduling hangs off it to pick up work no job completion will trigger.
func (p *Poller) OnCycle(fn func(ctx context.Context) error) {
	p.cycleHooks = append(p.cycleHooks, fn)
}

// Interval returns how long to wait between polls of a job that has been
// waiting for elapsed.
func (p *Poller) Interval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < p.cfg.FastWindow:
		return p.cfg.FastInterval
	case elapsed < p.cfg.MidWindow:
		return p.cfg.MidInterval
	default:
		return p.cfg.SlowInterval
	}
}

// Run polls every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("poller started", "tick", p.cfg.Tick, "workers", p.cfg.Workers, "max_wait", p.cfg.MaxWait)
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return
		case <-ticker.C:
		}
	}
}

type work struct {
	job     *models.Job
	timeout bool
}

// PollOnce runs one cycle over every job the provider accepted that has not
// finished. Jobs are polled concurrently, bounded by the worker count.
func (p *Poller) PollOnce(ctx context.Context) (Stats, error) {
	active, err := p.store.ListJobs(ctx, store.JobFilter{
		Statuses:       []string{models.JobStatusSubmitted, models.JobStatusProcessing},
		WithProviderID: true,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("listing active jobs: %w", err)
	}

	now := p.now()
	var due []work
	p.mu.Lock()
	live := make(map[uuid.UUID]bool, len(active))
	for _, job := range active {
		live[job.ID] = true
		st, ok := p.state[job.ID]
		if !ok {
			st = &pollState{}
			p.state[job.ID] = st
		}
		elapsed := now.Sub(waitingSince(job))
		switch {
		case p.cfg.MaxWait > 0 && elapsed > p.cfg.MaxWait:
			due = append(due, work{job: job, timeout: true})
		case st.last.IsZero() || now.Sub(st.last) >= p.Interval(elapsed):
			st.last = now
			due = append(due, work{job: job})
		}
	}
	for id := range p.state {
		if !live[id] {
			delete(p.state, id)
		}
	}
	p.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].job.Priority != due[j].job.Priority {
			return due[i].job.Priority > due[j].job.Priority
		}
		return waitingSince(due[i].job).Before(waitingSince(due[j].job))
	})

	stats := Stats{Active: len(active)}
	var statsMu sync.Mutex
	record := func(f func(*Stats)) {
		statsMu.Lock()
		f(&stats)
		statsMu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, w := range due {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("poll worker panicked", "job_id", w.job.ID, "panic", r)
					record(func(s *Stats) { s.Errors++ })
				}
			}()
			if w.timeout {
				p.timeout(ctx, w.job)
				record(func(s *Stats) { s.TimedOut++; s.Finished++ })
				return nil
			}
			finished, err := p.poll(ctx, w.job)
			record(func(s *Stats) {
				s.Polled++
				if err != nil {
					s.Errors++
				}
				if finished {
					s.Finished++
				}
			})
			return nil
		})
	}
	g.Wait()

	if len(due) > 0 {
		slog.Debug("poll cycle done",
			"active", stats.Active,
			"polled", stats.Polled,
			"finished", stats.Finished,
			"timed_out", stats.TimedOut,
			"errors", stats.Errors,
		)
	}

	for _, fn := range p.cycleHooks {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			slog.Error("poll cycle hook failed", "error", err)
		}
	}
	return stats, nil
}

func waitingSince(job *models.Job) time.Time {
	if job.SubmittedAt != nil {
		return *job.SubmittedAt
	}
	return job.CreatedAt
}

// poll checks one job and applies the result. It reports whether the job
// reached a terminal state.
func (p *Poller) poll(ctx context.Context, job *models.Job) (bool, error) {
	prov, err := p.providers.Get(job.Provider)
	if err == nil {
		var res models.PollResult
		res, err = prov.Poll(ctx, job.ProviderJobID)
		if err == nil {
			p.resetErrors(job.ID)
			updated, aerr := p.jobs.Apply(ctx, job, res)
			if aerr != nil {
				slog.Error("applying poll result failed",
					"job_id", job.ID,
					"provider_job_id", job.ProviderJobID,
					"status", res.Status,
					"error", aerr,
				)
				return false, aerr
			}
			return updated.IsTerminal(), nil
		}
	}

	n := p.countError(job.ID)
	slog.Warn("poll failed",
		"job_id", job.ID,
		"provider", job.Provider,
		"provider_job_id", job.ProviderJobID,
		"consecutive_errors", n,
		"error", err,
	)
	if p.cfg.MaxPollErrors > 0 && n >= p.cfg.MaxPollErrors {
		reason := fmt.Sprintf("ProviderError: %d consecutive poll failures, last: %v (provider job id %s)", n, err, job.ProviderJobID)
		if _, ferr := p.jobs.Finish(ctx, job, jobs.Outcome{Status: models.JobStatusFailed, FailureReason: reason}); ferr != nil {
			slog.Error("failing job after poll errors failed", "job_id", job.ID, "error", ferr)
			return false, ferr
		}
		return true, err
	}
	return false, err
}

// timeout fails a job that outlived the wait ceiling. The provider is asked
// to cancel it so it stops accruing cost; the answer does not matter.
func (p *Poller) timeout(ctx context.Context, job *models.Job) {
	if prov, err := p.providers.Get(job.Provider); err == nil {
		if _, err := prov.Cancel(ctx, job.ProviderJobID); err != nil {
			slog.Warn("cancel after timeout failed", "job_id", job.ID, "provider_job_id", job.ProviderJobID, "error", err)
		}
	}
	reason := fmt.Sprintf("Timeout: no terminal status after %s (provider job id %s)", p.cfg.MaxWait, job.ProviderJobID)
	if _, err := p.jobs.Finish(ctx, job, jobs.Outcome{Status: models.JobStatusFailed, FailureReason: reason}); err != nil {
		slog.Error("failing timed out job failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Warn("job timed out",
		"job_id", job.ID,
		"provider", job.Provider,
		"provider_job_id", job.ProviderJobID,
		"max_wait", p.cfg.MaxWait,
	)
}

func (p *Poller) countError(id uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[id]
	if !ok {
		st = &pollState{}
		p.state[id] = st
	}
	st.errors++
	return st.errors
}

func (p *Poller) resetErrors(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.state[id]; ok {
		st.errors = 0
	}
}
