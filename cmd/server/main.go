// Package main is the entrypoint for the research orchestration API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/researchops/internal/api"
	"github.com/kiranshivaraju/researchops/internal/api/handler"
	mw "github.com/kiranshivaraju/researchops/internal/api/middleware"
	"github.com/kiranshivaraju/researchops/internal/budget"
	"github.com/kiranshivaraju/researchops/internal/cache"
	"github.com/kiranshivaraju/researchops/internal/campaign"
	"github.com/kiranshivaraju/researchops/internal/chainer"
	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/jobs"
	"github.com/kiranshivaraju/researchops/internal/notify"
	"github.com/kiranshivaraju/researchops/internal/poller"
	"github.com/kiranshivaraju/researchops/internal/provider/factory"
	"github.com/kiranshivaraju/researchops/internal/store"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	// jobViewTTL bounds how stale a cached status view can be.
	jobViewTTL = 30 * time.Second
	// syncResultTTL keeps results of blocking provider calls until the poller collects them.
	syncResultTTL = 24 * time.Hour
	// interruptedGrace is how long a queued job may sit unsubmitted before
	// startup treats it as lost in a crash.
	interruptedGrace = 2 * time.Minute
	// maxDependencyChars caps each dependency output spliced into a prompt.
	maxDependencyChars = 20000
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"default_provider", cfg.Providers.Default,
		"providers", cfg.EnabledProviders(),
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and migrate
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	st := store.NewRetrying(store.NewPostgresStore(pool), store.DefaultRetryPolicy)

	// 3. Redis
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Providers
	registry, closeProviders, err := factory.NewRegistry(cfg.Providers, cfg.Submit, cache.NewSyncSlots(redisCache, syncResultTTL))
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}
	defer closeProviders()
	slog.Info("providers initialized", "providers", registry.Names(), "default", cfg.Providers.Default)

	// 5. Budget
	pricing := budget.DefaultPricing()
	if cfg.Budget.PricingFile != "" {
		if pricing, err = budget.LoadPricingFile(cfg.Budget.PricingFile); err != nil {
			return fmt.Errorf("load pricing: %w", err)
		}
	}
	governor := budget.NewGovernor(st, pricing, budget.LimitsFromConfig(cfg.Budget))

	// 6. Lifecycle events
	var publisher notify.Publisher
	if cfg.Notify.PubSubProject != "" {
		ps, err := notify.NewPubSubPublisher(ctx, cfg.Notify.PubSubProject, cfg.Notify.PubSubTopic)
		if err != nil {
			return fmt.Errorf("create pubsub publisher: %w", err)
		}
		defer ps.Close()
		publisher = ps
		slog.Info("pubsub events enabled", "project", cfg.Notify.PubSubProject, "topic", cfg.Notify.PubSubTopic)
	}
	events := notify.NewDispatcher(notify.NewWebhookSender(cfg.Notify.WebhookTimeout), publisher)
	defer events.Wait()

	// 7. Jobs and campaigns
	svc := jobs.NewService(st, registry, governor, jobs.Options{
		Views:         cache.NewJobViews(redisCache, jobViewTTL),
		Events:        events,
		DefaultModels: defaultModels(cfg.Providers),
		Submit:        cfg.Submit,
	})
	scheduler := campaign.NewScheduler(st, svc, governor, chainer.New(maxDependencyChars))
	svc.OnTerminal(scheduler.OnJobTerminal)

	// 8. Crash recovery
	n, err := svc.FailInterrupted(ctx, interruptedGrace)
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	if n > 0 {
		slog.Warn("failed jobs interrupted before submission", "count", n)
	}
	if err := scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}

	if err := bootstrapAdminKey(ctx, st, cfg.Auth.BootstrapAdminKey); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 9. Poller
	poll := poller.New(st, registry, svc, cfg.Poller)
	poll.OnCycle(scheduler.Redrive)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poll.Run(ctx)
	}()

	// 10. Router
	deps := newDependencies(st, redisCache, svc, scheduler, governor, cfg.Auth.RateLimitPerMin)
	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		<-pollerDone
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-pollerDone

	slog.Info("server stopped gracefully")
	return nil
}

// newDependencies wires every handler to its service.
func newDependencies(st store.Store, c cache.Cache, svc *jobs.Service, scheduler *campaign.Scheduler, governor *budget.Governor, ratePerMin int) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, ratePerMin),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": st,
			"cache":    c,
		}),

		SubmitJob: handler.NewSubmitJobHandler(svc),
		ListJobs:  handler.NewListJobsHandler(svc),
		GetJob:    handler.NewGetJobHandler(svc),
		JobOutput: handler.NewJobOutputHandler(svc),
		CancelJob: handler.NewCancelJobHandler(svc),
		RetryJob:  handler.NewRetryJobHandler(svc),

		PlanCampaign:       handler.NewPlanCampaignHandler(scheduler),
		GetCampaign:        handler.NewGetCampaignHandler(scheduler),
		ExecuteCampaign:    handler.NewCampaignActionHandler(scheduler, handler.ActionExecute),
		PauseCampaign:      handler.NewCampaignActionHandler(scheduler, handler.ActionPause),
		ResumeCampaign:     handler.NewCampaignActionHandler(scheduler, handler.ActionResume),
		CancelCampaign:     handler.NewCampaignActionHandler(scheduler, handler.ActionCancel),
		OverrideDependency: handler.NewOverrideDependencyHandler(scheduler),

		EstimateHandler: handler.NewEstimateHandler(svc, governor),
		BudgetSummary:   handler.NewBudgetSummaryHandler(governor),

		ReconcileHandler: handler.NewReconcileHandler(svc),
		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}
}

func defaultModels(cfg config.ProvidersConfig) map[string]string {
	return map[string]string{
		"openai":    cfg.OpenAI.Model,
		"anthropic": cfg.Anthropic.Model,
		"mock":      "mock-research",
	}
}

// bootstrapAdminKey stores raw as an admin key unless a key with the same
// prefix already exists.
func bootstrapAdminKey(ctx context.Context, s store.Store, raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) < mw.KeyPrefixLen {
		return fmt.Errorf("ADMIN_API_KEY is too short")
	}
	existing, err := s.GetAPIKeyByPrefix(ctx, raw[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	key, err := mw.NewAPIKey("bootstrap-admin", raw, []string{models.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key created", "key_prefix", key.KeyPrefix)
	return nil
}
