package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/authgate"
	"github.com/schildwacht/billingservice/internal/batch"
	"github.com/schildwacht/billingservice/internal/billing"
	"github.com/schildwacht/billingservice/internal/cache"
	"github.com/schildwacht/billingservice/internal/config"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/dunning"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/notify"
	"github.com/schildwacht/billingservice/internal/outbox"
	"github.com/schildwacht/billingservice/internal/ratelimit"
	"github.com/schildwacht/billingservice/internal/repo"
	"github.com/schildwacht/billingservice/internal/repo/postgres"
	"github.com/schildwacht/billingservice/internal/server"
	"github.com/schildwacht/billingservice/internal/subscription"
	"github.com/schildwacht/billingservice/internal/tracing"
)

// App wires the billing engine together: store, cache, provider,
// authentication gate, lifecycle manager, dunning scheduler, batch
// coordinator, outbox worker and the ops endpoint.
type App struct {
	config      *config.Config
	logger      *zap.Logger
	store       repo.Store
	cache       *cache.Cache
	provider    billing.CaptureProvider
	publisher   events.Publisher
	Manager     *subscription.Manager
	Gate        *authgate.Gate
	Scheduler   *dunning.Scheduler
	Coordinator *batch.Coordinator
	outbox      *outbox.Worker
	metricsSrv  *metrics.Server
	grpcServer  *server.GRPCServer
	cleanups    []func()
}

// New creates a new application instance
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := log.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := log.L(ctx)

	logger.Info("Initializing billing service",
		zap.String("app_name", cfg.AppName),
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Billing.Store),
		zap.String("provider", cfg.Billing.Provider))

	a := &App{config: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		cleanup, err := tracing.Init(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: "1.0.0",
			Environment:    cfg.Env,
			JaegerEndpoint: cfg.Tracing.JaegerURL,
			SamplingRatio:  cfg.Tracing.SampleRate,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.cleanups = append(a.cleanups, cleanup)
	}

	store, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = store

	// Redis is optional: without it the engine falls back to in-process
	// exposure tracking, locking and pacing.
	redisCache, err := cache.NewCache(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-process coordination",
			zap.Error(err),
			zap.String("redis_addr", cfg.Redis.GetRedisAddr()))
		redisCache = nil
	}
	a.cache = redisCache

	provider, err := NewCaptureProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capture provider: %w", err)
	}
	a.provider = provider

	publisher, err := NewPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	a.publisher = publisher

	auditor := audit.NewManager(audit.NewZapSink(logger))

	notifier := a.buildNotifier(ctx)
	a.Gate = a.buildGate(auditor)
	a.Scheduler = dunning.NewScheduler(store, notifier, auditor, dunning.Config{
		RetryBackoffDays: cfg.Dunning.RetryBackoffDays,
		ReminderDays:     cfg.Dunning.ReminderDays,
		FinalWarningDays: cfg.Dunning.FinalWarningDays,
		CancellationDays: cfg.Dunning.CancellationDays,
		ReminderFailures: cfg.Dunning.ReminderFailures,
		WarningFailures:  cfg.Dunning.WarningFailures,
		CancelFailures:   cfg.Dunning.CancelFailures,
	})

	var locker subscription.DistributedLocker = subscription.NoopLocker{}
	if redisCache != nil {
		locker = subscription.NewCacheLocker(redisCache)
	}

	a.Manager = subscription.NewManager(store, provider, a.Gate, a.Scheduler,
		notifier, auditor, locker, subscription.Config{
			Currency:             cfg.Billing.Currency,
			TierPrices:           cfg.Billing.TierPrices,
			IndividualTrialDays:  cfg.Billing.IndividualTrialDays,
			OrgTrialDays:         cfg.Billing.OrgTrialDays,
			CaptureTimeout:       cfg.Billing.CaptureTimeout,
			BillingPeriodMonths:  cfg.Billing.BillingPeriodMonths,
			ManualReviewFailures: cfg.Billing.ManualReviewFailures,
			LockTTL:              cfg.Billing.SubscriptionLockTTL,
		})

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if redisCache != nil {
		limiter = ratelimit.NewRedisLimiter(redisCache.Client(),
			cfg.Billing.ProviderRatePerMin, time.Minute, logger)
	}

	a.Coordinator = batch.NewCoordinator(store, a.Manager, limiter, auditor, logger, batch.Config{
		ItemDelay: cfg.Batch.ItemDelay,
		MaxItems:  cfg.Batch.MaxItems,
	})

	a.outbox = outbox.NewWorker(store.Outbox(), publisher, logger, outbox.Config{
		Interval:  cfg.Worker.OutboxInterval,
		BatchSize: cfg.Worker.OutboxBatchSize,
	})

	if cfg.Metrics.Enabled {
		a.metricsSrv = metrics.NewServer(cfg.Metrics.Address, logger)
	}

	a.grpcServer = server.NewGRPCServer(cfg, a.healthDependencies())

	return a, nil
}

// buildNotifier selects the notification channel. AWS delivery needs a
// recipient directory from the surrounding platform; until one is wired
// the directory is empty and sends log their failure.
func (a *App) buildNotifier(ctx context.Context) notify.Notifier {
	if !a.config.Notify.Enabled {
		return notify.NewLogNotifier(a.logger)
	}
	notifier, err := notify.NewAWSNotifier(ctx, a.config.Notify.Region,
		a.config.Notify.SenderEmail, notify.StaticDirectory{}, a.logger)
	if err != nil {
		a.logger.Warn("AWS notifier unavailable, falling back to log notifier", zap.Error(err))
		return notify.NewLogNotifier(a.logger)
	}
	return notifier
}

func (a *App) buildGate(auditor *audit.Manager) *authgate.Gate {
	cfg := a.config.AuthGate

	tokens := authgate.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)

	var exposure authgate.ExposureTracker
	var verifier authgate.FactorVerifier
	if a.cache != nil {
		exposure = authgate.NewRedisExposureTracker(a.cache)
		verifier = authgate.NewCacheCodeVerifier(a.cache, cfg.ChallengeTTL)
	} else {
		exposure = authgate.NewMemoryExposureTracker()
		verifier = authgate.NewMemoryCodeVerifier(cfg.ChallengeTTL)
	}

	// Factor enrollment is owned by the identity platform; the worker
	// offers the standard pair until that integration lands.
	factors := authgate.StaticFactorDirectory{domain.FactorSMS, domain.FactorTOTP}

	return authgate.NewGate(authgate.Config{
		AmountThresholdCents:     cfg.AmountThresholdCents,
		CumulativeThresholdCents: cfg.CumulativeThresholdCents,
		AttemptThreshold:         cfg.AttemptThreshold,
		RiskScoreThreshold:       cfg.RiskScoreThreshold,
		ChallengeTTL:             cfg.ChallengeTTL,
		ChallengeMaxAttempts:     cfg.ChallengeMaxAttempts,
	}, exposure, tokens, authgate.StaticRiskSource(0), factors, verifier,
		a.store.Challenges(), auditor)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func (a *App) healthDependencies() map[string]server.Pinger {
	deps := make(map[string]server.Pinger)
	if ps, ok := a.store.(*postgres.Store); ok {
		deps["postgres"] = pingerFunc(ps.Pool().Ping)
	}
	if a.cache != nil {
		deps["redis"] = a.cache
	}
	return deps
}

// Run starts the worker loops and the ops endpoint, blocking until ctx
// is cancelled or the server stops.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting billing service")

	a.grpcServer.StartHealthMonitoring(ctx)

	go func() {
		if err := a.outbox.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("Outbox worker stopped", zap.Error(err))
		}
	}()

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.Start(ctx); err != nil {
				a.logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	go a.runTicker(ctx, "billing", a.config.Worker.BillingInterval, func(ctx context.Context) error {
		_, err := a.Coordinator.ProcessDue(ctx)
		return err
	})
	go a.runTicker(ctx, "dunning", a.config.Worker.DunningInterval, func(ctx context.Context) error {
		_, err := a.Scheduler.ProcessDunningSweep(ctx)
		return err
	})
	go a.runTicker(ctx, "trial-expiry", a.config.Worker.TrialInterval, func(ctx context.Context) error {
		_, err := a.Manager.ExpireTrials(ctx)
		return err
	})

	if err := a.grpcServer.Serve(ctx); err != nil {
		return fmt.Errorf("gRPC server error: %w", err)
	}
	return nil
}

// runTicker runs fn on a fixed interval until ctx is cancelled
func (a *App) runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		a.logger.Warn("Worker disabled, interval not positive", zap.String("worker", name))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Worker started",
		zap.String("worker", name),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Worker stopped", zap.String("worker", name))
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				a.logger.Error("Worker run failed",
					zap.String("worker", name),
					zap.Error(err))
			}
		}
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down billing service")

	if a.outbox != nil {
		if err := a.outbox.Stop(ctx); err != nil {
			a.logger.Error("Failed to stop outbox worker", zap.Error(err))
		}
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("Failed to close event publisher", zap.Error(err))
		}
	}
	if a.provider != nil {
		if err := a.provider.Close(); err != nil {
			a.logger.Error("Failed to close capture provider", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", zap.Error(err))
		}
	}
	for _, cleanup := range a.cleanups {
		cleanup()
	}

	a.logger.Info("Application shutdown complete")
	return nil
}
