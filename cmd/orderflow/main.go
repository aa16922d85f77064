package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/di"
	"github.com/hanko-field/orderflow/internal/handlers"
	"github.com/hanko-field/orderflow/internal/platform/config"
	"github.com/hanko-field/orderflow/internal/platform/idempotency"
	"github.com/hanko-field/orderflow/internal/platform/observability"
)

const meterName = "github.com/hanko-field/orderflow"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orderflow")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Int("count", len(missing.Names())), zap.Error(err))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	infra, err := buildInfrastructure(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise infrastructure", zap.Error(err))
	}
	defer infra.close(logger)

	container, err := di.NewContainer(ctx, cfg, infra.registry, di.Deps{
		Events:  infra.events,
		Gateway: infra.gateway,
		Lease:   infra.lease,
		Probes:  infra.probes,
		Build:   buildInfoFromEnv(envValues, cfg, startedAt),
		Logger:  logger,
		Meter:   otel.GetMeterProvider().Meter(meterName),
	})
	if err != nil {
		logger.Fatal("failed to initialise container", zap.Error(err))
	}

	subscriberCtx, stopSubscriber := context.WithCancel(ctx)
	var subscriberWG sync.WaitGroup
	if sub, err := infra.signalSubscriber(container.Engine, logger.Named("signals")); err != nil {
		logger.Fatal("failed to initialise signal subscriber", zap.Error(err))
	} else if sub != nil {
		subscriberWG.Add(1)
		go func() {
			defer subscriberWG.Done()
			if err := sub.Run(subscriberCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("signal subscriber stopped", zap.Error(err))
			}
		}()
	}

	orderHandlers := handlers.NewOrderHandlers(handlers.OrderServices{
		Orders:       container.Services.Orders,
		Transitions:  container.Services.Transitions,
		Payments:     container.Services.Payments,
		Reservations: container.Services.Reservations,
	})
	var publisher handlers.SignalPublisher
	if infra.signals != nil {
		publisher = infra.signals
	}
	workflowHandlers := handlers.NewWorkflowHandlers(container.Engine, publisher)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.ActorMiddleware(""),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotency.Middleware(infra.replays),
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
		handlers.WithHealthSystemService(container.Services.System),
	)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(func(r chi.Router) {
			orderHandlers.Routes(r)
			workflowHandlers.OrderRoutes(r)
		}),
		handlers.WithWorkflowRoutes(workflowHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orderflow listening",
			zap.String("storage", cfg.Storage.Backend),
			zap.String("events", cfg.Events.Backend),
			zap.Bool("lease", infra.lease != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopSubscriber()
	subscriberWG.Wait()
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("container close failed", zap.Error(err))
	}
}
