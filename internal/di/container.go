package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/payments"
	"github.com/hanko-field/orderflow/internal/platform/config"
	"github.com/hanko-field/orderflow/internal/platform/observability"
	"github.com/hanko-field/orderflow/internal/repositories"
	"github.com/hanko-field/orderflow/internal/services"
	"github.com/hanko-field/orderflow/internal/workflow"
)

// Services bundles the service-layer contracts that handlers and the saga rely upon.
type Services struct {
	Orders       services.OrderService
	Transitions  services.TransitionService
	Reservations services.StockReservationService
	Payments     services.PaymentService
	Loyalty      services.LoyaltyService
	System       services.SystemService
	Audit        services.AuditLogService
}

// Deps carries infrastructure built by the binary. Every field is optional.
type Deps struct {
	Events  services.OrderEventPublisher
	Gateway payments.Gateway
	Lease   workflow.Lease
	// Probes extend readiness when the registry does not report health itself.
	Probes []repositories.Probe
	Build  services.BuildInfo
	Logger *zap.Logger
	Meter  metric.Meter
	Clock  func() time.Time
}

// Container wires repositories, services, and the workflow engine for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Activities   *workflow.ServiceActivities
	Engine       *workflow.Engine
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Gateway == nil {
		deps.Gateway = payments.NoopGateway{Clock: deps.Clock}
	}

	svc, err := buildServices(reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	activities, err := workflow.NewServiceActivities(workflow.ServiceActivitiesDeps{
		Orders:       svc.Orders,
		Transitions:  svc.Transitions,
		Reservations: svc.Reservations,
		Payments:     svc.Payments,
		Loyalty:      svc.Loyalty,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow activities: %w", err)
	}

	engine, err := buildEngine(cfg, deps, activities)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Activities:   activities,
		Engine:       engine,
	}, nil
}

// Close aborts running saga instances, waits for their compensation and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Engine != nil {
		if err := c.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workflow shutdown: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("repositories close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(reg repositories.Registry, cfg config.Config, deps Deps) (Services, error) {
	var svc Services

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      deps.Clock,
			Logger:     observability.NewPrintfAdapter(deps.Logger.Named("audit")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	core := services.CoreDeps{
		Registry: reg,
		Audit:    svc.Audit,
		Events:   deps.Events,
		Clock:    deps.Clock,
		Logger:   observability.ServiceLogger(deps.Logger.Named("orders")),
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{CoreDeps: core})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	transitionSvc, err := services.NewTransitionService(services.TransitionServiceDeps{CoreDeps: core, Gateway: deps.Gateway})
	if err != nil {
		return Services{}, fmt.Errorf("build transition service: %w", err)
	}
	svc.Transitions = transitionSvc

	reservationSvc, err := services.NewStockReservationService(services.StockReservationServiceDeps{CoreDeps: core})
	if err != nil {
		return Services{}, fmt.Errorf("build stock reservation service: %w", err)
	}
	svc.Reservations = reservationSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{CoreDeps: core, Gateway: deps.Gateway})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	loyaltySvc, err := services.NewLoyaltyService(services.LoyaltyServiceDeps{CoreDeps: core, EarnRate: cfg.Loyalty.EarnRate})
	if err != nil {
		return Services{}, fmt.Errorf("build loyalty service: %w", err)
	}
	svc.Loyalty = loyaltySvc

	healthRepo := reg.Health()
	if healthRepo == nil {
		healthRepo, err = repositories.NewProbeHealthRepository(deps.Clock, deps.Probes...)
		if err != nil {
			return Services{}, fmt.Errorf("build health repository: %w", err)
		}
	}
	build := deps.Build
	if build.Environment == "" {
		build.Environment = cfg.Environment
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            deps.Clock,
		Build:            build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

func buildEngine(cfg config.Config, deps Deps, activities workflow.Activities) (*workflow.Engine, error) {
	priority, err := workflow.ParsePriority(cfg.Workflow.Priority)
	if err != nil {
		return nil, fmt.Errorf("workflow priority: %w", err)
	}

	metrics := workflow.NopMetrics()
	if deps.Meter != nil {
		metrics, err = workflow.NewMetrics(deps.Meter)
		if err != nil {
			return nil, fmt.Errorf("workflow metrics: %w", err)
		}
	}

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Activities:     activities,
		StepTimeout:    cfg.Workflow.StepTimeout,
		PaymentTimeout: cfg.Workflow.PaymentTimeout,
		Priority:       priority,
		RetryAttempts:  cfg.Workflow.RetryAttempts,
		Lease:          deps.Lease,
		LeaseTTL:       cfg.Redis.LeaseTTL,
		Logger:         deps.Logger.Named("workflow"),
		Metrics:        metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow engine: %w", err)
	}
	return engine, nil
}
