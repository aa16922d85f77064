package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/services"
)

const (
	instanceIDPrefix     = "wf_"
	leaseKeyPrefix       = "orderflow:workflow:"
	defaultRetryAttempts = 3
	defaultRetryInitial  = 200 * time.Millisecond
	defaultRetryMax      = 5 * time.Second
	defaultLeaseTTL      = time.Hour
)

var (
	// ErrAlreadyRunning is returned when the order already has a live saga instance.
	ErrAlreadyRunning = errors.New("workflow: instance already running for order")
	// ErrInstanceNotFound is returned for unknown instance ids.
	ErrInstanceNotFound = errors.New("workflow: instance not found")
	// ErrInstanceFinished is returned when a signal arrives after the saga terminated.
	ErrInstanceFinished = errors.New("workflow: instance finished")
	// ErrEngineClosed is returned once Shutdown has been called.
	ErrEngineClosed = errors.New("workflow: engine closed")
)

// Lease grants one saga instance per order across processes.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// EngineConfig wires the in-process substrate.
type EngineConfig struct {
	Activities     Activities
	StepTimeout    time.Duration
	PaymentTimeout time.Duration
	Priority       Priority
	RetryAttempts  int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	Lease          Lease
	LeaseTTL       time.Duration
	After          func(time.Duration) <-chan time.Time
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         *zap.Logger
	Metrics        *Metrics
	Tracer         trace.Tracer
}

// StartRequest starts a saga for an order. InstanceID is generated when empty.
type StartRequest struct {
	OrderID    string
	InstanceID string
	BurnPoints int64
}

// InstanceRef identifies a started instance.
type InstanceRef struct {
	ID        string
	OrderID   string
	StartedAt time.Time
}

type instanceRun struct {
	inst   *Instance
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Engine runs saga instances as goroutines and executes their steps with bounded retries.
type Engine struct {
	coordinator *Coordinator
	attempts    int
	initial     time.Duration
	max         time.Duration
	lease       Lease
	leaseTTL    time.Duration
	clock       func() time.Time
	newID       func() string
	logger      *zap.Logger
	metrics     *Metrics
	tracer      trace.Tracer

	baseCtx context.Context
	stop    context.CancelFunc

	mu        sync.Mutex
	closed    bool
	instances map[string]*instanceRun
	active    map[string]string
	wg        sync.WaitGroup
}

var _ Substrate = (*Engine)(nil)

func NewEngine(cfg EngineConfig) (*Engine, error) {
	e := &Engine{
		attempts:  cfg.RetryAttempts,
		initial:   cfg.RetryInitial,
		max:       cfg.RetryMax,
		lease:     cfg.Lease,
		leaseTTL:  cfg.LeaseTTL,
		clock:     cfg.Clock,
		newID:     cfg.IDGenerator,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		instances: make(map[string]*instanceRun),
		active:    make(map[string]string),
	}
	if e.attempts <= 0 {
		e.attempts = defaultRetryAttempts
	}
	if e.initial <= 0 {
		e.initial = defaultRetryInitial
	}
	if e.max < e.initial {
		e.max = defaultRetryMax
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = defaultLeaseTTL
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = func() string { return ulid.Make().String() }
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = NopMetrics()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Activities:     cfg.Activities,
		Substrate:      e,
		StepTimeout:    cfg.StepTimeout,
		PaymentTimeout: cfg.PaymentTimeout,
		Priority:       cfg.Priority,
		After:          cfg.After,
		Clock:          e.clock,
		Logger:         e.logger,
		Metrics:        e.metrics,
	})
	if err != nil {
		return nil, err
	}
	e.coordinator = coordinator
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// StartInstance launches the saga for req.OrderID. A second start for the same order fails with
// ErrAlreadyRunning and returns the live instance.
func (e *Engine) StartInstance(ctx context.Context, req StartRequest) (InstanceRef, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return InstanceRef{}, errors.New("workflow: order id is required")
	}
	if req.BurnPoints < 0 {
		return InstanceRef{}, errors.New("workflow: burn points must not be negative")
	}
	id := strings.TrimSpace(req.InstanceID)
	if id == "" {
		id = instanceIDPrefix + e.newID()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return InstanceRef{}, ErrEngineClosed
	}
	if existing, ok := e.active[orderID]; ok {
		run := e.instances[existing]
		e.mu.Unlock()
		if run == nil {
			return InstanceRef{ID: existing, OrderID: orderID}, ErrAlreadyRunning
		}
		return refOf(run.inst), ErrAlreadyRunning
	}
	if _, ok := e.instances[id]; ok {
		e.mu.Unlock()
		return InstanceRef{}, fmt.Errorf("workflow: instance %s already exists", id)
	}
	// Reserve the order locally before the remote lease round trip.
	e.active[orderID] = id
	e.mu.Unlock()

	if e.lease != nil {
		ok, err := e.lease.Acquire(ctx, leaseKeyPrefix+orderID, id, e.leaseTTL)
		if err != nil || !ok {
			e.mu.Lock()
			delete(e.active, orderID)
			e.mu.Unlock()
			if err != nil {
				return InstanceRef{}, fmt.Errorf("workflow: acquire lease: %w", err)
			}
			return InstanceRef{OrderID: orderID}, ErrAlreadyRunning
		}
	}

	inst := NewInstance(id, orderID, req.BurnPoints, e.clock())
	runCtx, cancel := context.WithCancel(e.baseCtx)
	run := &instanceRun{inst: inst, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.instances[id] = run
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(runCtx, run)

	e.logger.Info("workflow started", zap.String("instanceId", id), zap.String("orderId", orderID))
	return refOf(inst), nil
}

func (e *Engine) execute(ctx context.Context, run *instanceRun) {
	defer e.wg.Done()
	defer run.cancel()

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.instance_id", run.inst.ID),
		attribute.String("order.id", run.inst.OrderID),
	))
	result := e.coordinator.Run(ctx, run.inst)
	span.SetAttributes(
		attribute.String("workflow.status", result.Status.String()),
		attribute.String("workflow.outcome", result.Outcome.String()),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Error())
	}
	span.End()

	if e.lease != nil {
		if err := e.lease.Release(context.WithoutCancel(ctx), leaseKeyPrefix+run.inst.OrderID, run.inst.ID); err != nil {
			e.logger.Warn("workflow lease release failed", zap.String("instanceId", run.inst.ID), zap.Error(err))
		}
	}

	e.mu.Lock()
	run.result = result
	if e.active[run.inst.OrderID] == run.inst.ID {
		delete(e.active, run.inst.OrderID)
	}
	e.mu.Unlock()
	close(run.done)
}

// SendSignal delivers sig to a running instance. Repeated signals of the same kind are accepted and ignored.
func (e *Engine) SendSignal(_ context.Context, instanceID string, sig Signal) error {
	switch sig.Kind {
	case SignalPaymentSuccess, SignalCancelOrder:
	default:
		return fmt.Errorf("workflow: unsupported signal %s", sig.Kind)
	}
	run, err := e.lookup(instanceID)
	if err != nil {
		return err
	}
	if ready(run.done) {
		return ErrInstanceFinished
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.clock()
	}
	if !run.inst.Deliver(sig) {
		e.logger.Debug("duplicate workflow signal ignored",
			zap.String("instanceId", instanceID), zap.Stringer("signal", sig.Kind))
	}
	return nil
}

// Abort cancels a running instance; the coordinator compensates before it terminates.
func (e *Engine) Abort(instanceID string) error {
	run, err := e.lookup(instanceID)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// Result returns the terminal result and whether the instance has finished.
func (e *Engine) Result(instanceID string) (Result, bool, error) {
	run, err := e.lookup(instanceID)
	if err != nil {
		return Result{}, false, err
	}
	select {
	case <-run.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return run.result, true, nil
	default:
		return Result{InstanceID: run.inst.ID, OrderID: run.inst.OrderID, Status: StatusRunning, StartedAt: run.inst.StartedAt}, false, nil
	}
}

// Wait blocks until the instance finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, instanceID string) (Result, error) {
	run, err := e.lookup(instanceID)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-run.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return run.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Shutdown stops accepting instances, aborts the running ones and waits for their compensation.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteStep runs fn under timeout, retrying unavailable dependencies, version conflicts and step
// timeouts with exponential backoff up to the configured attempts.
func (e *Engine) ExecuteStep(ctx context.Context, step StepKind, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "workflow.step."+step.String(), trace.WithAttributes(
		attribute.String("workflow.step", step.String()),
	))
	defer span.End()

	started := e.clock()
	backoff := gax.Backoff{Initial: e.initial, Max: e.max, Multiplier: 2}
	var err error
	for attempt := 1; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(stepCtx)
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err == nil {
			break
		}
		if attempt >= e.attempts || ctx.Err() != nil || !(retryable(err) || timedOut) {
			break
		}
		e.metrics.recordRetry(ctx, step)
		e.logger.Debug("retrying workflow step", zap.Stringer("step", step), zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			err = errors.Join(err, sleepErr)
			break
		}
	}

	e.metrics.recordStep(context.WithoutCancel(ctx), step, e.clock().Sub(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) lookup(instanceID string) (*instanceRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.instances[strings.TrimSpace(instanceID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return run, nil
}

func retryable(err error) bool {
	return services.IsRetryable(err) || errors.Is(err, services.ErrOrderConflict)
}

func refOf(inst *Instance) InstanceRef {
	return InstanceRef{ID: inst.ID, OrderID: inst.OrderID, StartedAt: inst.StartedAt}
}
