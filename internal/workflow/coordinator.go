package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/services"
)

const (
	defaultStepTimeout    = 5 * time.Minute
	defaultPaymentTimeout = 30 * time.Minute

	reasonCancelRequested = "cancelled by request"
	reasonPaymentTimeout  = "payment not received before timeout"
	reasonAborted         = "workflow aborted"
)

// Substrate executes one step with its own timeout. Retry policy belongs to the substrate.
type Substrate interface {
	ExecuteStep(ctx context.Context, step StepKind, timeout time.Duration, fn func(context.Context) error) error
}

// Instance is one saga run for one order.
type Instance struct {
	ID         string
	OrderID    string
	BurnPoints int64
	StartedAt  time.Time

	signals *signalBox
}

func NewInstance(id, orderID string, burnPoints int64, startedAt time.Time) *Instance {
	return &Instance{
		ID:         id,
		OrderID:    orderID,
		BurnPoints: burnPoints,
		StartedAt:  startedAt,
		signals:    newSignalBox(),
	}
}

// Deliver latches the signal. It reports false when a signal of the same kind was already delivered.
func (i *Instance) Deliver(sig Signal) bool {
	return i.signals.deliver(sig)
}

// Result is the terminal description of a saga run. Step errors never escape Run; they land in Err.
type Result struct {
	InstanceID   string
	OrderID      string
	Status       Status
	Outcome      Outcome
	Detail       *domain.OrderDetail
	Cancellation *services.CancelResult
	FailedStep   StepKind
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Error returns the failure description, or an empty string.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	if r.FailedStep != 0 {
		return fmt.Sprintf("%s: %v", r.FailedStep, r.Err)
	}
	return r.Err.Error()
}

// CoordinatorConfig wires the coordinator. Zero values fall back to production defaults.
type CoordinatorConfig struct {
	Activities     Activities
	Substrate      Substrate
	StepTimeout    time.Duration
	PaymentTimeout time.Duration
	Priority       Priority
	After          func(time.Duration) <-chan time.Time
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Coordinator drives the order saga: prepare, wait for payment or cancellation, then complete or compensate.
type Coordinator struct {
	activities     Activities
	substrate      Substrate
	stepTimeout    time.Duration
	paymentTimeout time.Duration
	priority       Priority
	after          func(time.Duration) <-chan time.Time
	clock          func() time.Time
	logger         *zap.Logger
	metrics        *Metrics
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Activities == nil {
		return nil, errors.New("workflow coordinator: activities are required")
	}
	if cfg.Substrate == nil {
		return nil, errors.New("workflow coordinator: substrate is required")
	}
	c := &Coordinator{
		activities:     cfg.Activities,
		substrate:      cfg.Substrate,
		stepTimeout:    cfg.StepTimeout,
		paymentTimeout: cfg.PaymentTimeout,
		priority:       cfg.Priority,
		after:          cfg.After,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if c.stepTimeout <= 0 {
		c.stepTimeout = defaultStepTimeout
	}
	if c.paymentTimeout <= 0 {
		c.paymentTimeout = defaultPaymentTimeout
	}
	if c.after == nil {
		c.after = time.After
	}
	if c.clock == nil {
		c.clock = func() time.Time { return time.Now().UTC() }
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NopMetrics()
	}
	return c, nil
}

// Run executes the saga to a terminal result. ctx cancellation is an external abort and still compensates.
func (c *Coordinator) Run(ctx context.Context, inst *Instance) (res Result) {
	r := &sagaRun{
		c:    c,
		inst: inst,
		in:   StepInput{OrderID: inst.OrderID, InstanceID: inst.ID},
	}
	res = Result{
		InstanceID: inst.ID,
		OrderID:    inst.OrderID,
		Status:     StatusRunning,
		StartedAt:  inst.StartedAt,
	}

	defer func() {
		if p := recover(); p != nil {
			res = r.failure(res, r.current, fmt.Errorf("workflow: panic: %v", p))
		}
		res.FinishedAt = c.clock()
		c.metrics.recordOutcome(context.WithoutCancel(ctx), res)
		c.logger.Info("workflow finished",
			zap.String("instanceId", res.InstanceID),
			zap.String("orderId", res.OrderID),
			zap.Stringer("status", res.Status),
			zap.Stringer("outcome", res.Outcome),
			zap.String("error", res.Error()),
		)
	}()

	if step, err := r.prepare(ctx); err != nil {
		return r.stepFailed(ctx, res, step, err)
	}

	res.Outcome = awaitOutcome(ctx, inst.signals.paid, inst.signals.cancelled, c.after(c.paymentTimeout), c.priority)
	switch res.Outcome {
	case OutcomePaid:
		return r.complete(ctx, res)
	case OutcomeCancelled:
		sig, _ := inst.signals.cancelSignal()
		return r.compensate(ctx, res, cancelReason(sig, reasonCancelRequested))
	case OutcomeTimedOut:
		return r.compensate(ctx, res, reasonPaymentTimeout)
	case OutcomeAborted:
		return r.compensate(ctx, res, reasonAborted)
	default:
		return r.failure(res, 0, fmt.Errorf("workflow: unexpected outcome %s", res.Outcome))
	}
}

// awaitOutcome waits for the first of payment, cancellation, timeout or abort. When payment and
// cancellation are both ready the priority decides; a payment ready at the deadline still counts.
func awaitOutcome(ctx context.Context, paid, cancelled <-chan struct{}, timeout <-chan time.Time, priority Priority) Outcome {
	if ctx.Err() != nil {
		return OutcomeAborted
	}
	if outcome := settledOutcome(paid, cancelled, priority); outcome != OutcomeNone {
		return outcome
	}
	select {
	case <-paid:
	case <-cancelled:
	case <-timeout:
	case <-ctx.Done():
		return OutcomeAborted
	}
	if outcome := settledOutcome(paid, cancelled, priority); outcome != OutcomeNone {
		return outcome
	}
	return OutcomeTimedOut
}

func settledOutcome(paid, cancelled <-chan struct{}, priority Priority) Outcome {
	isPaid, isCancelled := ready(paid), ready(cancelled)
	switch {
	case isPaid && isCancelled:
		if priority == PriorityPayment {
			return OutcomePaid
		}
		return OutcomeCancelled
	case isCancelled:
		return OutcomeCancelled
	case isPaid:
		return OutcomePaid
	default:
		return OutcomeNone
	}
}

type sagaRun struct {
	c           *Coordinator
	inst        *Instance
	in          StepInput
	current     StepKind
	compensated bool
}

func (r *sagaRun) step(ctx context.Context, kind StepKind, fn func(context.Context) error) error {
	r.current = kind
	return r.c.substrate.ExecuteStep(ctx, kind, r.c.stepTimeout, fn)
}

// prepare runs link, validate, fetch, reserve per item, burn and the pending transition.
func (r *sagaRun) prepare(ctx context.Context) (StepKind, error) {
	acts := r.c.activities
	if err := r.step(ctx, StepLinkWorkflow, func(ctx context.Context) error {
		return acts.LinkWorkflow(ctx, r.in)
	}); err != nil {
		return StepLinkWorkflow, err
	}
	if err := r.step(ctx, StepValidate, func(ctx context.Context) error {
		return acts.Validate(ctx, r.in)
	}); err != nil {
		return StepValidate, err
	}

	var detail domain.OrderDetail
	if err := r.step(ctx, StepFetchDetail, func(ctx context.Context) error {
		var err error
		detail, err = acts.FetchDetail(ctx, r.in)
		return err
	}); err != nil {
		return StepFetchDetail, err
	}

	for _, item := range detail.Items {
		productID := item.ProductID
		if err := r.step(ctx, StepReserveStock, func(ctx context.Context) error {
			_, err := acts.ReserveStock(ctx, r.in, productID)
			return err
		}); err != nil {
			return StepReserveStock, fmt.Errorf("product %s: %w", productID, err)
		}
	}

	if err := r.step(ctx, StepBurnLoyalty, func(ctx context.Context) error {
		return acts.BurnLoyalty(ctx, r.in, r.inst.BurnPoints)
	}); err != nil {
		return StepBurnLoyalty, err
	}
	if err := r.step(ctx, StepMarkPending, func(ctx context.Context) error {
		return acts.MarkPending(ctx, r.in)
	}); err != nil {
		return StepMarkPending, err
	}
	return 0, nil
}

// complete runs the paid branch: record payment, paid, cart completion, completed, earn, final detail.
func (r *sagaRun) complete(ctx context.Context, res Result) Result {
	acts := r.c.activities
	sig, _ := r.inst.signals.paymentSignal()

	steps := []struct {
		kind StepKind
		fn   func(context.Context) error
	}{
		{StepRecordPayment, func(ctx context.Context) error { return acts.RecordPayment(ctx, r.in, sig.Payment) }},
		{StepMarkPaid, func(ctx context.Context) error { return acts.MarkPaid(ctx, r.in) }},
		{StepCompleteCart, func(ctx context.Context) error { return acts.CompleteCart(ctx, r.in) }},
		{StepMarkCompleted, func(ctx context.Context) error { return acts.MarkCompleted(ctx, r.in) }},
		{StepEarnLoyalty, func(ctx context.Context) error { return acts.EarnLoyalty(ctx, r.in) }},
	}
	for _, s := range steps {
		if err := r.step(ctx, s.kind, s.fn); err != nil {
			return r.stepFailed(ctx, res, s.kind, err)
		}
	}

	var detail domain.OrderDetail
	if err := r.step(ctx, StepFinalDetail, func(ctx context.Context) error {
		var err error
		detail, err = acts.FetchDetail(ctx, r.in)
		return err
	}); err != nil {
		return r.stepFailed(ctx, res, StepFinalDetail, err)
	}
	res.Status = StatusCompleted
	res.Detail = &detail
	return res
}

// compensate runs the cancel path at most once per run. It detaches from ctx so an abort or shutdown
// arriving mid-compensation cannot leave reservations held.
func (r *sagaRun) compensate(ctx context.Context, res Result, reason string) Result {
	if r.compensated {
		return res
	}
	r.compensated = true
	ctx = context.WithoutCancel(ctx)

	var out services.CancelResult
	if err := r.step(ctx, StepCancelOrder, func(ctx context.Context) error {
		var err error
		out, err = r.c.activities.CancelOrder(ctx, r.in, reason)
		return err
	}); err != nil {
		return r.failure(res, StepCancelOrder, err)
	}
	res.Status = StatusCancelled
	res.Cancellation = &out
	return res
}

// stepFailed turns an abort into compensation; any other error is terminal without rollback.
func (r *sagaRun) stepFailed(ctx context.Context, res Result, step StepKind, err error) Result {
	if ctx.Err() != nil {
		res.Outcome = OutcomeAborted
		return r.compensate(ctx, res, reasonAborted)
	}
	return r.failure(res, step, err)
}

func (r *sagaRun) failure(res Result, step StepKind, err error) Result {
	res.Status = StatusFailed
	res.FailedStep = step
	res.Err = err
	r.c.logger.Warn("workflow step failed",
		zap.String("instanceId", r.inst.ID),
		zap.String("orderId", r.inst.OrderID),
		zap.Stringer("step", step),
		zap.Error(err),
	)
	return res
}
