package workflow

import (
	"fmt"
	"strings"
)

// SignalKind enumerates the external signals a running saga observes at its wait point.
type SignalKind int

const (
	SignalPaymentSuccess SignalKind = iota + 1
	SignalCancelOrder
)

func (k SignalKind) String() string {
	switch k {
	case SignalPaymentSuccess:
		return "payment_success"
	case SignalCancelOrder:
		return "cancel_order"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// ParseSignalKind accepts snake, kebab or camel case names, e.g. "payment_success" or "CancelOrder".
func ParseSignalKind(value string) (SignalKind, error) {
	switch canonicalName(value) {
	case "paymentsuccess":
		return SignalPaymentSuccess, nil
	case "cancelorder", "cancel":
		return SignalCancelOrder, nil
	default:
		return 0, fmt.Errorf("workflow: unknown signal %q", value)
	}
}

// StepKind names every durable unit of work the coordinator executes.
type StepKind int

const (
	StepLinkWorkflow StepKind = iota + 1
	StepValidate
	StepFetchDetail
	StepReserveStock
	StepBurnLoyalty
	StepMarkPending
	StepRecordPayment
	StepMarkPaid
	StepCompleteCart
	StepMarkCompleted
	StepEarnLoyalty
	StepFinalDetail
	StepCancelOrder
)

var stepNames = map[StepKind]string{
	StepLinkWorkflow:  "link_workflow",
	StepValidate:      "validate",
	StepFetchDetail:   "fetch_detail",
	StepReserveStock:  "reserve_stock",
	StepBurnLoyalty:   "burn_loyalty",
	StepMarkPending:   "mark_pending",
	StepRecordPayment: "record_payment",
	StepMarkPaid:      "mark_paid",
	StepCompleteCart:  "complete_cart",
	StepMarkCompleted: "mark_completed",
	StepEarnLoyalty:   "earn_loyalty",
	StepFinalDetail:   "final_detail",
	StepCancelOrder:   "cancel_order",
}

func (k StepKind) String() string {
	if name, ok := stepNames[k]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(k))
}

func ParseStepKind(value string) (StepKind, error) {
	want := canonicalName(value)
	for kind, name := range stepNames {
		if canonicalName(name) == want {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("workflow: unknown step %q", value)
}

// Priority decides the outcome when payment and cancellation are both observed at the wait point.
type Priority int

const (
	// PriorityCancellation drops a simultaneously ready payment in favour of the cancel path.
	PriorityCancellation Priority = iota
	PriorityPayment
)

func (p Priority) String() string {
	switch p {
	case PriorityCancellation:
		return "cancellation"
	case PriorityPayment:
		return "payment"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(value string) (Priority, error) {
	switch canonicalName(value) {
	case "", "cancellation", "cancel":
		return PriorityCancellation, nil
	case "payment", "paid":
		return PriorityPayment, nil
	default:
		return 0, fmt.Errorf("workflow: unknown priority %q", value)
	}
}

// Outcome is what the wait point resolved to.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePaid
	OutcomeCancelled
	OutcomeTimedOut
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomePaid:
		return "paid"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Status is the terminal classification of a saga run.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func canonicalName(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(value)
}
