package workflow

import (
	"strings"
	"sync"
	"time"
)

// PaymentPayload describes the settled payment announced by a PaymentSuccess signal.
// A zero Amount settles the outstanding balance.
type PaymentPayload struct {
	Method               string
	Amount               int64
	Currency             string
	TransactionReference string
}

// Signal is delivered to a running instance. Only the payload matching Kind is read.
type Signal struct {
	Kind       SignalKind
	Payment    PaymentPayload
	Reason     string
	ActorID    string
	ReceivedAt time.Time
}

// signalBox latches the first signal of each kind. Later deliveries of the same kind are ignored.
type signalBox struct {
	mu        sync.Mutex
	paid      chan struct{}
	cancelled chan struct{}
	payment   *Signal
	cancel    *Signal
}

func newSignalBox() *signalBox {
	return &signalBox{
		paid:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// deliver reports whether the signal changed the box.
func (b *signalBox) deliver(sig Signal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch sig.Kind {
	case SignalPaymentSuccess:
		if b.payment != nil {
			return false
		}
		b.payment = &sig
		close(b.paid)
		return true
	case SignalCancelOrder:
		if b.cancel != nil {
			return false
		}
		b.cancel = &sig
		close(b.cancelled)
		return true
	default:
		return false
	}
}

func (b *signalBox) paymentSignal() (Signal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payment == nil {
		return Signal{}, false
	}
	return *b.payment, true
}

func (b *signalBox) cancelSignal() (Signal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return Signal{}, false
	}
	return *b.cancel, true
}

func ready(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func cancelReason(sig Signal, fallback string) string {
	if reason := strings.TrimSpace(sig.Reason); reason != "" {
		return reason
	}
	return fallback
}
