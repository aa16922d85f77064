package domain

import "strings"

// ProcessPayment appends a pending payment. The order moves to Paid once every recorded payment settled.
func (a *Aggregate) ProcessPayment(method string, amount int64, currencyCode string) (Payment, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return Payment{}, &ValidationError{Field: "method", Reason: "is required"}
	}
	if amount <= 0 {
		return Payment{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	code, err := normalizeCurrency(currencyCode)
	if err != nil {
		return Payment{}, err
	}
	if code != a.order.Currency {
		return Payment{}, &ValidationError{Field: "currency", Reason: "must match order currency " + a.order.Currency}
	}
	if err := a.ensureOpen("payment"); err != nil {
		return Payment{}, err
	}

	now := a.touch()
	payment := Payment{
		ID:        a.newID(),
		OrderID:   a.order.ID,
		Method:    method,
		Amount:    amount,
		Currency:  code,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.payments = append(a.payments, payment)
	a.markInserted(payment.ID)

	if err := a.markPaidWhenSettled(); err != nil {
		return payment, err
	}
	return payment, nil
}

// ConfirmPayment settles a pending payment.
func (a *Aggregate) ConfirmPayment(paymentID, transactionReference string) (Payment, error) {
	if err := a.ensureOpen("payment confirmation"); err != nil {
		return Payment{}, err
	}
	p, err := a.pendingPayment(paymentID)
	if err != nil {
		return Payment{}, err
	}

	now := a.touch()
	paidAt := now
	p.Status = PaymentStatusSuccessful
	p.TransactionReference = strings.TrimSpace(transactionReference)
	p.PaidAt = &paidAt
	p.UpdatedAt = now
	a.markUpdated(p.ID)
	confirmed := *p

	if err := a.markPaidWhenSettled(); err != nil {
		return confirmed, err
	}
	return confirmed, nil
}

// FailPayment marks a pending payment as declined.
func (a *Aggregate) FailPayment(paymentID, reason string) (Payment, error) {
	if err := a.ensureOpen("payment failure"); err != nil {
		return Payment{}, err
	}
	p, err := a.pendingPayment(paymentID)
	if err != nil {
		return Payment{}, err
	}

	now := a.touch()
	p.Status = PaymentStatusFailed
	p.FailureReason = strings.TrimSpace(reason)
	p.UpdatedAt = now
	a.markUpdated(p.ID)
	return *p, nil
}

// RefundPayment returns up to the captured amount of a successful payment.
func (a *Aggregate) RefundPayment(paymentID string, amount int64, reason string) (Payment, error) {
	if amount <= 0 {
		return Payment{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := a.ensureOpen("refund"); err != nil {
		return Payment{}, err
	}
	p, err := a.findPayment(paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != PaymentStatusSuccessful {
		return Payment{}, a.paymentLifecycleError(*p, PaymentStatusRefunded)
	}
	if amount > p.Amount {
		return Payment{}, &BusinessRuleViolation{
			Rule:    RuleRefundExceedsPayment,
			Current: a.order.State,
			Detail:  "refund exceeds captured amount",
		}
	}

	now := a.touch()
	refundedAt := now
	p.Status = PaymentStatusRefunded
	p.RefundedAmount = amount
	p.RefundedAt = &refundedAt
	p.FailureReason = strings.TrimSpace(reason)
	p.UpdatedAt = now
	a.markUpdated(p.ID)
	return *p, nil
}

// SuccessfulPaymentTotal sums the amounts of successful payments.
func (a *Aggregate) SuccessfulPaymentTotal() int64 {
	var sum int64
	for _, p := range a.payments {
		if p.Status == PaymentStatusSuccessful {
			sum += p.Amount
		}
	}
	return sum
}

// OutstandingAmount returns the part of the total not yet covered by successful payments.
func (a *Aggregate) OutstandingAmount() int64 {
	outstanding := a.Total() - a.SuccessfulPaymentTotal()
	if outstanding < 0 {
		return 0
	}
	return outstanding
}

// markPaidWhenSettled moves a pending order to Paid when every recorded payment is successful
// and together they cover the total. The coverage check is deliberate: a single successful partial
// payment leaves the order Pending until the rest of the total settles.
func (a *Aggregate) markPaidWhenSettled() error {
	if a.order.State != OrderStatePending || len(a.payments) == 0 || !a.IsFullyPaid() {
		return nil
	}
	for _, p := range a.payments {
		if p.Status != PaymentStatusSuccessful {
			return nil
		}
	}
	return a.transition(OrderStatePaid, "all payments settled", false, TransitionModeAuto, a.actor)
}

func (a *Aggregate) findPayment(paymentID string) (*Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, &ValidationError{Field: "paymentId", Reason: "is required"}
	}
	for i := range a.payments {
		if a.payments[i].ID == paymentID {
			return &a.payments[i], nil
		}
	}
	return nil, &NotFoundError{Resource: "payment", ID: paymentID}
}

func (a *Aggregate) pendingPayment(paymentID string) (*Payment, error) {
	p, err := a.findPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentStatusPending {
		return nil, a.paymentLifecycleError(*p, "")
	}
	return p, nil
}

func (a *Aggregate) paymentLifecycleError(p Payment, target PaymentStatus) error {
	detail := "payment " + p.ID + " is " + string(p.Status)
	if target != "" {
		detail += ", cannot become " + string(target)
	}
	return &BusinessRuleViolation{
		Rule:    RulePaymentLifecycle,
		Current: a.order.State,
		Detail:  detail,
	}
}
