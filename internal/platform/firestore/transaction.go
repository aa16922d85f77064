package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc runs inside a Firestore transaction. ctx carries tx, so repositories called from fn join it.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxPolicy bounds one transaction: Firestore retries contention up to Attempts times within Timeout.
type TxPolicy struct {
	Attempts int
	Timeout  time.Duration
}

// DefaultTxPolicy suits a single order aggregate save (one order document plus its ledger rows).
var DefaultTxPolicy = TxPolicy{Attempts: 5, Timeout: 15 * time.Second}

func (p TxPolicy) normalized() TxPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultTxPolicy.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTxPolicy.Timeout
	}
	return p
}

type txKey struct{}

func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func TransactionFrom(ctx context.Context) (*firestore.Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// RunTransaction runs fn in a new transaction on client, or inside the one ctx already carries.
// Reads must precede writes: Firestore rejects a read after the first write of a transaction.
func RunTransaction(ctx context.Context, client *firestore.Client, policy TxPolicy, fn TxFunc) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	if tx, joined := TransactionFrom(ctx); joined {
		return fn(ctx, tx)
	}
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}

	policy = policy.normalized()
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > policy.Timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	err := client.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(WithTransaction(txCtx, tx), tx)
	}, firestore.MaxAttempts(policy.Attempts))
	return WrapError("transaction", err)
}
