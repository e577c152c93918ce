package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 10 * time.Second
)

// TxFunc is the body executed inside a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction execution.
type TxOption func(*txOptions)

type txOptions struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the maximum number of commit attempts.
func WithTxAttempts(attempts int) TxOption {
	return func(o *txOptions) {
		if attempts > 0 {
			o.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the total wall-clock time of the transaction.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(o *txOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// RunTransaction executes fn inside a Firestore transaction with bounded
// retries and timeout, translating commit failures into repository errors.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction func is nil"))
	}

	options := txOptions{
		attempts: defaultTxAttempts,
		timeout:  defaultTxTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	txCtx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	err := client.RunTransaction(txCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(options.attempts))
	if err != nil {
		return WrapError("transaction", err)
	}
	return nil
}
