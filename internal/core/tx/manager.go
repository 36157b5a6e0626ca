// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces; the implementation lives in
// infrastructure/storage/postgres.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IsolatingManager can run fn in a savepoint so that a failing fn rolls back
// only its own writes while the enclosing transaction survives.
type IsolatingManager interface {
	Manager

	RunIsolated(ctx context.Context, fn func(ctx context.Context) error) error
}

// Nop runs fn directly. Used by in-memory stores and tests.
type Nop struct{}

// RunInTransaction implements Manager.
func (Nop) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// RunIsolated implements IsolatingManager.
func (Nop) RunIsolated(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
