// Package lock serialises benchmark runs that target the same fleet. Two
// concurrent runs against the same hosts would corrupt each other's storage
// setup and result files.
package lock

import (
	"context"
	"errors"
)

var (
	// ErrNotAcquired indicates that another run currently holds the fleet lock.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager coordinates access to the fleet run lock.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// NoopManager returns an immediately acquired lease without performing any
// remote coordination. It backs runs that have no lock configured.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }

var _ Manager = (*NoopManager)(nil)
var _ Lease = (*noopLease)(nil)
