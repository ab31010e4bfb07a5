package pool

import "github.com/pkg/errors"

var (
	// ErrPoolClosed is terminal: the pool has been shut down.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrAcquireTimeout is transient: all connections were busy for the
	// whole overflow wait. Callers may retry.
	ErrAcquireTimeout = errors.New("acquire connection timed out")
	// ErrTooManyTimeouts is fatal: consecutive acquisition timeouts crossed
	// the configured threshold, the database looks down.
	ErrTooManyTimeouts = errors.New("too many consecutive acquire timeouts, database looks down")
)
