// Package drivertest provides an in-memory connector.Driver for tests.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/linvanda2/mysql/connector"
)

// Driver is a scriptable fake session. The zero Handler answers every
// statement with an empty result. Fields are safe to inspect concurrently.
type Driver struct {
	mu sync.Mutex

	// Handler answers Query/Exec calls. Optional.
	Handler func(query string, args []interface{}) (*connector.Result, error)
	// Delay is slept before every statement, simulating the network
	// suspension point.
	Delay time.Duration
	// ConnectErrs are consumed one per Connect call; a nil entry means that
	// call succeeds.
	ConnectErrs []error
	// CommitErr fails the next Commit, then clears itself.
	CommitErr error

	connected    bool
	connectCount int
	log          []string
}

// New returns a connected-on-demand fake driver.
func New() *Driver { return &Driver{} }

// Log returns the statements seen so far, including BEGIN/COMMIT/ROLLBACK
// markers and connect/close events.
func (d *Driver) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.log))
	copy(out, d.log)
	return out
}

// ConnectCount returns how many times Connect succeeded.
func (d *Driver) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCount
}

func (d *Driver) record(entry string) {
	d.log = append(d.log, entry)
}

func (d *Driver) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ConnectErrs) > 0 {
		err := d.ConnectErrs[0]
		d.ConnectErrs = d.ConnectErrs[1:]
		if err != nil {
			return err
		}
	}
	d.connected = true
	d.connectCount++
	d.record("connect")
	return nil
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) Query(ctx context.Context, query string, args []interface{}) (*connector.Result, error) {
	return d.statement(ctx, query, args)
}

func (d *Driver) Exec(ctx context.Context, query string, args []interface{}) (*connector.Result, error) {
	return d.statement(ctx, query, args)
}

func (d *Driver) statement(ctx context.Context, query string, args []interface{}) (*connector.Result, error) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil, connector.ErrNotConnected
	}
	d.record(query)
	handler := d.Handler
	delay := d.Delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if handler != nil {
		return handler(query, args)
	}
	return &connector.Result{}, nil
}

func (d *Driver) Begin(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return connector.ErrNotConnected
	}
	d.record("BEGIN")
	return nil
}

func (d *Driver) Commit(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("COMMIT")
	if err := d.CommitErr; err != nil {
		d.CommitErr = nil
		return err
	}
	return nil
}

func (d *Driver) Rollback(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ROLLBACK")
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.record("close")
	return nil
}

var _ connector.Driver = (*Driver)(nil)
