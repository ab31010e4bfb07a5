package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Connector is one physical MySQL session plus its usage counters. A
// connector is used by at most one task at a time; the pool hands ownership
// over through its channels.
type Connector struct {
	id     string
	cfg    *Config
	driver Driver
	info   *Info

	inTransaction bool
	execCount     int64
	lastExecTime  time.Time
	lastExpend    time.Duration
	peakExpend    time.Duration
	lastErr       *Error
	lastInsertID  int64
	affectedRows  int64
}

// New wraps drv into a connector playing the given role. Callers must
// Connect before first use.
func New(cfg *Config, role Role, drv Driver) *Connector {
	return &Connector{
		id:     uuid.NewString(),
		cfg:    cfg.SetDefault(),
		driver: drv,
		info:   &Info{Role: role, Status: StatusBusy},
		// the idle clock starts now, not at the first statement
		lastExecTime: time.Now(),
	}
}

func (c *Connector) ID() string           { return c.id }
func (c *Connector) Info() *Info          { return c.info }
func (c *Connector) InTransaction() bool  { return c.inTransaction }
func (c *Connector) ExecCount() int64     { return c.execCount }
func (c *Connector) LastExecTime() time.Time { return c.lastExecTime }
func (c *Connector) LastExpend() time.Duration { return c.lastExpend }
func (c *Connector) PeakExpend() time.Duration { return c.peakExpend }
func (c *Connector) LastInsertID() int64  { return c.lastInsertID }
func (c *Connector) AffectedRows() int64  { return c.affectedRows }

// LastError returns the failure of the most recent operation, nil after a
// success.
func (c *Connector) LastError() *Error { return c.lastErr }

// Connect establishes the session. It is idempotent.
func (c *Connector) Connect(ctx context.Context) error {
	if c.driver.Connected() {
		return nil
	}
	if err := c.driver.Connect(ctx); err != nil {
		c.logger(ctx).Error().Err(err).Msg("connect failed")
		c.noteErr(err)
		return err
	}
	c.lastExecTime = time.Now()
	c.logger(ctx).Debug().Msg("connected")
	return nil
}

// Query runs a read statement. Args trigger the prepare+execute path.
func (c *Connector) Query(ctx context.Context, query string, args []interface{}) (*Result, error) {
	return c.run(ctx, query, args, false)
}

// Exec runs a write statement. Args trigger the prepare+execute path.
func (c *Connector) Exec(ctx context.Context, query string, args []interface{}) (*Result, error) {
	return c.run(ctx, query, args, true)
}

func (c *Connector) run(ctx context.Context, query string, args []interface{}, write bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.dispatch(ctx, query, args, write)
	if err != nil && !c.inTransaction && Reconnectable(err) {
		// The session is gone and no transaction context can be lost:
		// reconnect and retry exactly once.
		c.logger(ctx).Warn().Err(err).Msg("connection lost, reconnecting")
		if rerr := c.Reconnect(ctx); rerr == nil {
			res, err = c.dispatch(ctx, query, args, write)
		}
	}
	c.note(start, res, err)
	return res, err
}

func (c *Connector) dispatch(ctx context.Context, query string, args []interface{}, write bool) (*Result, error) {
	if write {
		return c.driver.Exec(ctx, query, args)
	}
	return c.driver.Query(ctx, query, args)
}

// Begin opens a server-side transaction. While it is open, reconnects are
// disabled: a fresh connection would lose the transaction context.
func (c *Connector) Begin(ctx context.Context) error {
	start := time.Now()
	err := c.driver.Begin(ctx)
	c.noteControl(start, err)
	if err != nil {
		return err
	}
	c.inTransaction = true
	return nil
}

func (c *Connector) Commit(ctx context.Context) error {
	start := time.Now()
	err := c.driver.Commit(ctx)
	c.noteControl(start, err)
	if err != nil {
		return err
	}
	c.inTransaction = false
	return nil
}

// Rollback closes the server-side transaction. The connector leaves
// transaction mode even when the wire ROLLBACK fails.
func (c *Connector) Rollback(ctx context.Context) error {
	start := time.Now()
	err := c.driver.Rollback(ctx)
	c.noteControl(start, err)
	c.inTransaction = false
	return err
}

// Reconnect tears the session down and dials again.
func (c *Connector) Reconnect(ctx context.Context) error {
	if err := c.driver.Close(); err != nil {
		c.logger(ctx).Debug().Err(err).Msg("close before reconnect")
	}
	return c.driver.Connect(ctx)
}

// Close releases the session and resets all counters except the peak
// execution time.
func (c *Connector) Close() error {
	err := c.driver.Close()
	c.inTransaction = false
	c.execCount = 0
	c.lastExecTime = time.Time{}
	c.lastExpend = 0
	c.lastErr = nil
	c.lastInsertID = 0
	c.affectedRows = 0
	return err
}

// note updates the session counters after a statement.
func (c *Connector) note(start time.Time, res *Result, err error) {
	c.tick(start)
	if err != nil {
		c.noteErr(err)
		return
	}
	c.lastErr = nil
	if res != nil {
		c.lastInsertID = res.InsertID
		c.affectedRows = res.AffectedRows
	}
}

// noteControl updates the counters after BEGIN/COMMIT/ROLLBACK. Unlike
// note, a successful control command does not clear the last statement's
// error: callers read it after release.
func (c *Connector) noteControl(start time.Time, err error) {
	c.tick(start)
	if err != nil {
		c.noteErr(err)
	}
}

func (c *Connector) tick(start time.Time) {
	c.execCount++
	c.lastExecTime = time.Now()
	c.lastExpend = time.Since(start)
	if c.lastExpend > c.peakExpend {
		c.peakExpend = c.lastExpend
	}
}

func (c *Connector) noteErr(err error) {
	var e *Error
	if errors.As(err, &e) {
		c.lastErr = e
		return
	}
	c.lastErr = &Error{Message: err.Error()}
}

func (c *Connector) logger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx).With().
		Str("component", "connector").
		Str("connector_id", c.id).
		Str("role", string(c.info.Role)).
		Logger()
	return &logger
}
