// Package transaction routes statements from many tasks onto pooled
// connections. One Transaction instance is shared process-wide; everything
// that varies per task lives in the task's context store.
package transaction

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/linvanda2/mysql/connector"
	"github.com/linvanda2/mysql/pool"
	"github.com/linvanda2/mysql/taskctx"
)

var (
	ErrNoTaskContext = errors.New("context carries no task store, derive one with taskctx.New")
	ErrModelLocked   = errors.New("model cannot change while a transaction is running")
	ErrInvalidModel  = errors.New("model must be read or write")
)

// ExecInfo is the outcome of the task's last finished statement.
type ExecInfo struct {
	InsertID     int64
	AffectedRows int64
	ErrNumber    uint16
	ErrMessage   string
}

// state is the per-task slice of a Transaction.
type state struct {
	conn         *connector.Connector
	running      bool
	model        connector.Role
	lastExec     ExecInfo
	cleanupArmed bool
}

// Transaction is a per-task transaction manager over a pool. All methods
// require a task context (see taskctx.New / taskctx.Run).
type Transaction struct {
	pool *pool.Pool
	key  string // task-store key, unique per instance
}

func New(p *pool.Pool) *Transaction {
	return &Transaction{pool: p, key: "transaction:" + uuid.NewString()}
}

// Pool returns the pool this manager draws from.
func (t *Transaction) Pool() *pool.Pool { return t.pool }

func (t *Transaction) state(ctx context.Context) (*state, error) {
	store, ok := taskctx.FromContext(ctx)
	if !ok {
		return nil, ErrNoTaskContext
	}
	if v, ok := store.Get(t.key); ok {
		return v.(*state), nil
	}
	s := &state{}
	store.Set(t.key, s)
	return s, nil
}

// Begin starts a transaction for the calling task, acquiring a connector of
// the given model from the pool. Calling Begin while one is already running
// is a no-op. With implicit=true no BEGIN is sent on the wire.
func (t *Transaction) Begin(ctx context.Context, model connector.Role, implicit bool) error {
	s, err := t.state(ctx)
	if err != nil {
		return err
	}
	if s.running {
		return nil
	}
	if !model.Valid() {
		return errors.Wrapf(ErrInvalidModel, "%q", model)
	}

	s.model = model
	s.running = true
	c, err := t.pool.Get(ctx, model)
	if err != nil {
		s.running = false
		s.model = ""
		return errors.Wrap(err, "begin: acquire connection")
	}
	s.conn = c
	s.lastExec = ExecInfo{}
	t.armCleanup(ctx, s)

	if !implicit {
		if err := c.Begin(ctx); err != nil {
			t.finish(s)
			return errors.Wrap(err, "begin")
		}
	}
	return nil
}

// armCleanup makes sure an abandoned transaction rolls back when the task
// scope ends, so the connector is never leaked.
func (t *Transaction) armCleanup(ctx context.Context, s *state) {
	if s.cleanupArmed {
		return
	}
	store, _ := taskctx.FromContext(ctx)
	store.OnCleanup(func(cctx context.Context) {
		if s.running {
			t.logger(cctx).Warn().Msg("task exited with a running transaction, rolling back")
			_ = t.Rollback(cctx)
		}
	})
	s.cleanupArmed = true
}

// Command executes a statement on the task's transaction. Without an
// explicit Begin the statement runs as an implicit transaction: the model is
// inferred from the first keyword and no BEGIN/COMMIT goes on the wire. A
// failed implicit statement is rolled back, never left half-open.
func (t *Transaction) Command(ctx context.Context, query string, args ...interface{}) (*connector.Result, error) {
	s, err := t.state(ctx)
	if err != nil {
		return nil, err
	}

	if s.running {
		return t.exec(ctx, s, query, args)
	}

	model := s.model
	if model == "" {
		model = InferModel(query)
	}
	if IsWrite(query) {
		// a write statement always goes to the primary
		model = connector.RoleWrite
	}
	if err := t.Begin(ctx, model, true); err != nil {
		return nil, err
	}
	res, err := t.exec(ctx, s, query, args)
	if err != nil {
		_ = t.Rollback(ctx)
		return nil, err
	}
	if err := t.Commit(ctx, true); err != nil {
		return res, err
	}
	return res, nil
}

func (t *Transaction) exec(ctx context.Context, s *state, query string, args []interface{}) (*connector.Result, error) {
	var res *connector.Result
	var err error
	if IsWrite(query) {
		res, err = s.conn.Exec(ctx, query, args)
	} else {
		res, err = s.conn.Query(ctx, query, args)
	}
	return res, err
}

// Commit ends the task's transaction and returns its connector to the pool.
// It is a no-op when nothing is running. A failed wire COMMIT triggers an
// automatic rollback and reports the commit failure.
func (t *Transaction) Commit(ctx context.Context, implicit bool) error {
	s, err := t.state(ctx)
	if err != nil {
		return err
	}
	if !s.running {
		return nil
	}
	if !implicit {
		if cerr := s.conn.Commit(ctx); cerr != nil {
			t.logger(ctx).Error().Err(cerr).Msg("commit failed, rolling back")
			_ = t.Rollback(ctx)
			return errors.Wrap(cerr, "commit")
		}
	}
	t.finish(s)
	return nil
}

// Rollback ends the task's transaction, sending ROLLBACK on a best-effort
// basis. It is a no-op when nothing is running.
func (t *Transaction) Rollback(ctx context.Context) error {
	s, err := t.state(ctx)
	if err != nil {
		return err
	}
	if !s.running {
		return nil
	}
	_ = s.conn.Rollback(ctx)
	t.finish(s)
	return nil
}

// finish snapshots the connector's last-exec info, releases it and clears
// the task's transaction state.
func (t *Transaction) finish(s *state) {
	if s.conn != nil {
		s.lastExec = execInfoFrom(s.conn)
		t.pool.Put(s.conn)
	}
	s.conn = nil
	s.running = false
	s.model = ""
}

func execInfoFrom(c *connector.Connector) ExecInfo {
	info := ExecInfo{
		InsertID:     c.LastInsertID(),
		AffectedRows: c.AffectedRows(),
	}
	if lastErr := c.LastError(); lastErr != nil {
		info.ErrNumber = lastErr.Number
		info.ErrMessage = lastErr.Message
	}
	return info
}

// Running reports whether the calling task has a transaction open.
func (t *Transaction) Running(ctx context.Context) bool {
	s, err := t.state(ctx)
	return err == nil && s.running
}

// Model returns the calling task's current model, empty when unset.
func (t *Transaction) Model(ctx context.Context) connector.Role {
	s, err := t.state(ctx)
	if err != nil {
		return ""
	}
	return s.model
}

// SetModel selects the role used by the task's next statements. While a
// transaction is running the model is locked and an error is returned.
func (t *Transaction) SetModel(ctx context.Context, model connector.Role) error {
	s, err := t.state(ctx)
	if err != nil {
		return err
	}
	if !model.Valid() {
		return errors.Wrapf(ErrInvalidModel, "%q", model)
	}
	if s.running {
		return ErrModelLocked
	}
	s.model = model
	return nil
}

// LastExecInfo returns the task's last execution outcome: live from the held
// connector while a transaction runs, the last snapshot otherwise.
func (t *Transaction) LastExecInfo(ctx context.Context) ExecInfo {
	s, err := t.state(ctx)
	if err != nil {
		return ExecInfo{}
	}
	if s.running && s.conn != nil {
		return execInfoFrom(s.conn)
	}
	return s.lastExec
}

// WithTx runs fn inside an explicit transaction: Begin, fn, Commit, with a
// rollback on error or panic.
func (t *Transaction) WithTx(ctx context.Context, model connector.Role, fn func(context.Context) error) error {
	if err := t.Begin(ctx, model, false); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = t.Rollback(ctx)
			panic(r)
		}
	}()
	if err := fn(ctx); err != nil {
		_ = t.Rollback(ctx)
		return err
	}
	return t.Commit(ctx, false)
}

func (t *Transaction) logger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx).With().Str("component", "transaction").Logger()
	return &logger
}

// writeKeywords are the statement-leading keywords routed to the primary.
var writeKeywords = map[string]struct{}{
	"update": {}, "replace": {}, "delete": {}, "insert": {},
	"drop": {}, "grant": {}, "truncate": {}, "alter": {}, "create": {},
}

func firstKeyword(query string) string {
	trimmed := strings.TrimSpace(query)
	if i := strings.IndexAny(trimmed, " \t\r\n("); i > 0 {
		trimmed = trimmed[:i]
	}
	return strings.ToLower(trimmed)
}

// IsWrite reports whether the statement mutates data or schema.
func IsWrite(query string) bool {
	_, ok := writeKeywords[firstKeyword(query)]
	return ok
}

// InferModel maps a statement to the pool role it should run on.
func InferModel(query string) connector.Role {
	if IsWrite(query) {
		return connector.RoleWrite
	}
	return connector.RoleRead
}
