// Package query is a fluent façade over the SQL builder and the per-task
// transaction manager. One Query instance is shared by many tasks; all of
// its mutable state is task-scoped.
package query

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/linvanda2/mysql/connector"
	"github.com/linvanda2/mysql/pool"
	"github.com/linvanda2/mysql/transaction"
)

// ErrNoTaskContext mirrors transaction.ErrNoTaskContext for calls entering
// through the query façade.
var ErrNoTaskContext = transaction.ErrNoTaskContext

// DBError is a SQL execution failure surfaced by the driver.
type DBError struct {
	Number  uint16
	Message string
}

func (e *DBError) Error() string {
	return fmt.Sprintf("db error %d: %s", e.Number, e.Message)
}

// PageResult is the outcome of a paginated query.
type PageResult struct {
	Total int64
	Data  []connector.Row
}

// Query composes statements with a Builder and runs them through a
// Transaction.
type Query struct {
	builder *Builder
	tx      *transaction.Transaction
}

// New builds a query façade over the given pool.
func New(p *pool.Pool) *Query {
	return &Query{builder: NewBuilder(), tx: transaction.New(p)}
}

// NewWithTransaction shares an existing transaction manager.
func NewWithTransaction(tx *transaction.Transaction) *Query {
	return &Query{builder: NewBuilder(), tx: tx}
}

// Transaction exposes the underlying manager.
func (q *Query) Transaction() *transaction.Transaction { return q.tx }

// Fluent forwarders to the task-scoped builder.

func (q *Query) Table(ctx context.Context, table string) *Query {
	q.builder.Table(ctx, table)
	return q
}

func (q *Query) Fields(ctx context.Context, fields string) *Query {
	q.builder.Fields(ctx, fields)
	return q
}

func (q *Query) Where(ctx context.Context, cond string, args ...interface{}) *Query {
	q.builder.Where(ctx, cond, args...)
	return q
}

func (q *Query) OrderBy(ctx context.Context, order string) *Query {
	q.builder.OrderBy(ctx, order)
	return q
}

func (q *Query) GroupBy(ctx context.Context, group string) *Query {
	q.builder.GroupBy(ctx, group)
	return q
}

func (q *Query) Limit(ctx context.Context, n int) *Query {
	q.builder.Limit(ctx, n)
	return q
}

func (q *Query) Offset(ctx context.Context, n int) *Query {
	q.builder.Offset(ctx, n)
	return q
}

// run compiles the task's builder state and executes it. The builder is
// reset afterwards so the next query starts clean.
func (q *Query) run(ctx context.Context) (*connector.Result, error) {
	sqlText, args, err := q.builder.Compile(ctx)
	if err != nil {
		return nil, err
	}
	defer q.builder.Reset(ctx, SectionAll)
	res, err := q.tx.Command(ctx, sqlText, args...)
	if err != nil {
		return nil, q.asDBError(err)
	}
	return res, nil
}

// List runs the composed query and returns all rows.
func (q *Query) List(ctx context.Context) ([]connector.Row, error) {
	res, err := q.run(ctx)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// One runs the composed query with LIMIT 1 and returns the first row, nil
// when there is none.
func (q *Query) One(ctx context.Context) (connector.Row, error) {
	q.builder.Limit(ctx, 1)
	res, err := q.run(ctx)
	if err != nil {
		return nil, err
	}
	return res.First(), nil
}

// Column returns the first column of the first row, the empty string when
// there are no rows.
func (q *Query) Column(ctx context.Context) (string, error) {
	res, err := q.run(ctx)
	if err != nil {
		return "", err
	}
	v := res.FirstColumn()
	if v == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", v), nil
}

// Page runs a count query followed by the composed query. The builder state
// and model are stashed across the count so a concurrent task on the same
// Query cannot disturb the pagination.
func (q *Query) Page(ctx context.Context) (*PageResult, error) {
	if err := q.builder.Stash(ctx); err != nil {
		return nil, err
	}
	model := q.tx.Model(ctx)

	q.builder.Fields(ctx, "count(*) as cnt")
	q.builder.Reset(ctx, SectionLimit)
	sqlText, args, err := q.builder.Compile(ctx)
	if err != nil {
		q.builder.Reset(ctx, SectionAll)
		return nil, err
	}
	res, err := q.tx.Command(ctx, sqlText, args...)
	if err != nil {
		q.builder.Reset(ctx, SectionAll)
		return nil, q.asDBError(err)
	}
	total, err := toInt64(res.FirstColumn())
	if err != nil {
		q.builder.Reset(ctx, SectionAll)
		return nil, errors.Wrap(err, "parse count")
	}
	if total == 0 {
		q.builder.Reset(ctx, SectionAll)
		return &PageResult{Total: 0, Data: []connector.Row{}}, nil
	}

	if err := q.builder.StashApply(ctx); err != nil {
		return nil, err
	}
	if model != "" {
		// best effort: locked while an explicit transaction runs, in which
		// case the model is unchanged anyway
		_ = q.tx.SetModel(ctx, model)
	}
	res, err = q.run(ctx)
	if err != nil {
		return nil, err
	}
	return &PageResult{Total: total, Data: res.Rows}, nil
}

// Execute runs preSQL with args, or the composed builder query when preSQL
// is empty.
func (q *Query) Execute(ctx context.Context, preSQL string, args ...interface{}) (*connector.Result, error) {
	if preSQL == "" {
		return q.run(ctx)
	}
	sqlText, expanded, err := q.builder.PrepareSQL(preSQL, args)
	if err != nil {
		return nil, err
	}
	res, err := q.tx.Command(ctx, sqlText, expanded...)
	if err != nil {
		return nil, q.asDBError(err)
	}
	return res, nil
}

// SetModel forces the role of the task's next statements.
func (q *Query) SetModel(ctx context.Context, model connector.Role) error {
	return q.tx.SetModel(ctx, model)
}

// Begin opens an explicit transaction for the task, on the task's current
// model or the primary by default.
func (q *Query) Begin(ctx context.Context) error {
	model := q.tx.Model(ctx)
	if model == "" {
		model = connector.RoleWrite
	}
	return q.tx.Begin(ctx, model, false)
}

func (q *Query) Commit(ctx context.Context) error {
	return q.tx.Commit(ctx, false)
}

func (q *Query) Rollback(ctx context.Context) error {
	return q.tx.Rollback(ctx)
}

func (q *Query) LastInsertID(ctx context.Context) int64 {
	return q.tx.LastExecInfo(ctx).InsertID
}

func (q *Query) AffectedRows(ctx context.Context) int64 {
	return q.tx.LastExecInfo(ctx).AffectedRows
}

func (q *Query) LastError(ctx context.Context) string {
	return q.tx.LastExecInfo(ctx).ErrMessage
}

func (q *Query) LastErrorNo(ctx context.Context) uint16 {
	return q.tx.LastExecInfo(ctx).ErrNumber
}

// asDBError converts driver failures into *DBError; pool and state errors
// pass through untouched.
func (q *Query) asDBError(err error) error {
	var connErr *connector.Error
	if errors.As(err, &connErr) {
		return &DBError{Number: connErr.Number, Message: connErr.Message}
	}
	return err
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, errors.Errorf("unexpected count type %T", v)
}
