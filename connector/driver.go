package connector

import "context"

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Result carries the outcome of a single statement.
type Result struct {
	// Columns preserves the column order of the result set.
	Columns []string
	Rows    []Row
	// InsertID and AffectedRows are set by write statements.
	InsertID     int64
	AffectedRows int64
}

// First returns the first row, or nil when the result set is empty.
func (r *Result) First() Row {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// FirstColumn returns the first column of the first row, or nil when the
// result set is empty.
func (r *Result) FirstColumn() interface{} {
	row := r.First()
	if row == nil || len(r.Columns) == 0 {
		return nil
	}
	return row[r.Columns[0]]
}

// Driver is the low-level MySQL session consumed by Connector. The
// production implementation speaks the wire protocol through
// go-sql-driver/mysql; tests plug in a fake.
//
// Implementations report server and transport failures as *Error so callers
// can inspect the MySQL error number. Local failures, such as
// ErrNotConnected or a missing driver capability, are plain errors.
type Driver interface {
	Connect(ctx context.Context) error
	Connected() bool
	Query(ctx context.Context, query string, args []interface{}) (*Result, error)
	Exec(ctx context.Context, query string, args []interface{}) (*Result, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}
