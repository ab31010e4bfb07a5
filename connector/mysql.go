package connector

import (
	"context"
	sqldriver "database/sql/driver"
	"io"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// mysqlDriver is the production Driver: one raw driver.Conn obtained from
// go-sql-driver's connector, no database/sql pooling in between. Pooling is
// done by this library.
type mysqlDriver struct {
	connector sqldriver.Connector
	conn      sqldriver.Conn
	tx        sqldriver.Tx
}

// NewMySQLDriver builds a Driver speaking to the endpoint described by cfg.
func NewMySQLDriver(cfg *Config) (Driver, error) {
	c, err := mysql.NewConnector(cfg.mysqlConfig())
	if err != nil {
		return nil, errors.Wrap(err, "build mysql connector")
	}
	return &mysqlDriver{connector: c}, nil
}

func (d *mysqlDriver) Connect(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	conn, err := d.connector.Connect(ctx)
	if err != nil {
		return asError(err)
	}
	d.conn = conn
	return nil
}

func (d *mysqlDriver) Connected() bool {
	return d.conn != nil
}

func (d *mysqlDriver) Query(ctx context.Context, query string, args []interface{}) (*Result, error) {
	if d.conn == nil {
		return nil, ErrNotConnected
	}

	named, err := namedValues(args)
	if err != nil {
		return nil, err
	}

	var rows sqldriver.Rows
	if len(named) == 0 {
		queryer, ok := d.conn.(sqldriver.QueryerContext)
		if !ok {
			return nil, errors.Wrap(ErrDriverCapability, "QueryerContext")
		}
		rows, err = queryer.QueryContext(ctx, query, nil)
	} else {
		rows, err = d.prepareQuery(ctx, query, named)
	}
	if err != nil {
		return nil, asError(err)
	}
	defer rows.Close()

	return readRows(rows)
}

func (d *mysqlDriver) prepareQuery(ctx context.Context, query string, named []sqldriver.NamedValue) (sqldriver.Rows, error) {
	preparer, ok := d.conn.(sqldriver.ConnPrepareContext)
	if !ok {
		return nil, errors.Wrap(ErrDriverCapability, "ConnPrepareContext")
	}
	stmt, err := preparer.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	q, ok := stmt.(sqldriver.StmtQueryContext)
	if !ok {
		return nil, errors.Wrap(ErrDriverCapability, "StmtQueryContext")
	}
	return q.QueryContext(ctx, named)
}

func (d *mysqlDriver) Exec(ctx context.Context, query string, args []interface{}) (*Result, error) {
	if d.conn == nil {
		return nil, ErrNotConnected
	}

	named, err := namedValues(args)
	if err != nil {
		return nil, err
	}

	var res sqldriver.Result
	if len(named) == 0 {
		execer, ok := d.conn.(sqldriver.ExecerContext)
		if !ok {
			return nil, errors.Wrap(ErrDriverCapability, "ExecerContext")
		}
		res, err = execer.ExecContext(ctx, query, nil)
	} else {
		res, err = d.prepareExec(ctx, query, named)
	}
	if err != nil {
		return nil, asError(err)
	}

	out := &Result{}
	if id, err := res.LastInsertId(); err == nil {
		out.InsertID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		out.AffectedRows = n
	}
	return out, nil
}

func (d *mysqlDriver) prepareExec(ctx context.Context, query string, named []sqldriver.NamedValue) (sqldriver.Result, error) {
	preparer, ok := d.conn.(sqldriver.ConnPrepareContext)
	if !ok {
		return nil, errors.Wrap(ErrDriverCapability, "ConnPrepareContext")
	}
	stmt, err := preparer.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	e, ok := stmt.(sqldriver.StmtExecContext)
	if !ok {
		return nil, errors.Wrap(ErrDriverCapability, "StmtExecContext")
	}
	return e.ExecContext(ctx, named)
}

func (d *mysqlDriver) Begin(ctx context.Context) error {
	if d.conn == nil {
		return ErrNotConnected
	}
	beginner, ok := d.conn.(sqldriver.ConnBeginTx)
	if !ok {
		return errors.Wrap(ErrDriverCapability, "ConnBeginTx")
	}
	tx, err := beginner.BeginTx(ctx, sqldriver.TxOptions{})
	if err != nil {
		return asError(err)
	}
	d.tx = tx
	return nil
}

func (d *mysqlDriver) Commit(context.Context) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		return asError(err)
	}
	return nil
}

func (d *mysqlDriver) Rollback(context.Context) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		return asError(err)
	}
	return nil
}

func (d *mysqlDriver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.tx = nil
	if err != nil {
		return asError(err)
	}
	return nil
}

func namedValues(args []interface{}) ([]sqldriver.NamedValue, error) {
	if len(args) == 0 {
		return nil, nil
	}
	named := make([]sqldriver.NamedValue, len(args))
	for i, arg := range args {
		v, err := sqldriver.DefaultParameterConverter.ConvertValue(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "convert arg %d", i)
		}
		named[i] = sqldriver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named, nil
}

func readRows(rows sqldriver.Rows) (*Result, error) {
	cols := rows.Columns()
	out := &Result{Columns: cols}
	dest := make([]sqldriver.Value, len(cols))
	for {
		err := rows.Next(dest)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, asError(err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(dest[i])
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// normalizeValue turns driver byte slices into strings. The text protocol
// returns most values as []byte, which is unusable once the driver reuses
// its buffers.
func normalizeValue(v sqldriver.Value) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
