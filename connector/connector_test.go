package connector_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/linvanda2/mysql/connector"
	"github.com/linvanda2/mysql/connector/drivertest"
)

func newTestConnector(t *testing.T, drv *drivertest.Driver) *connector.Connector {
	t.Helper()
	c := connector.New(&connector.Config{}, connector.RoleWrite, drv)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestConnectIdempotent(t *testing.T) {
	drv := drivertest.New()
	c := newTestConnector(t, drv)
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, drv.ConnectCount())
}

func TestQueryUpdatesCounters(t *testing.T) {
	drv := drivertest.New()
	drv.Handler = func(string, []interface{}) (*connector.Result, error) {
		return &connector.Result{
			Columns: []string{"id"},
			Rows:    []connector.Row{{"id": int64(7)}},
		}, nil
	}
	c := newTestConnector(t, drv)

	res, err := c.Query(context.Background(), "SELECT id FROM t", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, int64(7), res.FirstColumn())

	require.Equal(t, int64(1), c.ExecCount())
	require.False(t, c.LastExecTime().IsZero())
	require.GreaterOrEqual(t, c.PeakExpend(), c.LastExpend())
	require.Nil(t, c.LastError())
}

func TestExecRecordsInsertIDAndAffectedRows(t *testing.T) {
	drv := drivertest.New()
	drv.Handler = func(string, []interface{}) (*connector.Result, error) {
		return &connector.Result{InsertID: 11, AffectedRows: 2}, nil
	}
	c := newTestConnector(t, drv)

	_, err := c.Exec(context.Background(), "UPDATE t SET a=1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(11), c.LastInsertID())
	require.Equal(t, int64(2), c.AffectedRows())
}

func TestRetryOnceOnConnectionLoss(t *testing.T) {
	drv := drivertest.New()
	calls := 0
	drv.Handler = func(string, []interface{}) (*connector.Result, error) {
		calls++
		if calls == 1 {
			return nil, connector.NewError(2013, "server lost")
		}
		return &connector.Result{}, nil
	}
	c := newTestConnector(t, drv)

	_, err := c.Query(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 2, drv.ConnectCount())
}

func TestNoRetryInsideTransaction(t *testing.T) {
	drv := drivertest.New()
	calls := 0
	drv.Handler = func(string, []interface{}) (*connector.Result, error) {
		calls++
		return nil, connector.NewError(2006, "server gone")
	}
	c := newTestConnector(t, drv)
	require.NoError(t, c.Begin(context.Background()))

	_, err := c.Query(context.Background(), "SELECT 1", nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, drv.ConnectCount())
}

func TestNoRetryOnSQLError(t *testing.T) {
	drv := drivertest.New()
	calls := 0
	drv.Handler = func(string, []interface{}) (*connector.Result, error) {
		calls++
		return nil, connector.NewError(1064, "syntax error")
	}
	c := newTestConnector(t, drv)

	_, err := c.Query(context.Background(), "SELEC 1", nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, uint16(1064), c.LastError().Number)
}

func TestTransactionToggles(t *testing.T) {
	drv := drivertest.New()
	c := newTestConnector(t, drv)
	ctx := context.Background()

	require.False(t, c.InTransaction())
	require.NoError(t, c.Begin(ctx))
	require.True(t, c.InTransaction())
	require.NoError(t, c.Commit(ctx))
	require.False(t, c.InTransaction())

	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Rollback(ctx))
	require.False(t, c.InTransaction())
}

func TestCloseResetsCountersExceptPeak(t *testing.T) {
	drv := drivertest.New()
	drv.Delay = 5 * time.Millisecond
	c := newTestConnector(t, drv)

	_, err := c.Query(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	peak := c.PeakExpend()
	require.Greater(t, peak, time.Duration(0))

	require.NoError(t, c.Close())
	require.Equal(t, int64(0), c.ExecCount())
	require.True(t, c.LastExecTime().IsZero())
	require.Equal(t, peak, c.PeakExpend())
}

func TestReconnectable(t *testing.T) {
	for _, number := range []uint16{2002, 2006, 2013} {
		require.True(t, connector.Reconnectable(connector.NewError(number, "x")), "errno %d", number)
	}
	require.False(t, connector.Reconnectable(connector.NewError(1064, "x")))
	require.False(t, connector.Reconnectable(errors.New("plain")))

	wrapped := errors.Wrap(connector.NewError(2006, "gone"), "query")
	require.True(t, connector.Reconnectable(wrapped))
}

func TestIsServerFull(t *testing.T) {
	require.True(t, connector.IsServerFull(connector.NewError(1040, "too many connections")))
	require.False(t, connector.IsServerFull(connector.NewError(2006, "gone")))
}
