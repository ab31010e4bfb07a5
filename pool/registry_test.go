package pool

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/linvanda2/mysql/connector"
	"github.com/linvanda2/mysql/connector/drivertest"
)

func registryBuilder(t *testing.T, host string) *connector.Builder {
	t.Helper()
	b, err := connector.NewBuilder(&connector.Config{Host: host}, nil)
	require.NoError(t, err)
	b.NewDriver = func(*connector.Config) (connector.Driver, error) {
		return drivertest.New(), nil
	}
	return b
}

func TestRegistryDeduplicatesByKey(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	p1 := r.Get(ctx, registryBuilder(t, "db1"), nil)
	p2 := r.Get(ctx, registryBuilder(t, "db1"), nil)
	p3 := r.Get(ctx, registryBuilder(t, "db2"), nil)
	t.Cleanup(func() {
		_ = p1.Close()
		_ = p3.Close()
	})

	require.Same(t, p1, p2)
	require.NotSame(t, p1, p3)
	require.Equal(t, 2, r.Len())
}

func TestRegistryCloseUnregisters(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	p := r.Get(ctx, registryBuilder(t, "db1"), nil)
	require.Equal(t, 1, r.Len())

	require.NoError(t, p.Close())
	require.Equal(t, 0, r.Len())

	// the next Get builds a fresh pool
	p2 := r.Get(ctx, registryBuilder(t, "db1"), nil)
	t.Cleanup(func() { _ = p2.Close() })
	require.NotSame(t, p, p2)
}

func TestDefaultRegistryIsShared(t *testing.T) {
	require.Same(t, Default(), Default())
}

func TestCollectorExportsStats(t *testing.T) {
	p := NewPool(context.Background(), registryBuilder(t, "db1"), &Config{Size: 2})
	t.Cleanup(func() { _ = p.Close() })

	c, err := p.Get(context.Background(), connector.RoleWrite)
	require.NoError(t, err)
	p.Put(c)

	collector := NewCollector("orders", p)
	require.Equal(t, 6, testutil.CollectAndCount(collector))

	expected := `
# HELP mysql_pool_write_connections Live write connections.
# TYPE mysql_pool_write_connections gauge
mysql_pool_write_connections{pool="orders"} 1
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"mysql_pool_write_connections"))
}
