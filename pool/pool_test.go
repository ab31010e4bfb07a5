package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/linvanda2/mysql/connector"
	"github.com/linvanda2/mysql/connector/drivertest"
)

// testBuilder returns a builder minting fake-driver connectors, and a way to
// reach the drivers it created.
func testBuilder(t *testing.T) (*connector.Builder, func() []*drivertest.Driver) {
	t.Helper()
	b, err := connector.NewBuilder(&connector.Config{Host: "primary"}, &connector.Config{Host: "replica"})
	require.NoError(t, err)

	var mu sync.Mutex
	var drivers []*drivertest.Driver
	b.NewDriver = func(*connector.Config) (connector.Driver, error) {
		drv := drivertest.New()
		mu.Lock()
		drivers = append(drivers, drv)
		mu.Unlock()
		return drv, nil
	}
	return b, func() []*drivertest.Driver {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*drivertest.Driver, len(drivers))
		copy(out, drivers)
		return out
	}
}

func newTestPool(t *testing.T, cfg *Config) (*Pool, func() []*drivertest.Driver) {
	t.Helper()
	b, drivers := testBuilder(t)
	p := NewPool(context.Background(), b, cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p, drivers
}

func TestGetMintsAndReusesConnections(t *testing.T) {
	p, _ := newTestPool(t, &Config{Size: 2})
	ctx := context.Background()

	c1, err := p.Get(ctx, connector.RoleRead)
	require.NoError(t, err)
	require.Equal(t, connector.StatusBusy, c1.Info().Status)
	require.Equal(t, 1, p.Stats().ReadConnections)

	p.Put(c1)
	require.Equal(t, 1, p.Stats().IdleRead)

	c2, err := p.Get(ctx, connector.RoleRead)
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, p.Stats().ReadConnections)
}

func TestRolesUseSeparateChannels(t *testing.T) {
	p, _ := newTestPool(t, &Config{Size: 2})
	ctx := context.Background()

	r, err := p.Get(ctx, connector.RoleRead)
	require.NoError(t, err)
	w, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)

	require.Equal(t, connector.RoleRead, r.Info().Role)
	require.Equal(t, connector.RoleWrite, w.Info().Role)

	s := p.Stats()
	require.Equal(t, 1, s.ReadConnections)
	require.Equal(t, 1, s.WriteConnections)
}

func TestCeilingOverflowTimeout(t *testing.T) {
	restore := setPopTimeouts(20*time.Millisecond, 100*time.Millisecond)
	defer restore()

	p, _ := newTestPool(t, &Config{Size: 2, OverflowFactor: 3})
	ctx := context.Background()

	held := make([]*connector.Connector, 0, 6)
	for i := 0; i < 6; i++ {
		c, err := p.Get(ctx, connector.RoleWrite)
		require.NoError(t, err)
		held = append(held, c)
	}
	require.Equal(t, 6, p.Stats().WriteConnections)

	// the 7th acquirer waits in the overflow region and times out
	_, err := p.Get(ctx, connector.RoleWrite)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	require.Equal(t, 1, p.Stats().WaitTimeouts)

	// a release resets the consecutive counter
	p.Put(held[0])
	c, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	require.Equal(t, 0, p.Stats().WaitTimeouts)
	p.Put(c)
}

func TestOverflowWaiterGetsReleasedConnection(t *testing.T) {
	restore := setPopTimeouts(20*time.Millisecond, 500*time.Millisecond)
	defer restore()

	p, _ := newTestPool(t, &Config{Size: 1, OverflowFactor: 1})
	ctx := context.Background()

	c1, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Put(c1)
	}()

	c2, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestTooManyTimeoutsIsFatal(t *testing.T) {
	restore := setPopTimeouts(10*time.Millisecond, 30*time.Millisecond)
	defer restore()

	p, _ := newTestPool(t, &Config{Size: 1, OverflowFactor: 1, MaxWaitTimeoutCount: 2})
	ctx := context.Background()

	_, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = p.Get(ctx, connector.RoleWrite)
		require.ErrorIs(t, err, ErrAcquireTimeout)
	}
	require.Equal(t, 2, p.Stats().WaitTimeouts)

	_, err = p.Get(ctx, connector.RoleWrite)
	require.ErrorIs(t, err, ErrTooManyTimeouts)
}

func TestPutDiscardsOverusedConnection(t *testing.T) {
	p, drivers := newTestPool(t, &Config{Size: 2, MaxExecCount: 1})
	ctx := context.Background()

	c, err := p.Get(ctx, connector.RoleRead)
	require.NoError(t, err)
	_, err = c.Query(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.ExecCount())

	p.Put(c)

	s := p.Stats()
	require.Equal(t, 0, s.ReadConnections)
	require.Equal(t, 0, s.IdleRead)
	require.Contains(t, drivers()[0].Log(), "close")
}

func TestPutIntoFullChannelCloses(t *testing.T) {
	p, _ := newTestPool(t, &Config{Size: 1, OverflowFactor: 3})
	ctx := context.Background()

	c1, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	c2, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().WriteConnections)

	p.Put(c1)
	p.Put(c2) // channel already holds c1

	s := p.Stats()
	require.Equal(t, 1, s.WriteConnections)
	require.Equal(t, 1, s.IdleWrite)
}

func TestServerFullFallsBackToWaiting(t *testing.T) {
	restore := setPopTimeouts(10*time.Millisecond, 300*time.Millisecond)
	defer restore()

	b, _ := testBuilder(t)
	p := NewPool(context.Background(), b, &Config{Size: 2})
	t.Cleanup(func() { _ = p.Close() })
	ctx := context.Background()

	c1, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)

	// from now on the server refuses new sessions
	b.NewDriver = func(*connector.Config) (connector.Driver, error) {
		drv := drivertest.New()
		drv.ConnectErrs = []error{connector.NewError(1040, "too many connections")}
		return drv, nil
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Put(c1)
	}()

	c2, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	// with nothing released, the 1040 surfaces after the wait
	_, err = p.Get(ctx, connector.RoleRead)
	require.Error(t, err)
	require.True(t, connector.IsServerFull(err))
}

func TestMintFailureRollsBackCounter(t *testing.T) {
	b, _ := testBuilder(t)
	b.NewDriver = func(*connector.Config) (connector.Driver, error) {
		return nil, errors.New("no driver")
	}
	p := NewPool(context.Background(), b, &Config{Size: 2})
	t.Cleanup(func() { _ = p.Close() })

	_, err := p.Get(context.Background(), connector.RoleWrite)
	require.Error(t, err)
	require.Equal(t, 0, p.Stats().WriteConnections)
}

func TestReaperClosesStaleIdleConnections(t *testing.T) {
	p, drivers := newTestPool(t, &Config{
		Size:           2,
		MaxIdleTime:    20 * time.Millisecond,
		ReaperInterval: 30 * time.Millisecond,
	})
	ctx := context.Background()

	c, err := p.Get(ctx, connector.RoleRead)
	require.NoError(t, err)
	_, err = c.Query(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	p.Put(c)
	require.Equal(t, 1, p.Stats().IdleRead)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.IdleRead == 0 && s.ReadConnections == 0 && s.ReapedTotal == 1
	}, time.Second, 10*time.Millisecond)
	require.Contains(t, drivers()[0].Log(), "close")
}

func TestCloseClosesHeldConnections(t *testing.T) {
	p, drivers := newTestPool(t, &Config{Size: 2})
	ctx := context.Background()

	held, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	idle, err := p.Get(ctx, connector.RoleWrite)
	require.NoError(t, err)
	p.Put(idle)

	require.NoError(t, p.Close())

	for _, drv := range drivers() {
		require.Contains(t, drv.Log(), "close")
	}

	_, err = p.Get(ctx, connector.RoleWrite)
	require.ErrorIs(t, err, ErrPoolClosed)

	// a late Put into the closed pool must not panic or resurrect
	p.Put(held)
	require.Equal(t, 0, p.Stats().IdleWrite)
}

func TestCloseIdempotent(t *testing.T) {
	p, _ := newTestPool(t, &Config{Size: 1})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestLiveConnectionsNeverExceedCeiling(t *testing.T) {
	restore := setPopTimeouts(5*time.Millisecond, 20*time.Millisecond)
	defer restore()

	cfg := &Config{Size: 2, OverflowFactor: 2}
	p, _ := newTestPool(t, cfg)
	ceiling := int64(cfg.SetDefault().ceiling())

	var cur, max int64
	g := new(errgroup.Group)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				c, err := p.Get(context.Background(), connector.RoleWrite)
				if err != nil {
					continue
				}
				n := atomic.AddInt64(&cur, 1)
				for {
					m := atomic.LoadInt64(&max)
					if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&cur, -1)
				p.Put(c)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.LessOrEqual(t, atomic.LoadInt64(&max), ceiling)
	require.LessOrEqual(t, p.Stats().WriteConnections, int(ceiling))
}

func TestConfigSetDefault(t *testing.T) {
	cfg := (&Config{}).SetDefault()

	require.Equal(t, 10, cfg.Size)
	require.Equal(t, 8*time.Second, cfg.MaxIdleTime)
	require.Equal(t, int64(1000), cfg.MaxExecCount)
	require.Equal(t, 12*time.Second, cfg.ReaperInterval)
	require.Equal(t, 3, cfg.OverflowFactor)
	require.Equal(t, 200, cfg.MaxWaitTimeoutCount)
	require.Equal(t, 30, cfg.ceiling())
}
