// Package pool keeps bounded sets of ready MySQL connections, split by
// read/write role, with admission control and a periodic reaper.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/linvanda2/mysql/connector"
)

// Pop timeouts. Overridden in tests.
var (
	fastPopTimeout     = 1 * time.Second
	overflowPopTimeout = 4 * time.Second
	reaperPopTimeout   = 10 * time.Millisecond
)

// Pool keeps two bounded channels of idle connectors, one per role. Live
// connections per role never exceed OverflowFactor * Size; acquirers beyond
// that wait for a peer to release, bounded by the overflow pop timeout.
type Pool struct {
	cfg     *Config
	builder *connector.Builder

	mu           sync.Mutex // protects following fields
	readNum      int        // live read connections, counted before dialing
	writeNum     int        // live write connections, counted before dialing
	waitTimeouts int        // consecutive acquisition timeouts
	closed       bool
	conns        map[*connector.Connector]struct{} // every minted, still-open connector

	readCh  chan *connector.Connector
	writeCh chan *connector.Connector

	reaped        int64 // atomic
	totalTimeouts int64 // atomic

	registry *Registry // set when created through a registry
	key      string
	stop     func() // stops the reaper
}

// NewPool builds a pool over builder and starts its reaper. Prefer
// Registry.Get, which deduplicates pools per cluster.
func NewPool(ctx context.Context, b *connector.Builder, cfg *Config) *Pool {
	cfg = cfg.SetDefault()
	p := &Pool{
		cfg:     cfg,
		builder: b,
		conns:   make(map[*connector.Connector]struct{}),
		readCh:  make(chan *connector.Connector, cfg.Size),
		writeCh: make(chan *connector.Connector, cfg.Size),
	}

	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	go p.reaper(ctx)

	return p
}

func (p *Pool) channel(role connector.Role) chan *connector.Connector {
	if role == connector.RoleRead {
		return p.readCh
	}
	return p.writeCh
}

func (p *Pool) liveLocked(role connector.Role) int {
	if role == connector.RoleRead {
		return p.readNum
	}
	return p.writeNum
}

func (p *Pool) tickLocked(role connector.Role) {
	if role == connector.RoleRead {
		p.readNum++
		return
	}
	p.writeNum++
}

func (p *Pool) untickLocked(role connector.Role) {
	if role == connector.RoleRead {
		p.readNum--
		return
	}
	p.writeNum--
}

// Get hands out a connector for the given role. It reuses an idle one when
// available, grows the pool below the ceiling, and above it waits for a
// release bounded by the overflow timeout.
func (p *Pool) Get(ctx context.Context, role connector.Role) (*connector.Connector, error) {
	ch := p.channel(role)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	// Fast path: an idle connector is ready.
	if len(ch) > 0 {
		if c := p.timedPop(ctx, ch, fastPopTimeout); c != nil {
			return p.lease(c), nil
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.liveLocked(role) >= p.cfg.ceiling() {
		// Overflow region: every slot is taken, wait for a release.
		if p.waitTimeouts >= p.cfg.MaxWaitTimeoutCount {
			p.mu.Unlock()
			return nil, errors.Wrapf(ErrTooManyTimeouts, "role %s", role)
		}
		p.mu.Unlock()
		if c := p.timedPop(ctx, ch, overflowPopTimeout); c != nil {
			return p.lease(c), nil
		}
		p.noteTimeout(ctx, role)
		return nil, errors.Wrapf(ErrAcquireTimeout, "role %s", role)
	}

	// Grow: count the connection before dialing so concurrent acquirers
	// cannot race past the ceiling. Rolled back if the dial fails.
	p.tickLocked(role)
	p.mu.Unlock()

	c, err := p.builder.Build(ctx, role)
	if err != nil {
		p.mu.Lock()
		p.untickLocked(role)
		p.mu.Unlock()
		if connector.IsServerFull(err) {
			// The server is at max_connections; fall back to waiting for a
			// peer to release.
			if c := p.timedPop(ctx, ch, overflowPopTimeout); c != nil {
				return p.lease(c), nil
			}
			p.noteTimeout(ctx, role)
			return nil, err
		}
		return nil, errors.Wrapf(err, "mint %s connection", role)
	}

	p.mu.Lock()
	if p.closed {
		p.untickLocked(role)
		p.mu.Unlock()
		_ = c.Close()
		return nil, ErrPoolClosed
	}
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	p.logger(ctx).Debug().Str("connector_id", c.ID()).Str("role", string(role)).Msg("minted connection")
	return p.lease(c), nil
}

func (p *Pool) lease(c *connector.Connector) *connector.Connector {
	c.Info().MarkBusy(time.Now())
	p.mu.Lock()
	p.waitTimeouts = 0
	p.mu.Unlock()
	return c
}

func (p *Pool) noteTimeout(ctx context.Context, role connector.Role) {
	p.mu.Lock()
	p.waitTimeouts++
	n := p.waitTimeouts
	p.mu.Unlock()
	atomic.AddInt64(&p.totalTimeouts, 1)
	p.logger(ctx).Warn().Str("role", string(role)).Int("consecutive", n).Msg("acquire timed out")
}

// timedPop waits up to d for an idle connector. It returns nil on timeout or
// context cancellation.
func (p *Pool) timedPop(ctx context.Context, ch chan *connector.Connector, d time.Duration) *connector.Connector {
	select {
	case c := <-ch:
		return c
	default:
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case c := <-ch:
		return c
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Put returns a leased connector. Unhealthy connectors and returns into a
// closed or full pool close the connection instead.
func (p *Pool) Put(c *connector.Connector) {
	if c == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	c.Info().MarkIdle(time.Now())
	if closed || !p.isHealthy(c) {
		p.discard(context.Background(), c)
		return
	}

	select {
	case p.channel(c.Info().Role) <- c:
	default:
		// channel full
		p.discard(context.Background(), c)
	}
}

// isHealthy reports whether a connector may be pooled again. A busy
// connector is always healthy: it must never be discarded out from under
// its task.
func (p *Pool) isHealthy(c *connector.Connector) bool {
	if c.Info().Status == connector.StatusBusy {
		return true
	}
	if c.ExecCount() >= p.cfg.MaxExecCount {
		return false
	}
	if time.Since(c.LastExecTime()) >= p.cfg.MaxIdleTime {
		return false
	}
	return true
}

// discard closes a connector and forgets it.
func (p *Pool) discard(ctx context.Context, c *connector.Connector) {
	p.mu.Lock()
	if _, ok := p.conns[c]; ok {
		delete(p.conns, c)
		p.untickLocked(c.Info().Role)
	}
	p.mu.Unlock()

	if err := c.Close(); err != nil {
		p.logger(ctx).Debug().Err(err).Str("connector_id", c.ID()).Msg("close discarded connection")
	}
}

// reaper periodically sweeps stale idle connections. Work per tick is
// bounded by the channel length observed at the start of the sweep, so
// concurrent acquirers are not starved.
func (p *Pool) reaper(ctx context.Context) {
	t := time.NewTicker(p.cfg.ReaperInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.reapOnce(ctx, connector.RoleRead)
			p.reapOnce(ctx, connector.RoleWrite)
		}
	}
}

func (p *Pool) reapOnce(ctx context.Context, role connector.Role) {
	ch := p.channel(role)
	n := len(ch)
	for i := 0; i < n; i++ {
		c := p.timedPop(ctx, ch, reaperPopTimeout)
		if c == nil {
			return
		}
		// Popping grants exclusive ownership, so the status re-check cannot
		// race with a task: a busy connector is never in the channel.
		if c.Info().Status == connector.StatusIdle && time.Since(c.LastExecTime()) >= p.cfg.MaxIdleTime {
			atomic.AddInt64(&p.reaped, 1)
			p.logger(ctx).Debug().Str("connector_id", c.ID()).Str("role", string(role)).Msg("reaped stale connection")
			p.discard(ctx, c)
			continue
		}
		select {
		case ch <- c:
		default:
			p.discard(ctx, c)
		}
	}
}

// Close shuts the pool down: further Gets fail with ErrPoolClosed and every
// minted connection is closed, including those currently held by tasks.
// Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*connector.Connector, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[*connector.Connector]struct{})
	p.readNum, p.writeNum = 0, 0
	p.mu.Unlock()

	p.stop()
	p.drain(p.readCh)
	p.drain(p.writeCh)

	var err error
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil {
			err = cerr
		}
	}

	if p.registry != nil {
		p.registry.remove(p.key)
	}
	return err
}

func (p *Pool) drain(ch chan *connector.Connector) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	ReadConnections  int
	WriteConnections int
	IdleRead         int
	IdleWrite        int
	WaitTimeouts     int   // consecutive
	TimeoutsTotal    int64 // lifetime
	ReapedTotal      int64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		ReadConnections:  p.readNum,
		WriteConnections: p.writeNum,
		WaitTimeouts:     p.waitTimeouts,
	}
	p.mu.Unlock()
	s.IdleRead = len(p.readCh)
	s.IdleWrite = len(p.writeCh)
	s.TimeoutsTotal = atomic.LoadInt64(&p.totalTimeouts)
	s.ReapedTotal = atomic.LoadInt64(&p.reaped)
	return s
}

func (p *Pool) logger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx).With().Str("component", "pool").Logger()
	return &logger
}
