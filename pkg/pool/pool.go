// Package pool keeps a warm supply of pre-authenticated data channels so
// acquiring one does not pay transport and handshake latency. A
// relay-initiated create command does not draw from the pool; it always
// opens a fresh stream.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/metrics"
	"github.com/molerat-dev/molerat/pkg/protocol"
)

// ErrPoolExhausted is returned when no channel becomes available within
// the acquire timeout.
var ErrPoolExhausted = fmt.Errorf("pool exhausted")

// ConnectFunc establishes one authenticated data channel: transport
// connect, DataChannelHello, then the relay's DataChannelCmd.
type ConnectFunc func(ctx context.Context) (net.Conn, protocol.DataChannelCmd, error)

type pooledChannel struct {
	conn     net.Conn
	created  time.Time
	lastUsed time.Time
}

type stats struct {
	created  uint64
	acquired uint64
	returned uint64
	expired  uint64
}

// ChannelPool is a bounded FIFO of idle data channels for one command
// type. The mutex guards only queue bookkeeping; connecting happens
// outside it, bounded by the creation semaphore.
type ChannelPool struct {
	kind    string
	expect  protocol.DataChannelCmd
	connect ConnectFunc

	min, max            int
	idleTimeout         time.Duration
	acquireTimeout      time.Duration
	healthCheckInterval time.Duration

	mu     sync.Mutex
	idle   []pooledChannel
	active int
	stats  stats

	createSem *semaphore.Weighted
	available chan struct{}
	returns   chan net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup
}

type Options struct {
	Kind    protocol.DataChannelCmd
	Min     int
	Max     int
	Config  *config.PoolConfig
	Connect ConnectFunc
}

// New builds the pool, warms it up to min channels and starts the return
// handler and maintenance tasks.
func New(ctx context.Context, o Options) *ChannelPool {
	ctx, cancel := context.WithCancel(ctx)

	kind := "tcp"
	if o.Kind == protocol.StartForwardUdp {
		kind = "udp"
	}

	p := &ChannelPool{
		kind:                kind,
		expect:              o.Kind,
		connect:             o.Connect,
		min:                 o.Min,
		max:                 o.Max,
		idleTimeout:         time.Duration(o.Config.IdleTimeout) * time.Second,
		acquireTimeout:      time.Duration(o.Config.AcquireTimeout) * time.Second,
		healthCheckInterval: time.Duration(o.Config.HealthCheckInterval) * time.Second,
		createSem:           semaphore.NewWeighted(int64(o.Max)),
		available:           make(chan struct{}, 1),
		returns:             make(chan net.Conn, o.Max),
		ctx:                 ctx,
		cancel:              cancel,
	}

	p.warmUp()

	p.done.Add(2)
	go p.runReturnHandler()
	go p.runMaintenance()

	return p
}

func (p *ChannelPool) warmUp() {
	log.Debug("warming up channel pool", "kind", p.kind, "min", p.min)

	var wg sync.WaitGroup
	for i := 0; i < p.min; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.create(); err != nil {
				log.Warn("failed to pre-create channel", "kind", p.kind, "err", err)
			}
		}()
	}
	wg.Wait()
}

// create establishes one channel and adds it to the FIFO. The active
// slot is reserved before connecting so the bound holds across the I/O.
func (p *ChannelPool) create() error {
	if err := p.createSem.Acquire(p.ctx, 1); err != nil {
		return err
	}
	defer p.createSem.Release(1)

	p.mu.Lock()
	if p.active >= p.max {
		p.mu.Unlock()
		return nil
	}
	p.active++
	p.mu.Unlock()

	conn, cmd, err := p.connect(p.ctx)
	if err != nil {
		p.releaseSlot()
		return err
	}

	if cmd != p.expect {
		// the relay answered with the wrong forward type; the stream is
		// useless for this pool
		_ = conn.Close()
		p.releaseSlot()

		p.mu.Lock()
		p.stats.expired++
		p.mu.Unlock()
		metrics.PoolChannelExpired.WithLabelValues(p.kind).Inc()

		return fmt.Errorf("%w: expected %d, relay sent %d", protocol.ErrProtocol, p.expect, cmd)
	}

	now := time.Now()

	p.mu.Lock()
	p.idle = append(p.idle, pooledChannel{conn: conn, created: now, lastUsed: now})
	p.stats.created++
	idleCount := len(p.idle)
	p.mu.Unlock()

	metrics.PoolChannelCreated.WithLabelValues(p.kind).Inc()
	metrics.PoolChannelIdle.WithLabelValues(p.kind).Set(float64(idleCount))

	p.notifyAvailable()
	return nil
}

func (p *ChannelPool) releaseSlot() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.notifyAvailable()
}

func (p *ChannelPool) notifyAvailable() {
	select {
	case p.available <- struct{}{}:
	default:
	}
}

// evictStaleLocked drops expired entries from the FIFO head. Callers hold
// the mutex.
func (p *ChannelPool) evictStaleLocked() {
	for len(p.idle) > 0 && time.Since(p.idle[0].lastUsed) > p.idleTimeout {
		entry := p.idle[0]
		p.idle = p.idle[1:]
		p.active--
		p.stats.expired++
		_ = entry.conn.Close()
		metrics.PoolChannelExpired.WithLabelValues(p.kind).Inc()
		log.Debug("evicted stale channel", "kind", p.kind)
	}
}

// Acquire pops the oldest idle channel, creating on demand below max.
// When the pool is saturated it waits up to the acquire timeout.
func (p *ChannelPool) Acquire(ctx context.Context) (*Guard, error) {
	deadline := time.Now().Add(p.acquireTimeout)

	for {
		p.mu.Lock()
		p.evictStaleLocked()

		if len(p.idle) > 0 {
			entry := p.idle[0]
			p.idle = p.idle[1:]
			p.stats.acquired++
			idleCount := len(p.idle)
			p.mu.Unlock()

			metrics.PoolChannelAcquired.WithLabelValues(p.kind).Inc()
			metrics.PoolChannelIdle.WithLabelValues(p.kind).Set(float64(idleCount))

			return &Guard{pool: p, conn: entry.conn}, nil
		}

		canCreate := p.active < p.max
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrPoolExhausted
		}

		if canCreate {
			if err := p.create(); err != nil {
				log.Warn("failed to create channel on demand", "kind", p.kind, "err", err)
				select {
				case <-time.After(min(100*time.Millisecond, remaining)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}

		select {
		case <-p.available:
		case <-time.After(remaining):
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		}
	}
}

// runReturnHandler consumes the guard return channel and reinserts, so
// the guard's close path never touches the pool lock directly.
func (p *ChannelPool) runReturnHandler() {
	defer p.done.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case conn := <-p.returns:
			p.mu.Lock()
			if len(p.idle) < p.max {
				now := time.Now()
				p.idle = append(p.idle, pooledChannel{conn: conn, created: now, lastUsed: now})
				p.stats.returned++
				idleCount := len(p.idle)
				p.mu.Unlock()

				metrics.PoolChannelReturned.WithLabelValues(p.kind).Inc()
				metrics.PoolChannelIdle.WithLabelValues(p.kind).Set(float64(idleCount))
				p.notifyAvailable()
			} else {
				p.active--
				p.mu.Unlock()
				_ = conn.Close()
				log.Debug("pool full, dropping returned channel", "kind", p.kind)
			}
		}
	}
}

func (p *ChannelPool) runMaintenance() {
	defer p.done.Done()

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *ChannelPool) maintain() {
	p.mu.Lock()
	p.evictStaleLocked()
	idleCount := len(p.idle)
	s := p.stats
	p.mu.Unlock()

	for i := idleCount; i < p.min; i++ {
		if err := p.create(); err != nil {
			log.Warn("failed to replenish channel", "kind", p.kind, "err", err)
			break
		}
	}

	log.Debug("pool health",
		"kind", p.kind,
		"created", s.created,
		"acquired", s.acquired,
		"returned", s.returned,
		"expired", s.expired,
		"pooled", idleCount,
	)
}

// Stats returns (created, acquired, returned, expired, pooled).
func (p *ChannelPool) Stats() (uint64, uint64, uint64, uint64, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.created, p.stats.acquired, p.stats.returned, p.stats.expired, len(p.idle)
}

// Counts returns (idle, active) for invariant checks.
func (p *ChannelPool) Counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}

// Close invalidates the pool: every idle channel is closed and the
// background tasks stop. Handed-out guards reconcile on their own close.
func (p *ChannelPool) Close() {
	p.cancel()

	p.mu.Lock()
	for _, entry := range p.idle {
		_ = entry.conn.Close()
	}
	p.active -= len(p.idle)
	p.idle = nil
	p.mu.Unlock()

	metrics.PoolChannelIdle.WithLabelValues(p.kind).Set(0)
	p.done.Wait()

	// returns buffered after the handler stopped still hold slots
	for {
		select {
		case conn := <-p.returns:
			_ = conn.Close()
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
		default:
			return
		}
	}
}

// Guard owns one acquired channel. Closing it without Take returns the
// channel to the pool; Take transfers ownership to the caller and the
// slot is released when the guard is finally closed.
type Guard struct {
	pool  *ChannelPool
	conn  net.Conn
	once  sync.Once
	taken bool
}

func (g *Guard) Conn() net.Conn { return g.conn }

// Take transfers stream ownership to the caller; the guard will release
// the active slot instead of returning the stream.
func (g *Guard) Take() net.Conn {
	g.taken = true
	return g.conn
}

func (g *Guard) Close() {
	g.once.Do(func() {
		if g.taken {
			g.pool.releaseSlot()
			return
		}

		select {
		case g.pool.returns <- g.conn:
		case <-g.pool.ctx.Done():
			// pool is gone; the stream dies with it
			_ = g.conn.Close()
			g.pool.releaseSlot()
		}
	})
}
