package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/protocol"
	"github.com/molerat-dev/molerat/pkg/utils/assert"
)

func testPoolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		IdleTimeout:         300,
		HealthCheckInterval: 30,
		AcquireTimeout:      1,
	}
}

func fakeConnect(cmd protocol.DataChannelCmd) ConnectFunc {
	return func(ctx context.Context) (net.Conn, protocol.DataChannelCmd, error) {
		c1, c2 := net.Pipe()
		go func() { _, _ = io.Copy(io.Discard, c2) }()
		return c1, cmd, nil
	}
}

func failConnect(ctx context.Context) (net.Conn, protocol.DataChannelCmd, error) {
	return nil, 0, errors.New("relay unreachable")
}

func TestWarmUp(t *testing.T) {
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     2,
		Max:     4,
		Config:  testPoolConfig(),
		Connect: fakeConnect(protocol.StartForwardTcp),
	})
	defer p.Close()

	idle, active := p.Counts()
	assert.Equal(t, 2, idle)
	assert.Equal(t, 2, active)
}

func TestAcquireReturn(t *testing.T) {
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     1,
		Max:     2,
		Config:  testPoolConfig(),
		Connect: fakeConnect(protocol.StartForwardTcp),
	})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	assert.NoError(t, err)

	idle, active := p.Counts()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, active)

	// closing without Take returns the stream
	g.Close()

	deadline := time.Now().Add(time.Second)
	for {
		idle, active = p.Counts()
		if idle == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, active)

	_, _, returned, _, _ := p.Stats()
	assert.Equal(t, uint64(1), returned)
}

func TestTake(t *testing.T) {
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     1,
		Max:     2,
		Config:  testPoolConfig(),
		Connect: fakeConnect(protocol.StartForwardTcp),
	})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	assert.NoError(t, err)

	conn := g.Take()
	g.Close()
	defer conn.Close()

	// the slot is released, nothing went back to the FIFO
	idle, active := p.Counts()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, active)
}

func TestPoolExhausted(t *testing.T) {
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     2,
		Max:     2,
		Config:  testPoolConfig(),
		Connect: fakeConnect(protocol.StartForwardTcp),
	})
	defer p.Close()

	g1, err := p.Acquire(context.Background())
	assert.NoError(t, err)
	defer g1.Close()
	g2, err := p.Acquire(context.Background())
	assert.NoError(t, err)
	defer g2.Close()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	assert.True(t, time.Since(start) >= time.Second)
}

func TestCommandMismatch(t *testing.T) {
	// the relay answers with the wrong forward type: the stream is
	// discarded and counted as expired
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     1,
		Max:     2,
		Config:  testPoolConfig(),
		Connect: fakeConnect(protocol.StartForwardUdp),
	})
	defer p.Close()

	idle, active := p.Counts()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, active)

	_, _, _, expired, _ := p.Stats()
	assert.Equal(t, uint64(1), expired)
}

func TestCreateFailureNotFatal(t *testing.T) {
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     2,
		Max:     2,
		Config:  testPoolConfig(),
		Connect: failConnect,
	})
	defer p.Close()

	idle, active := p.Counts()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, active)

	// acquire keeps retrying on demand until the timeout
	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}

func TestInvariants(t *testing.T) {
	p := New(context.Background(), Options{
		Kind:    protocol.StartForwardTcp,
		Min:     2,
		Max:     3,
		Config:  testPoolConfig(),
		Connect: fakeConnect(protocol.StartForwardTcp),
	})
	defer p.Close()

	check := func() {
		idle, active := p.Counts()
		assert.True(t, idle <= 3, "idle", idle)
		assert.True(t, active <= 3, "active", active)
		assert.True(t, idle <= active)
	}

	check()

	var guards []*Guard
	for i := 0; i < 3; i++ {
		g, err := p.Acquire(context.Background())
		assert.NoError(t, err)
		guards = append(guards, g)
		check()
	}

	for _, g := range guards {
		g.Close()
		check()
	}
}
