package client

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/protocol"
	"github.com/molerat-dev/molerat/pkg/resolver"
	"github.com/molerat-dev/molerat/pkg/services/socks"
	"github.com/molerat-dev/molerat/pkg/transport"
	"github.com/molerat-dev/molerat/pkg/utils/assert"
)

// fakeRelay speaks the relay side of the wire protocol for tests.
type fakeRelay struct {
	lis   net.Listener
	token string
	ack   protocol.Ack

	nonce protocol.Digest

	controlConns atomic.Int64
	control      chan net.Conn
	data         chan net.Conn
}

func newFakeRelay(t *testing.T, token string, ack protocol.Ack) *fakeRelay {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	r := &fakeRelay{
		lis:     lis,
		token:   token,
		ack:     ack,
		nonce:   protocol.NewDigest([]byte("server-nonce")),
		control: make(chan net.Conn, 4),
		data:    make(chan net.Conn, 16),
	}
	go r.serve()
	return r
}

func (r *fakeRelay) addr() string { return r.lis.Addr().String() }

func (r *fakeRelay) serve() {
	for {
		conn, err := r.lis.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *fakeRelay) handle(conn net.Conn) {
	hello, err := protocol.ReadHello(conn)
	if err != nil {
		conn.Close()
		return
	}

	switch hello.Kind {
	case protocol.ControlChannelHello:
		r.controlConns.Add(1)

		reply := protocol.Hello{
			Kind:    protocol.ControlChannelHello,
			Version: protocol.CurrentProtoVersion,
			Digest:  r.nonce,
		}
		if err := protocol.WriteHello(conn, reply); err != nil {
			conn.Close()
			return
		}

		auth, err := protocol.ReadAuth(conn)
		if err != nil {
			conn.Close()
			return
		}

		ack := r.ack
		if ack == protocol.AckOk && auth.Digest != protocol.SessionKey(r.token, r.nonce) {
			ack = protocol.AckAuthFailed
		}
		if err := protocol.WriteAck(conn, ack); err != nil || ack != protocol.AckOk {
			if ack != protocol.AckOk {
				conn.Close()
			}
			return
		}

		r.control <- conn

	case protocol.DataChannelHello:
		r.data <- conn
	}
}

func testClientConfig(remote string) *config.ClientConfig {
	return &config.ClientConfig{
		RemoteAddr:       remote,
		HeartbeatTimeout: 40,
		Transport:        config.TransportConfig{Type: config.TransportTCP},
		Pool: config.PoolConfig{
			MinTCPChannels:      0,
			MaxTCPChannels:      2,
			MinUDPChannels:      0,
			MaxUDPChannels:      1,
			IdleTimeout:         300,
			HealthCheckInterval: 30,
			AcquireTimeout:      1,
		},
	}
}

func newTestControlChannel(conf *config.ClientConfig, token string) *ControlChannel {
	socksConf := &config.SocksConfig{}
	socksConf.SetDefault()

	return NewControlChannel(
		conf,
		config.ServiceConfig{Name: "socks5", Token: token, ServiceType: config.ServiceSocks5},
		transport.NewTCP(),
		resolver.NewAddrCache(conf.RemoteAddr),
		socks.NewHandler(socksConf),
	)
}

func TestHandshakeAndSocksConnect(t *testing.T) {
	relay := newFakeRelay(t, "t", protocol.AckOk)

	// a local target that answers three bytes with "hi!" stands in for
	// 127.0.0.1:80 of the scenario
	target, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer target.Close()
	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 3)
		if _, err := io.ReadFull(conn, buf); err == nil {
			_, _ = conn.Write([]byte("hi!"))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cc := newTestControlChannel(testClientConfig(relay.addr()), "t")
	done := make(chan error, 1)
	go func() { done <- cc.Run(ctx) }()

	// the control channel authenticates
	var control net.Conn
	select {
	case control = <-relay.control:
	case <-time.After(3 * time.Second):
		t.Fatal("control channel did not authenticate")
	}

	// relay asks for a data channel
	assert.NoError(t, protocol.WriteControlCmd(control, protocol.CreateDataChannel))

	var data net.Conn
	select {
	case data = <-relay.data:
	case <-time.After(3 * time.Second):
		t.Fatal("no data channel arrived")
	}
	assert.NoError(t, protocol.WriteDataCmd(data, protocol.StartForwardTcp))

	// now the stream is a SOCKS5 session: greeting, then CONNECT
	_, err = data.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)

	method := make([]byte, 2)
	_, err = io.ReadFull(data, method)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, method)

	port := uint16(target.Addr().(*net.TCPAddr).Port)
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1}
	req = binary.BigEndian.AppendUint16(req, port)
	_, err = data.Write(req)
	assert.NoError(t, err)

	reply := make([]byte, 4+4+2)
	_, err = io.ReadFull(data, reply)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01}, reply[:4])

	_, err = data.Write([]byte("eh?"))
	assert.NoError(t, err)
	echo := make([]byte, 3)
	_, err = io.ReadFull(data, echo)
	assert.NoError(t, err)
	assert.Equal(t, "hi!", string(echo))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("control channel did not shut down")
	}
}

func TestAuthFailedIsFatal(t *testing.T) {
	relay := newFakeRelay(t, "t", protocol.AckAuthFailed)

	cc := newTestControlChannel(testClientConfig(relay.addr()), "t")

	start := time.Now()
	err := cc.Run(context.Background())
	assert.True(t, errors.Is(err, ErrAuthFailed))

	// terminal: no reconnection attempts were made
	assert.True(t, time.Since(start) < 2*time.Second)
	assert.Equal(t, int64(1), relay.controlConns.Load())
}

func TestServiceNotExistIsFatal(t *testing.T) {
	relay := newFakeRelay(t, "t", protocol.AckServiceNotExist)

	cc := newTestControlChannel(testClientConfig(relay.addr()), "t")

	err := cc.Run(context.Background())
	assert.True(t, errors.Is(err, ErrServiceNotExist))
	assert.Equal(t, int64(1), relay.controlConns.Load())
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	relay := newFakeRelay(t, "t", protocol.AckOk)

	conf := testClientConfig(relay.addr())
	conf.HeartbeatTimeout = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cc := newTestControlChannel(conf, "t")
	go func() { _ = cc.Run(ctx) }()

	// first connection authenticates, then the relay stays silent
	select {
	case <-relay.control:
	case <-time.After(3 * time.Second):
		t.Fatal("control channel did not authenticate")
	}

	// after the 1s heartbeat timeout plus ~1s backoff a new control
	// connection must arrive
	select {
	case <-relay.control:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnection after heartbeat timeout")
	}

	assert.True(t, relay.controlConns.Load() >= 2)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	relay := newFakeRelay(t, "t", protocol.AckOk)

	conf := testClientConfig(relay.addr())
	conf.HeartbeatTimeout = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cc := newTestControlChannel(conf, "t")
	go func() { _ = cc.Run(ctx) }()

	var control net.Conn
	select {
	case control = <-relay.control:
	case <-time.After(3 * time.Second):
		t.Fatal("control channel did not authenticate")
	}

	// heartbeats faster than the timeout keep the session up
	for i := 0; i < 4; i++ {
		time.Sleep(400 * time.Millisecond)
		assert.NoError(t, protocol.WriteControlCmd(control, protocol.HeartBeat))
	}

	assert.Equal(t, int64(1), relay.controlConns.Load())
}
