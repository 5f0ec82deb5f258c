package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/metrics"
	"github.com/molerat-dev/molerat/pkg/pool"
	"github.com/molerat-dev/molerat/pkg/protocol"
	"github.com/molerat-dev/molerat/pkg/resolver"
	"github.com/molerat-dev/molerat/pkg/services"
	"github.com/molerat-dev/molerat/pkg/transport"
)

var (
	// ErrServiceNotExist and ErrAuthFailed are terminal for a service:
	// reconnecting cannot fix a name or token the relay rejected.
	ErrServiceNotExist = fmt.Errorf("%w: service not exist on relay", transport.ErrHandshakeFailed)
	ErrAuthFailed      = fmt.Errorf("%w: incorrect token", transport.ErrHandshakeFailed)
)

const (
	handshakeTimeout = 5 * time.Second

	backoffBase = time.Second
	backoffMax  = 60 * time.Second
	maxRetries  = 10
)

// ControlChannel supervises one service: it keeps an authenticated
// control stream to the relay and spawns a data channel task for every
// CreateDataChannel command.
type ControlChannel struct {
	serviceName string
	token       string

	handler   services.Handler
	transport transport.Transport
	remote    *resolver.AddrCache
	conf      *config.ClientConfig
}

func NewControlChannel(conf *config.ClientConfig, svc config.ServiceConfig, tr transport.Transport, remote *resolver.AddrCache, handler services.Handler) *ControlChannel {
	return &ControlChannel{
		serviceName: svc.Name,
		token:       svc.Token,
		handler:     handler,
		transport:   tr,
		remote:      remote,
		conf:        conf,
	}
}

// Run drives the reconnection loop until a terminal error or shutdown.
func (c *ControlChannel) Run(ctx context.Context) error {
	retryCount := 0

	for {
		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			log.Info("control channel closed", "service", c.serviceName, "event", "shutdown")
			return nil
		}

		if isFatal(err) {
			log.Error("control channel terminal error", "service", c.serviceName, "event", "fatal", "error_kind", errKind(err), "err", err)
			return err
		}

		retryCount++
		if retryCount > maxRetries {
			log.Error("max retries exceeded, giving up", "service", c.serviceName, "event", "giveup")
			return err
		}

		delay := backoffDelay(retryCount)

		log.Warn("control channel error, reconnecting",
			"service", c.serviceName,
			"event", "reconnect",
			"error_kind", errKind(err),
			"err", err,
			"delay", delay,
			"attempt", fmt.Sprintf("%d/%d", retryCount, maxRetries),
		)
		metrics.ControlChannelReconnects.WithLabelValues(c.serviceName).Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce is one control channel session: connect, handshake, then the
// command loop until the stream dies.
func (c *ControlChannel) runOnce(ctx context.Context) error {
	log.Info("connecting to relay", "service", c.serviceName, "event", "connect", "remote", c.remote.HostPort())

	conn, err := c.transport.Connect(ctx, c.remote, transport.ForControlChannel(c.conf.Transport.TCP))
	if err != nil {
		return fmt.Errorf("connect to relay failed: %w", err)
	}
	defer conn.Close()

	sessionKey, err := c.handshake(conn)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	log.Info("control channel established", "service", c.serviceName, "event", "running")

	return c.handleCommands(ctx, conn, sessionKey)
}

func (c *ControlChannel) handshake(conn net.Conn) (protocol.Digest, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := protocol.WriteHello(conn, protocol.NewControlChannelHello(c.serviceName)); err != nil {
		return protocol.Digest{}, err
	}

	// the relay's reply carries the nonce in the digest field
	serverHello, err := protocol.ReadHello(conn)
	if err != nil {
		return protocol.Digest{}, err
	}
	if serverHello.Kind != protocol.ControlChannelHello {
		return protocol.Digest{}, fmt.Errorf("%w: unexpected hello kind from relay", protocol.ErrProtocol)
	}
	nonce := serverHello.Digest

	auth := protocol.NewAuth(c.token, nonce)
	if err := protocol.WriteAuth(conn, auth); err != nil {
		return protocol.Digest{}, err
	}

	ack, err := protocol.ReadAck(conn)
	if err != nil {
		return protocol.Digest{}, err
	}

	switch ack {
	case protocol.AckOk:
		return auth.Digest, nil
	case protocol.AckServiceNotExist:
		return protocol.Digest{}, fmt.Errorf("service %q: %w", c.serviceName, ErrServiceNotExist)
	case protocol.AckAuthFailed:
		return protocol.Digest{}, fmt.Errorf("service %q: %w", c.serviceName, ErrAuthFailed)
	default:
		return protocol.Digest{}, fmt.Errorf("%w: unknown ack %d", protocol.ErrProtocol, ack)
	}
}

func (c *ControlChannel) handleCommands(ctx context.Context, conn net.Conn, sessionKey protocol.Digest) error {
	// everything belonging to this session dies with this context:
	// pools, in-flight data channel tasks, the watchdog
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pools := c.newPools(sctx, sessionKey)
	defer pools.Close()

	heartbeatTimeout := time.Duration(c.conf.HeartbeatTimeout) * time.Second

	cmds := make(chan protocol.ControlChannelCmd)
	readErr := make(chan error, 1)
	go func() {
		for {
			cmd, err := protocol.ReadControlCmd(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case cmds <- cmd:
			case <-sctx.Done():
				return
			}
		}
	}()

	watchdog := time.NewTimer(heartbeatTimeout)
	defer watchdog.Stop()

	for {
		select {
		case cmd := <-cmds:
			watchdog.Reset(heartbeatTimeout)

			switch cmd {
			case protocol.CreateDataChannel:
				log.Debug("create data channel", "service", c.serviceName)
				go func() {
					// a create command always opens a fresh stream;
					// the warm pool only serves the acquire path
					if err := c.runDataChannel(sctx, sessionKey); err != nil {
						log.Warn("data channel error", "service", c.serviceName, "event", "data_channel", "err", err)
					}
				}()
			case protocol.HeartBeat:
				log.Debug("heartbeat", "service", c.serviceName)
			}

		case err := <-readErr:
			return fmt.Errorf("read control command failed: %w", err)

		case <-watchdog.C:
			return fmt.Errorf("heartbeat timeout: no command in %s", heartbeatTimeout)

		case <-ctx.Done():
			return nil
		}
	}
}

// Pools is the per-session pair of warm data channel pools. A
// reconnection discards it entirely: pooled streams authenticated with
// the previous session key never survive.
type Pools struct {
	TCP *pool.ChannelPool
	UDP *pool.ChannelPool
}

func (p *Pools) Close() {
	p.TCP.Close()
	p.UDP.Close()
}

func (c *ControlChannel) newPools(ctx context.Context, sessionKey protocol.Digest) *Pools {
	return &Pools{
		TCP: pool.New(ctx, pool.Options{
			Kind:    protocol.StartForwardTcp,
			Min:     c.conf.Pool.MinTCPChannels,
			Max:     c.conf.Pool.MaxTCPChannels,
			Config:  &c.conf.Pool,
			Connect: c.dataChannelConnect(sessionKey),
		}),
		UDP: pool.New(ctx, pool.Options{
			Kind:    protocol.StartForwardUdp,
			Min:     c.conf.Pool.MinUDPChannels,
			Max:     c.conf.Pool.MaxUDPChannels,
			Config:  &c.conf.Pool,
			Connect: c.dataChannelConnect(sessionKey),
		}),
	}
}

// dataChannelConnect greets a fresh stream as a data channel and reports
// which forward type the relay pre-negotiated for it.
func (c *ControlChannel) dataChannelConnect(sessionKey protocol.Digest) pool.ConnectFunc {
	return func(ctx context.Context) (net.Conn, protocol.DataChannelCmd, error) {
		conn, cmd, err := c.openDataChannel(ctx, sessionKey)
		if err != nil {
			return nil, 0, err
		}
		return conn, cmd, nil
	}
}

func (c *ControlChannel) openDataChannel(ctx context.Context, sessionKey protocol.Digest) (net.Conn, protocol.DataChannelCmd, error) {
	conn, err := c.transport.Connect(ctx, c.remote, transport.ForDataChannel(c.conf.Transport.TCP))
	if err != nil {
		return nil, 0, fmt.Errorf("connect data channel failed: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := protocol.WriteHello(conn, protocol.NewDataChannelHello(sessionKey)); err != nil {
		conn.Close()
		return nil, 0, err
	}

	cmd, err := protocol.ReadDataCmd(conn)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("read data channel command failed: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, cmd, nil
}

// runDataChannel serves one relay-initiated data stream to completion.
func (c *ControlChannel) runDataChannel(ctx context.Context, sessionKey protocol.Digest) error {
	conn, cmd, err := c.openDataChannel(ctx, sessionKey)
	if err != nil {
		return err
	}

	// session teardown closes the stream, which unblocks the handler
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	switch cmd {
	case protocol.StartForwardTcp:
		metrics.DataChannelSessions.WithLabelValues(c.serviceName, "tcp").Inc()
		return c.handler.HandleTCP(ctx, conn)
	case protocol.StartForwardUdp:
		metrics.DataChannelSessions.WithLabelValues(c.serviceName, "udp").Inc()
		return c.handler.HandleUDP(ctx, conn)
	default:
		conn.Close()
		return fmt.Errorf("%w: unknown data channel command %d", protocol.ErrProtocol, cmd)
	}
}

// backoffDelay doubles from the base, capped at the maximum.
func backoffDelay(retry int) time.Duration {
	delay := backoffBase << (retry - 1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	return delay
}

func isFatal(err error) bool {
	return errors.Is(err, ErrServiceNotExist) || errors.Is(err, ErrAuthFailed)
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrServiceNotExist):
		return "service_not_exist"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol_error"
	case errors.Is(err, transport.ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, transport.ErrHandshakeFailed):
		return "handshake_failed"
	default:
		return "io"
	}
}
