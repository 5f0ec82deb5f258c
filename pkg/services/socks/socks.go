// Package socks terminates relay data streams as SOCKS5 sessions. The
// peer on the stream is (transitively) the end user's SOCKS5 client; no
// local port is ever bound for it.
package socks

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/net/dialer"
	"github.com/molerat-dev/molerat/pkg/net/netapi"
	"github.com/molerat-dev/molerat/pkg/net/relay"
	"github.com/molerat-dev/molerat/pkg/utils/pool"
)

type Socks5 struct {
	authRequired   bool
	username       string
	password       string
	allowUDP       bool
	dnsResolve     bool
	requestTimeout time.Duration
}

func NewHandler(c *config.SocksConfig) *Socks5 {
	return &Socks5{
		authRequired:   c.AuthRequired,
		username:       c.Username,
		password:       c.Password,
		allowUDP:       c.AllowUDP,
		dnsResolve:     c.DNSResolve == nil || *c.DNSResolve,
		requestTimeout: time.Duration(c.RequestTimeout) * time.Second,
	}
}

func (s *Socks5) ServiceType() string { return "socks5" }

func (s *Socks5) HandleTCP(ctx context.Context, stream net.Conn) error {
	defer stream.Close()

	buf := pool.GetBytes(pool.DefaultSize)
	defer pool.PutBytes(buf)

	if err := s.handshake1(stream, buf); err != nil {
		return fmt.Errorf("first hand failed: %w", err)
	}

	if err := s.handshake2(ctx, stream, buf); err != nil {
		return fmt.Errorf("second hand failed: %w", err)
	}

	return nil
}

func (s *Socks5) handshake1(client net.Conn, buf []byte) error {
	// socks5 first handshake
	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return fmt.Errorf("read first handshake failed: %w", err)
	}

	if buf[0] != 0x05 { // ver
		err := writeHandshake1(client, NoAcceptableMethods)
		return fmt.Errorf("no acceptable method: %d, resp err: %w", buf[0], err)
	}

	nMethods := int(buf[1])

	if _, err := io.ReadFull(client, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods failed: %w", err)
	}

	noAuthOffered, userPassOffered := false, false
	for _, v := range buf[:nMethods] {
		switch v {
		case NoAuthenticationRequired:
			noAuthOffered = true
		case UserAndPassword:
			userPassOffered = true
		}
	}

	if s.authRequired {
		if userPassOffered {
			return s.verifyUserPass(client)
		}
	} else if noAuthOffered {
		return writeHandshake1(client, NoAuthenticationRequired)
	}

	err := writeHandshake1(client, NoAcceptableMethods)
	return fmt.Errorf("no acceptable authentication methods: [length: %d, method:%v], response err: %w", nMethods, buf[:nMethods], err)
}

func (s *Socks5) verifyUserPass(client net.Conn) error {
	if err := writeHandshake1(client, UserAndPassword); err != nil {
		return err
	}

	b := pool.GetBytes(pool.DefaultSize)
	defer pool.PutBytes(b)

	// rfc1929: VER | ULEN | UNAME | PLEN | PASSWD
	if _, err := io.ReadFull(client, b[:2]); err != nil {
		return fmt.Errorf("read ver and username length failed: %w", err)
	}

	if b[0] != 0x01 {
		return fmt.Errorf("unknown userpass ver: %d", b[0])
	}

	usernameLength := int(b[1])
	if _, err := io.ReadFull(client, b[2:2+usernameLength+1]); err != nil {
		return fmt.Errorf("read username failed: %w", err)
	}

	username := b[2 : 2+usernameLength]
	passwordLength := int(b[2+usernameLength])

	if _, err := io.ReadFull(client, b[2+usernameLength+1:2+usernameLength+1+passwordLength]); err != nil {
		return fmt.Errorf("read password failed: %w", err)
	}

	password := b[2+usernameLength+1 : 2+usernameLength+1+passwordLength]

	if subtle.ConstantTimeCompare([]byte(s.username), username) != 1 ||
		subtle.ConstantTimeCompare([]byte(s.password), password) != 1 {
		_, err := client.Write([]byte{1, 1})
		return fmt.Errorf("verify username and password failed, resp err: %w", err)
	}

	_, err := client.Write([]byte{1, 0})
	return err
}

func (s *Socks5) handshake2(ctx context.Context, client net.Conn, buf []byte) error {
	// socks5 second handshake
	if _, err := io.ReadFull(client, buf[:3]); err != nil {
		return fmt.Errorf("read second handshake failed: %w", err)
	}

	if buf[0] != 0x05 { // ver
		err := writeReply(client, SocksServerFailure, netapi.EmptyAddr)
		return fmt.Errorf("unknown ver: %d, resp err: %w", buf[0], err)
	}

	switch CMD(buf[1]) { // mode
	case Connect:
		addr, err := readAddr(client)
		if err != nil {
			return replyParseError(client, err)
		}
		return s.connect(ctx, client, addr)

	case Udp:
		if s.allowUDP {
			addr, err := readAddr(client)
			if err != nil {
				return replyParseError(client, err)
			}
			_ = addr // rfc1928: the request address of an associate is advisory
			return s.associate(ctx, client)
		}
		fallthrough

	case Bind:
		fallthrough

	default:
		// consume the request address before replying so the client is
		// not left blocked mid-request
		_, _ = readAddr(client)
		_ = writeReply(client, CommandNotSupport, netapi.EmptyAddr)
		return fmt.Errorf("not support method: %d", buf[1])
	}
}

func replyParseError(client net.Conn, err error) error {
	rep := byte(SocksServerFailure)
	socksErr := &Socks5Error{}
	if errors.As(err, &socksErr) {
		rep = socksErr.Rep
	}
	_ = writeReply(client, rep, netapi.EmptyAddr)
	return fmt.Errorf("parse addr failed: %w", err)
}

func (s *Socks5) connect(ctx context.Context, client net.Conn, addr netapi.Address) error {
	target := addr.String()
	if addr.IsFqdn() && s.dnsResolve {
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", addr.Hostname())
		if err != nil || len(ips) == 0 {
			err2 := writeReply(client, HostUnreachable, netapi.EmptyAddr)
			return fmt.Errorf("resolve %s failed: %w, resp err: %v", addr.Hostname(), err, err2)
		}
		target = netapi.ParseAddrPort(netip.AddrPortFrom(ips[0].Unmap(), addr.Port())).String()
	}

	dctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dctx, "tcp", target)
	if err != nil {
		err2 := writeReply(client, repFromDialError(err), netapi.EmptyAddr)
		return fmt.Errorf("connect to %s failed: %w, resp err: %v", target, err, err2)
	}
	defer conn.Close()

	bound, err := netapi.ParseSysAddr(conn.LocalAddr())
	if err != nil {
		bound = netapi.EmptyAddr
	}
	if err := writeReply(client, Succeeded, bound); err != nil {
		return err
	}

	relay.Relay(client, conn, "target", target)
	return nil
}

// repFromDialError maps an outbound connect failure onto the closest
// rfc1928 reply code.
func repFromDialError(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return NetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return HostUnreachable
	case errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return TTLExpired
	default:
		return SocksServerFailure
	}
}

// associate implements the virtual mode: the reply address is a
// placeholder because the datagrams ride a dedicated tunnel stream, not a
// local UDP socket. The association lives until this TCP stream closes.
func (s *Socks5) associate(ctx context.Context, client net.Conn) error {
	if err := writeReply(client, Succeeded, netapi.ParseDomainPort("0.0.0.0", 0)); err != nil {
		return err
	}

	log.Debug("udp associate established, holding control stream")

	// rfc1928 lifetime rule: drain until the client goes away
	_, _ = relay.Copy(io.Discard, client)
	return nil
}

func writeHandshake1(conn net.Conn, errREP byte) error {
	_, err := conn.Write([]byte{0x05, errREP})
	return err
}
