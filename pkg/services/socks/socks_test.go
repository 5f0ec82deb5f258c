package socks

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/net/netapi"
	"github.com/molerat-dev/molerat/pkg/utils/assert"
)

func testHandler(opt func(*config.SocksConfig)) *Socks5 {
	c := &config.SocksConfig{}
	c.SetDefault()
	if opt != nil {
		opt(c)
	}
	return NewHandler(c)
}

func TestReadAddr(t *testing.T) {
	// ipv4
	addr, err := readAddr(bytes.NewReader([]byte{0x01, 127, 0, 0, 1, 0x00, 0x50}))
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:80", addr.String())

	// ipv6
	raw := append([]byte{0x04}, make([]byte, 16)...)
	raw[1] = 0xff
	raw = append(raw, 0x01, 0xbb)
	addr, err = readAddr(bytes.NewReader(raw))
	assert.NoError(t, err)
	assert.Equal(t, uint16(443), addr.Port())

	// domain
	addr, err = readAddr(bytes.NewReader(append(append([]byte{0x03, 11}, "example.com"...), 0x00, 0x50)))
	assert.NoError(t, err)
	assert.True(t, addr.IsFqdn())
	assert.Equal(t, "example.com:80", addr.String())

	// unknown atyp
	_, err = readAddr(bytes.NewReader([]byte{0x05, 0, 0}))
	assert.Error(t, err)

	// truncated
	_, err = readAddr(bytes.NewReader([]byte{0x01, 127, 0}))
	assert.Error(t, err)
}

func TestReadAddrDomainBounds(t *testing.T) {
	// a 255 byte domain parses
	name := bytes.Repeat([]byte{'a'}, 255)
	raw := append(append([]byte{0x03, 255}, name...), 0x01, 0x00)
	addr, err := readAddr(bytes.NewReader(raw))
	assert.NoError(t, err)
	assert.Equal(t, 255, len(addr.Hostname()))

	// zero length is rejected
	_, err = readAddr(bytes.NewReader([]byte{0x03, 0, 0x01, 0x00}))
	assert.Error(t, err)
}

func TestAddrRoundTrip(t *testing.T) {
	for _, s := range []string{"127.0.0.1:80", "[ff::ff]:443", "www.example.com:1080"} {
		addr, err := netapi.ParseHostPort(s)
		assert.NoError(t, err)

		encoded := appendAddr(nil, addr)
		decoded, err := readAddr(bytes.NewReader(encoded))
		assert.NoError(t, err)
		assert.Equal(t, s, decoded.String())
	}
}

func TestHandshakeNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(nil)
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)

	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, buf)
}

func TestHandshakeNoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(func(c *config.SocksConfig) {
		c.AuthRequired = true
		c.Username = "u"
		c.Password = "p"
	})
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	// only no-auth offered, but auth is required
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)

	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0xff}, buf)
}

func TestUserPassAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(func(c *config.SocksConfig) {
		c.AuthRequired = true
		c.Username = "user"
		c.Password = "pass"
	})
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x02})
	assert.NoError(t, err)

	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x02}, buf)

	req := []byte{0x01, 4}
	req = append(req, "user"...)
	req = append(req, 4)
	req = append(req, "pass"...)
	_, err = client.Write(req)
	assert.NoError(t, err)

	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, buf)
}

func TestUserPassAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(func(c *config.SocksConfig) {
		c.AuthRequired = true
		c.Username = "user"
		c.Password = "pass"
	})
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x02})
	assert.NoError(t, err)

	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)

	req := []byte{0x01, 4}
	req = append(req, "user"...)
	req = append(req, 5)
	req = append(req, "wrong"...)
	_, err = client.Write(req)
	assert.NoError(t, err)

	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01}, buf)
}

func TestConnect(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err == nil {
			_, _ = conn.Write([]byte("pong"))
		}
	}()

	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(nil)
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)

	// CONNECT to the listener
	port := uint16(lis.Addr().(*net.TCPAddr).Port)
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1}
	req = binary.BigEndian.AppendUint16(req, port)
	_, err = client.Write(req)
	assert.NoError(t, err)

	// reply: VER REP RSV ATYP BND.ADDR BND.PORT
	reply := make([]byte, 4+4+2)
	_, err = io.ReadFull(client, reply)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01}, reply[:4])

	_, err = client.Write([]byte("ping"))
	assert.NoError(t, err)

	pong := make([]byte, 4)
	_, err = io.ReadFull(client, pong)
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(pong))
}

func TestConnectRefused(t *testing.T) {
	// grab a port and close it so nothing listens there
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	port := uint16(lis.Addr().(*net.TCPAddr).Port)
	lis.Close()

	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(nil)
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1}
	req = binary.BigEndian.AppendUint16(req, port)
	_, err = client.Write(req)
	assert.NoError(t, err)

	reply := make([]byte, 4)
	_, err = io.ReadFull(client, reply)
	assert.NoError(t, err)
	assert.Equal(t, byte(ConnectionRefused), reply[1])
}

func TestCommandNotSupported(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(nil)
	go func() { _ = s.HandleTCP(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)

	// BIND is unsupported
	_, err = client.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	assert.NoError(t, err)

	reply := make([]byte, 4)
	_, err = io.ReadFull(client, reply)
	assert.NoError(t, err)
	assert.Equal(t, byte(CommandNotSupport), reply[1])
}

func TestAssociate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := testHandler(func(c *config.SocksConfig) { c.AllowUDP = true })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.HandleTCP(context.Background(), server)
	}()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	assert.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	assert.NoError(t, err)

	// UDP ASSOCIATE 0.0.0.0:0
	_, err = client.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	assert.NoError(t, err)

	reply := make([]byte, 4+4+2)
	_, err = io.ReadFull(client, reply)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)

	// the association lives until the control stream closes
	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("association did not terminate on stream close")
	}
}
