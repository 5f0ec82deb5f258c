package socks

import (
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

func TestUDPHeaderRoundTrip(t *testing.T) {
	for _, s := range []string{"8.8.8.8:53", "[2001:db8::1]:53", "dns.example.com:53"} {
		addr, err := netapi.ParseHostPort(s)
		assert.NoError(t, err)

		encoded := encodeUDPHeader(addr)
		header, n, err := decodeUDPHeader(encoded)
		assert.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, byte(0), header.frag)
		assert.Equal(t, s, header.addr.String())

		// decode then re-encode reproduces the bytes
		assert.Equal(t, encoded, encodeUDPHeader(header.addr))
	}
}

func TestUDPFrameBounds(t *testing.T) {
	addr, err := netapi.ParseHostPort("8.8.8.8:53")
	assert.NoError(t, err)

	client, server := net.Pipe()
	r := newUDPRelay(context.Background(), server, true)
	defer r.close()
	defer client.Close()

	go func() {
		buf := make([]byte, 2+maxUDPFrame)
		for {
			if _, err := io.ReadFull(client, buf[:2]); err != nil {
				return
			}
			n := binary.BigEndian.Uint16(buf[:2])
			if _, err := io.ReadFull(client, buf[2:2+int(n)]); err != nil {
				return
			}
		}
	}()

	header := encodeUDPHeader(addr)

	// a frame totalling exactly 65535 bytes is accepted
	err = r.writeFrame(addr, make([]byte, maxUDPFrame-len(header)))
	assert.NoError(t, err)

	// one more byte is rejected
	err = r.writeFrame(addr, make([]byte, maxUDPFrame-len(header)+1))
	assert.Error(t, err)
}

func TestUDPRelayRoundTrip(t *testing.T) {
	// a local udp echo server stands in for the remote target
	echo, err := net.ListenPacket("udp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer echo.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := echo.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = echo.WriteTo(buf[:n], from)
		}
	}()

	target, err := netapi.ParseSysAddr(echo.LocalAddr())
	assert.NoError(t, err)

	tunnelClient, tunnelServer := net.Pipe()
	defer tunnelClient.Close()

	s := testHandler(func(c *config.SocksConfig) { c.AllowUDP = true })

	done := make(chan error, 1)
	go func() { done <- s.HandleUDP(context.Background(), tunnelServer) }()

	// frame a datagram at the echo server
	header := encodeUDPHeader(target)
	payload := []byte("knock knock")
	frame := make([]byte, 0, 2+len(header)+len(payload))
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(header)+len(payload)))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	_, err = tunnelClient.Write(frame)
	assert.NoError(t, err)

	// the reply comes back framed with the target as source
	assert.NoError(t, tunnelClient.SetReadDeadline(time.Now().Add(3*time.Second)))

	var lb [2]byte
	_, err = io.ReadFull(tunnelClient, lb[:])
	assert.NoError(t, err)

	reply := make([]byte, binary.BigEndian.Uint16(lb[:]))
	_, err = io.ReadFull(tunnelClient, reply)
	assert.NoError(t, err)

	got, n, err := decodeUDPHeader(reply)
	assert.NoError(t, err)
	assert.Equal(t, target.String(), got.addr.String())
	assert.Equal(t, "knock knock", string(reply[n:]))

	// closing the tunnel stream ends the relay
	tunnelClient.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("udp relay did not stop on stream close")
	}
}

func TestUDPFragmentDropped(t *testing.T) {
	tunnelClient, tunnelServer := net.Pipe()
	defer tunnelClient.Close()

	s := testHandler(func(c *config.SocksConfig) { c.AllowUDP = true })

	done := make(chan error, 1)
	go func() { done <- s.HandleUDP(context.Background(), tunnelServer) }()

	// FRAG=1 must be dropped without killing the relay
	header := []byte{0, 0, 1, 0x01, 127, 0, 0, 1, 0x00, 0x35}
	payload := []byte("fragment")
	frame := binary.BigEndian.AppendUint16(nil, uint16(len(header)+len(payload)))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	_, err := tunnelClient.Write(frame)
	assert.NoError(t, err)

	select {
	case err := <-done:
		t.Fatal("relay stopped unexpectedly:", err)
	case <-time.After(100 * time.Millisecond):
	}

	tunnelClient.Close()
	<-done
}
