package transport

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/resolver"
)

// noiseMaxPayload is the largest plaintext per noise message; the AEAD tag
// takes the rest of the 65535-byte message budget.
const noiseMaxPayload = 65535 - 16

// NoiseTransport runs a Noise handshake on top of an inner transport and
// speaks u16 big-endian framed ciphertext afterwards.
type NoiseTransport struct {
	inner        Transport
	pattern      noise.HandshakePattern
	cipherSuite  noise.CipherSuite
	peerStatic   []byte
	staticKey    *noise.DHKey
	patternName  string
}

func NewNoise(c *config.NoiseConfig, inner Transport) (*NoiseTransport, error) {
	pattern, suite, err := parsePattern(c.Pattern)
	if err != nil {
		return nil, err
	}

	peer, err := base64.StdEncoding.DecodeString(c.RemotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode noise remote_public_key: %v", config.ErrConfig, err)
	}

	t := &NoiseTransport{
		inner:       inner,
		pattern:     pattern,
		cipherSuite: suite,
		peerStatic:  peer,
		patternName: c.Pattern,
	}

	if c.LocalPrivateKey != "" {
		priv, err := base64.StdEncoding.DecodeString(c.LocalPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: decode noise local_private_key: %v", config.ErrConfig, err)
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("%w: derive noise public key: %v", config.ErrConfig, err)
		}
		t.staticKey = &noise.DHKey{Private: priv, Public: pub}
	}

	return t, nil
}

func parsePattern(name string) (noise.HandshakePattern, noise.CipherSuite, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 || parts[0] != "Noise" {
		return noise.HandshakePattern{}, nil, fmt.Errorf("%w: invalid noise pattern %q", config.ErrConfig, name)
	}

	patterns := map[string]noise.HandshakePattern{
		"NK": noise.HandshakeNK,
		"KK": noise.HandshakeKK,
		"XX": noise.HandshakeXX,
		"IK": noise.HandshakeIK,
	}
	pattern, ok := patterns[parts[1]]
	if !ok {
		return noise.HandshakePattern{}, nil, fmt.Errorf("%w: unsupported noise handshake %q", config.ErrConfig, parts[1])
	}

	if parts[2] != "25519" {
		return noise.HandshakePattern{}, nil, fmt.Errorf("%w: unsupported noise dh %q", config.ErrConfig, parts[2])
	}

	var cipher noise.CipherFunc
	switch parts[3] {
	case "ChaChaPoly":
		cipher = noise.CipherChaChaPoly
	case "AESGCM":
		cipher = noise.CipherAESGCM
	default:
		return noise.HandshakePattern{}, nil, fmt.Errorf("%w: unsupported noise cipher %q", config.ErrConfig, parts[3])
	}

	var hash noise.HashFunc
	switch parts[4] {
	case "BLAKE2s":
		hash = noise.HashBLAKE2s
	case "BLAKE2b":
		hash = noise.HashBLAKE2b
	case "SHA256":
		hash = noise.HashSHA256
	case "SHA512":
		hash = noise.HashSHA512
	default:
		return noise.HandshakePattern{}, nil, fmt.Errorf("%w: unsupported noise hash %q", config.ErrConfig, parts[4])
	}

	return pattern, noise.NewCipherSuite(noise.DH25519, cipher, hash), nil
}

func (t *NoiseTransport) Connect(ctx context.Context, addr *resolver.AddrCache, opts SocketOpts) (net.Conn, error) {
	conn, err := t.inner.Connect(ctx, addr, opts)
	if err != nil {
		return nil, err
	}

	nc, err := t.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: noise %s: %v", ErrHandshakeFailed, t.patternName, err)
	}
	return nc, nil
}

func (t *NoiseTransport) handshake(conn net.Conn) (net.Conn, error) {
	cfg := noise.Config{
		CipherSuite: t.cipherSuite,
		Pattern:     t.pattern,
		Initiator:   true,
		PeerStatic:  t.peerStatic,
	}
	if t.staticKey != nil {
		cfg.StaticKeypair = *t.staticKey
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, err
	}

	var send, recv *noise.CipherState
	writeTurn := true
	for send == nil {
		if writeTurn {
			msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, err
			}
			if err := writeNoiseFrame(conn, msg); err != nil {
				return nil, err
			}
			send, recv = cs1, cs2
		} else {
			frame, err := readNoiseFrame(conn)
			if err != nil {
				return nil, err
			}
			_, cs1, cs2, err := hs.ReadMessage(nil, frame)
			if err != nil {
				return nil, err
			}
			send, recv = cs1, cs2
		}
		writeTurn = !writeTurn
	}

	return &noiseConn{Conn: conn, send: send, recv: recv}, nil
}

func writeNoiseFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := w.Write(buf)
	return err
}

func readNoiseFrame(r io.Reader) ([]byte, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(lb[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// noiseConn is the post-handshake framed cipherstate stream.
type noiseConn struct {
	net.Conn

	send *noise.CipherState
	recv *noise.CipherState

	readMu  sync.Mutex
	writeMu sync.Mutex
	rbuf    []byte
}

func (c *noiseConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.rbuf) == 0 {
		frame, err := readNoiseFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("noise decrypt failed: %w", err)
		}
		c.rbuf = plain
	}

	n := copy(b, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *noiseConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > noiseMaxPayload {
			chunk = chunk[:noiseMaxPayload]
		}

		ct, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("noise encrypt failed: %w", err)
		}
		if err := writeNoiseFrame(c.Conn, ct); err != nil {
			return total, err
		}

		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}
