package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/metrics"
	"github.com/molerat-dev/molerat/pkg/net/netapi"
	"github.com/molerat-dev/molerat/pkg/utils/pool"
	"github.com/molerat-dev/molerat/pkg/utils/syncmap"
)

// udpSessionTimeout evicts a per-target forwarder after this much silence.
const udpSessionTimeout = 120 * time.Second

// maxUDPFrame is the largest frame on the UDP tunnel stream, header
// included.
const maxUDPFrame = 65535

// HandleUDP serves one UDP-forward tunnel stream. Each frame is
// LEN(u16 BE) | RSV(2) FRAG(1) ATYP DST.ADDR DST.PORT | payload. Replies
// are framed back with the target as source address.
func (s *Socks5) HandleUDP(ctx context.Context, stream net.Conn) error {
	if !s.allowUDP {
		_ = stream.Close()
		return fmt.Errorf("udp not allowed by configuration")
	}

	r := newUDPRelay(ctx, stream, s.dnsResolve)
	defer r.close()
	return r.run()
}

type udpForwarder struct {
	conn       net.Conn
	lastActive atomic.Int64
}

func (f *udpForwarder) touch() { f.lastActive.Store(time.Now().UnixNano()) }

func (f *udpForwarder) idle(timeout time.Duration) bool {
	return time.Since(time.Unix(0, f.lastActive.Load())) > timeout
}

type udpRelay struct {
	ctx    context.Context
	cancel context.CancelFunc

	stream     net.Conn
	dnsResolve bool

	writeMu  sync.Mutex
	sessions syncmap.SyncMap[string, *udpForwarder]

	wg sync.WaitGroup
}

func newUDPRelay(ctx context.Context, stream net.Conn, dnsResolve bool) *udpRelay {
	ctx, cancel := context.WithCancel(ctx)
	return &udpRelay{ctx: ctx, cancel: cancel, stream: stream, dnsResolve: dnsResolve}
}

func (r *udpRelay) run() error {
	r.wg.Add(1)
	go r.janitor()

	buf := pool.GetBytes(maxUDPFrame)
	defer pool.PutBytes(buf)

	for {
		frame, err := readUDPFrame(r.stream, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		addr, headerLen, err := decodeUDPHeader(frame)
		if err != nil {
			log.Warn("invalid udp frame header", "err", err)
			continue
		}
		if addr.frag != 0 {
			// fragmented datagrams are dropped silently
			continue
		}

		if err := r.forward(addr.addr, frame[headerLen:]); err != nil {
			log.Warn("udp forward failed", "target", addr.addr.String(), "err", err)
		}
	}
}

func (r *udpRelay) forward(target netapi.Address, payload []byte) error {
	key := target.String()

	f, ok := r.sessions.Load(key)
	if !ok {
		var err error
		f, err = r.newForwarder(target)
		if err != nil {
			return err
		}

		if old, loaded := r.sessions.LoadOrStore(key, f); loaded {
			_ = f.conn.Close()
			f = old
		} else {
			metrics.UDPSessions.Inc()
			r.wg.Add(1)
			go r.readLoop(key, target, f)
		}
	}

	f.touch()
	_, err := f.conn.Write(payload)
	return err
}

func (r *udpRelay) newForwarder(target netapi.Address) (*udpForwarder, error) {
	host := target.String()
	if target.IsFqdn() && r.dnsResolve {
		ips, err := net.DefaultResolver.LookupNetIP(r.ctx, "ip", target.Hostname())
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolve %s failed: %w", target.Hostname(), err)
		}
		host = netapi.ParseIPAddrPort(ips[0].Unmap().AsSlice(), target.Port()).String()
	}

	// ephemeral socket connected to the target, so only its replies come back
	d := net.Dialer{}
	conn, err := d.DialContext(r.ctx, "udp", host)
	if err != nil {
		return nil, err
	}

	f := &udpForwarder{conn: conn}
	f.touch()
	return f, nil
}

// readLoop drains replies from one target and frames them back over the
// tunnel stream with the target as source.
func (r *udpRelay) readLoop(key string, source netapi.Address, f *udpForwarder) {
	defer r.wg.Done()

	buf := pool.GetBytes(maxUDPFrame)
	defer pool.PutBytes(buf)

	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			r.evict(key)
			return
		}

		f.touch()
		if err := r.writeFrame(source, buf[:n]); err != nil {
			log.Debug("udp tunnel write failed", "err", err)
			r.cancel()
			return
		}
	}
}

func (r *udpRelay) writeFrame(source netapi.Address, payload []byte) error {
	header := encodeUDPHeader(source)
	total := len(header) + len(payload)
	if total > maxUDPFrame {
		return fmt.Errorf("udp frame too large: %d", total)
	}

	buf := pool.GetBytes(2 + total)
	defer pool.PutBytes(buf)

	binary.BigEndian.PutUint16(buf[:2], uint16(total))
	copy(buf[2:], header)
	copy(buf[2+len(header):], payload)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err := r.stream.Write(buf[:2+total])
	return err
}

func (r *udpRelay) evict(key string) {
	if f, ok := r.sessions.LoadAndDelete(key); ok {
		_ = f.conn.Close()
		metrics.UDPSessions.Dec()
	}
}

// janitor evicts idle sessions even while the TCP control stream is
// still alive.
func (r *udpRelay) janitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(udpSessionTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sessions.Range(func(key string, f *udpForwarder) bool {
				if f.idle(udpSessionTimeout) {
					log.Debug("evicting idle udp session", "target", key)
					r.evict(key)
				}
				return true
			})
		}
	}
}

func (r *udpRelay) close() {
	r.cancel()
	_ = r.stream.Close()

	r.sessions.Range(func(key string, f *udpForwarder) bool {
		r.evict(key)
		return true
	})

	r.wg.Wait()
}

// readUDPFrame reads one length-prefixed frame into buf.
func readUDPFrame(r io.Reader, buf []byte) ([]byte, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint16(lb[:])
	if n == 0 {
		return nil, fmt.Errorf("zero length udp frame")
	}

	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

type udpHeader struct {
	frag byte
	addr netapi.Address
}

// decodeUDPHeader parses RSV(2) FRAG(1) ATYP ADDR PORT from the front of
// b, returning the header and its encoded length.
func decodeUDPHeader(b []byte) (udpHeader, int, error) {
	if len(b) < 3 {
		return udpHeader{}, 0, fmt.Errorf("udp header too short: %d", len(b))
	}

	reader := newCountReader(b[3:])
	addr, err := readAddr(reader)
	if err != nil {
		return udpHeader{}, 0, err
	}

	return udpHeader{frag: b[2], addr: addr}, 3 + reader.n, nil
}

// encodeUDPHeader produces RSV(2) FRAG(1)=0 ATYP ADDR PORT.
func encodeUDPHeader(addr netapi.Address) []byte {
	return appendAddr([]byte{0, 0, 0}, addr)
}

type countReader struct {
	b []byte
	n int
}

func newCountReader(b []byte) *countReader { return &countReader{b: b} }

func (r *countReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	r.n += n
	return n, nil
}
