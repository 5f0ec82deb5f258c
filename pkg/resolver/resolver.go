// Package resolver caches the resolved socket address of the relay so
// every reconnect and data channel does not pay a DNS lookup.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// ErrResolutionFailed is returned when the lookup yields no endpoint.
var ErrResolutionFailed = fmt.Errorf("resolution failed")

// AddrCache holds a host:port string and, once resolved, its socket
// address. A resolved entry is reused until invalidated.
type AddrCache struct {
	hostPort string

	mu       sync.Mutex
	resolved netip.AddrPort
	ok       bool
}

func NewAddrCache(hostPort string) *AddrCache {
	return &AddrCache{hostPort: hostPort}
}

func (a *AddrCache) HostPort() string { return a.hostPort }

// Resolve returns the cached address when present, otherwise performs a
// lookup and caches the first endpoint returned.
func (a *AddrCache) Resolve(ctx context.Context) (netip.AddrPort, error) {
	a.mu.Lock()
	if a.ok {
		r := a.resolved
		a.mu.Unlock()
		return r, nil
	}
	a.mu.Unlock()

	return a.ResolveFresh(ctx)
}

// ResolveFresh always performs a new lookup and updates the cache.
func (a *AddrCache) ResolveFresh(ctx context.Context) (netip.AddrPort, error) {
	host, portstr, err := net.SplitHostPort(a.hostPort)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", portstr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		r := netip.AddrPortFrom(ip.Unmap(), uint16(port))
		a.store(r)
		return r, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: no address for %s", ErrResolutionFailed, host)
	}

	r := netip.AddrPortFrom(ips[0].Unmap(), uint16(port))
	a.store(r)
	return r, nil
}

// Invalidate drops the cached address; the next Resolve looks it up again.
func (a *AddrCache) Invalidate() {
	a.mu.Lock()
	a.ok = false
	a.mu.Unlock()
}

func (a *AddrCache) store(r netip.AddrPort) {
	a.mu.Lock()
	a.resolved = r
	a.ok = true
	a.mu.Unlock()
}
