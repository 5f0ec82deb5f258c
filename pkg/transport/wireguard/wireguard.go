// Package wireguard carries relay connections inside a userspace
// WireGuard tunnel: every Connect allocates a fresh virtual TCP flow on a
// netstack riding over the encrypted UDP transport.
package wireguard

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/tailscale/wireguard-go/conn"
	"github.com/tailscale/wireguard-go/device"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/resolver"
)

type Wireguard struct {
	conf *config.WireguardConfig

	mu     sync.Mutex
	net    *netTun
	device *device.Device
}

func New(conf *config.WireguardConfig) (*Wireguard, error) {
	if _, err := parseLocalAddresses(conf); err != nil {
		return nil, err
	}
	return &Wireguard{conf: conf}, nil
}

func (w *Wireguard) initNet() (*netTun, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.net != nil {
		return w.net, nil
	}

	dev, nt, err := makeVirtualTun(w.conf)
	if err != nil {
		return nil, err
	}

	w.device = dev
	w.net = nt
	return nt, nil
}

// Connect dials the relay through the tunnel. The relay host is resolved
// outside the tunnel; only the resulting flow rides inside it.
func (w *Wireguard) Connect(ctx context.Context, addr *resolver.AddrCache) (net.Conn, error) {
	nt, err := w.initNet()
	if err != nil {
		return nil, err
	}

	target, err := addr.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := nt.DialContextTCP(ctx, target)
	if err != nil {
		addr.Invalidate()
		return nil, err
	}
	return conn, nil
}

func (w *Wireguard) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.device != nil {
		w.device.Close()
		w.device = nil
	}
	w.net = nil
	return nil
}

func parseLocalAddresses(conf *config.WireguardConfig) ([]netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(conf.Address)
	if err != nil {
		addr, err := netip.ParseAddr(conf.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: wireguard address %q: %v", config.ErrConfig, conf.Address, err)
		}

		bits := 32
		if addr.Is6() {
			bits = 128
		}
		prefix = netip.PrefixFrom(addr, bits)
	}

	return []netip.Prefix{prefix}, nil
}

// creates a tun interface on netstack given a configuration
func makeVirtualTun(conf *config.WireguardConfig) (*device.Device, *netTun, error) {
	localAddresses, err := parseLocalAddresses(conf)
	if err != nil {
		return nil, nil, err
	}

	tun, err := createNetTUN(localAddresses, conf.MTU)
	if err != nil {
		return nil, nil, err
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), &device.Logger{
		Verbosef: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...), "subsystem", "wireguard")
		},
		Errorf: func(format string, args ...any) {
			log.Error(fmt.Sprintf(format, args...), "subsystem", "wireguard")
		},
	})

	request, err := createIPCRequest(conf)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	if err := dev.IpcSetOperation(request); err != nil {
		dev.Close()
		return nil, nil, err
	}

	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, nil, err
	}

	return dev, tun, nil
}

func base64ToHex(s string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

// serialize the config into an IPC request
func createIPCRequest(conf *config.WireguardConfig) (*bytes.Buffer, error) {
	privateKey, err := base64ToHex(conf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wireguard private_key: %v", config.ErrConfig, err)
	}
	publicKey, err := base64ToHex(conf.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wireguard peer_public_key: %v", config.ErrConfig, err)
	}

	request := bytes.NewBuffer(nil)

	fmt.Fprintf(request, "private_key=%s\n", privateKey)
	fmt.Fprintf(request, "public_key=%s\nendpoint=%s\n", publicKey, conf.PeerEndpoint)

	if conf.PersistentKeepalive != 0 {
		fmt.Fprintf(request, "persistent_keepalive_interval=%d\n", conf.PersistentKeepalive)
	}
	if conf.PresharedKey != "" {
		presharedKey, err := base64ToHex(conf.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("%w: wireguard preshared_key: %v", config.ErrConfig, err)
		}
		fmt.Fprintf(request, "preshared_key=%s\n", presharedKey)
	}

	allowedIPs := conf.AllowedIPs
	if len(allowedIPs) == 0 {
		allowedIPs = []string{"0.0.0.0/0", "::/0"}
	}
	for _, ip := range allowedIPs {
		fmt.Fprintf(request, "allowed_ip=%s\n", ip)
	}

	return request, nil
}
