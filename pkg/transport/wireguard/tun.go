/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 */

package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync/atomic"

	"github.com/tailscale/wireguard-go/tun"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// netTun is a userspace IP stack exposed as a wireguard tun device. App
// connections ride virtual TCP flows inside the stack; the packets the
// stack emits are handed to the wireguard device for encapsulation.
type netTun struct {
	ep           *channel.Endpoint
	stack        *stack.Stack
	events       chan tun.Event
	incoming     chan *buffer.View
	closed       atomic.Bool
	mtu          int
	hasV4, hasV6 bool
}

func createNetTUN(localAddresses []netip.Prefix, mtu int) (*netTun, error) {
	opts := stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        true,
	}

	dev := &netTun{
		ep:       channel.New(1024, uint32(mtu), ""),
		stack:    stack.New(opts),
		events:   make(chan tun.Event, 1),
		incoming: make(chan *buffer.View, 1024),
		mtu:      mtu,
	}
	dev.ep.AddNotify(dev)

	if tcpipErr := dev.stack.CreateNIC(1, dev.ep); tcpipErr != nil {
		dev.Close()
		return nil, fmt.Errorf("CreateNIC: %v", tcpipErr)
	}

	sackEnabledOpt := tcpip.TCPSACKEnabled(true) // TCP SACK is disabled by default
	dev.stack.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabledOpt)

	for _, ip := range localAddresses {
		var protoNumber tcpip.NetworkProtocolNumber
		if ip.Addr().Is4() {
			protoNumber = ipv4.ProtocolNumber
		} else if ip.Addr().Is6() {
			protoNumber = ipv6.ProtocolNumber
		}

		protoAddr := tcpip.ProtocolAddress{
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFromSlice(ip.Addr().Unmap().AsSlice()),
				PrefixLen: ip.Bits(),
			},
			Protocol: protoNumber,
		}

		if tcpipErr := dev.stack.AddProtocolAddress(1, protoAddr, stack.AddressProperties{}); tcpipErr != nil {
			dev.Close()
			return nil, fmt.Errorf("AddProtocolAddress(%v): %v", ip, tcpipErr)
		}
		if ip.Addr().Is4() {
			dev.hasV4 = true
		} else if ip.Addr().Is6() {
			dev.hasV6 = true
		}
	}

	if dev.hasV4 {
		dev.stack.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: 1})
	}
	if dev.hasV6 {
		dev.stack.AddRoute(tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: 1})
	}

	dev.events <- tun.EventUp
	return dev, nil
}

// WriteNotify moves a packet the stack wants to send into the queue the
// wireguard device reads from.
func (tun *netTun) WriteNotify() {
	if tun.closed.Load() {
		return
	}

	pkt := tun.ep.Read()
	if pkt == nil {
		return
	}

	view := pkt.ToView()
	pkt.DecRef()

	select {
	case tun.incoming <- view:
	default:
		view.Release()
	}
}

func (tun *netTun) Name() (string, error)    { return "go", nil }
func (tun *netTun) File() *os.File           { return nil }
func (tun *netTun) Events() <-chan tun.Event { return tun.events }
func (tun *netTun) BatchSize() int           { return 1 }
func (tun *netTun) MTU() (int, error)        { return tun.mtu, nil }

func (tun *netTun) Read(buf [][]byte, size []int, offset int) (int, error) {
	view, ok := <-tun.incoming
	if !ok {
		return 0, os.ErrClosed
	}

	n, err := view.Read(buf[0][offset:])
	view.Release()
	if err != nil {
		return 0, err
	}

	size[0] = n
	return 1, nil
}

func (tun *netTun) Write(buffers [][]byte, offset int) (int, error) {
	n := 0
	for _, buf := range buffers {
		packet := buf[offset:]
		if len(packet) == 0 {
			continue
		}

		pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), packet...)),
		})

		switch packet[0] >> 4 {
		case 4:
			tun.ep.InjectInbound(ipv4.ProtocolNumber, pkb)
		case 6:
			tun.ep.InjectInbound(ipv6.ProtocolNumber, pkb)
		default:
			pkb.DecRef()
			continue
		}
		pkb.DecRef()

		n++
	}

	return n, nil
}

func (tun *netTun) Close() error {
	if !tun.closed.CompareAndSwap(false, true) {
		return nil
	}

	tun.stack.Destroy()

	if tun.events != nil {
		close(tun.events)
	}
	tun.ep.Close()
	close(tun.incoming)
	return nil
}

func (n *netTun) toFullAddr(ip netip.Addr, port uint16) (tcpip.FullAddress, tcpip.NetworkProtocolNumber) {
	var protoNumber tcpip.NetworkProtocolNumber
	if ip.Is4() {
		protoNumber = ipv4.ProtocolNumber
	} else {
		protoNumber = ipv6.ProtocolNumber
	}

	return tcpip.FullAddress{
		NIC:  1,
		Addr: tcpip.AddrFromSlice(ip.Unmap().AsSlice()),
		Port: port,
	}, protoNumber
}

// DialContextTCP opens a new virtual TCP flow inside the tunnel.
func (n *netTun) DialContextTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	if !addr.IsValid() {
		return nil, errors.New("addr is invalid")
	}

	fullAddr, protoNumber := n.toFullAddr(addr.Addr(), addr.Port())
	return gonet.DialContextTCP(ctx, n.stack, fullAddr, protoNumber)
}
