package netapi

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Address is a host:port destination where the host is either an IP or a
// fully qualified domain name that has not been resolved yet.
type Address struct {
	hostname string
	ip       netip.Addr
	port     uint16
}

var EmptyAddr = Address{}

func ParseDomainPort(hostname string, port uint16) Address {
	if ip, err := netip.ParseAddr(hostname); err == nil {
		return Address{ip: ip.Unmap(), port: port}
	}
	return Address{hostname: hostname, port: port}
}

func ParseIPAddrPort(ip net.IP, port uint16) Address {
	a, _ := netip.AddrFromSlice(ip)
	return Address{ip: a.Unmap(), port: port}
}

func ParseAddrPort(ap netip.AddrPort) Address {
	return Address{ip: ap.Addr().Unmap(), port: ap.Port()}
}

// ParseSysAddr converts a stdlib net.Addr into an Address.
func ParseSysAddr(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ParseIPAddrPort(a.IP, uint16(a.Port)), nil
	case *net.UDPAddr:
		return ParseIPAddrPort(a.IP, uint16(a.Port)), nil
	}

	host, portstr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return EmptyAddr, err
	}
	port, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return EmptyAddr, fmt.Errorf("parse port failed: %w", err)
	}
	return ParseDomainPort(host, uint16(port)), nil
}

func ParseHostPort(hostport string) (Address, error) {
	host, portstr, err := net.SplitHostPort(hostport)
	if err != nil {
		return EmptyAddr, err
	}
	port, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return EmptyAddr, fmt.Errorf("parse port failed: %w", err)
	}
	return ParseDomainPort(host, uint16(port)), nil
}

func (a Address) IsFqdn() bool      { return a.hostname != "" }
func (a Address) IP() netip.Addr   { return a.ip }
func (a Address) Port() uint16     { return a.port }
func (a Address) IsEmpty() bool    { return a.hostname == "" && !a.ip.IsValid() }

func (a Address) Hostname() string {
	if a.IsFqdn() {
		return a.hostname
	}
	return a.ip.String()
}

func (a Address) String() string {
	return net.JoinHostPort(a.Hostname(), strconv.Itoa(int(a.port)))
}

func (a Address) WithPort(port uint16) Address {
	a.port = port
	return a
}
