package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/molerat-dev/molerat/pkg/net/netapi"
)

const (
	NoAuthenticationRequired = 0x00
	UserAndPassword          = 0x02
	NoAcceptableMethods      = 0xff

	Succeeded                     = 0x00
	SocksServerFailure            = 0x01
	ConnectionNotAllowedByRuleset = 0x02
	NetworkUnreachable            = 0x03
	HostUnreachable               = 0x04
	ConnectionRefused             = 0x05
	TTLExpired                    = 0x06
	CommandNotSupport             = 0x07
	AddressTypeNotSupport         = 0x08
)

type CMD byte

const (
	Connect CMD = 0x01
	Bind    CMD = 0x02
	Udp     CMD = 0x03

	IPv4   byte = 0x01
	Domain byte = 0x03
	IPv6   byte = 0x04
)

// Socks5Error carries the reply code sent back before closing the stream.
type Socks5Error struct {
	Rep byte
	Msg string
}

func (e *Socks5Error) Error() string {
	return fmt.Sprintf("socks5 error: rep=%d %s", e.Rep, e.Msg)
}

// readAddr parses ATYP | DST.ADDR | DST.PORT.
func readAddr(r io.Reader) (netapi.Address, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return netapi.EmptyAddr, fmt.Errorf("read addr type failed: %w", err)
	}

	switch atyp[0] {
	case IPv4:
		var buf [4 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return netapi.EmptyAddr, fmt.Errorf("read ipv4 addr failed: %w", err)
		}
		return netapi.ParseIPAddrPort(net.IP(buf[:4]), binary.BigEndian.Uint16(buf[4:])), nil

	case IPv6:
		var buf [16 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return netapi.EmptyAddr, fmt.Errorf("read ipv6 addr failed: %w", err)
		}
		return netapi.ParseIPAddrPort(net.IP(buf[:16]), binary.BigEndian.Uint16(buf[16:])), nil

	case Domain:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return netapi.EmptyAddr, fmt.Errorf("read domain length failed: %w", err)
		}
		if length[0] == 0 {
			return netapi.EmptyAddr, &Socks5Error{Rep: AddressTypeNotSupport, Msg: "empty domain"}
		}

		buf := make([]byte, int(length[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return netapi.EmptyAddr, fmt.Errorf("read domain failed: %w", err)
		}
		hostname := string(buf[:length[0]])
		return netapi.ParseDomainPort(hostname, binary.BigEndian.Uint16(buf[length[0]:])), nil

	default:
		return netapi.EmptyAddr, &Socks5Error{Rep: AddressTypeNotSupport, Msg: fmt.Sprintf("unknown addr type %d", atyp[0])}
	}
}

// appendAddr encodes ATYP | ADDR | PORT onto buf.
func appendAddr(buf []byte, addr netapi.Address) []byte {
	if addr.IsEmpty() {
		return append(buf, IPv4, 0, 0, 0, 0, 0, 0)
	}

	if addr.IsFqdn() {
		buf = append(buf, Domain, byte(len(addr.Hostname())))
		buf = append(buf, addr.Hostname()...)
	} else if ip := addr.IP(); ip.Is4() {
		b := ip.As4()
		buf = append(buf, IPv4)
		buf = append(buf, b[:]...)
	} else {
		b := ip.As16()
		buf = append(buf, IPv6)
		buf = append(buf, b[:]...)
	}

	return binary.BigEndian.AppendUint16(buf, addr.Port())
}

func writeReply(w io.Writer, rep byte, addr netapi.Address) error {
	buf := append([]byte{0x05, rep, 0x00}, appendAddr(nil, addr)...)
	_, err := w.Write(buf)
	return err
}
