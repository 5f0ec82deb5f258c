// Package protocol implements the relay wire protocol: SHA-256 digests,
// the handshake messages and the length-framed binary codec. The byte
// layout must match the relay exactly.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashWidth is the width of every digest on the wire.
const HashWidth = sha256.Size

// Digest is a 32-byte SHA-256 value. It serves as service identifier
// (hash of the service name), session key (hash of token and nonce) and
// protocol version marker.
type Digest [HashWidth]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func NewDigest(b []byte) Digest { return sha256.Sum256(b) }

// CurrentProtoVersion marks the protocol revision in every Hello.
// The relay build shares the same constant.
var CurrentProtoVersion = NewDigest([]byte("molerat-proto-v1"))

// ServiceDigest identifies a service on the relay by the hash of its name.
func ServiceDigest(name string) Digest { return NewDigest([]byte(name)) }

// SessionKey derives the per-connection session key from the shared token
// and the nonce carried by the relay's Hello.
func SessionKey(token string, nonce Digest) Digest {
	concat := make([]byte, 0, len(token)+HashWidth)
	concat = append(concat, token...)
	concat = append(concat, nonce[:]...)
	return NewDigest(concat)
}

// HelloKind tags the two Hello variants.
type HelloKind uint32

const (
	ControlChannelHello HelloKind = iota
	DataChannelHello
)

// Hello is the first message on every channel. For a control channel the
// digest is the hashed service name; for a data channel it is the session
// key. In the relay's reply the digest carries the server nonce.
type Hello struct {
	Kind    HelloKind
	Version Digest
	Digest  Digest
}

func NewControlChannelHello(serviceName string) Hello {
	return Hello{Kind: ControlChannelHello, Version: CurrentProtoVersion, Digest: ServiceDigest(serviceName)}
}

func NewDataChannelHello(sessionKey Digest) Hello {
	return Hello{Kind: DataChannelHello, Version: CurrentProtoVersion, Digest: sessionKey}
}

// Auth carries SHA256(token || nonce), proving knowledge of the token.
type Auth struct {
	Digest Digest
}

func NewAuth(token string, nonce Digest) Auth {
	return Auth{Digest: SessionKey(token, nonce)}
}

// Ack is the relay's authentication verdict.
type Ack uint32

const (
	AckOk Ack = iota
	AckServiceNotExist
	AckAuthFailed
)

func (a Ack) String() string {
	switch a {
	case AckOk:
		return "Ok"
	case AckServiceNotExist:
		return "Service not exist"
	case AckAuthFailed:
		return "Incorrect token"
	default:
		return "Unknown"
	}
}

// ControlChannelCmd is sent by the relay on the control channel.
type ControlChannelCmd uint32

const (
	CreateDataChannel ControlChannelCmd = iota
	HeartBeat
)

// DataChannelCmd tells a fresh data channel which protocol to forward.
type DataChannelCmd uint32

const (
	StartForwardTcp DataChannelCmd = iota
	StartForwardUdp
)
