package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Every message on the wire is a u16 big-endian length followed by the
// serialized payload. Inside the payload multibyte integers are
// little-endian, enum tags are u32 and digests are inlined with no length.

// ErrProtocol is wrapped by every framing or tag failure.
var ErrProtocol = fmt.Errorf("protocol error")

// maxFrameSize bounds a frame read. The largest legal payload is a Hello.
const maxFrameSize = 4 + 2*HashWidth

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: frame too large: %d", ErrProtocol, len(payload))
	}

	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, fmt.Errorf("read frame length failed: %w", err)
	}

	n := binary.BigEndian.Uint16(lb[:])
	if n == 0 || int(n) > maxFrameSize {
		return nil, fmt.Errorf("%w: invalid frame length %d", ErrProtocol, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body failed: %w", err)
	}
	return buf, nil
}

func WriteHello(w io.Writer, hello Hello) error {
	payload := make([]byte, 4+2*HashWidth)
	binary.LittleEndian.PutUint32(payload[:4], uint32(hello.Kind))
	copy(payload[4:4+HashWidth], hello.Version[:])
	copy(payload[4+HashWidth:], hello.Digest[:])
	return writeFrame(w, payload)
}

func ReadHello(r io.Reader) (Hello, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello failed: %w", err)
	}
	if len(payload) != 4+2*HashWidth {
		return Hello{}, fmt.Errorf("%w: hello length %d", ErrProtocol, len(payload))
	}

	var hello Hello
	hello.Kind = HelloKind(binary.LittleEndian.Uint32(payload[:4]))
	if hello.Kind != ControlChannelHello && hello.Kind != DataChannelHello {
		return Hello{}, fmt.Errorf("%w: unknown hello kind %d", ErrProtocol, hello.Kind)
	}
	copy(hello.Version[:], payload[4:4+HashWidth])
	copy(hello.Digest[:], payload[4+HashWidth:])

	if hello.Version != CurrentProtoVersion {
		return Hello{}, fmt.Errorf("%w: protocol version mismatched", ErrProtocol)
	}
	return hello, nil
}

func WriteAuth(w io.Writer, auth Auth) error {
	return writeFrame(w, auth.Digest[:])
}

func ReadAuth(r io.Reader) (Auth, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Auth{}, fmt.Errorf("read auth failed: %w", err)
	}
	if len(payload) != HashWidth {
		return Auth{}, fmt.Errorf("%w: auth length %d", ErrProtocol, len(payload))
	}

	var auth Auth
	copy(auth.Digest[:], payload)
	return auth, nil
}

func writeTag(w io.Writer, tag uint32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], tag)
	return writeFrame(w, payload[:])
}

func readTag(r io.Reader, what string, max uint32) (uint32, error) {
	payload, err := readFrame(r)
	if err != nil {
		return 0, fmt.Errorf("read %s failed: %w", what, err)
	}
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: %s length %d", ErrProtocol, what, len(payload))
	}

	tag := binary.LittleEndian.Uint32(payload)
	if tag > max {
		return 0, fmt.Errorf("%w: unknown %s tag %d", ErrProtocol, what, tag)
	}
	return tag, nil
}

func WriteAck(w io.Writer, ack Ack) error { return writeTag(w, uint32(ack)) }

func ReadAck(r io.Reader) (Ack, error) {
	tag, err := readTag(r, "ack", uint32(AckAuthFailed))
	return Ack(tag), err
}

func WriteControlCmd(w io.Writer, cmd ControlChannelCmd) error {
	return writeTag(w, uint32(cmd))
}

func ReadControlCmd(r io.Reader) (ControlChannelCmd, error) {
	tag, err := readTag(r, "control cmd", uint32(HeartBeat))
	return ControlChannelCmd(tag), err
}

func WriteDataCmd(w io.Writer, cmd DataChannelCmd) error {
	return writeTag(w, uint32(cmd))
}

func ReadDataCmd(r io.Reader) (DataChannelCmd, error) {
	tag, err := readTag(r, "data cmd", uint32(StartForwardUdp))
	return DataChannelCmd(tag), err
}
