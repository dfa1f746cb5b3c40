// Package protocol implements the binary frame protocol spoken between relay nodes.
//
// A fixed-size 18-byte header is followed by a variable-length body. The receiver reads
// the header first to determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6                 14        18
//	┌──────┬──┬──┬──┬─────────────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│     serial      │ bodyLen │    body ...    │
//	│ mrl  │01│  │  │     uint64      │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────────────┴─────────┴───────────────┘
//
// The serial in the header mirrors the message serial so that a receiver can still
// address an error reply when the body itself cannot be decoded.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jpillora/sizestr"
)

// Magic number bytes: "mrl" (mini relay).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x6c // 'l'
	Version     byte = 0x01
	HeaderSize  int  = 18 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 8 (serial) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen = 8 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Request or relayed signal
	MsgTypeResponse  MsgType = 1 // Reply to a request, routed by serial
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrFrameTooLarge is returned when a header announces a body above MaxBodyLen.
var ErrFrameTooLarge = errors.New("frame too large")

// Header represents the fixed 18-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Serial    uint64  // Message serial, matches request ↔ response
	BodyLen   uint32  // Body length in bytes
}

// Marshal writes a complete frame (header + body) into a fresh buffer.
func Marshal(h *Header, body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: %s", ErrFrameTooLarge, sizestr.ToString(int64(len(body))))
	}
	buf := make([]byte, HeaderSize+len(body))

	// Magic number: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[6:14], h.Serial)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// The caller must still serialize writers sharing w.
func Encode(w io.Writer, h *Header, body []byte) error {
	frame, err := Marshal(h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ParseHeader validates and parses the fixed header.
func ParseHeader(headerBuf []byte) (*Header, error) {
	if len(headerBuf) < HeaderSize {
		return nil, fmt.Errorf("short header: %d bytes", len(headerBuf))
	}

	// Validate magic number, reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if bodyLen > MaxBodyLen {
		return nil, fmt.Errorf("%w: %s", ErrFrameTooLarge, sizestr.ToString(int64(bodyLen)))
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Serial:    binary.BigEndian.Uint64(headerBuf[6:14]),
		BodyLen:   bodyLen,
	}, nil
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	header, err := ParseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}

	// Read exactly bodyLen bytes: this is how we solve TCP sticky packets
	body := make([]byte, header.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

// Unmarshal parses a frame held entirely in data, as delivered by message-oriented
// transports such as WebSocket.
func Unmarshal(data []byte) (*Header, []byte, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if len(data)-HeaderSize != int(header.BodyLen) {
		return nil, nil, fmt.Errorf("body length mismatch: header %d, frame %d", header.BodyLen, len(data)-HeaderSize)
	}
	return header, data[HeaderSize:], nil
}
