// Package protocol implements the binary frame format used by stream
// transports (TCP). Message-oriented media such as WebSocket frame on their
// own and do not use this package.
//
// A TCP connection is a byte stream, so the receiver needs explicit frame
// boundaries: a fixed 10-byte header carries the body length, and the body
// holds one codec-encoded message envelope.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ft│ bodyLen │    body ...    │
//	│ srp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// Unlike classic seq-multiplexed RPC framing there is no sequence field:
// call correlation happens inside the body via the callId UUID, and state
// messages are not correlated at all.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "srp" (sync-rpc protocol) identify a valid frame and reject
// stray connections speaking another protocol.
const (
	MagicByte1 byte = 0x73 // 's'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (bodyLen)
)

// MaxBodyLen bounds a single frame. A frame claiming more than this is
// treated as a protocol violation rather than trusted as an allocation size.
const MaxBodyLen uint32 = 64 << 20 // 64 MiB

// FrameType distinguishes payload frames from keepalive probes.
type FrameType byte

const (
	FrameData      FrameType = 0 // body holds one encoded message envelope
	FrameHeartbeat FrameType = 1 // no body; keeps idle connections open
)

// Codec type constants, mirrored from the codec package to avoid a
// circular import.
const (
	CodecTypeJSON byte = 0
	CodecTypeZstd byte = 1
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	FrameType FrameType
	BodyLen   uint32
}

// Encode writes one complete frame (header + body) to w. Callers sharing a
// writer across goroutines must serialize frames with a write lock, or the
// interleaved bytes corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicByte1, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Heartbeat frames have no body.
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r, validating magic, version, codec
// and frame type. io.ReadFull guarantees exactly BodyLen bytes are consumed,
// keeping the stream aligned on frame boundaries.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeZstd {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	frameType := headerBuf[5]
	if frameType != byte(FrameData) && frameType != byte(FrameHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: FrameType(frameType),
		BodyLen:   bodyLen,
	}, body, nil
}
