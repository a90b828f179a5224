// Package protocol implements the binary frame format of the channel.
//
// Every frame is length-delimited, which solves TCP's sticky packet
// problem: the receiver reads the 4-byte length first, then exactly that
// many bytes. The fixed-width header after the length can be validated
// before the serializer-specific body is looked at.
//
// Frame format (all integers big-endian):
//
//	0        4  5  6                14 15          19
//	┌────────┬──┬──┬────────────────┬──┬───────────┬─────────────────┐
//	│ length │v │mt│ transaction id │fl│ serializer│   body ...      │
//	│ uint32 │01│  │     uint64     │  │   uint32  │ length-15 bytes │
//	└────────┴──┴──┴────────────────┴──┴───────────┴─────────────────┘
//
// length counts every byte after itself. REQUEST bodies start with the
// service and method names, each prefixed by a uint16 length:
//
//	┌─────┬─────────┬─────┬────────┬──────────────────┐
//	│ u16 │ service │ u16 │ method │ argument payload │
//	└─────┴─────────┴─────┴────────┴──────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"agent-rpc/codec"
)

const (
	Version byte = 0x01

	// LengthPrefixSize is the size of the leading frame length.
	LengthPrefixSize = 4
	// HeaderSize is the fixed header following the length prefix:
	// 1 (version) + 1 (type) + 8 (transaction id) + 1 (flags) + 4 (serializer).
	HeaderSize = 15
	// MaxNameLen bounds service and method names (uint16 length prefix).
	MaxNameLen = math.MaxUint16

	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrFrameTooLarge      = errors.New("protocol: frame exceeds maximum size")
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrUnknownSerializer  = errors.New("protocol: unknown serializer")
	ErrNameTooLong        = errors.New("protocol: service or method name too long")
)

// MsgType identifies what a frame carries.
type MsgType byte

const (
	MsgTypeRequest       MsgType = 1 // Call of a service method
	MsgTypeResponse      MsgType = 2 // Return value of a two-way call
	MsgTypeException     MsgType = 3 // Failure of a two-way call
	MsgTypeHeartbeatPing MsgType = 4 // Liveness probe (no body)
	MsgTypeHeartbeatPong MsgType = 5 // Reply to a ping (no body)
)

func (t MsgType) Valid() bool {
	return t >= MsgTypeRequest && t <= MsgTypeHeartbeatPong
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "REQUEST"
	case MsgTypeResponse:
		return "RESPONSE"
	case MsgTypeException:
		return "EXCEPTION"
	case MsgTypeHeartbeatPing:
		return "HEARTBEAT_PING"
	case MsgTypeHeartbeatPong:
		return "HEARTBEAT_PONG"
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Flags is the per-frame flag byte. Only bit 0 is defined.
type Flags byte

const FlagOneway Flags = 1 << 0

// Frame is one unit on the wire. Service and Method are only encoded for
// REQUEST frames.
type Frame struct {
	Version       byte
	Type          MsgType
	TransactionID uint64
	Flags         Flags
	Serializer    codec.Type
	Service       string
	Method        string
	Body          []byte
}

// Oneway reports whether the sender expects no reply.
func (f *Frame) Oneway() bool {
	return f.Flags&FlagOneway != 0
}

// Size returns the encoded length of f, excluding the length prefix.
func (f *Frame) Size() int {
	n := HeaderSize + len(f.Body)
	if f.Type == MsgTypeRequest {
		n += 2 + len(f.Service) + 2 + len(f.Method)
	}
	return n
}

// Encode returns the wire encoding of f including its length prefix.
// A zero Version is written as the current Version.
func Encode(f *Frame) ([]byte, error) {
	return Append(make([]byte, 0, LengthPrefixSize+f.Size()), f)
}

// Append appends the wire encoding of f to dst.
func Append(dst []byte, f *Frame) ([]byte, error) {
	if f.Type == MsgTypeRequest && (len(f.Service) > MaxNameLen || len(f.Method) > MaxNameLen) {
		return dst, ErrNameTooLong
	}
	size := f.Size()
	if uint64(size) > math.MaxUint32 {
		return dst, ErrFrameTooLarge
	}
	version := f.Version
	if version == 0 {
		version = Version
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	dst = append(dst, version, byte(f.Type))
	dst = binary.BigEndian.AppendUint64(dst, f.TransactionID)
	dst = append(dst, byte(f.Flags))
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Serializer))
	if f.Type == MsgTypeRequest {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Service)))
		dst = append(dst, f.Service...)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Method)))
		dst = append(dst, f.Method...)
	}
	return append(dst, f.Body...), nil
}

// Decode parses the first frame in data. It returns the frame and the
// number of bytes it consumed. When data holds only part of a frame,
// Decode returns a nil frame, 0 and a nil error: the caller should read
// more bytes and try again.
//
// A declared length above maxFrameSize (0 means no limit) fails with
// ErrFrameTooLarge as soon as the length prefix is available, without
// waiting for the rest of the frame.
func Decode(data []byte, maxFrameSize uint32) (*Frame, int, error) {
	if len(data) < LengthPrefixSize {
		return nil, 0, nil
	}
	size, err := checkLength(binary.BigEndian.Uint32(data), maxFrameSize)
	if err != nil {
		return nil, 0, err
	}
	total := LengthPrefixSize + int(size)
	if len(data) < total {
		return nil, 0, nil
	}
	f, err := parse(data[LengthPrefixSize:total])
	if err != nil {
		return nil, 0, err
	}
	if f.Body != nil {
		// data belongs to the caller and may be reused for the next read.
		f.Body = append([]byte(nil), f.Body...)
	}
	return f, total, nil
}

func checkLength(size, maxFrameSize uint32) (uint32, error) {
	if maxFrameSize > 0 && size > maxFrameSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxFrameSize)
	}
	if size < HeaderSize {
		return 0, fmt.Errorf("%w: length %d shorter than header", ErrMalformedFrame, size)
	}
	return size, nil
}

// parse decodes a frame whose length prefix has already been stripped.
// The returned Body aliases b.
func parse(b []byte) (*Frame, error) {
	if b[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}
	msgType := MsgType(b[1])
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, b[1])
	}
	serializer := codec.Type(binary.BigEndian.Uint32(b[11:15]))
	if !codec.Known(serializer) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSerializer, uint32(serializer))
	}
	f := &Frame{
		Version:       b[0],
		Type:          msgType,
		TransactionID: binary.BigEndian.Uint64(b[2:10]),
		Flags:         Flags(b[10]),
		Serializer:    serializer,
	}

	rest := b[HeaderSize:]
	if msgType == MsgTypeRequest {
		var ok bool
		if f.Service, rest, ok = readName(rest); !ok {
			return nil, fmt.Errorf("%w: truncated service name", ErrMalformedFrame)
		}
		if f.Method, rest, ok = readName(rest); !ok {
			return nil, fmt.Errorf("%w: truncated method name", ErrMalformedFrame)
		}
	}
	if len(rest) > 0 {
		f.Body = rest
	}
	return f, nil
}

func readName(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}

// Reader reads frames one at a time from a byte stream.
type Reader struct {
	r            io.Reader
	maxFrameSize uint32
	prefix       [LengthPrefixSize]byte
}

// NewReader returns a Reader rejecting frames larger than maxFrameSize
// (0 means no limit).
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	return &Reader{r: r, maxFrameSize: maxFrameSize}
}

// ReadFrame blocks until one complete frame has been read. It uses
// io.ReadFull so a short read never yields a partial frame. io.EOF is
// returned unwrapped when the stream ends on a frame boundary.
func (r *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(r.r, r.prefix[:]); err != nil {
		return nil, err
	}
	size, err := checkLength(binary.BigEndian.Uint32(r.prefix[:]), r.maxFrameSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return parse(buf)
}

// WriteFrame encodes f and writes it to w in a single Write call.
// The caller must serialize writers sharing w, otherwise frames from
// different goroutines interleave and corrupt the stream.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
