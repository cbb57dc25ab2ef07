// Package wire implements the framed binary protocol carried over the
// daemon's Unix-domain socket (spec §4.1, §6).
//
// # Design rationale
//
// Every frame is a fixed-size header (length, kind, correlation id, flags)
// followed by a tagged-value payload. The header lets a reader decide
// whether to parse a frame at all (e.g. reject an unknown kind) before
// touching the payload; the payload's tagged encoding lets
// a value embed StreamRef/CallbackRef/IteratorRef sentinels, which a plain
// JSON document has no room for without colliding with user data that
// happens to look like a handle reference.
//
// Framing is modeled on the teacher's vsock length-prefix transport
// (4-byte big-endian length + JSON body); this codec adds a kind and
// correlation id to the header so many concurrent calls can share one
// connection instead of vsock's single request-at-a-time discipline.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the semantic type of a frame's payload.
type Kind uint8

const (
	KindCall         Kind = 1 // client->isolate call
	KindResponseOK   Kind = 2
	KindResponseErr  Kind = 3
	KindHostCall     Kind = 4 // isolate->client callback invocation
	KindStreamPull   Kind = 5
	KindStreamPush   Kind = 6
	KindStreamEnd    Kind = 7
	KindStreamError  Kind = 8
	KindStreamCancel Kind = 9
)

// Flags bits.
const (
	FlagNone uint8 = 0
)

const headerSize = 4 + 1 + 8 + 1 // length + kind + correlationID + flags

// ErrFrameTooLarge guards against a corrupt or hostile length prefix.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// MaxFrameBytes bounds a single frame's payload size.
const MaxFrameBytes = 64 << 20

// Frame is one message on the wire.
type Frame struct {
	Kind          Kind
	CorrelationID uint64
	Flags         uint8
	Payload       []byte
}

// WriteFrame serializes and writes one frame. Frames are never interleaved:
// the header and payload are written as a single buffer so a concurrent
// writer on the same connection cannot split them (spec §4.1 "the codec
// never interleaves bytes of two frames").
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	buf[4] = byte(f.Kind)
	binary.BigEndian.PutUint64(buf[5:13], f.CorrelationID)
	buf[13] = f.Flags
	copy(buf[headerSize:], f.Payload)

	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// ReadFrame reads and parses one frame. An unknown Kind is a fatal protocol
// error on the connection (spec §4.1); ReadFrame itself does not reject
// unknown kinds numerically since new kinds may be added in lockstep on both
// peers — the caller's dispatch switch is what surfaces "unknown tag".
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	f := &Frame{
		Kind:          Kind(header[4]),
		CorrelationID: binary.BigEndian.Uint64(header[5:13]),
		Flags:         header[13],
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResponseOK:
		return "responseOK"
	case KindResponseErr:
		return "responseErr"
	case KindHostCall:
		return "hostCall"
	case KindStreamPull:
		return "streamPull"
	case KindStreamPush:
		return "streamPush"
	case KindStreamEnd:
		return "streamEnd"
	case KindStreamError:
		return "streamError"
	case KindStreamCancel:
		return "streamCancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}
