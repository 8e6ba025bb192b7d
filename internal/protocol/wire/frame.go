package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
)

var (
	ErrMalformedFrame  = errors.New("wire: malformed frame")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrValueTooLarge   = errors.New("wire: varint value too large")
)

// Frame is one wire unit: a cumulative received-byte count (or the close
// sentinel) plus an optional payload chunk. Frames exist only on the wire.
type Frame struct {
	Ack     uint64
	Payload []byte
}

// Close reports whether the frame carries the close sentinel.
func (f Frame) Close() bool { return f.Ack == CloseSentinel }

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxFramePayload}
}

// Reader is the input a frame decoder needs. *bufio.Reader satisfies it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// ReadFrame decodes one frame. A clean EOF before the first byte is
// returned as io.EOF; any torn or over-limit encoding is ErrMalformedFrame
// or ErrPayloadTooLarge, both fatal to the transport that produced them.
func ReadFrame(r Reader, limits Limits) (Frame, error) {
	ack, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, frameErr(err)
	}

	payloadLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Frame{}, frameErr(err)
	}
	if payloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, frameErr(err)
		}
	}
	return Frame{Ack: ack, Payload: payload}, nil
}

// WriteFrame encodes one frame with a single Write so a frame is never
// interleaved with another writer's bytes.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(f.Payload))
	buf = binary.AppendUvarint(buf, f.Ack)
	buf = binary.AppendUvarint(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadUvarint decodes a varint from a plain reader one byte at a time.
// Handshake code uses it so no read-ahead buffering can swallow bytes that
// belong to the data plane.
func ReadUvarint(r io.Reader) (uint64, error) {
	br := byteReader{r: r}
	v, err := binary.ReadUvarint(&br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if br.read > 0 {
				return 0, ErrMalformedFrame
			}
			return 0, io.EOF
		}
		return 0, frameErr(err)
	}
	return v, nil
}

// WriteUvarint encodes a varint with a single Write.
func WriteUvarint(w io.Writer, v uint64) error {
	buf := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64), v)
	_, err := w.Write(buf)
	return err
}

type byteReader struct {
	r    io.Reader
	read int
}

func (b *byteReader) ReadByte() (byte, error) {
	var p [1]byte
	if _, err := io.ReadFull(b.r, p[:]); err != nil {
		return 0, err
	}
	b.read++
	return p[0], nil
}

// frameErr classifies decode failures: a stream torn mid-frame is a
// framing violation; transport-level errors pass through untouched.
func frameErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrMalformedFrame
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, net.ErrClosed) {
		return err
	}
	if strings.Contains(err.Error(), "overflows") {
		return ErrValueTooLarge
	}
	return err
}
