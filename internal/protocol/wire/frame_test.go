package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	in := Frame{Ack: 123456, Payload: []byte("resumable payload")}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(bufio.NewReader(&buf), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Ack != in.Ack {
		t.Fatalf("ack mismatch: got=%d want=%d", out.Ack, in.Ack)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestReadFrameCloseSentinel(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Ack: CloseSentinel}, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(bufio.NewReader(&buf), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !out.Close() {
		t.Fatalf("expected close sentinel, ack=%d", out.Ack)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("close frame carried payload: %q", out.Payload)
	}
}

func TestReadFrameEmptyStreamIsEOF(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(nil)), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameTornPayloadIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, 7))
	buf.Write(binary.AppendUvarint(nil, 100))
	buf.WriteString("short")
	_, err := ReadFrame(bufio.NewReader(&buf), DefaultLimits())
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestReadFramePayloadOverLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, 0))
	buf.Write(binary.AppendUvarint(nil, MaxFramePayload+1))
	_, err := ReadFrame(bufio.NewReader(&buf), DefaultLimits())
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteFramePayloadOverLimit(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Payload: make([]byte, MaxFramePayload+1)}, DefaultLimits())
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected frame still wrote %d bytes", buf.Len())
	}
}

func TestReadUvarintByteAtATimeLeavesTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, 300))
	buf.WriteString("tail")
	v, err := ReadUvarint(&buf)
	if err != nil {
		t.Fatalf("read uvarint: %v", err)
	}
	if v != 300 {
		t.Fatalf("unexpected value: %d", v)
	}
	if buf.String() != "tail" {
		t.Fatalf("decoder consumed trailing bytes: %q", buf.String())
	}
}

func TestReadUvarintTornIsMalformed(t *testing.T) {
	_, err := ReadUvarint(bytes.NewReader([]byte{0x80}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestReadUvarintOverflow(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x02}
	_, err := ReadUvarint(bytes.NewReader(raw))
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}
