package msgframe

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// EncodeFrame prefixes payload with the total frame length in the given byte
// order. Payloads shorter than MinFrameSize-PrefixSize are rejected with
// ErrInvalidFrameSize since no reader would accept them.
func EncodeFrame(order binary.ByteOrder, payload []byte) ([]byte, error) {
	return encodeFrame(order, payload, math.MaxInt32)
}

func encodeFrame(order binary.ByteOrder, payload []byte, maxFrameSize int) ([]byte, error) {
	size := len(payload) + PrefixSize
	if size < MinFrameSize {
		return nil, errors.Wrapf(ErrInvalidFrameSize, "payload %d bytes, minimum %d",
			len(payload), MinFrameSize-PrefixSize)
	}
	if size > maxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame %d bytes, maximum %d", size, maxFrameSize)
	}

	frame := make([]byte, size)
	order.PutUint32(frame, uint32(size))
	copy(frame[PrefixSize:], payload)
	return frame, nil
}

// FrameWriter writes length-prefixed frames to an io.Writer.
// Like FrameReader it is meant for a single goroutine.
type FrameWriter struct {
	w    io.Writer
	opts frameOptions
}

// NewFrameWriter returns a FrameWriter writing to w.
func NewFrameWriter(w io.Writer, opt ...FrameOption) *FrameWriter {
	return &FrameWriter{w: w, opts: newFrameOptions(opt)}
}

// Encode returns payload framed with the writer's byte order and size limit.
func (fw *FrameWriter) Encode(payload []byte) ([]byte, error) {
	return encodeFrame(fw.opts.byteOrder, payload, fw.opts.maxFrameSize)
}

// WriteFrame frames payload and writes it with a single Write call.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	frame, err := fw.Encode(payload)
	if err != nil {
		return err
	}

	if _, err := fw.w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}
