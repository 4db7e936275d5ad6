// Package msgframe reads and writes length-prefixed messages over stream
// connections.
//
// A frame is a 4-byte length prefix followed by the payload. The prefix holds
// the total frame length, prefix included, and must be at least MinFrameSize.
// FrameReader extracts one payload per call and reports a closed peer or an
// expired read timeout as an outcome rather than an error. Conn and Server
// build an asynchronous message pump on top of it.
package msgframe

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	// PrefixSize is the size of the length prefix in bytes.
	PrefixSize = 4
	// MinFrameSize is the smallest valid frame length, prefix included.
	MinFrameSize = 32
	// ClosedSentinel is the single byte returned by ReadMessage when the peer
	// closed the stream.
	ClosedSentinel byte = 0xFF
)

// Errors returned by frame operations.
var (
	// ErrInvalidFrameSize is returned when a prefix declares fewer than
	// MinFrameSize bytes. The stream cannot be trusted afterwards and should
	// be closed.
	ErrInvalidFrameSize = errors.New("invalid frame size")
	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// TimeoutConn is the connection a FrameReader reads from.
//
// Read blocks until data arrives, the stream ends (io.EOF) or the read
// timeout expires (an error whose Timeout method reports true, or
// os.ErrDeadlineExceeded). A timeout of 0 blocks indefinitely.
type TimeoutConn interface {
	io.Reader
	// ReadTimeout returns the currently configured read timeout.
	ReadTimeout() (time.Duration, error)
	// SetReadTimeout installs the read timeout for subsequent reads.
	SetReadTimeout(timeout time.Duration) error
}

// Status is the outcome of a single frame read.
type Status int

const (
	// StatusPayload means a complete frame was read.
	StatusPayload Status = iota + 1
	// StatusClosed means the stream ended before a complete frame arrived.
	StatusClosed
	// StatusTimedOut means the read timeout expired before a complete frame arrived.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPayload:
		return "payload"
	case StatusClosed:
		return "closed"
	case StatusTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Result is the outcome of FrameReader.Read.
type Result struct {
	Status Status
	// Payload holds the frame payload when Status is StatusPayload.
	Payload []byte
	// Discarded is the number of bytes consumed from the stream by a read that
	// ended closed or timed out. A non-zero value means part of a frame was
	// lost and the stream is no longer aligned on a frame boundary.
	Discarded int
}

// Bytes returns the result in the in-band form of ReadMessage: the payload,
// a single ClosedSentinel byte for a closed stream, or an empty slice for a
// timeout.
func (r Result) Bytes() []byte {
	switch r.Status {
	case StatusClosed:
		return []byte{ClosedSentinel}
	case StatusTimedOut:
		return []byte{}
	default:
		return r.Payload
	}
}

// FrameReader reads length-prefixed frames from a TimeoutConn.
//
// The read timeout configured on the connection when the reader is created
// is the baseline. A call that asks for a different timeout installs it for
// the duration of the call and restores the baseline before returning.
//
// A FrameReader is not safe for concurrent use. It owns the read position of
// the connection, so there must be exactly one reader goroutine per connection.
type FrameReader struct {
	conn     TimeoutConn
	baseline time.Duration
	prefix   [PrefixSize]byte
	opts     frameOptions
}

// NewFrameReader binds a reader to conn and captures its current read timeout
// as the baseline. The reader never closes conn. Frames longer than 1MB are
// rejected unless WithMaxFrameSize raises the limit.
func NewFrameReader(conn TimeoutConn, opt ...FrameOption) (*FrameReader, error) {
	opts := newFrameOptions(opt)

	baseline, err := conn.ReadTimeout()
	if err != nil {
		return nil, errors.Wrap(err, "get read timeout")
	}

	return &FrameReader{conn: conn, baseline: baseline, opts: opts}, nil
}

// Baseline returns the read timeout captured at construction.
func (r *FrameReader) Baseline() time.Duration {
	return r.baseline
}

// Read reads one frame, blocking indefinitely. It is ReadTimeout(0).
func (r *FrameReader) Read() (Result, error) {
	return r.ReadTimeout(0)
}

// ReadTimeout reads one frame with timeout installed on the connection for
// the whole call. The same timeout bounds both the prefix and the payload
// read; when it expires after the prefix was consumed, the partial frame is
// dropped and reported through Result.Discarded.
//
// A closed stream and an expired timeout are reported through Result.Status
// with a nil error. A prefix below MinFrameSize returns ErrInvalidFrameSize
// without reading a payload. Any other transport failure is returned wrapped.
func (r *FrameReader) ReadTimeout(timeout time.Duration) (res Result, err error) {
	if timeout != r.baseline {
		defer r.restore(&err)
		if err := r.conn.SetReadTimeout(timeout); err != nil {
			return Result{}, errors.Wrap(err, "set read timeout")
		}
	}

	return r.readFrame()
}

// ReadTimeoutMillis is ReadTimeout with the timeout given in milliseconds.
func (r *FrameReader) ReadTimeoutMillis(millis int) (Result, error) {
	return r.ReadTimeout(time.Duration(millis) * time.Millisecond)
}

// ReadMessage reads one frame, blocking indefinitely, and returns it in the
// in-band form described by Result.Bytes.
func (r *FrameReader) ReadMessage() ([]byte, error) {
	return r.ReadMessageTimeout(0)
}

// ReadMessageTimeout is ReadTimeout returning the in-band form described by
// Result.Bytes. A genuine one-byte 0xFF payload cannot occur since frames
// carry at least MinFrameSize-PrefixSize bytes, but callers that need to tell
// outcomes apart should prefer ReadTimeout.
//
// When restoring the baseline fails after a frame was read, the payload is
// returned together with the error.
func (r *FrameReader) ReadMessageTimeout(timeout time.Duration) ([]byte, error) {
	res, err := r.ReadTimeout(timeout)
	return res.Bytes(), err
}

// ReadMessageMillis is ReadMessageTimeout with the timeout given in milliseconds.
func (r *FrameReader) ReadMessageMillis(millis int) ([]byte, error) {
	return r.ReadMessageTimeout(time.Duration(millis) * time.Millisecond)
}

// restore puts the baseline timeout back. Its error only surfaces when the
// call itself succeeded.
func (r *FrameReader) restore(errp *error) {
	if err := r.conn.SetReadTimeout(r.baseline); err != nil && *errp == nil {
		*errp = errors.Wrap(err, "restore read timeout")
	}
}

func (r *FrameReader) readFrame() (Result, error) {
	n, err := io.ReadFull(r.conn, r.prefix[:])
	if err != nil {
		return r.interrupted(err, n, "read frame prefix")
	}

	size := int32(r.opts.byteOrder.Uint32(r.prefix[:]))
	if size < MinFrameSize {
		r.opts.logger.Debug("invalid frame size", "size", size)
		return Result{Discarded: PrefixSize}, errors.Wrapf(ErrInvalidFrameSize,
			"declared %d, minimum %d", size, MinFrameSize)
	}
	if int64(size) > int64(r.opts.maxFrameSize) {
		r.opts.logger.Debug("frame too large", "size", size, "max", r.opts.maxFrameSize)
		return Result{Discarded: PrefixSize}, errors.Wrapf(ErrFrameTooLarge,
			"declared %d, maximum %d", size, r.opts.maxFrameSize)
	}

	payload := make([]byte, size-PrefixSize)
	n, err = io.ReadFull(r.conn, payload)
	if err != nil {
		return r.interrupted(err, PrefixSize+n, "read frame payload")
	}

	return Result{Status: StatusPayload, Payload: payload}, nil
}

// interrupted maps a failed read to its outcome. consumed is the number of
// bytes of the current frame already taken from the stream.
func (r *FrameReader) interrupted(err error, consumed int, op string) (Result, error) {
	switch {
	case isClosed(err):
		r.opts.logger.Debug("stream closed", "op", op, "discarded", consumed)
		return Result{Status: StatusClosed, Discarded: consumed}, nil
	case isTimeout(err):
		r.opts.logger.Debug("read timed out", "op", op, "discarded", consumed)
		return Result{Status: StatusTimedOut, Discarded: consumed}, nil
	default:
		return Result{Discarded: consumed}, errors.Wrap(err, op)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
