package msgframe

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrIdleTimeout is passed to the error callback when no frame arrived
	// within twice the heartbeat interval.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrPeerClosed is returned by Run when the peer closed the stream.
	ErrPeerClosed = errors.New("connection closed by peer")
	// ErrPartialFrame is returned by Run when the read timeout expired in the
	// middle of a frame, leaving the stream misaligned.
	ErrPartialFrame = errors.New("partial frame discarded")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Conn pumps framed messages over one connection.
// Run drives a read loop that decodes incoming frames and hands them to the
// message callback, and a write loop that sends queued frames.
type Conn struct {
	rawConn net.Conn
	reader  *FrameReader
	writer  *FrameWriter
	logger  Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool
	done    chan struct{} // closed together with the socket
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the message channel buffer.
	defaultBufferSize = 1
	// defaultMaxPackageLength is the default maximum size of a single frame.
	defaultMaxPackageLength = defaultMaxFrameSize
	// defaultHeartbeat is the default heartbeat interval.
	defaultHeartbeat = time.Second * 30
)

// NewConn creates a new framed connection around conn.
// It applies the provided options and validates them before returning.
// Returns ErrInvalidOnMessage if no message handler is set.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts)
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.codec == nil {
		opts.codec = RawCodec{}
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.id == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return errors.Wrap(err, "generate connection id")
		}
		opts.id = id
	}

	return nil
}

// newConnWithOptions creates a new Conn with validated options.
func newConnWithOptions(c net.Conn, opts options) (*Conn, error) {
	logger := withAttrs(opts.logger, "conn_id", opts.id)

	frameOpts := []FrameOption{
		WithMaxFrameSize(opts.maxReadLength),
		WithLogger(logger),
	}
	if opts.byteOrder != nil {
		frameOpts = append(frameOpts, WithByteOrder(opts.byteOrder))
	}

	reader, err := NewFrameReader(NewStream(c), frameOpts...)
	if err != nil {
		return nil, err
	}

	return &Conn{
		rawConn: c,
		reader:  reader,
		writer:  NewFrameWriter(c, frameOpts...),
		logger:  logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.opts.id
}

// Run starts the connection's read and write loops.
// It blocks until an error occurs, the peer closes the stream, the context
// is canceled, or Close is called. Run returns nil after Close.
// The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)

	group, child := errgroup.WithContext(ctx)

	// Reads block in the socket; closing it is the only way to unblock them.
	stop := context.AfterFunc(child, c.closeConn)
	defer stop()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()

	if errors.Is(err, ErrConnectionClosed) {
		err = nil
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection and stops Run. Writers blocked in
// WriteBlocking or WriteTimeout return ErrConnectionClosed.
// Safe to call multiple times and from any goroutine.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.done)
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// Use WriteBlocking or WriteTimeout to wait for buffer space.
var ErrBufferFull = errors.New("send buffer full")

// Write queues a message without blocking.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - ErrInvalidFrameSize or ErrFrameTooLarge: the payload cannot be framed
//   - encoding error: if codec.Encode fails
func (c *Conn) Write(message Message) error {
	frame, err := c.frame(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is buffer space or
// the context is canceled.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	frame, err := c.frame(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for buffer space.
// Returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	frame, err := c.frame(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// frame encodes and frames message for the write loop.
func (c *Conn) frame(message Message) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	payload, err := c.opts.codec.Encode(message)
	if err != nil {
		return nil, err
	}

	return c.writer.Encode(payload)
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads frames until the context is canceled, the peer closes the
// stream, or an unrecoverable error occurs. Invalid or oversized frames always
// end the loop since the stream position can no longer be trusted.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrConnectionClosed
		default:
		}

		res, err := c.reader.ReadTimeout(c.opts.heartbeat * 2)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return ErrConnectionClosed
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			return err
		}

		switch res.Status {
		case StatusClosed:
			return ErrPeerClosed
		case StatusTimedOut:
			if res.Discarded > 0 {
				return errors.Wrapf(ErrPartialFrame, "%d bytes", res.Discarded)
			}
			if c.opts.onError(ErrIdleTimeout) == Disconnect {
				return ErrIdleTimeout
			}
			continue
		}

		message, err := c.opts.codec.Decode(res.Payload)
		if err != nil {
			c.logger.Debug("decode error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		if err = c.opts.onMessage(message); err != nil {
			return err
		}
	}
}

// writeLoop sends queued frames until the context is canceled or a write fails.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrConnectionClosed
		case frame := <-c.sendMsg:
			if err := c.write(frame); err != nil {
				return err
			}
		}
	}
}

// write sends one frame with a deadline of twice the heartbeat.
// If onError returns Continue the error is suppressed.
func (c *Conn) write(frame []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(frame)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return errors.Wrap(err, "write frame")
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	_ = c.rawConn.Close()
}
