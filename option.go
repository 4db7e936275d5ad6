package msgframe

import (
	"encoding/binary"
	"math"
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// defaultMaxFrameSize bounds the payload allocation a single prefix can
// trigger (1MB).
const defaultMaxFrameSize = 1024 * 1024

// frameOptions holds the wire settings shared by FrameReader and FrameWriter.
type frameOptions struct {
	byteOrder    binary.ByteOrder
	maxFrameSize int
	logger       Logger
}

// FrameOption configures a FrameReader or FrameWriter.
type FrameOption func(*frameOptions)

// WithByteOrder sets the byte order of the length prefix.
// The default is the host's native order, which only interoperates with
// peers of the same endianness. Pin binary.BigEndian or binary.LittleEndian
// when peers may differ.
func WithByteOrder(order binary.ByteOrder) FrameOption {
	return func(o *frameOptions) {
		o.byteOrder = order
	}
}

// WithMaxFrameSize sets the largest accepted frame length, prefix included.
// Larger frames fail with ErrFrameTooLarge before any payload is allocated.
// The default is 1MB; values above math.MaxInt32 are capped there.
func WithMaxFrameSize(size int) FrameOption {
	return func(o *frameOptions) {
		o.maxFrameSize = size
	}
}

// WithLogger sets the logger used to report closed and timed out reads.
func WithLogger(logger Logger) FrameOption {
	return func(o *frameOptions) {
		o.logger = logger
	}
}

func newFrameOptions(opt []FrameOption) frameOptions {
	var opts frameOptions
	for _, o := range opt {
		o(&opts)
	}

	if opts.byteOrder == nil {
		opts.byteOrder = binary.NativeEndian
	}
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}
	if opts.maxFrameSize > math.MaxInt32 {
		opts.maxFrameSize = math.MaxInt32
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return opts
}

// options holds the configuration for a connection.
type options struct {
	id        string
	codec     Codec
	logger    Logger
	byteOrder binary.ByteOrder

	onMessage func(message Message) error
	// onError is called when an error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize    int           // size of buffered channel
	maxReadLength int           // maximum frame length, prefix included
	heartbeat     time.Duration // read/write timeout is heartbeat * 2
}

// Option is a function that configures connection options.
type Option func(*options)

// IDOption sets the connection identifier used in logs.
// A random UUID is generated when none is given.
func IDOption(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// CustomCodecOption returns an Option that sets the payload codec.
// Without it payloads are delivered as raw bytes.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// ByteOrderOption sets the byte order of the length prefix for both directions.
func ByteOrderOption(order binary.ByteOrder) Option {
	return func(o *options) {
		o.byteOrder = order
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// A connection that receives no frame for heartbeat * 2 reports ErrIdleTimeout.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum frame length.
// Larger frames terminate the connection with ErrFrameTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked for idle timeouts, decode errors and write errors.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received message.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
