package msgframe

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrNegativeTimeout is returned when a negative read timeout is requested.
var ErrNegativeTimeout = errors.New("negative read timeout")

// Stream adapts a net.Conn to TimeoutConn.
//
// net.Conn only knows absolute deadlines and cannot report them. Stream keeps
// a relative read timeout instead and turns it into a deadline before every
// underlying Read, so the timeout bounds each wait for data rather than the
// whole exchange. A zero timeout clears the deadline.
//
// Stream does not own the connection; closing it is up to the caller.
type Stream struct {
	conn    net.Conn
	timeout atomic.Int64
	armed   bool // a deadline is installed on conn; only touched by Read
}

// NewStream wraps conn with no read timeout.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// Conn returns the wrapped connection.
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// Read reads from the connection, bounded by the current read timeout.
// Errors from the connection are returned unchanged so that io.EOF and
// timeout errors keep their identity.
func (s *Stream) Read(p []byte) (int, error) {
	var deadline time.Time
	if timeout := time.Duration(s.timeout.Load()); timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if s.armed || !deadline.IsZero() {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return 0, errors.Wrap(err, "set read deadline")
		}
		s.armed = !deadline.IsZero()
	}

	return s.conn.Read(p)
}

// ReadTimeout returns the current read timeout.
func (s *Stream) ReadTimeout() (time.Duration, error) {
	return time.Duration(s.timeout.Load()), nil
}

// SetReadTimeout sets the read timeout for subsequent reads. Zero disables it.
func (s *Stream) SetReadTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return errors.Wrapf(ErrNegativeTimeout, "%v", timeout)
	}
	s.timeout.Store(int64(timeout))
	return nil
}
