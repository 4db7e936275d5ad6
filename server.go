package msgframe

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
)

// Handler handles accepted connections.
type Handler interface {
	// Handle is called in its own goroutine for each new connection.
	// id is a UUID assigned by the server. ctx is canceled when the server
	// shuts down. The handler owns conn and must close it.
	Handle(ctx context.Context, id string, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id string, conn net.Conn)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, id string, conn net.Conn) {
	f(ctx, id, conn)
}

// Server accepts TCP connections and dispatches them to a Handler.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	handlers sync.WaitGroup

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // Close skips the drain period
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for accept and shutdown events.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled the server keeps accepting for up to this
// duration before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New binds a listener on addr. Accepting starts with Serve.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and hands each to handler in a new goroutine.
// It blocks until the context is canceled or an unrecoverable error occurs.
// Handlers still running when Serve returns can be awaited with Wait.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		// Keep accepting for the drain period unless Close cuts it short.
		if s.shutdownTimeout > 0 {
			s.logger.Info("draining before shutdown", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("drain period cut short by close")
			}
		}

		s.markShutdown()
		// Unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "accept")
		}

		id, err := uuid.GenerateUUID()
		if err != nil {
			s.logger.Error("generate connection id", "error", err)
			_ = conn.Close()
			continue
		}

		s.logger.Debug("accepted connection", "conn_id", id, "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			handler.Handle(ctx, id, conn)
		}()
	}
}

func (s *Server) markShutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Wait blocks until every dispatched handler has returned.
func (s *Server) Wait() {
	s.handlers.Wait()
}

// Close closes the listener immediately, skipping any remaining drain period.
// Running handlers are not interrupted.
func (s *Server) Close() error {
	s.markShutdown()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
