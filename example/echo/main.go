// Command echo runs a framed echo server: every payload received is sent back
// to the same connection.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Zereker/msgframe"
	"github.com/Zereker/msgframe/internal/logconfig"
)

type Server struct {
	logger    *slog.Logger
	byteOrder binary.ByteOrder
	heartbeat time.Duration

	sync.RWMutex
	connections map[string]*msgframe.Conn
}

func newHandler(logger *slog.Logger, order binary.ByteOrder, heartbeat time.Duration) *Server {
	return &Server{
		logger:      logger,
		byteOrder:   order,
		heartbeat:   heartbeat,
		connections: make(map[string]*msgframe.Conn),
	}
}

func (s *Server) Handle(ctx context.Context, id string, conn net.Conn) {
	errorOption := msgframe.OnErrorOption(func(err error) msgframe.ErrorAction {
		s.logger.Error("connection error", "conn_id", id, "error", err)
		return msgframe.Disconnect
	})

	// Echo
	onMessageOption := msgframe.OnMessageOption(func(m msgframe.Message) error {
		s.logger.Log(ctx, logconfig.TraceLevel, "echo", "conn_id", id, "length", m.Length())
		return s.getConn(id).WriteBlocking(ctx, m)
	})

	newConn, err := msgframe.NewConn(conn,
		msgframe.IDOption(id),
		msgframe.LoggerOption(s.logger),
		msgframe.ByteOrderOption(s.byteOrder),
		msgframe.HeartbeatOption(s.heartbeat),
		errorOption,
		onMessageOption,
	)
	if err != nil {
		s.logger.Error("create connection", "conn_id", id, "error", err)
		_ = conn.Close()
		return
	}

	s.addConn(id, newConn)
	defer s.deleteConn(id)

	_ = newConn.Run(ctx)
}

func (s *Server) addConn(id string, conn *msgframe.Conn) {
	s.Lock()
	defer s.Unlock()

	s.logger.Info("add new conn", "conn_id", id, "addr", conn.Addr())
	s.connections[id] = conn
}

func (s *Server) deleteConn(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, id)
}

func (s *Server) getConn(id string) *msgframe.Conn {
	s.RLock()
	defer s.RUnlock()

	return s.connections[id]
}

func byteOrder(name string) binary.ByteOrder {
	switch name {
	case "big":
		return binary.BigEndian
	case "little":
		return binary.LittleEndian
	default:
		return binary.NativeEndian
	}
}

func main() {
	var (
		listen    = flag.String("listen", "127.0.0.1:12345", "address to listen on")
		order     = flag.String("byte-order", "native", "length prefix byte order: native, big or little")
		heartbeat = flag.Duration("heartbeat", 30*time.Second, "heartbeat interval; idle connections close after twice this")
		level     = flag.String("log-level", "info", "trace, debug, info, warn or error")
		drain     = flag.Duration("shutdown-timeout", 0, "time to keep accepting after a shutdown signal")
	)
	flag.Parse()

	logger, err := logconfig.New(os.Stdout, *level)
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	addr, err := net.ResolveTCPAddr("tcp", *listen)
	if err != nil {
		logger.Error("resolve address", "error", err)
		os.Exit(1)
	}

	server, err := msgframe.New(addr,
		msgframe.ServerLoggerOption(logger),
		msgframe.ServerShutdownTimeoutOption(*drain),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx, newHandler(logger, byteOrder(*order), *heartbeat)); err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
	}
	server.Wait()
}
