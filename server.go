package msgio

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming connections.
// Implementations usually wrap the connection with NewConn and Run it.
type Handler interface {
	// Handle is called for each new connection on its own goroutine.
	// The implementation is responsible for managing the connection.
	Handle(conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn net.Conn)

// Handle implements Handler.
func (f HandlerFunc) Handle(conn net.Conn) {
	f(conn)
}

// Server accepts stream connections from a net.Listener, such as a TCP
// listener or one returned by ListenKCP, and runs a Handler per connection.
type Server struct {
	listener        net.Listener
	logger          Logger
	shutdownTimeout time.Duration

	handlers sync.WaitGroup
	active   atomic.Int64

	mu        sync.Mutex
	shutdown  bool
	closeOnce sync.Once
	closed    chan struct{} // closed by Close, cuts the drain short
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets how long Serve waits for running
// handlers after its context is canceled. New connections are refused as
// soon as the context ends. Default is 0 (return without waiting).
// Handlers should watch the same context, for example through Conn.Run.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// Listen creates a TCP server bound to addr.
// Returns an error if the address cannot be bound.
func Listen(addr string, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return NewServer(listener, opts...), nil
}

// NewServer creates a server accepting connections from listener.
func NewServer(listener net.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		closed:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts connections and calls handler.Handle for each on its own
// goroutine. It blocks until the context is canceled or Accept fails.
// After cancellation it waits up to the shutdown timeout for running
// handlers; Close skips the wait.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() {
				s.drain()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			if isTimeout(err) {
				continue
			}
			s.logger.Error("accept error", "error", err.Error())
			return errors.Wrap(err, "accept")
		}

		tuneConn(conn)
		s.handlers.Add(1)
		n := s.active.Add(1)
		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr(), "active", n)

		go func() {
			defer s.handlers.Done()
			defer s.active.Add(-1)
			handler.Handle(conn)
		}()
	}
}

// stopAccepting unblocks Accept without closing the listener.
func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if d, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
		_ = d.SetDeadline(time.Now())
		return
	}
	_ = s.listener.Close()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// drain waits for running handlers, at most the shutdown timeout.
func (s *Server) drain() {
	if s.shutdownTimeout <= 0 || s.active.Load() == 0 {
		return
	}
	s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout, "active", s.active.Load())

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("shutdown timeout expired", "active", s.active.Load())
	case <-s.closed:
		s.logger.Debug("shutdown timeout bypassed via Close()")
	}
}

// ActiveConnections returns the number of handlers still running.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Close closes the listener and ends any shutdown wait in Serve.
// Running handlers are not interrupted.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
