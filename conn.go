package msgio

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultBufferSize is the default size of the message channel buffer.
	defaultBufferSize = 64
	// defaultReadSlicePolls bounds one read pass to this many poll intervals.
	defaultReadSlicePolls = 4
)

// Conn drives a stream Gateway over a net.Conn (TCP, KCP, unix sockets).
// Messages handed to Write are framed and sent by the goroutine running
// Run, which also dispatches incoming messages to the OnMessageOption
// handler. All methods are safe for concurrent use.
type Conn struct {
	rawConn net.Conn
	gateway *Gateway
	logger  Logger

	opts options

	sendMsg chan Message
	closed  atomic.Bool
	cancel  context.CancelFunc

	handlerErr error
	lastRead   time.Time
}

// NewConn creates a new connection wrapper around conn.
// It applies the provided options and validates them before returning.
// Returns an error if required options (factory, onMessage) are missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if opts.onMessage == nil {
		return nil, ErrInvalidOnMessage
	}
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}
	// a busy peer must not starve queued writes
	if opts.readSlice <= 0 {
		opts.readSlice = defaultReadSlicePolls * opts.pollInterval
		opt = append(opt[:len(opt):len(opt)], ReadSliceOption(opts.readSlice))
	}

	gateway, err := NewGateway(NewConnTransport(conn, opts.pollInterval), opt...)
	if err != nil {
		return nil, err
	}

	return &Conn{
		rawConn: conn,
		gateway: gateway,
		logger:  gateway.logger,
		opts:    opts,
		sendMsg: make(chan Message, opts.bufferSize),
	}, nil
}

// Run pumps the gateway until an error occurs or the context is canceled.
// The connection is automatically closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_incoming", c.gateway.opts.maxIncoming,
		"compression", c.gateway.opts.level,
		"read_slice", c.gateway.opts.readSlice,
		"idle_timeout", c.opts.idleTimeout)

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.pump(child)
	})

	// unblocks a pump stuck in a socket call as soon as the group stops
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err.Error())
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// pump alternates between draining the send channel into the gateway,
// writing, and reading. Reads wait at most one poll interval.
func (c *Conn) pump(ctx context.Context) error {
	c.lastRead = time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.drain(); err != nil {
			return err
		}

		if _, err := c.gateway.WriteMore(Unlimited); err != nil {
			c.logger.Debug("write error", "addr", c.Addr(), "error", err.Error())
			return c.cause(ctx, err)
		}

		n, err := c.gateway.ReadMore(c.dispatch, Unlimited)
		if err != nil {
			c.logger.Debug("read error", "addr", c.Addr(), "error", err.Error())
			return c.cause(ctx, err)
		}
		if c.handlerErr != nil {
			return c.handlerErr
		}

		if n > 0 {
			c.lastRead = time.Now()
		} else if c.opts.idleTimeout > 0 && time.Since(c.lastRead) > c.opts.idleTimeout {
			return errors.Wrapf(ErrIdleTimeout, "nothing received for %s", c.opts.idleTimeout)
		}
	}
}

// cause prefers the context error: a canceled connection is closed under
// the pump, which then fails with a network error.
func (c *Conn) cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Conn) drain() error {
	for {
		select {
		case msg := <-c.sendMsg:
			if err := c.gateway.Enqueue(msg, nil); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Conn) dispatch(msg Message, _ net.Addr) {
	if c.handlerErr != nil {
		return
	}
	c.handlerErr = c.opts.onMessage(msg)
}

// Close gracefully closes the connection.
// It cancels the context and closes the underlying connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues a message without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - ErrNilMessage: message is nil
//
// Messages marked with MarkShareable may be written to many connections;
// they are flattened once.
func (c *Conn) Write(message Message) error {
	if err := c.check(message); err != nil {
		return err
	}

	select {
	case c.sendMsg <- message:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room in the
// send buffer or the context is canceled.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	if err := c.check(message); err != nil {
		return err
	}

	select {
	case c.sendMsg <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for buffer space.
// Returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	if err := c.check(message); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- message:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

func (c *Conn) check(message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if message == nil {
		return ErrNilMessage
	}
	return nil
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Stats returns the counters of the underlying gateway.
func (c *Conn) Stats() Stats {
	return c.gateway.Stats()
}

// closeConn marks the connection as closed and closes the underlying connection.
func (c *Conn) closeConn() {
	if !c.closed.Swap(true) {
		_ = c.rawConn.Close()
	}
}
