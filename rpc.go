package msgio

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Caller performs blocking request/reply exchanges over stream
// connections. Each call runs its own Gateway over a connection borrowed
// from an idle pool or freshly dialed; the connection goes back to the
// pool only when the exchange completes cleanly.
type Caller struct {
	opts    []Option
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	poll    time.Duration
	logger  Logger
	counter atomic.Uint64

	mu   sync.Mutex
	idle map[string][]net.Conn
}

// NewCaller creates a Caller. The options configure the gateways of all
// calls; FactoryOption is required to build replies.
func NewCaller(opt ...Option) (*Caller, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	dial := opts.dial
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	poll := opts.pollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Caller{
		opts:   opt,
		dial:   dial,
		poll:   poll,
		logger: opts.logger,
		idle:   make(map[string][]net.Conn),
	}, nil
}

// RequestReply sends msg to addr and waits for the message carrying the
// same correlation id. msg must implement Fielder; its CorrelationField is
// overwritten. A timeout <= 0 relies on ctx alone.
func (c *Caller) RequestReply(ctx context.Context, msg Message, addr string, timeout time.Duration) (Message, error) {
	f, ok := msg.(Fielder)
	if !ok {
		return nil, ErrNotFielder
	}
	id := strconv.FormatUint(c.counter.Add(1), 10)
	f.SetField(CorrelationField, id)

	var reply Message
	err := c.exchange(ctx, msg, addr, timeout, func(in Message, _ net.Addr) {
		if reply != nil {
			return
		}
		if r, ok := in.(Fielder); ok {
			if v, _ := r.Field(CorrelationField); v == id {
				reply = in
				return
			}
		}
		c.logger.Debug("ignoring uncorrelated message", "addr", addr, "want", id)
	}, func() bool { return reply != nil })
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// FireAndForget sends msg to addr and returns once it has been written.
func (c *Caller) FireAndForget(ctx context.Context, msg Message, addr string, timeout time.Duration) error {
	return c.exchange(ctx, msg, addr, timeout, nil, func() bool { return true })
}

// exchange pumps a throwaway gateway until the request is written and done
// reports true. The transport poll interval is the readiness wait.
func (c *Caller) exchange(ctx context.Context, msg Message, addr string, timeout time.Duration,
	recv Receiver, done func() bool) error {
	if msg == nil {
		return ErrNilMessage
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := c.borrow(ctx, addr)
	if err != nil {
		return err
	}

	g, err := NewGateway(NewConnTransport(conn, c.poll), c.opts...)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err = g.Enqueue(msg, nil); err != nil {
		_ = conn.Close()
		return err
	}

	for {
		if ctx.Err() != nil {
			_ = conn.Close()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Wrapf(ErrTimeout, "%s", addr)
			}
			return ctx.Err()
		}

		if _, err = g.WriteMore(Unlimited); err != nil {
			break
		}
		if !g.HasPendingOutput() && done() {
			c.release(addr, conn, g)
			return nil
		}
		if _, err = g.ReadMore(recv, Unlimited); err != nil {
			break
		}
		if !g.HasPendingOutput() && done() {
			c.release(addr, conn, g)
			return nil
		}
	}

	_ = conn.Close()
	return errors.WithMessagef(err, "rpc to %s", addr)
}

// borrow returns an idle connection to addr or dials a new one.
func (c *Caller) borrow(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	if conns := c.idle[addr]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		c.idle[addr] = conns[:len(conns)-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

// release pools conn unless g stopped in the middle of a frame.
func (c *Caller) release(addr string, conn net.Conn, g *Gateway) {
	if g.HasPendingInput() {
		_ = conn.Close()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle[addr] = append(c.idle[addr], conn)
}

// Close closes all idle connections.
func (c *Caller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for addr, conns := range c.idle {
		for _, conn := range conns {
			if err := conn.Close(); err != nil && first == nil {
				first = err
			}
		}
		delete(c.idle, addr)
	}
	return first
}

// Reply copies the correlation id of req onto resp so that a RequestReply
// waiting for req accepts resp. It is a no-op for messages without fields.
func Reply(req, resp Message) {
	from, ok := req.(Fielder)
	if !ok {
		return
	}
	to, ok := resp.(Fielder)
	if !ok {
		return
	}
	if id, ok := from.Field(CorrelationField); ok {
		to.SetField(CorrelationField, id)
	}
}
