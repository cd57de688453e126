// Package msgio frames messages onto byte streams and packet transports.
//
// A Gateway owns a FIFO of outgoing messages and two transfer cursors.
// WriteMore flattens, optionally compresses and writes queued messages in
// resumable chunks; ReadMore reassembles frames from whatever bytes are
// available and hands decoded messages to a Receiver. Neither call blocks:
// transports report "nothing now" as (0, nil).
//
// Wire format, identical for stream and packet transports:
//
//	[u32 body length LE][u32 encoding id LE][body]
//
// Encoding id 0 is an uncompressed body, 1-9 a zlib body at that level.
package msgio

import (
	"math"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Unlimited is a byte budget with no practical bound.
const Unlimited = math.MaxInt

// Default configuration values.
const (
	// defaultMaxIncoming is the default maximum body size (1MB).
	defaultMaxIncoming = 1024 * 1024
	// defaultScratchSize is the default size of the reusable frame buffers.
	defaultScratchSize = 4 * 1024
)

type rxState int

const (
	rxHeader rxState = iota // collecting the fixed size header
	rxBody                  // header decoded, collecting the body
)

type outgoing struct {
	msg  Message
	dest net.Addr
}

// Gateway frames messages over one stream or packet transport.
// It is not safe for concurrent use; drive it from one goroutine.
type Gateway struct {
	stream Transporter
	packet PacketTransporter
	mtu    int // 0 in stream mode

	opts   options
	logger Logger

	queue  []outgoing
	head   int
	tx     cursor
	txDest net.Addr
	txPool *scratch

	rx      cursor
	rxState rxState
	rxEnc   uint32
	rxPool  *scratch

	zip          compressor
	inflateLimit int // bound on a decompressed body
	err          error
	stats stats
}

// Stats is a snapshot of gateway counters.
type Stats struct {
	TxFrames uint64
	TxBytes  uint64
	RxFrames uint64
	RxBytes  uint64
	Dropped  uint64
}

type stats struct {
	txFrames atomic.Uint64
	txBytes  atomic.Uint64
	rxFrames atomic.Uint64
	rxBytes  atomic.Uint64
	dropped  atomic.Uint64
}

// NewGateway creates a gateway framing messages over a byte stream.
func NewGateway(t Transporter, opt ...Option) (*Gateway, error) {
	if t == nil {
		return nil, ErrInvalidTransport
	}
	g, err := newGateway(opt)
	if err != nil {
		return nil, err
	}
	g.stream = t
	return g, nil
}

// NewPacketGateway creates a gateway sending one frame per packet.
// mtu is the largest packet, header included, the transport carries.
func NewPacketGateway(t PacketTransporter, mtu int, opt ...Option) (*Gateway, error) {
	if t == nil {
		return nil, ErrInvalidTransport
	}
	if mtu <= HeaderSize {
		return nil, errors.Wrapf(ErrInvalidMTU, "%d bytes", mtu)
	}
	g, err := newGateway(opt)
	if err != nil {
		return nil, err
	}
	g.packet, g.mtu = t, mtu
	// the wire body must fit the packet; the inflated body keeps the
	// configured bound
	if g.opts.maxIncoming > mtu-HeaderSize {
		g.opts.maxIncoming = mtu - HeaderSize
	}
	// a whole packet must land in the receive scratch
	g.rxPool = newScratch(max(g.opts.scratchSize, mtu))
	return g, nil
}

func newGateway(opt []Option) (*Gateway, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	return &Gateway{
		opts:         opts,
		logger:       opts.logger,
		txPool:       newScratch(opts.scratchSize),
		rxPool:       newScratch(opts.scratchSize),
		inflateLimit: opts.maxIncoming,
	}, nil
}

// checkOptions validates and sets default values for gateway options.
func checkOptions(opts *options) error {
	if opts.factory == nil {
		return ErrInvalidFactory
	}

	if opts.maxIncoming <= 0 {
		opts.maxIncoming = defaultMaxIncoming
	}

	if opts.level < 0 || opts.level > int(EncodingZlib9) {
		return errors.Wrapf(ErrBadEncoding, "compression level %d", opts.level)
	}

	if opts.scratchSize <= 0 {
		opts.scratchSize = defaultScratchSize
	}
	if opts.scratchSize < HeaderSize {
		opts.scratchSize = HeaderSize
	}

	if opts.resolve == nil {
		opts.resolve = func(addr string) (net.Addr, error) {
			return net.ResolveUDPAddr("udp", addr)
		}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// Enqueue appends msg to the outgoing queue. dest selects the packet
// destination in packet mode and is ignored in stream mode; nil means the
// transport's default destination or PacketAddrField.
// A broken gateway refuses new messages with its sticky error.
func (g *Gateway) Enqueue(msg Message, dest net.Addr) error {
	if g.err != nil {
		return g.err
	}
	if msg == nil {
		return ErrNilMessage
	}
	g.queue = append(g.queue, outgoing{msg: msg, dest: dest})
	return nil
}

// HasPendingOutput reports whether queued or partially written frames remain.
func (g *Gateway) HasPendingOutput() bool {
	return g.tx.buf != nil || g.head < len(g.queue)
}

// HasPendingInput reports whether a frame has been partially received.
func (g *Gateway) HasPendingInput() bool {
	return g.rx.off > 0
}

// Pending returns the number of queued messages, not counting a staged frame.
func (g *Gateway) Pending() int {
	return len(g.queue) - g.head
}

// IsPacket reports whether the gateway runs over a packet transport.
func (g *Gateway) IsPacket() bool {
	return g.packet != nil
}

// Err returns the sticky error of a broken gateway, or nil.
func (g *Gateway) Err() error {
	return g.err
}

// Reset discards the staged frame, the partially received frame and all
// queued messages, and clears the sticky error.
func (g *Gateway) Reset() {
	for i := range g.queue {
		g.queue[i] = outgoing{}
	}
	g.queue, g.head = g.queue[:0], 0
	g.tx.reset()
	g.txDest = nil
	g.rx.reset()
	g.rxState, g.rxEnc = rxHeader, 0
	g.err = nil
}

// Stats returns a snapshot of the gateway counters.
// It may be called from any goroutine.
func (g *Gateway) Stats() Stats {
	return Stats{
		TxFrames: g.stats.txFrames.Load(),
		TxBytes:  g.stats.txBytes.Load(),
		RxFrames: g.stats.rxFrames.Load(),
		RxBytes:  g.stats.rxBytes.Load(),
		Dropped:  g.stats.dropped.Load(),
	}
}

func (g *Gateway) pop() (outgoing, bool) {
	if g.head >= len(g.queue) {
		return outgoing{}, false
	}
	item := g.queue[g.head]
	g.queue[g.head] = outgoing{}
	g.head++
	if g.head == len(g.queue) {
		g.queue, g.head = g.queue[:0], 0
	} else if g.head >= 1024 && g.head*2 >= len(g.queue) {
		n := copy(g.queue, g.queue[g.head:])
		g.queue, g.head = g.queue[:n], 0
	}
	return item, true
}

// fail marks the gateway broken. The first error sticks.
func (g *Gateway) fail(err error) error {
	if g.err == nil {
		g.err = err
		g.logger.Debug("gateway broken", "error", err.Error())
	}
	return g.err
}
