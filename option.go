package msgio

import (
	"context"
	"net"
	"time"
)

// options holds the configuration for a Gateway.
type options struct {
	factory Factory
	logger  Logger

	// beforeFlatten returns false to skip a message.
	beforeFlatten func(msg Message) bool
	// afterFlatten sees the framed bytes; it must not modify them.
	afterFlatten func(msg Message, frame []byte)
	resolve      func(addr string) (net.Addr, error)

	maxIncoming int           // maximum body size of an incoming frame
	level       int           // compression level, 0 disables compression
	scratchSize int           // size of the reusable frame buffers
	readSlice   time.Duration // time budget of one ReadMore call, 0 is unlimited
	tagSource   bool          // stamp incoming packets with their source address

	// Conn only
	onMessage    func(msg Message) error
	bufferSize   int
	pollInterval time.Duration
	idleTimeout  time.Duration

	// Caller only
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Option is a function that configures Gateway options.
type Option func(*options)

// FactoryOption sets the constructor of incoming messages.
// The factory is required.
func FactoryOption(factory Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// MaxIncomingSizeOption sets the largest body accepted from the peer.
// Larger stream frames break the gateway; larger packets are dropped.
func MaxIncomingSizeOption(size int) Option {
	return func(o *options) {
		o.maxIncoming = size
	}
}

// CompressionOption sets the compression level (1-9) of outgoing bodies.
// Level 0 sends bodies uncompressed.
func CompressionOption(level int) Option {
	return func(o *options) {
		o.level = level
	}
}

// ScratchSizeOption sets the size of the reusable buffers used for
// typical frames. Larger frames get a one-off allocation.
func ScratchSizeOption(size int) Option {
	return func(o *options) {
		o.scratchSize = size
	}
}

// ReadSliceOption bounds the wall time spent in one ReadMore call, so a
// goroutine serving many gateways stays fair.
func ReadSliceOption(d time.Duration) Option {
	return func(o *options) {
		o.readSlice = d
	}
}

// BeforeFlattenOption sets a hook called before a message is serialized.
// Returning false drops the message without sending it.
func BeforeFlattenOption(cb func(Message) bool) Option {
	return func(o *options) {
		o.beforeFlatten = cb
	}
}

// AfterFlattenOption sets a hook called with the framed bytes of every
// staged message. The frame must not be modified.
func AfterFlattenOption(cb func(Message, []byte)) Option {
	return func(o *options) {
		o.afterFlatten = cb
	}
}

// TagSourceOption makes packet gateways store the source address of
// incoming packets in PacketAddrField of messages implementing Fielder.
func TagSourceOption(enable bool) Option {
	return func(o *options) {
		o.tagSource = enable
	}
}

// AddrResolverOption sets how PacketAddrField values are turned into
// destination addresses. The default resolves UDP addresses.
func AddrResolverOption(resolve func(string) (net.Addr, error)) Option {
	return func(o *options) {
		o.resolve = resolve
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnMessageOption sets the handler a Conn calls for every incoming message.
// Returning an error closes the connection. Required by NewConn.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// BufferSizeOption sets the capacity of a Conn's send channel.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// PollIntervalOption sets how long a Conn waits for the socket to become
// readable or writable in one pump iteration.
func PollIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// IdleTimeoutOption closes a Conn that received nothing for d.
// Zero disables the check.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// DialOption sets how a Caller opens connections. The default dials TCP;
// DialKCP can be plugged in here.
func DialOption(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(o *options) {
		o.dial = dial
	}
}
