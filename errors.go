package msgio

import "errors"

// Errors returned by gateway operations.
var (
	// ErrInvalidFactory is returned when no message factory is provided.
	ErrInvalidFactory = errors.New("invalid message factory")
	// ErrInvalidTransport is returned when no transport is provided.
	ErrInvalidTransport = errors.New("invalid transport")
	// ErrInvalidMTU is returned when a packet gateway cannot fit a header.
	ErrInvalidMTU = errors.New("invalid packet size")
	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrBadEncoding is returned for a header carrying an unknown encoding id.
	ErrBadEncoding = errors.New("bad frame encoding")
	// ErrMalformedPacket is returned for a packet whose header does not match its size.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrShortMessage is returned when a message body is truncated.
	ErrShortMessage = errors.New("short message")
	// ErrNilMessage is returned when enqueueing a nil message.
	ErrNilMessage = errors.New("nil message")
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrIdleTimeout is returned by Run when the peer stays silent too long.
	ErrIdleTimeout = errors.New("idle timeout")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Errors returned by the RPC helper.
var (
	// ErrNotFielder is returned when a request cannot carry a correlation id.
	ErrNotFielder = errors.New("message does not implement Fielder")
	// ErrTimeout is returned when no reply arrives in time.
	ErrTimeout = errors.New("rpc timeout")
)

// ErrNoDestination is returned by packet transports asked to send without
// a destination and without a default peer.
var ErrNoDestination = errors.New("no packet destination")
