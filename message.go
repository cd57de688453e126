package msgio

import "net"

// Message is the interface for objects carried by a Gateway.
// The Gateway never looks inside a message; it only asks it to flatten
// itself into bytes and to rebuild itself from bytes.
type Message interface {
	// Size returns the number of bytes Flatten will append.
	Size() int
	// Flatten appends the serialized message to out and returns the
	// extended slice.
	Flatten(out []byte) ([]byte, error)
	// Unflatten replaces the content of the message with data.
	// Unless the message implements Retainer, data must not be referenced
	// after Unflatten returns.
	Unflatten(data []byte) error
}

// Factory creates an empty message for the incoming pipeline to unflatten into.
type Factory func() Message

// Receiver is invoked for every message decoded by ReadMore.
// from is the packet source in packet mode and nil in stream mode.
type Receiver func(msg Message, from net.Addr)

// Fielder is implemented by messages that carry named string fields.
// The Gateway uses it for the reserved packet address field and the
// RPC helper for the correlation field.
type Fielder interface {
	Message
	// Field returns the named string field.
	Field(name string) (string, bool)
	// SetField sets the named string field.
	SetField(name, value string)
	// WithoutField returns a copy of the message lacking the named field,
	// or the message itself when the field is absent. The receiver is
	// never modified.
	WithoutField(name string) Message
}

// Retainer is implemented by messages whose Unflatten keeps a reference
// to the bytes it was given.
type Retainer interface {
	RetainsBuffer() bool
}

// Reserved field names.
const (
	// PacketAddrField holds the destination of an outgoing packet and,
	// with TagSourceOption, the source of an incoming one.
	PacketAddrField = "_pa"
	// CorrelationField holds the RPC correlation counter.
	CorrelationField = "_rpc"
)
