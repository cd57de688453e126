package msgio

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// Transporter is a non-blocking byte stream.
// Read and Write return (0, nil) when nothing can be transferred right now;
// a non-nil error is a hard failure of the stream.
type Transporter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// PacketTransporter is a non-blocking datagram transport.
// ReadFrom and WriteTo return (0, nil) when nothing can be transferred right
// now. WriteTo with a nil address sends to the transport's default peer.
type PacketTransporter interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// defaultPollInterval is how long a net.Conn adapter waits for readiness.
const defaultPollInterval = 5 * time.Millisecond

// ConnTransport adapts a net.Conn to Transporter. Every call waits at most
// one poll interval; a deadline expiry is reported as "try later".
type ConnTransport struct {
	conn net.Conn
	poll time.Duration
}

// NewConnTransport wraps conn. A poll interval <= 0 selects the default.
func NewConnTransport(conn net.Conn, poll time.Duration) *ConnTransport {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &ConnTransport{conn: conn, poll: poll}
}

// Read implements Transporter.
func (t *ConnTransport) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// Write implements Transporter.
func (t *ConnTransport) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, err
	}
	n, err := t.conn.Write(p)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// Conn returns the wrapped connection.
func (t *ConnTransport) Conn() net.Conn {
	return t.conn
}

// PacketConnTransport adapts a net.PacketConn to PacketTransporter.
type PacketConnTransport struct {
	conn   net.PacketConn
	remote net.Addr
	poll   time.Duration
}

// NewPacketConnTransport wraps conn. remote, if not nil, is the default
// destination of outgoing packets. A poll interval <= 0 selects the default.
func NewPacketConnTransport(conn net.PacketConn, remote net.Addr, poll time.Duration) *PacketConnTransport {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &PacketConnTransport{conn: conn, remote: remote, poll: poll}
}

// ReadFrom implements PacketTransporter.
func (t *PacketConnTransport) ReadFrom(p []byte) (int, net.Addr, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, nil, err
	}
	n, addr, err := t.conn.ReadFrom(p)
	if isTimeout(err) {
		return 0, nil, nil
	}
	return n, addr, err
}

// WriteTo implements PacketTransporter.
func (t *PacketConnTransport) WriteTo(p []byte, addr net.Addr) (int, error) {
	if addr == nil {
		addr = t.remote
	}
	if addr == nil {
		return 0, ErrNoDestination
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, err
	}
	n, err := t.conn.WriteTo(p, addr)
	if isTimeout(err) {
		return 0, nil
	}
	return n, err
}

// LocalAddr returns the local address of the wrapped connection.
func (t *PacketConnTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
