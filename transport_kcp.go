package msgio

import (
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go"
)

// KCP session tuning: nodelay mode, 10ms internal update, fast resend after
// two duplicate acks, congestion control off.
const (
	kcpNoDelay    = 1
	kcpInterval   = 10
	kcpResend     = 2
	kcpNoCongest  = 1
	kcpWindowSize = 256
)

// DialKCP opens a reliable KCP stream over UDP to addr. The returned
// session is a net.Conn and can be wrapped with NewConnTransport or NewConn.
func DialKCP(addr string) (net.Conn, error) {
	sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "dial kcp %s", addr)
	}
	tuneKCP(sess)
	return sess, nil
}

// ListenKCP listens for KCP sessions on addr. The listener can be passed
// to NewServer; accepted sessions are tuned like dialed ones.
func ListenKCP(addr string) (net.Listener, error) {
	l, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "listen kcp %s", addr)
	}
	return l, nil
}

func tuneKCP(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetNoDelay(kcpNoDelay, kcpInterval, kcpResend, kcpNoCongest)
	sess.SetWindowSize(kcpWindowSize, kcpWindowSize)
}

// tuneConn applies transport specific settings to an accepted connection.
func tuneConn(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		_ = c.SetNoDelay(true)
	case *kcp.UDPSession:
		tuneKCP(c)
	}
}
