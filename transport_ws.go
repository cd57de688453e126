package msgio

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebsocketTransport carries one frame per binary websocket message.
// Websocket messages are delivered whole, so it is a PacketTransporter
// with a single peer.
//
// A gorilla connection is unusable after a read deadline expires, so
// messages are read by a background goroutine and handed over through a
// channel; ReadFrom waits at most one poll interval for it.
type WebsocketTransport struct {
	conn         *websocket.Conn
	poll         time.Duration
	writeTimeout time.Duration

	in   chan []byte
	done chan struct{}
	err  error // set before in is closed

	closeOnce sync.Once
}

// defaultWriteTimeout bounds one websocket message write.
const defaultWriteTimeout = 5 * time.Second

// NewWebsocketTransport starts reading from conn.
// A poll interval <= 0 selects the default.
func NewWebsocketTransport(conn *websocket.Conn, poll time.Duration) *WebsocketTransport {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	t := &WebsocketTransport{
		conn:         conn,
		poll:         poll,
		writeTimeout: defaultWriteTimeout,
		in:           make(chan []byte, 16),
		done:         make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// DialWebsocket connects to a websocket endpoint such as "ws://host/path".
func DialWebsocket(ctx context.Context, url string, poll time.Duration) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewWebsocketTransport(conn, poll), nil
}

// UpgradeWebsocket upgrades an HTTP request on the server side.
func UpgradeWebsocket(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, poll time.Duration) (*WebsocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrade")
	}
	return NewWebsocketTransport(conn, poll), nil
}

func (t *WebsocketTransport) readLoop() {
	defer close(t.in)
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.err = err
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case t.in <- data:
		case <-t.done:
			t.err = ErrConnectionClosed
			return
		}
	}
}

// ReadFrom implements PacketTransporter. A message larger than p is
// truncated, which the gateway reports as a malformed packet.
func (t *WebsocketTransport) ReadFrom(p []byte) (int, net.Addr, error) {
	timer := time.NewTimer(t.poll)
	defer timer.Stop()

	select {
	case data, ok := <-t.in:
		if !ok {
			return 0, nil, errors.Wrap(t.err, "websocket read")
		}
		return copy(p, data), t.conn.RemoteAddr(), nil
	case <-timer.C:
		return 0, nil, nil
	}
}

// WriteTo implements PacketTransporter. addr is ignored; the peer is fixed.
func (t *WebsocketTransport) WriteTo(p []byte, _ net.Addr) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return 0, err
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.Wrap(err, "websocket write")
	}
	return len(p), nil
}

// RemoteAddr returns the address of the peer.
func (t *WebsocketTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close sends a close message and closes the connection. Safe to call
// multiple times.
func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = t.conn.Close()
	})
	return err
}
