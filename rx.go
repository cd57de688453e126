package msgio

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// ReadMore reads available bytes and dispatches every completed message to
// recv, in wire order. It stops once budget bytes have been read, the
// transport has nothing more for now, the read time slice expires, or the
// gateway breaks. At least one read is attempted even with a zero budget.
// recv may be nil to discard incoming messages.
//
// A malformed stream breaks the gateway; a malformed packet is dropped.
func (g *Gateway) ReadMore(recv Receiver, budget int) (int, error) {
	if g.err != nil {
		return 0, g.err
	}

	var deadline time.Time
	if g.opts.readSlice > 0 {
		deadline = time.Now().Add(g.opts.readSlice)
	}

	var read int
	for {
		var (
			n    int
			more bool
		)
		if g.packet != nil {
			n, more = g.readPacket(recv)
		} else {
			n, more = g.readStream(recv, budget-read)
		}
		read += n

		if !more || g.err != nil || read >= budget {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
	}

	return read, g.err
}

// readStream performs one transport read toward the current header or body
// and dispatches the frame once it completes. allowance caps the read size
// when positive. It returns false when no further read is worthwhile now.
func (g *Gateway) readStream(recv Receiver, allowance int) (int, bool) {
	if g.rx.buf == nil {
		g.rx.buf, g.rx.off = g.rxPool.acquire(HeaderSize), 0
		g.rxState = rxHeader
	}

	want := g.rx.pending()
	if allowance > 0 && len(want) > allowance {
		want = want[:allowance]
	}
	n, err := g.stream.Read(want)
	if n > 0 {
		g.rx.advance(n)
		g.stats.rxBytes.Add(uint64(n))
	}
	if err != nil {
		g.fail(errors.Wrap(err, "read"))
		return n, false
	}
	if n == 0 {
		return 0, false
	}
	if !g.rx.complete() {
		return n, n == len(want)
	}

	if g.rxState == rxHeader {
		bodyLen, encoding := decodeHeader(g.rx.buf)
		if uint64(bodyLen) > uint64(g.opts.maxIncoming) {
			g.fail(errors.Wrapf(ErrFrameTooLarge, "%d bytes, max %d", bodyLen, g.opts.maxIncoming))
			return n, false
		}
		if !validEncoding(encoding) {
			g.fail(errors.Wrapf(ErrBadEncoding, "id %d", encoding))
			return n, false
		}
		g.rxState, g.rxEnc = rxBody, encoding
		g.rx.buf = g.rxPool.grow(g.rx.buf, HeaderSize+int(bodyLen))
		if !g.rx.complete() {
			return n, true
		}
	}

	g.finishStream(recv)
	return n, g.err == nil
}

// finishStream decodes the completed frame held by the receive cursor.
func (g *Gateway) finishStream(recv Receiver) {
	frame, encoding := g.rx.buf, g.rxEnc
	g.rx.reset()
	g.rxState, g.rxEnc = rxHeader, 0

	data, err := g.inflate(frame[HeaderSize:], encoding)
	if err != nil {
		g.fail(err)
		return
	}

	msg, err := g.unflatten(data)
	if err != nil {
		// the stream is still in sync, only this frame is lost
		g.stats.dropped.Add(1)
		g.logger.Warn("dropping undecodable frame", "error", err.Error(), "size", len(frame))
		return
	}
	g.rxPool.release(frame, retains(msg))
	g.dispatch(recv, msg, nil)
}

// readPacket receives and dispatches one datagram.
func (g *Gateway) readPacket(recv Receiver) (int, bool) {
	buf := g.rxPool.acquire(g.mtu)
	n, from, err := g.packet.ReadFrom(buf)
	if err != nil {
		g.fail(errors.Wrap(err, "read packet"))
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	g.stats.rxBytes.Add(uint64(n))

	msg, err := g.decodePacket(buf[:n])
	if err != nil {
		g.stats.dropped.Add(1)
		g.logger.Warn("dropping packet", "error", err.Error(), "from", addrString(from), "size", n)
		return n, true
	}
	g.rxPool.release(buf, retains(msg))

	if g.opts.tagSource && from != nil {
		if f, ok := msg.(Fielder); ok {
			f.SetField(PacketAddrField, from.String())
		}
	}
	g.dispatch(recv, msg, from)
	return n, true
}

func (g *Gateway) decodePacket(pkt []byte) (Message, error) {
	if len(pkt) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformedPacket, "%d bytes", len(pkt))
	}
	bodyLen, encoding := decodeHeader(pkt)
	if uint64(bodyLen) != uint64(len(pkt)-HeaderSize) {
		return nil, errors.Wrapf(ErrMalformedPacket, "header declares %d bytes, got %d", bodyLen, len(pkt)-HeaderSize)
	}
	if int(bodyLen) > g.opts.maxIncoming {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes, max %d", bodyLen, g.opts.maxIncoming)
	}
	if !validEncoding(encoding) {
		return nil, errors.Wrapf(ErrBadEncoding, "id %d", encoding)
	}

	data, err := g.inflate(pkt[HeaderSize:], encoding)
	if err != nil {
		return nil, err
	}
	return g.unflatten(data)
}

func (g *Gateway) inflate(body []byte, encoding uint32) ([]byte, error) {
	if encoding == EncodingDefault {
		return body, nil
	}
	return g.zip.decompress(body, g.inflateLimit)
}

func (g *Gateway) unflatten(data []byte) (Message, error) {
	msg := g.opts.factory()
	if msg == nil {
		return nil, ErrInvalidFactory
	}
	if err := msg.Unflatten(data); err != nil {
		return nil, errors.Wrap(err, "unflatten")
	}
	return msg, nil
}

func (g *Gateway) dispatch(recv Receiver, msg Message, from net.Addr) {
	g.stats.rxFrames.Add(1)
	if recv != nil {
		recv(msg, from)
	}
}

func retains(msg Message) bool {
	r, ok := msg.(Retainer)
	return ok && r.RetainsBuffer()
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
