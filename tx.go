package msgio

import (
	"math"

	"github.com/pkg/errors"
)

// WriteMore transmits queued messages until budget bytes have been written,
// the queue is empty, or the transport accepts nothing more for now.
// A frame that does not fit the budget is left staged and resumed on the
// next call. It returns the number of bytes written during the call.
//
// In packet mode every frame goes out in one transport call; a frame is
// never split across packets.
func (g *Gateway) WriteMore(budget int) (int, error) {
	if g.err != nil {
		return 0, g.err
	}

	var written int
	for written < budget {
		if g.tx.buf == nil && !g.stage() {
			break
		}

		if g.packet != nil {
			n, err := g.packet.WriteTo(g.tx.buf, g.txDest)
			if errors.Is(err, ErrNoDestination) {
				g.drop("packet without destination", err)
				g.tx.reset()
				continue
			}
			if err != nil {
				return written, g.fail(errors.Wrap(err, "write packet"))
			}
			if n == 0 {
				break
			}
			written += n
			g.stats.txBytes.Add(uint64(n))
			g.stats.txFrames.Add(1)
			g.tx.reset()
			g.txDest = nil
			continue
		}

		chunk := g.tx.pending()
		if rest := budget - written; len(chunk) > rest {
			chunk = chunk[:rest]
		}
		n, err := g.stream.Write(chunk)
		if n > 0 {
			g.tx.advance(n)
			written += n
			g.stats.txBytes.Add(uint64(n))
		}
		if err != nil {
			return written, g.fail(errors.Wrap(err, "write"))
		}
		if g.tx.complete() {
			g.tx.reset()
			g.stats.txFrames.Add(1)
			continue
		}
		if n < len(chunk) {
			break
		}
	}

	return written, nil
}

// stage pops messages until one is framed into the send cursor.
// It returns false once the queue is empty.
func (g *Gateway) stage() bool {
	for {
		item, ok := g.pop()
		if !ok {
			return false
		}

		if g.opts.beforeFlatten != nil && !g.opts.beforeFlatten(item.msg) {
			continue
		}

		msg, dest := item.msg, item.dest
		stripped := false
		if g.packet != nil {
			if f, ok := msg.(Fielder); ok {
				if addr, ok := f.Field(PacketAddrField); ok {
					if dest == nil {
						resolved, err := g.opts.resolve(addr)
						if err != nil {
							g.drop("unresolvable packet destination", err, "addr", addr)
							continue
						}
						dest = resolved
					}
					msg = f.WithoutField(PacketAddrField)
					stripped = true
				}
			}
		}

		var (
			frame []byte
			err   error
		)
		if tag := reuseTagOf(msg); tag != nil && !stripped {
			var hit bool
			frame, hit, err = tag.getOrBuild(func() ([]byte, error) {
				return g.frame(msg, func(n int) []byte { return make([]byte, n) })
			})
			if hit {
				g.logger.Debug("reusing shared frame", "size", len(frame))
			}
		} else {
			frame, err = g.frame(msg, g.txPool.acquire)
		}
		if err != nil {
			g.drop("flatten failed", err)
			continue
		}

		if g.packet != nil && len(frame) > g.mtu {
			g.drop("packet too large", errors.Wrapf(ErrFrameTooLarge, "%d bytes, mtu %d", len(frame), g.mtu))
			continue
		}

		if g.opts.afterFlatten != nil {
			g.opts.afterFlatten(item.msg, frame)
		}

		g.tx.buf, g.tx.off = frame, 0
		g.txDest = dest
		return true
	}
}

// frame serializes msg behind a header into a buffer obtained from alloc,
// compressing the body when it is worth it.
func (g *Gateway) frame(msg Message, alloc func(n int) []byte) ([]byte, error) {
	size := msg.Size()
	if size < 0 {
		size = 0
	}
	buf, err := msg.Flatten(alloc(HeaderSize + size)[:HeaderSize])
	if err != nil {
		return nil, err
	}
	body := buf[HeaderSize:]
	if uint64(len(body)) > math.MaxUint32 {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(body))
	}

	encoding := EncodingDefault
	if g.opts.level > 0 && len(body) >= minCompressSize {
		packed, err := g.zip.compress(body, g.opts.level)
		switch {
		case err != nil:
			g.logger.Warn("compression failed, sending uncompressed", "error", err.Error())
		case len(packed) < len(body):
			buf = buf[:HeaderSize+copy(body, packed)]
			encoding = uint32(g.opts.level)
		}
	}

	encodeHeader(buf, uint32(len(buf)-HeaderSize), encoding)
	return buf, nil
}

// drop discards one outgoing message without breaking the gateway.
func (g *Gateway) drop(reason string, err error, args ...any) {
	g.stats.dropped.Add(1)
	g.logger.Warn(reason, append([]any{"error", err.Error()}, args...)...)
}
