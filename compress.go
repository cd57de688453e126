package msgio

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// minCompressSize is the smallest body worth compressing.
const minCompressSize = 32

// compressor deflates and inflates frame bodies. The writer is kept and
// reused for as long as the requested level does not change.
type compressor struct {
	level  int
	writer *zlib.Writer
	wbuf   bytes.Buffer
	reader io.ReadCloser
}

// compress returns a freshly allocated compressed copy of in.
func (c *compressor) compress(in []byte, level int) ([]byte, error) {
	c.wbuf.Reset()
	if c.writer == nil || c.level != level {
		w, err := zlib.NewWriterLevel(&c.wbuf, level)
		if err != nil {
			return nil, errors.Wrapf(err, "compression level %d", level)
		}
		c.writer, c.level = w, level
	} else {
		c.writer.Reset(&c.wbuf)
	}
	if _, err := c.writer.Write(in); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	if err := c.writer.Close(); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	out := make([]byte, c.wbuf.Len())
	copy(out, c.wbuf.Bytes())
	return out, nil
}

// decompress inflates in, refusing output larger than limit.
func (c *compressor) decompress(in []byte, limit int) ([]byte, error) {
	src := bytes.NewReader(in)
	if c.reader == nil {
		r, err := zlib.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, "decompress")
		}
		c.reader = r
	} else if err := c.reader.(zlib.Resetter).Reset(src, nil); err != nil {
		c.reader = nil
		return nil, errors.Wrap(err, "decompress")
	}

	var out bytes.Buffer
	n, err := out.ReadFrom(io.LimitReader(c.reader, int64(limit)+1))
	if err != nil {
		c.reader = nil
		return nil, errors.Wrap(err, "decompress")
	}
	if n > int64(limit) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "decompressed body exceeds %d bytes", limit)
	}
	return out.Bytes(), nil
}
