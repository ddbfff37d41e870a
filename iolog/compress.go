package iolog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the algorithm applied to every channel file
type Compression uint8

// Compression algorithms
const (
	CompressNone Compression = iota
	CompressGzip
	CompressZstd
	CompressLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressGzip:
		return "gzip"
	case CompressZstd:
		return "zstd"
	case CompressLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressNone, nil
	case "gzip":
		return CompressGzip, nil
	case "zstd":
		return CompressZstd, nil
	case "lz4":
		return CompressLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Compression) UnmarshalText(b []byte) error {
	v, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// compressor is a streaming encoder which can be flushed mid-stream
type compressor interface {
	io.WriteCloser
	Flush() error
}

func newCompressor(w io.Writer, c Compression) (compressor, error) {
	switch c {
	case CompressGzip:
		return gzip.NewWriter(w), nil
	case CompressZstd:
		return zstd.NewWriter(w)
	case CompressLZ4:
		return lz4.NewWriter(w), nil
	case CompressNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %v", c)
	}
}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectCompression guesses the compression from the leading bytes
func DetectCompression(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, magicZstd):
		return CompressZstd
	case bytes.HasPrefix(head, magicLZ4):
		return CompressLZ4
	case bytes.HasPrefix(head, magicGzip):
		return CompressGzip
	}
	return CompressNone
}

type readCloser struct {
	io.Reader
	close func()
}

func (r readCloser) Close() error {
	if r.close != nil {
		r.close()
	}
	return nil
}

// NewReader returns the decompressed stream of r, detecting the
// compression by magic. Closing it does not close r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	switch DetectCompression(head) {
	case CompressGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case CompressZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return readCloser{Reader: zr, close: zr.Close}, nil
	case CompressLZ4:
		return readCloser{Reader: lz4.NewReader(br)}, nil
	}
	return readCloser{Reader: br}, nil
}
