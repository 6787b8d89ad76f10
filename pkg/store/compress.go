package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// blobCompressor wraps a zstd encoder/decoder pair at the balanced
// default level; nothing in this module picks an algorithm per call, so
// there is no multi-algorithm switch.
type blobCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newBlobCompressor() (*blobCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("store: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("store: create zstd decoder: %w", err)
	}
	return &blobCompressor{enc: enc, dec: dec}, nil
}

// flagRaw and flagZstd tag a stored value as raw or zstd-compressed; raw
// is used below a size threshold where compression overhead is not worth
// paying.
const (
	flagRaw byte = iota
	flagZstd
)

const compressionThreshold = 256

func (c *blobCompressor) encode(data []byte) []byte {
	if len(data) < compressionThreshold {
		return append([]byte{flagRaw}, data...)
	}
	compressed := c.enc.EncodeAll(data, make([]byte, 0, len(data)))
	return append([]byte{flagZstd}, compressed...)
}

func (c *blobCompressor) decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	flag, body := data[0], data[1:]
	switch flag {
	case flagRaw:
		return body, nil
	case flagZstd:
		return c.dec.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("store: unknown blob flag %d", flag)
	}
}

func (c *blobCompressor) Close() {
	c.enc.Close()
	c.dec.Close()
}
