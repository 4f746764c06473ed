package cachestore

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// chunkCodec serializes chunks as zstd-compressed JSON. Encoder and decoder
// are safe for concurrent EncodeAll/DecodeAll calls.
type chunkCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newChunkCodec() (*chunkCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &chunkCodec{enc: enc, dec: dec}, nil
}

func (c *chunkCodec) encode(chunk Chunk) ([]byte, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func (c *chunkCodec) decode(payload []byte) (Chunk, error) {
	raw, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return Chunk{}, fmt.Errorf("decompress chunk: %w", err)
	}
	var chunk Chunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	return chunk, nil
}

func (c *chunkCodec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
