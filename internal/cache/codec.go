package cache

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressionMarker tags envelopes holding zstd-compressed payloads.
const CompressionMarker = "zstd"

// Envelope is the stored form of a compressed value.
type Envelope struct {
	Marker         string
	Data           []byte
	OriginalSize   int
	CompressedSize int
}

// codec serializes values to JSON and compresses large payloads.
type codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{threshold: threshold, encoder: encoder, decoder: decoder}, nil
}

// encode returns the serialized value, or an envelope when compression applies.
func (c *codec) encode(value interface{}) ([]byte, *Envelope, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, nil, err
	}
	if len(data) <= c.threshold {
		return data, nil, nil
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return data, nil, nil
	}
	return nil, &Envelope{
		Marker:         CompressionMarker,
		Data:           compressed,
		OriginalSize:   len(data),
		CompressedSize: len(compressed),
	}, nil
}

// decode writes the stored value into dst.
func (c *codec) decode(raw []byte, env *Envelope, dst interface{}) error {
	if env != nil {
		if env.Marker != CompressionMarker {
			return fmt.Errorf("unknown envelope marker %q", env.Marker)
		}
		data, err := c.decoder.DecodeAll(env.Data, make([]byte, 0, env.OriginalSize))
		if err != nil {
			return fmt.Errorf("decompression failed: %w", err)
		}
		raw = data
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (c *codec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
