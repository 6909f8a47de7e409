package repository

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"ojeval/internal/evalmgr/model"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// EnvironCodec serializes parked environs as zstd-compressed JSON. Decode
// also accepts plain JSON rows written by older deployments.
type EnvironCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewEnvironCodec creates a codec. EncodeAll and DecodeAll are safe for
// concurrent use, so one codec serves the whole process.
func NewEnvironCodec() (*EnvironCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	return &EnvironCodec{encoder: encoder, decoder: decoder}, nil
}

// Encode strips the in-flight transfer keys and compresses the rest.
func (c *EnvironCodec) Encode(env *model.Environ) ([]byte, error) {
	snapshot, err := env.Clone()
	if err != nil {
		return nil, err
	}
	snapshot.Transfer = nil
	snapshot.SavedEnvironID = 0
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal environ failed: %w", err)
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

// Decode restores an environ written by Encode.
func (c *EnvironCodec) Decode(data []byte) (*model.Environ, error) {
	raw := data
	if bytes.HasPrefix(data, zstdMagic) {
		var err error
		raw, err = c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress environ failed: %w", err)
		}
	}
	return model.DecodeEnviron(raw)
}
