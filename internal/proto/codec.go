package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns a frame object into bytes and back. Each role owns the codec
// it was constructed with; codecs hold no per-stream state.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes frames as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec encodes frames as CBOR using Core Deterministic Encoding, so
// the same message always yields the same bytes.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec. Field names follow the json struct tags.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string                       { return "cbor" }
func (c *CBORCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *CBORCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName returns a fresh codec for "json" (or empty) and "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
