package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype for fsy messages.
const codecName = "fsy-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the sync messages as JSON. Payload chunks are byte
// slices and travel base64 encoded.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
