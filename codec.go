package idemflow

import "encoding/json"

// Codec controls serialization of request params, job context and results.
//
// Default is JSONCodec (stored as jsonb).
//
// Implementations must produce valid JSON: params land in jsonb columns and
// the request fingerprint check compares them structurally.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
