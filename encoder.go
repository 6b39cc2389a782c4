package fieldsync

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes report documents for the durable store.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. Report documents are written with the
// standard library and read back with sonic, which dominates on the hot
// ListByStatus path where every pass decodes the full pending set.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
