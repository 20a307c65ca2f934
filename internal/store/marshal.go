package store

import (
	"fmt"

	"github.com/roach88/warden/internal/ir"
)

// marshalObject converts an ir.Object to canonical JSON TEXT for storage.
// Canonical form keeps stored params byte-identical to what was hashed.
func marshalObject(field string, obj ir.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", field, err)
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT back into an ir.Object.
func unmarshalObject(field, data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	obj, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", field, err)
	}
	return obj, nil
}
