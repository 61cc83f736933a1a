package store

import (
	"encoding/json"
	"fmt"
)

// marshalJSON converts a value to JSON TEXT for storage.
// Go's encoder sorts map keys, so stored documents are deterministic.
func marshalJSON(field string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", field, err)
	}
	return string(data), nil
}

// unmarshalJSON parses JSON TEXT into dst. Empty TEXT leaves dst untouched.
func unmarshalJSON(field, data string, dst any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", field, err)
	}
	return nil
}
