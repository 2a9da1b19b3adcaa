package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// encode serializes v as JSON and compresses it with S2.
func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return s2.Encode(nil, raw), nil
}

// decode reverses encode.
func decode(data []byte, v any) error {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("failed to decompress document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}
