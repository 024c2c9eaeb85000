package persistence

import (
	"bytes"
	"encoding/gob"
	"time"
)

func init() {
	// Instance contexts are plain string-keyed maps, but their values may
	// nest. Register the shapes gob needs to round-trip them.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
	gob.Register(time.Duration(0))
}

// EncodeContext serializes an instance variable context using encoding/gob.
// A nil map encodes to nil.
func EncodeContext(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeContext reverses EncodeContext. Empty input decodes to nil.
func DecodeContext(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
