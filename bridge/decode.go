package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ErrMalformed marks a payload that could not be normalized by Decode. It is
// a transport-level error, never a business outcome.
var ErrMalformed = errors.New("bridge: malformed payload")

// wrapperFields are the envelope fields the native layer is known to stuff
// JSON-encoded strings into.
var wrapperFields = []string{"respData", "data", "message"}

// Decode normalizes a bridge or MQTT payload into a map. The native layer
// delivers payloads in three shapes, tried in order: an already-parsed
// object, a top-level JSON string, or a JSON string nested one level inside a
// wrapper field. Wrapped strings are decoded in place so callers always see
// object-valued fields.
func Decode(raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// shape 2: the whole payload is a JSON-encoded string
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%w: nested string: %v", ErrMalformed, err)
		}
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	// shape 3: a wrapper field holding a JSON-encoded string, one level only
	for _, field := range wrapperFields {
		s, ok := m[field].(string)
		if !ok || !looksLikeJSON(s) {
			continue
		}
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			m[field] = inner
		}
	}

	return m, nil
}

// DecodeInto normalizes the payload with Decode and maps it onto a typed
// struct. Mapping is weakly typed because the native layer is inconsistent
// about numbers-as-strings.
func DecodeInto(raw []byte, out any) error {
	m, err := Decode(raw)
	if err != nil {
		return err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
