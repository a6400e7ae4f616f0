package jsonx

import (
	json "github.com/goccy/go-json"
)

// ErrorPayload is substituted for values that cannot be encoded.
var ErrorPayload = json.RawMessage(`{"error":"failed to serialize message"}`)

// Encode converts an arbitrary message into a JSON document.
//
// Raw JSON (json.RawMessage, []byte or a string holding a valid document) is
// passed through untouched; other strings become JSON strings and everything
// else goes through json.Marshal. When encoding fails the returned document
// is ErrorPayload and the error describes why, so callers can log and keep
// delivering.
func Encode(val any) (json.RawMessage, error) {
	switch v := val.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if json.Valid(v) {
			return v, nil
		}
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	case string:
		if json.Valid([]byte(v)) {
			return json.RawMessage(v), nil
		}
	}

	b, err := json.Marshal(val)
	if err != nil {
		return ErrorPayload, err
	}
	return b, nil
}

// ToDynamicJSON converts any Go value to a dynamic JSON object represented as a map[string]any.
// It first marshals the input value to JSON bytes and then unmarshals those bytes into a map.
func ToDynamicJSON(val any) (map[string]any, error) {
	result := make(map[string]any)
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	return result, nil
}
