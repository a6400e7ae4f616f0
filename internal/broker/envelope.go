package broker

import (
	"errors"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errMalformedEnvelope = errors.New("malformed bus envelope")

func wrap(origin string, payload json.RawMessage) ([]byte, error) {
	b, err := sjson.SetBytes([]byte(`{}`), "origin", origin)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(b, "data", payload)
}

func unwrap(data []byte) (string, json.RawMessage, error) {
	if !gjson.ValidBytes(data) {
		return "", nil, errMalformedEnvelope
	}
	fields := gjson.GetManyBytes(data, "origin", "data")
	if fields[0].Type != gjson.String || !fields[1].Exists() {
		return "", nil, errMalformedEnvelope
	}
	return fields[0].String(), json.RawMessage(fields[1].Raw), nil
}
