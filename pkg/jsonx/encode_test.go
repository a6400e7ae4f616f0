package jsonx

import (
	"math"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"map", map[string]int{"a": 1}, `{"a":1}`},
		{"raw message", json.RawMessage(`{"b":2}`), `{"b":2}`},
		{"json bytes", []byte(`[1,2]`), `[1,2]`},
		{"json string", `{"c":3}`, `{"c":3}`},
		{"plain string", "hello", `"hello"`},
		{"nil", nil, `null`},
		{"struct", struct {
			Name string `json:"name"`
		}{"x"}, `{"name":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEncodeFailureSubstitutesErrorPayload(t *testing.T) {
	got, err := Encode(map[string]any{"bad": math.Inf(1)})
	require.Error(t, err)
	assert.JSONEq(t, `{"error":"failed to serialize message"}`, string(got))

	got, err = Encode(make(chan int))
	require.Error(t, err)
	assert.Equal(t, ErrorPayload, got)
}

func TestToDynamicJSON(t *testing.T) {
	m, err := ToDynamicJSON(struct {
		A int    `json:"a"`
		B string `json:"b"`
	}{1, "two"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "two"}, m)
}
