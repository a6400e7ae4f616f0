package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func a2aServer(t *testing.T, handler func(w http.ResponseWriter, method, text string)) *A2AClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "2.0", gjson.GetBytes(body, "jsonrpc").String())
		assert.NotEmpty(t, gjson.GetBytes(body, "id").String())
		assert.Equal(t, "user", gjson.GetBytes(body, "params.message.role").String())
		handler(w, gjson.GetBytes(body, "method").String(), gjson.GetBytes(body, "params.message.parts.0.text").String())
	}))
	t.Cleanup(srv.Close)
	return NewA2AClient("echo", srv.URL, srv.Client())
}

func TestA2ASend(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the result", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, method, text string) {
			assert.Equal(t, methodSend, method)
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":"1","result":{"kind":"message","parts":[{"kind":"text","text":"echo: %s"}]}}`, text)
		})
		resp, err := client.Send(ctx, Message{Content: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "echo: hi", gjson.GetBytes(resp, "parts.0.text").String())
	})

	t.Run("json-rpc error", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`)
		})
		_, err := client.Send(ctx, Message{Content: "hi"})
		assert.ErrorIs(t, err, ErrAgentResponse)
		assert.ErrorContains(t, err, "method not found")
	})

	t.Run("http error", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})
		_, err := client.Send(ctx, Message{Content: "hi"})
		assert.ErrorIs(t, err, ErrAgentResponse)
		assert.ErrorContains(t, err, "503")
	})

	t.Run("garbage", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			fmt.Fprint(w, `<html>`)
		})
		_, err := client.Send(ctx, Message{Content: "hi"})
		assert.ErrorIs(t, err, ErrAgentResponse)
	})
}

func TestA2AStream(t *testing.T) {
	ctx := context.Background()

	collect := func(client *A2AClient) ([]string, error) {
		var got []string
		err := client.Stream(ctx, Message{Content: "hi"}, func(chunk json.RawMessage) error {
			got = append(got, gjson.GetBytes(chunk, "text").String())
			return nil
		})
		return got, err
	}

	t.Run("events until final", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, method, _ string) {
			assert.Equal(t, methodStream, method)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keep-alive\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"one\"}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\n")
			fmt.Fprint(w, "data: \"result\":{\"text\":\"two\"}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"three\",\"final\":true}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"ignored\"}}\n\n")
		})
		got, err := collect(client)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three"}, got)
	})

	t.Run("stream closed without final", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"one\"}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"tail\"}}")
		})
		got, err := collect(client)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "tail"}, got)
	})

	t.Run("error event ends the stream", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"one\"}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"error\":{\"code\":-32000,\"message\":\"boom\"}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"text\":\"never\"}}\n\n")
		})
		got, err := collect(client)
		assert.ErrorIs(t, err, ErrAgentResponse)
		assert.Equal(t, []string{"one"}, got)
	})

	t.Run("plain json answer", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"text":"whole"}}`)
		})
		got, err := collect(client)
		require.NoError(t, err)
		assert.Equal(t, []string{"whole"}, got)
	})

	t.Run("handler error stops reading", func(t *testing.T) {
		client := a2aServer(t, func(w http.ResponseWriter, _, _ string) {
			w.Header().Set("Content-Type", "text/event-stream")
			for range 3 {
				fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{}}\n\n")
			}
		})
		stop := errors.New("stop")
		calls := 0
		err := client.Stream(ctx, Message{Content: "hi"}, func(json.RawMessage) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}

func TestReadEvents(t *testing.T) {
	var got []string
	err := readEvents(strings.NewReader("event: x\ndata:a\ndata: b\n\n\n\ndata: c\n"), func(b []byte) (bool, error) {
		got = append(got, string(b))
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a\nb", "c"}, got)
}
