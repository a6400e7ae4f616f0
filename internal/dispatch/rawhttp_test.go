package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		switch r.URL.Query().Get("mode") {
		case "text":
			_, _ = io.WriteString(w, "plain words")
		case "fail":
			http.Error(w, "nope", http.StatusBadGateway)
		default:
			_, _ = io.WriteString(w, `{"reply":"ok"}`)
		}
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	client := NewHTTPClient("raw", srv.URL, "", srv.Client())
	assert.Equal(t, directory.ProtocolHTTP, client.Protocol())

	resp, err := client.Send(ctx, Message{Content: "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"ok"}`, string(resp))
	assert.JSONEq(t, `{"message":"hello","channel_id":null,"user_id":null}`, lastBody)

	_, err = client.Send(ctx, Message{Content: "hello", ChannelID: 7, UserID: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hello","channel_id":7,"user_id":3}`, lastBody)

	acp := NewHTTPClient("raw", srv.URL, directory.ProtocolACP, srv.Client())
	assert.Equal(t, directory.ProtocolACP, acp.Protocol())

	failing := &HTTPClient{name: "raw", url: srv.URL, http: &http.Client{Transport: rewrite{srv.Client().Transport, "mode=fail"}}}
	_, err = failing.Send(ctx, Message{Content: "x"})
	assert.ErrorIs(t, err, ErrAgentResponse)
	assert.ErrorContains(t, err, "502")

	plain := &HTTPClient{name: "raw", url: srv.URL, http: &http.Client{Transport: rewrite{srv.Client().Transport, "mode=text"}}}
	resp, err = plain.Send(ctx, Message{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, `"plain words"`, string(resp))
}

// rewrite adds a query string to every request.
type rewrite struct {
	next  http.RoundTripper
	query string
}

func (r rewrite) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.RawQuery = r.query
	return r.next.RoundTrip(req)
}
