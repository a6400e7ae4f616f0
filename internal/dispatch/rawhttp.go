package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/pkg/jsonx"
	json "github.com/goccy/go-json"
)

// HTTPClient is the fallback for agents that only expose POST {url}/message.
type HTTPClient struct {
	name     string
	url      string
	protocol directory.Protocol
	http     *http.Client
}

func NewHTTPClient(name, url string, protocol directory.Protocol, httpClient *http.Client) *HTTPClient {
	if protocol == "" {
		protocol = directory.ProtocolHTTP
	}
	return &HTTPClient{name: name, url: url, protocol: protocol, http: httpClient}
}

func (c *HTTPClient) Name() string                 { return c.name }
func (c *HTTPClient) URL() string                  { return c.url }
func (c *HTTPClient) Protocol() directory.Protocol { return c.protocol }

type messageBody struct {
	Message   string `json:"message"`
	ChannelID *int64 `json:"channel_id"`
	UserID    *int64 `json:"user_id"`
}

func optional(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// Send posts the message and returns the agent's body. Bodies that aren't
// JSON come back as a JSON string.
func (c *HTTPClient) Send(ctx context.Context, msg Message) (json.RawMessage, error) {
	body, err := json.Marshal(messageBody{
		Message:   msg.Content,
		ChannelID: optional(msg.ChannelID),
		UserID:    optional(msg.UserID),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrAgentResponse, resp.StatusCode, bytes.TrimSpace(data))
	}
	if json.Valid(data) {
		return data, nil
	}
	return jsonx.Encode(string(data))
}
