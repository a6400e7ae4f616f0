package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrNotRegistered is returned by Client.Heartbeat when the directory service
// no longer knows the agent.
var ErrNotRegistered = errors.New("agent not registered")

// Client talks to a remote directory service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL. Calls are bounded by
// the context passed to each method; httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string { return c.baseURL }

// List fetches every card the service knows about.
func (c *Client) List(ctx context.Context) ([]Card, error) {
	var cards []Card
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// Register creates or updates card and returns the stored card.
func (c *Client) Register(ctx context.Context, card Card) (Card, error) {
	body, err := json.Marshal(card)
	if err != nil {
		return Card{}, fmt.Errorf("encoding agent card: %w", err)
	}
	var stored Card
	if err := c.do(ctx, http.MethodPost, "/agents", body, &stored); err != nil {
		return Card{}, err
	}
	return stored, nil
}

// Heartbeat refreshes the liveness of id.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/agents/"+url.PathEscape(id)+"/heartbeat", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes*8))
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusNotFound && method == http.MethodPut {
		return ErrNotRegistered
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}
