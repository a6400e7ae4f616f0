package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/pkg/uuidx"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const (
	methodSend   = "message/send"
	methodStream = "message/stream"

	maxResponseBytes = 8 << 20
	maxEventBytes    = 1 << 20
)

// A2AClient speaks the A2A JSON-RPC protocol.
type A2AClient struct {
	name string
	url  string
	http *http.Client
}

func NewA2AClient(name, url string, httpClient *http.Client) *A2AClient {
	return &A2AClient{name: name, url: url, http: httpClient}
}

func (c *A2AClient) Name() string                 { return c.name }
func (c *A2AClient) URL() string                  { return c.url }
func (c *A2AClient) Protocol() directory.Protocol { return directory.ProtocolA2A }

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Message  a2aMessage     `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type a2aMessage struct {
	Kind      string    `json:"kind"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Parts     []a2aPart `json:"parts"`
}

type a2aPart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func (c *A2AClient) newRequest(ctx context.Context, method string, msg Message) (*http.Request, error) {
	call := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuidx.NewString(),
		Method:  method,
		Params: rpcParams{
			Message: a2aMessage{
				Kind:      "message",
				MessageID: uuidx.NewString(),
				Role:      "user",
				Parts:     []a2aPart{{Kind: "text", Text: msg.Content}},
			},
		},
	}
	if msg.ChannelID != 0 || msg.UserID != 0 {
		call.Params.Metadata = map[string]any{"channel_id": msg.ChannelID, "user_id": msg.UserID}
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Send calls message/send and returns the JSON-RPC result.
func (c *A2AClient) Send(ctx context.Context, msg Message) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, methodSend, msg)
	if err != nil {
		return nil, err
	}
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
	result, _, err := rpcResult(data)
	return result, err
}

// Stream calls message/stream and hands every server-sent event's result to
// onChunk. The stream ends when the server closes it or marks an event final.
func (c *A2AClient) Stream(ctx context.Context, msg Message, onChunk func(json.RawMessage) error) error {
	req, err := c.newRequest(ctx, methodStream, msg)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventBytes))
		return fmt.Errorf("%w: status %d: %s", ErrAgentResponse, resp.StatusCode, bytes.TrimSpace(data))
	}

	// agents that can't stream answer with a plain JSON-RPC response
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		result, _, err := rpcResult(data)
		if err != nil {
			return err
		}
		return onChunk(result)
	}

	return readEvents(resp.Body, func(payload []byte) (bool, error) {
		result, final, err := rpcResult(payload)
		if err != nil {
			return false, err
		}
		if err := onChunk(result); err != nil {
			return false, err
		}
		return final, nil
	})
}

// readEvents parses a text/event-stream body and calls handle with the data
// of each event until handle reports the stream is done.
func readEvents(r io.Reader, handle func([]byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var data []string
	flush := func() (bool, error) {
		if len(data) == 0 {
			return false, nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return handle([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			done, err := flush()
			if err != nil || done {
				return err
			}
		case strings.HasPrefix(line, ":"):
		default:
			if value, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, strings.TrimPrefix(value, " "))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	_, err := flush()
	return err
}

// rpcResult extracts the result of a JSON-RPC response and whether it is
// the final event of a stream.
func rpcResult(data []byte) (json.RawMessage, bool, error) {
	if !gjson.ValidBytes(data) {
		return nil, false, fmt.Errorf("%w: invalid JSON-RPC response", ErrAgentResponse)
	}
	if rpcErr := gjson.GetBytes(data, "error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return nil, false, fmt.Errorf("%w: %s (code %d)", ErrAgentResponse,
			rpcErr.Get("message").String(), rpcErr.Get("code").Int())
	}
	result := gjson.GetBytes(data, "result")
	if !result.Exists() {
		return nil, false, fmt.Errorf("%w: JSON-RPC response has no result", ErrAgentResponse)
	}
	return json.RawMessage(result.Raw), result.Get("final").Bool(), nil
}
