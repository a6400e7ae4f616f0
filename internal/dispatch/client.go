// Package dispatch sends messages to remote agents and feeds their answers
// back into the fan-out.
//
// An agent is reached through an AgentClient chosen once, from the agent's
// protocol, when it is bound: A2A agents get a JSON-RPC client, MCP agents a
// tool-calling client and everything else the raw HTTP fallback that posts
// to {url}/message.
package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/casualjim/switchboard/internal/directory"
	json "github.com/goccy/go-json"
)

var (
	// ErrAgentNotFound is reported when no client is bound and the directory
	// doesn't know the agent either.
	ErrAgentNotFound = errors.New("agent not registered")
	// ErrStreamingUnsupported is reported when streaming to an agent whose
	// client can only answer once.
	ErrStreamingUnsupported = errors.New("streaming not supported for this agent")
	// ErrAgentResponse wraps errors the agent itself reported.
	ErrAgentResponse = errors.New("agent returned error")
)

// Message is what gets sent to an agent.
type Message struct {
	Content   string
	ChannelID int64
	UserID    int64
}

// AgentClient answers a message with a single JSON document.
type AgentClient interface {
	Name() string
	URL() string
	Protocol() directory.Protocol
	Send(ctx context.Context, msg Message) (json.RawMessage, error)
}

// StreamingClient is an AgentClient that can also answer incrementally.
// Stream returns when the agent closes the stream, when ctx is done or when
// onChunk returns an error.
type StreamingClient interface {
	AgentClient
	Stream(ctx context.Context, msg Message, onChunk func(json.RawMessage) error) error
}

// NewClient picks the client implementation for rec.
func NewClient(rec directory.Record, httpClient *http.Client) AgentClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch rec.Protocol {
	case directory.ProtocolA2A, "":
		return NewA2AClient(rec.Name, rec.URL, httpClient)
	case directory.ProtocolMCP:
		tool, _ := rec.Capabilities["tool"].(string)
		return NewMCPClient(rec.Name, rec.URL, tool, httpClient)
	default:
		return NewHTTPClient(rec.Name, rec.URL, rec.Protocol, httpClient)
	}
}
