package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/pkg/jsonx"
	json "github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultMCPTool is called on MCP agents whose card doesn't name a tool.
const DefaultMCPTool = "message"

// MCPClient delivers messages to an MCP server by calling one of its tools.
// The session is opened on first use and reopened after a failed call.
type MCPClient struct {
	name      string
	url       string
	tool      string
	client    *mcp.Client
	transport func() mcp.Transport

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewMCPClient creates a client for an MCP server reachable over streamable
// HTTP at url.
func NewMCPClient(name, url, tool string, httpClient *http.Client) *MCPClient {
	return newMCPClient(name, url, tool, func() mcp.Transport {
		return &mcp.StreamableClientTransport{Endpoint: url, HTTPClient: httpClient}
	})
}

// NewMCPClientWithTransport creates a client over an already established
// transport, such as an in-process server.
func NewMCPClientWithTransport(name, tool string, transport mcp.Transport) *MCPClient {
	return newMCPClient(name, "", tool, func() mcp.Transport { return transport })
}

func newMCPClient(name, url, tool string, transport func() mcp.Transport) *MCPClient {
	if tool == "" {
		tool = DefaultMCPTool
	}
	return &MCPClient{
		name:      name,
		url:       url,
		tool:      tool,
		client:    mcp.NewClient(&mcp.Implementation{Name: "switchboard", Version: "v1.0.0"}, nil),
		transport: transport,
	}
}

func (c *MCPClient) Name() string                 { return c.name }
func (c *MCPClient) URL() string                  { return c.url }
func (c *MCPClient) Protocol() directory.Protocol { return directory.ProtocolMCP }

func (c *MCPClient) connect(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	// the session outlives the call that opened it
	session, err := c.client.Connect(context.WithoutCancel(ctx), c.transport(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to mcp agent %s: %w", c.name, err)
	}
	c.session = session
	return session, nil
}

func (c *MCPClient) drop(session *mcp.ClientSession) {
	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()
	_ = session.Close()
}

type toolArguments struct {
	Message   string `json:"message"`
	ChannelID int64  `json:"channel_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
}

// Send calls the agent's tool with the message. Structured output is
// returned as is, otherwise the text content is returned as a JSON string.
func (c *MCPClient) Send(ctx context.Context, msg Message) (json.RawMessage, error) {
	args, err := jsonx.ToDynamicJSON(toolArguments{Message: msg.Content, ChannelID: msg.ChannelID, UserID: msg.UserID})
	if err != nil {
		return nil, err
	}
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: c.tool, Arguments: args})
	if err != nil {
		c.drop(session)
		return nil, fmt.Errorf("calling tool %s: %w", c.tool, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", ErrAgentResponse, textOf(res))
	}
	if res.StructuredContent != nil {
		return jsonx.Encode(res.StructuredContent)
	}
	return jsonx.Encode(textOf(res))
}

// Close ends the session, if one is open.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func textOf(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
