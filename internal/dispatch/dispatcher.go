package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/internal/registry"
	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

// DefaultTimeout bounds a SendOnce call when no timeout is given.
const DefaultTimeout = 10 * time.Second

// ResponseTopic is the topic every successful answer of agent is published on.
func ResponseTopic(agent string) string { return "agent.response." + agent }

// Publisher is the fan-out agent answers are published through.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg any) error
	PublishToChannel(ctx context.Context, channelID int64, msg any) error
}

// Resolver finds agents that have no bound client yet.
type Resolver interface {
	Find(name string) (directory.Record, bool)
}

// Result is the outcome of SendOnce. Exactly one of Response and Err is set.
type Result struct {
	Agent    string          `json:"agent"`
	Response json.RawMessage `json:"response,omitempty"`
	Err      error           `json:"-"`
}

func (r Result) OK() bool { return r.Err == nil }

// Chunk is one fragment of a streamed answer. The last chunk of a failed
// stream carries Err and no data.
type Chunk struct {
	Agent string
	Data  json.RawMessage
	Err   error
}

// Dispatcher routes messages to agents by name.
type Dispatcher struct {
	clients    registry.Registry[AgentClient]
	resolver   Resolver
	publisher  Publisher
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

type Option = opts.Option[Dispatcher]

var (
	WithHTTPClient     = opts.ForName[Dispatcher, *http.Client]("httpClient")
	WithDefaultTimeout = opts.ForName[Dispatcher, time.Duration]("timeout")
)

// NewDispatcher creates a Dispatcher. resolver may be nil, in which case only
// registered clients are reachable.
func NewDispatcher(resolver Resolver, publisher Publisher, options ...Option) *Dispatcher {
	d := &Dispatcher{
		clients:    registry.New[AgentClient](),
		resolver:   resolver,
		publisher:  publisher,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		logger:     slogx.Component("dispatch"),
	}
	if err := opts.Apply(d, options); err != nil {
		panic(err)
	}
	return d
}

// Register binds a locally constructed client under its name.
func (d *Dispatcher) Register(client AgentClient) {
	d.replace(client.Name(), client)
}

// Bind selects and binds the client for a directory record. An existing
// binding with the same endpoint and protocol is kept.
func (d *Dispatcher) Bind(rec directory.Record) AgentClient {
	if current, ok := d.clients.Get(rec.Name); ok && current.URL() == rec.URL && current.Protocol() == rec.Protocol {
		return current
	}
	client := NewClient(rec, d.httpClient)
	d.replace(rec.Name, client)
	d.logger.Info("agent bound", slogx.Agent(rec.Name), slog.String("url", rec.URL), slog.String("protocol", string(client.Protocol())))
	return client
}

func (d *Dispatcher) replace(name string, client AgentClient) {
	if previous, ok := d.clients.Get(name); ok && previous != client {
		closeClient(previous)
	}
	d.clients.Add(name, client)
}

// Unbind forgets the client for name.
func (d *Dispatcher) Unbind(name string) {
	if client, ok := d.clients.Get(name); ok {
		d.clients.Del(name)
		closeClient(client)
	}
}

func closeClient(client AgentClient) {
	if closer, ok := client.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Resolve returns the client bound to name, binding one from the resolver
// when needed.
func (d *Dispatcher) Resolve(name string) (AgentClient, bool) {
	if client, ok := d.clients.Get(name); ok {
		return client, true
	}
	if d.resolver == nil {
		return nil, false
	}
	rec, ok := d.resolver.Find(name)
	if !ok {
		return nil, false
	}
	client, _ := d.clients.GetOrAdd(name, func() AgentClient {
		return NewClient(rec, d.httpClient)
	})
	// An eviction between Find and GetOrAdd has already run its Unbind.
	if _, ok := d.resolver.Find(name); !ok {
		d.Unbind(name)
		return nil, false
	}
	return client, true
}

// Agents lists the names of bound agents.
func (d *Dispatcher) Agents() []string { return d.clients.Names() }

type sendConfig struct {
	channelID int64
	userID    int64
	timeout   time.Duration
}

type SendOption = opts.Option[sendConfig]

var (
	// WithChannel publishes a successful answer to the channel as well.
	WithChannel = opts.ForName[sendConfig, int64]("channelID")
	// WithUser tells the agent who is asking.
	WithUser = opts.ForName[sendConfig, int64]("userID")
	// WithTimeout bounds the call.
	WithTimeout = opts.ForName[sendConfig, time.Duration]("timeout")
)

func newSendConfig(options []SendOption) sendConfig {
	var cfg sendConfig
	if err := opts.Apply(&cfg, options); err != nil {
		panic(err)
	}
	return cfg
}

// SendOnce sends content to the agent and waits for its answer. Failures are
// reported in the Result, never as a panic or a separate error.
func (d *Dispatcher) SendOnce(ctx context.Context, agent, content string, options ...SendOption) Result {
	cfg := newSendConfig(options)
	if cfg.timeout <= 0 {
		cfg.timeout = d.timeout
	}

	client, ok := d.Resolve(agent)
	if !ok {
		d.logger.Warn("send to unknown agent", slogx.Agent(agent))
		return Result{Agent: agent, Err: fmt.Errorf("%w: %s", ErrAgentNotFound, agent)}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	resp, err := send(ctx, client, Message{Content: content, ChannelID: cfg.channelID, UserID: cfg.userID})
	if err != nil {
		d.logger.Error("send to agent failed", slogx.Agent(agent), slogx.Error(err))
		return Result{Agent: agent, Err: fmt.Errorf("communicating with agent %s: %w", agent, err)}
	}

	d.publishResponse(context.WithoutCancel(ctx), agent, cfg.channelID, resp)
	return Result{Agent: agent, Response: resp}
}

func send(ctx context.Context, client AgentClient, msg Message) (resp json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent client panicked: %v", r)
		}
	}()
	return client.Send(ctx, msg)
}

type channelResponse struct {
	Agent    string          `json:"agent"`
	Response json.RawMessage `json:"response"`
}

func (d *Dispatcher) publishResponse(ctx context.Context, agent string, channelID int64, resp json.RawMessage) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, ResponseTopic(agent), resp); err != nil {
		d.logger.Warn("publishing agent response", slogx.Agent(agent), slogx.Error(err))
	}
	if channelID == 0 {
		return
	}
	if err := d.publisher.PublishToChannel(ctx, channelID, channelResponse{Agent: agent, Response: resp}); err != nil {
		d.logger.Warn("publishing agent response to channel", slogx.Agent(agent), slogx.Channel(channelID), slogx.Error(err))
	}
}

// SendStreaming sends content and hands each fragment of the answer to
// onChunk as it arrives. If anything goes wrong onChunk receives exactly one
// chunk carrying the error, after which the stream is closed. Streams are
// bounded by ctx and by WithTimeout when given.
func (d *Dispatcher) SendStreaming(ctx context.Context, agent, content string, onChunk func(Chunk), options ...SendOption) {
	cfg := newSendConfig(options)
	fail := func(err error) {
		d.logger.Error("streaming from agent failed", slogx.Agent(agent), slogx.Error(err))
		_ = deliverChunk(onChunk, Chunk{Agent: agent, Err: err})
	}

	client, ok := d.Resolve(agent)
	if !ok {
		fail(fmt.Errorf("%w: %s", ErrAgentNotFound, agent))
		return
	}
	streamer, ok := client.(StreamingClient)
	if !ok {
		fail(fmt.Errorf("%w: %s", ErrStreamingUnsupported, agent))
		return
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	err := stream(ctx, streamer, Message{Content: content, ChannelID: cfg.channelID, UserID: cfg.userID}, func(data json.RawMessage) error {
		return deliverChunk(onChunk, Chunk{Agent: agent, Data: data})
	})
	if err != nil {
		fail(err)
	}
}

func stream(ctx context.Context, client StreamingClient, msg Message, onChunk func(json.RawMessage) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent client panicked: %v", r)
		}
	}()
	return client.Stream(ctx, msg, onChunk)
}

func deliverChunk(onChunk func(Chunk), chunk Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk handler panicked: %v", r)
		}
	}()
	onChunk(chunk)
	return nil
}
