package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/switchboard/internal/broker"
	"github.com/casualjim/switchboard/internal/connections"
	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/internal/discovery"
	"github.com/casualjim/switchboard/internal/dispatch"
	"github.com/casualjim/switchboard/internal/registry"
	"github.com/casualjim/switchboard/pkg/jsonx"
	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

const (
	// TopicAgentDiscovered carries {"name","url"} when a new agent enters the directory.
	TopicAgentDiscovered = "agent.discovered"
	// TopicAgentEvicted carries {"name"} when an agent leaves the directory.
	TopicAgentEvicted = "agent.evicted"
)

var (
	ErrStarted = errors.New("switchboard already started")
	ErrClosed  = errors.New("switchboard is closed")
)

// Callback receives messages for a subscribed key. Errors and panics are
// logged and never reach the publisher.
type Callback = broker.Callback

// Subscription identifies one subscriber entry.
type Subscription = broker.Subscription

// Switchboard owns every piece of shared messaging state of a node: local
// subscribers, client connections, the distributed bus, the agent
// directory and the agent dispatcher.
type Switchboard struct {
	transport         broker.Transport
	busPrefix         string
	reconnectDelay    time.Duration
	directoryURL      string
	discoveryInterval time.Duration
	discoveryRetry    time.Duration
	heartbeatInterval time.Duration
	ttl               time.Duration
	sweepInterval     time.Duration
	requestTimeout    time.Duration
	sendTimeout       time.Duration
	httpClient        *http.Client
	now               func() time.Time

	fanout     *broker.Fanout
	conns      *connections.Registry
	bus        *broker.Bus
	directory  *directory.Directory
	dispatcher *dispatch.Dispatcher
	service    *directory.Client
	discovery  *discovery.Loop
	owned      registry.Registry[*ownedAgent]
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// New builds a switchboard. Nothing runs until Start.
func New(options ...Option) *Switchboard {
	s := &Switchboard{
		busPrefix:         broker.DefaultPrefix,
		reconnectDelay:    broker.DefaultReconnectDelay,
		discoveryInterval: discovery.DefaultInterval,
		discoveryRetry:    discovery.DefaultRetry,
		heartbeatInterval: dispatch.DefaultHeartbeatInterval,
		ttl:               directory.DefaultTTL,
		sweepInterval:     directory.DefaultSweepInterval,
		requestTimeout:    dispatch.DefaultTimeout,
		sendTimeout:       connections.DefaultSendTimeout,
		httpClient:        http.DefaultClient,
		now:               time.Now,
	}
	if err := opts.Apply(s, options); err != nil {
		panic(err)
	}
	s.logger = slogx.Component("switchboard")

	s.fanout = broker.NewFanout()
	s.conns = connections.New(s.sendTimeout)
	s.owned = registry.New[*ownedAgent]()
	s.directory = directory.New(
		directory.WithTTL(s.ttl),
		directory.WithClock(s.now),
		directory.OnRegister(s.agentRegistered),
		directory.OnEvict(s.agentEvicted),
	)
	s.dispatcher = dispatch.NewDispatcher(s.directory, s,
		dispatch.WithHTTPClient(s.httpClient),
		dispatch.WithDefaultTimeout(s.requestTimeout),
	)
	if s.transport != nil {
		s.bus = broker.NewBus(s.transport, s.deliver,
			broker.WithPrefix(s.busPrefix),
			broker.WithReconnectDelay(s.reconnectDelay),
		)
	}
	if s.directoryURL != "" {
		s.service = directory.NewClient(s.directoryURL, s.httpClient)
		s.discovery = discovery.New(s.service, s.directory,
			discovery.WithInterval(s.discoveryInterval),
			discovery.WithRetry(s.discoveryRetry),
			discovery.WithTimeout(s.requestTimeout),
			discovery.WithClock(s.now),
		)
	}
	return s
}

// Start launches the background loops: the bus listener, the directory
// sweep, periodic discovery and the registrars of locally owned agents.
func (s *Switchboard) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ctx != nil {
		return ErrStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.bus != nil {
		s.spawnLocked(s.bus.Run)
	} else {
		s.logger.Info("no bus transport configured, running in local-only mode")
	}
	s.spawnLocked(func(ctx context.Context) { s.directory.Run(ctx, s.sweepInterval) })
	if s.discovery != nil {
		s.spawnLocked(s.discovery.Run)
	}
	for _, name := range s.owned.Names() {
		if agent, ok := s.owned.Get(name); ok {
			s.runRegistrarLocked(agent)
		}
	}
	return nil
}

// ownedAgent is an agent hosted by this node. registrar is nil without a
// directory service; stop and done are set while the registrar runs.
type ownedAgent struct {
	registrar *dispatch.Registrar
	stop      context.CancelFunc
	done      chan struct{}
}

func (s *Switchboard) runRegistrarLocked(agent *ownedAgent) {
	if agent.registrar == nil || agent.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	agent.stop = cancel
	agent.done = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(agent.done)
		agent.registrar.Run(ctx)
	}()
}

func (s *Switchboard) spawnLocked(run func(context.Context)) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
	}()
}

// Close stops the background loops, closes the bus transport and releases
// agent clients. It is safe to call more than once.
func (s *Switchboard) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	var err error
	if s.bus != nil {
		err = s.bus.Close()
	}
	for _, name := range s.dispatcher.Agents() {
		s.dispatcher.Unbind(name)
	}
	return err
}

// LocalOnly reports whether the switchboard runs without a distributed bus.
func (s *Switchboard) LocalOnly() bool { return s.bus == nil }

// Listening reports whether the bus listener is subscribed. A local-only
// switchboard never listens.
func (s *Switchboard) Listening() bool { return s.bus != nil && s.bus.Listening() }

// Subscribe registers cb for a named topic.
func (s *Switchboard) Subscribe(topic string, cb Callback) (Subscription, error) {
	return s.fanout.Subscribe(broker.Topic(topic), cb)
}

// SubscribeChannel registers cb for messages published to a channel.
func (s *Switchboard) SubscribeChannel(channelID int64, cb Callback) (Subscription, error) {
	return s.fanout.Subscribe(broker.Channel(channelID), cb)
}

// SubscribeDM registers cb for messages of a direct-message conversation.
func (s *Switchboard) SubscribeDM(dmID string, cb Callback) (Subscription, error) {
	return s.fanout.Subscribe(broker.DM(dmID), cb)
}

// Unsubscribe removes exactly the entry identified by sub.
func (s *Switchboard) Unsubscribe(sub Subscription) bool {
	return s.fanout.Unsubscribe(sub)
}

// Publish delivers msg to the local subscribers of topic and mirrors it to
// the bus.
func (s *Switchboard) Publish(ctx context.Context, topic string, msg any) error {
	return s.PublishKey(ctx, broker.Topic(topic), msg)
}

// PublishToChannel delivers msg to the local subscribers and the client
// connections of a channel and mirrors it to the bus.
func (s *Switchboard) PublishToChannel(ctx context.Context, channelID int64, msg any) error {
	return s.PublishKey(ctx, broker.Channel(channelID), msg)
}

// PublishToDM delivers msg to the subscribers of a direct-message conversation.
func (s *Switchboard) PublishToDM(ctx context.Context, dmID string, msg any) error {
	return s.PublishKey(ctx, broker.DM(dmID), msg)
}

// PublishKey publishes msg under an explicit key. Only an invalid key is
// reported: an unencodable message is replaced by an error payload and a
// bus failure leaves the message delivered locally.
func (s *Switchboard) PublishKey(ctx context.Context, key broker.Key, msg any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := jsonx.Encode(msg)
	if err != nil {
		s.logger.Error("message serialization failed", slog.String("key", key.String()), slogx.Error(err))
	}

	s.deliver(ctx, key, data)
	if s.bus == nil {
		return nil
	}
	if err := s.bus.Publish(ctx, key, data); err != nil {
		s.logger.Warn("bus publish failed, message delivered locally only", slog.String("key", key.String()), slogx.Error(err))
	}
	return nil
}

// deliver hands a message to local subscribers and, for channels, to the
// client connections. Messages arriving from peer nodes take the same path.
func (s *Switchboard) deliver(ctx context.Context, key broker.Key, msg json.RawMessage) {
	s.fanout.Publish(ctx, key, msg)
	if id, ok := key.ChannelID(); ok {
		s.conns.Broadcast(ctx, id, msg)
	}
}

// OnConnect subscribes a client connection to a channel.
func (s *Switchboard) OnConnect(conn connections.Conn, channelID, userID int64) {
	s.conns.Subscribe(channelID, conn, userID)
}

// OnDisconnect forgets a client connection in every channel.
func (s *Switchboard) OnDisconnect(conn connections.Conn) {
	s.conns.Disconnect(conn)
}

// SendToUser sends msg to one user's connection in a channel.
func (s *Switchboard) SendToUser(ctx context.Context, channelID, userID int64, msg any) bool {
	data, err := jsonx.Encode(msg)
	if err != nil {
		s.logger.Error("message serialization failed", slogx.Channel(channelID), slogx.Error(err))
	}
	return s.conns.SendToUser(ctx, channelID, userID, data)
}

// Connections returns how many client connections are subscribed to a channel.
func (s *Switchboard) Connections(channelID int64) int { return s.conns.Connections(channelID) }

// Directory returns the node's agent directory.
func (s *Switchboard) Directory() *directory.Directory { return s.directory }

// Discover queries the directory service and returns the agents it merged.
// Without a directory service nothing is discovered.
func (s *Switchboard) Discover(ctx context.Context) []directory.Card {
	if s.discovery == nil {
		return nil
	}
	return s.discovery.Trigger(ctx)
}

// SendToAgent sends content to a named agent and waits for the response.
func (s *Switchboard) SendToAgent(ctx context.Context, agent, content string, options ...dispatch.SendOption) dispatch.Result {
	return s.dispatcher.SendOnce(ctx, agent, content, options...)
}

// StreamToAgent sends content to a named agent and hands every chunk of
// the response to onChunk.
func (s *Switchboard) StreamToAgent(ctx context.Context, agent, content string, onChunk func(dispatch.Chunk), options ...dispatch.SendOption) {
	s.dispatcher.SendStreaming(ctx, agent, content, onChunk, options...)
}

// RegisterAgent makes a locally hosted agent reachable by name. With a
// directory service configured the agent is also registered there and kept
// alive with heartbeats. Registering a name again replaces the client and
// stops the previous registrar.
func (s *Switchboard) RegisterAgent(client dispatch.AgentClient, card directory.Card) error {
	if card.Name == "" {
		card.Name = client.Name()
	}
	if _, err := directory.RecordFromCard(card); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	agent := &ownedAgent{}
	if s.service != nil {
		agent.registrar = dispatch.NewRegistrar(s.service, card,
			dispatch.WithHeartbeatInterval(s.heartbeatInterval),
			dispatch.WithRequestTimeout(s.requestTimeout),
		)
	}
	if previous, ok := s.owned.Get(client.Name()); ok && previous.stop != nil {
		previous.stop()
	}
	s.owned.Add(client.Name(), agent)
	s.dispatcher.Register(client)
	if s.ctx != nil {
		s.runRegistrarLocked(agent)
	}
	s.logger.Info("local agent registered", slogx.Agent(client.Name()))
	return nil
}

// Registration reports the directory registration state of a locally
// owned agent.
func (s *Switchboard) Registration(agent string) (dispatch.RegistrationState, bool) {
	owned, ok := s.owned.Get(agent)
	if !ok || owned.registrar == nil {
		return dispatch.StateUnregistered, false
	}
	return owned.registrar.State(), true
}

type agentDiscovered struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type agentEvicted struct {
	Name string `json:"name"`
}

func (s *Switchboard) agentRegistered(rec directory.Record, created bool) {
	if _, owned := s.owned.Get(rec.Name); !owned {
		s.dispatcher.Bind(rec)
	}
	if !created {
		return
	}
	s.logger.Info("agent discovered", slogx.Agent(rec.Name), slog.String("url", rec.URL))
	_ = s.Publish(context.Background(), TopicAgentDiscovered, agentDiscovered{Name: rec.Name, URL: rec.URL})
}

func (s *Switchboard) agentEvicted(rec directory.Record) {
	if _, owned := s.owned.Get(rec.Name); !owned {
		s.dispatcher.Unbind(rec.Name)
	}
	s.logger.Info("agent evicted", slogx.Agent(rec.Name))
	_ = s.Publish(context.Background(), TopicAgentEvicted, agentEvicted{Name: rec.Name})
}
