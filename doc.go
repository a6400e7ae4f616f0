/*
Package switchboard is the real-time messaging core of a chat node that talks to AI agents.

A Switchboard ties together the pieces a node needs to move messages between
people, agents and other nodes:

  - Fan-out: in-process subscribers keyed by topic, channel or direct-message id
  - Connections: websocket clients grouped by channel, with per-user targeting
  - Bus: mirrors every publish to peer nodes over NATS so subscribers anywhere see it
  - Directory: the agents this node knows about, evicted when they stop heartbeating
  - Discovery: periodic, rate-gated pulls from a shared directory service
  - Dispatch: protocol-specific clients (A2A, MCP, plain HTTP) for talking to agents

# Basic Usage

	nc, err := natsx.Connect(cfg.BusURL, "switchboard")
	if err != nil {
		return err
	}

	sb := switchboard.New(append(
		switchboard.FromConfig(cfg),
		switchboard.WithTransport(broker.NATS(nc)),
	)...)
	if err := sb.Start(ctx); err != nil {
		return err
	}
	defer sb.Close()

	sub, _ := sb.SubscribeChannel(7, func(ctx context.Context, key broker.Key, msg json.RawMessage) error {
		slog.Info("channel message", "key", key, "msg", string(msg))
		return nil
	})
	defer sb.Unsubscribe(sub)

	_ = sb.PublishToChannel(ctx, 7, map[string]string{"text": "hello"})

	res := sb.SendToAgent(ctx, "summarizer", "summarize channel 7", dispatch.WithChannel(7))
	if !res.OK() {
		// the failure is in res.Err, nothing was published
	}

# Delivery

Publishing never fails because of the bus. A message is always delivered to
local subscribers and channel connections first; the bus copy is best effort
and only logged when it cannot be sent. Messages are not retained, a
subscriber only sees what is published after it subscribed.

Without a transport the switchboard runs in local-only mode and behaves the
same for everything on this node.

# Agents

Agents enter the directory through discovery or when a directory service
registers them. Each new agent is announced on the "agent.discovered" topic and
each eviction on "agent.evicted". Agents hosted by this node are added with
RegisterAgent; when a directory service is configured they are registered
there and kept alive with heartbeats, backing off exponentially while the
service is unreachable.
*/
package switchboard
