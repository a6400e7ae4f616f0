package switchboard

import (
	"net/http"
	"time"

	"github.com/casualjim/switchboard/config"
	"github.com/casualjim/switchboard/internal/broker"
	"github.com/fogfish/opts"
)

type Option = opts.Option[Switchboard]

var (
	// WithTransport enables the distributed bus over the given transport.
	// Without one the switchboard runs in local-only mode.
	WithTransport = opts.ForName[Switchboard, broker.Transport]("transport")
	// WithBusPrefix sets the subject prefix shared by every node of a deployment.
	WithBusPrefix = opts.ForName[Switchboard, string]("busPrefix")
	// WithReconnectDelay is the pause before the bus listener resubscribes.
	WithReconnectDelay = opts.ForName[Switchboard, time.Duration]("reconnectDelay")
	// WithDirectoryService enables discovery from, and agent registration
	// with, the directory service at the given base url.
	WithDirectoryService  = opts.ForName[Switchboard, string]("directoryURL")
	WithDiscoveryInterval = opts.ForName[Switchboard, time.Duration]("discoveryInterval")
	// WithDiscoveryRetry is the first shortened wait after a failed discovery.
	WithDiscoveryRetry    = opts.ForName[Switchboard, time.Duration]("discoveryRetry")
	WithHeartbeatInterval = opts.ForName[Switchboard, time.Duration]("heartbeatInterval")
	WithEvictionTTL       = opts.ForName[Switchboard, time.Duration]("ttl")
	WithSweepInterval     = opts.ForName[Switchboard, time.Duration]("sweepInterval")
	// WithRequestTimeout bounds every directory and agent call.
	WithRequestTimeout = opts.ForName[Switchboard, time.Duration]("requestTimeout")
	// WithSendTimeout bounds a single send to a client connection.
	WithSendTimeout = opts.ForName[Switchboard, time.Duration]("sendTimeout")
	WithHTTPClient  = opts.ForName[Switchboard, *http.Client]("httpClient")
)

// WithClock replaces time.Now for the agent directory and discovery.
func WithClock(now func() time.Time) Option {
	return opts.Type[Switchboard](func(s *Switchboard) error {
		s.now = now
		return nil
	})
}

// FromConfig translates loaded configuration into options. The bus
// transport is not part of it, callers connect and pass WithTransport.
func FromConfig(cfg config.Config) []Option {
	return []Option{
		WithBusPrefix(cfg.BusPrefix),
		WithReconnectDelay(cfg.ReconnectDelay()),
		WithDirectoryService(cfg.DirectoryURL),
		WithDiscoveryInterval(cfg.DiscoveryEvery()),
		WithDiscoveryRetry(cfg.DiscoveryRetryAfter()),
		WithHeartbeatInterval(cfg.HeartbeatEvery()),
		WithEvictionTTL(cfg.TTL()),
		WithSweepInterval(cfg.SweepEvery()),
		WithRequestTimeout(cfg.RequestTimeoutDuration()),
		WithSendTimeout(cfg.SendTimeoutDuration()),
	}
}
