package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/cenkalti/backoff/v5"
	"github.com/fogfish/opts"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffCap        = 60 * time.Second
)

// RegistrationState is where a Registrar is in its lifecycle.
type RegistrationState int

const (
	StateUnregistered RegistrationState = iota
	StateRegistering
	StateActive
	StateBackoff
)

func (s RegistrationState) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRegistering:
		return "REGISTERING"
	case StateActive:
		return "ACTIVE"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// DirectoryService is the remote directory an agent registers with.
type DirectoryService interface {
	Register(ctx context.Context, card directory.Card) (directory.Card, error)
	Heartbeat(ctx context.Context, id string) error
}

// Registrar keeps one locally owned agent registered with a directory
// service.
//
// Registration failures back off exponentially (base, 2·base, 4·base ...
// capped). Once active the agent heartbeats on a fixed interval; a failed
// heartbeat keeps it active because staleness is the directory's call, but
// a heartbeat rejected as unknown starts registration over.
type Registrar struct {
	service   DirectoryService
	card      directory.Card
	heartbeat time.Duration
	timeout   time.Duration
	base      time.Duration
	limit     time.Duration
	onChange  func(from, to RegistrationState)

	mu     sync.Mutex
	state  RegistrationState
	logger *slog.Logger
}

type RegistrarOption = opts.Option[Registrar]

var (
	WithHeartbeatInterval = opts.ForName[Registrar, time.Duration]("heartbeat")
	WithRequestTimeout    = opts.ForName[Registrar, time.Duration]("timeout")
)

// WithBackoff sets the first retry delay and the longest one.
func WithBackoff(base, limit time.Duration) RegistrarOption {
	return opts.Type[Registrar](func(r *Registrar) error {
		r.base, r.limit = base, limit
		return nil
	})
}

// OnStateChange observes every transition.
func OnStateChange(fn func(from, to RegistrationState)) RegistrarOption {
	return opts.Type[Registrar](func(r *Registrar) error {
		r.onChange = fn
		return nil
	})
}

func NewRegistrar(service DirectoryService, card directory.Card, options ...RegistrarOption) *Registrar {
	r := &Registrar{
		service:   service,
		card:      card,
		heartbeat: DefaultHeartbeatInterval,
		timeout:   DefaultTimeout,
		base:      DefaultBackoffBase,
		limit:     DefaultBackoffCap,
		state:     StateUnregistered,
	}
	if err := opts.Apply(r, options); err != nil {
		panic(err)
	}
	r.logger = slogx.Component("registrar").With(slogx.Agent(card.Key()))
	return r
}

func (r *Registrar) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registrar) transition(to RegistrationState) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if from == to {
		return
	}
	r.logger.Debug("registration state changed", slogx.Stringer("from", from), slogx.Stringer("to", to))
	if r.onChange != nil {
		r.onChange(from, to)
	}
}

func (r *Registrar) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.limit
	b.Reset()
	return b
}

// Run drives the state machine until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) {
	retry := r.newBackOff()
	for ctx.Err() == nil {
		switch r.State() {
		case StateUnregistered, StateBackoff:
			r.transition(StateRegistering)

		case StateRegistering:
			if err := r.register(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				wait := retry.NextBackOff()
				r.logger.Warn("agent registration failed", slogx.Error(err), slog.Duration("retry_in", wait))
				r.transition(StateBackoff)
				if !sleep(ctx, wait) {
					return
				}
				continue
			}
			retry.Reset()
			r.logger.Info("agent registered with directory")
			r.transition(StateActive)

		case StateActive:
			if !sleep(ctx, r.heartbeat) {
				return
			}
			err := r.beat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, directory.ErrNotRegistered):
				r.logger.Warn("directory forgot agent, registering again")
				r.transition(StateUnregistered)
			case ctx.Err() != nil:
				return
			default:
				r.logger.Warn("agent heartbeat failed", slogx.Error(err))
			}
		}
	}
}

func (r *Registrar) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.service.Register(ctx, r.card)
	return err
}

func (r *Registrar) beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.service.Heartbeat(ctx, r.card.Key())
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
