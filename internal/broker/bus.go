package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/casualjim/switchboard/pkg/uuidx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

const (
	DefaultPrefix         = "switchboard"
	DefaultReconnectDelay = 5 * time.Second
)

// ErrClosed is returned when publishing on a closed Bus.
var ErrClosed = errors.New("bus is closed")

// Bus mirrors local publishes onto a Transport and forwards messages
// published by peer nodes to a Delivery func.
type Bus struct {
	transport      Transport
	deliver        Delivery
	prefix         string
	origin         string
	reconnectDelay time.Duration
	logger         *slog.Logger

	listening atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// BusOption configures a Bus.
type BusOption = opts.Option[Bus]

var (
	// WithPrefix sets the subject prefix shared by all nodes of a deployment.
	WithPrefix = opts.ForName[Bus, string]("prefix")
	// WithReconnectDelay sets the fixed pause before the listener resubscribes.
	WithReconnectDelay = opts.ForName[Bus, time.Duration]("reconnectDelay")
	// WithOrigin overrides the node id stamped on outgoing envelopes.
	WithOrigin = opts.ForName[Bus, string]("origin")
)

// NewBus creates a Bus over transport. Inbound messages from other nodes are
// handed to deliver.
func NewBus(transport Transport, deliver Delivery, options ...BusOption) *Bus {
	b := &Bus{
		transport:      transport,
		deliver:        deliver,
		prefix:         DefaultPrefix,
		origin:         uuidx.NewString(),
		reconnectDelay: DefaultReconnectDelay,
	}
	if err := opts.Apply(b, options); err != nil {
		panic(err)
	}
	b.logger = slogx.Component("bus").With(slog.String("origin", b.origin))
	return b
}

// Origin returns the id this node stamps on its envelopes.
func (b *Bus) Origin() string { return b.origin }

// Listening reports whether all namespace subscriptions are currently live.
func (b *Bus) Listening() bool { return b.listening.Load() }

// Publish encodes msg in an envelope and publishes it on the subject for key.
func (b *Bus) Publish(ctx context.Context, key Key, msg json.RawMessage) error {
	if b.closed.Load() {
		return ErrClosed
	}
	subject, err := key.Subject(b.prefix)
	if err != nil {
		return err
	}
	data, err := wrap(b.origin, msg)
	if err != nil {
		return fmt.Errorf("wrapping message for %s: %w", key, err)
	}
	if err := b.transport.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

// Run keeps the namespace subscriptions alive until ctx is cancelled. When
// the transport drops any of them, all subscriptions are torn down and,
// after the reconnect delay, re-established together.
func (b *Bus) Run(ctx context.Context) {
	for {
		subs, err := b.subscribeAll(ctx)
		if err != nil {
			b.logger.Error("bus subscribe failed", slogx.Error(err))
		} else {
			b.listening.Store(true)
			b.logger.Info("bus listener started", slog.String("prefix", b.prefix))
			err = b.wait(ctx, subs)
			b.listening.Store(false)
			b.unsubscribeAll(subs)
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("bus listener failed", slogx.Error(err))
		}

		timer := time.NewTimer(b.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close closes the underlying transport. Run returns once its context is
// cancelled; Close does not cancel it.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.transport.Close()
	})
	return err
}

func (b *Bus) subscribeAll(ctx context.Context) ([]TransportSubscription, error) {
	subs := make([]TransportSubscription, 0, len(Namespaces))
	for _, ns := range Namespaces {
		sub, err := b.transport.Subscribe(patternSubject(b.prefix, ns), func(subject string, data []byte) {
			b.receive(ctx, subject, data)
		})
		if err != nil {
			b.unsubscribeAll(subs)
			return nil, fmt.Errorf("subscribing %s namespace: %w", ns, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (b *Bus) unsubscribeAll(subs []TransportSubscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", slogx.Error(err))
		}
	}
}

// wait blocks until ctx is done or one of subs stops delivering.
func (b *Bus) wait(ctx context.Context, subs []TransportSubscription) error {
	lost := make(chan int, len(subs))
	stop := make(chan struct{})
	defer close(stop)

	for i, sub := range subs {
		go func() {
			select {
			case <-sub.Done():
				lost <- i
			case <-stop:
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case i := <-lost:
		return fmt.Errorf("subscription for %s namespace closed", Namespaces[i])
	}
}

func (b *Bus) receive(ctx context.Context, subject string, data []byte) {
	key, err := KeyFromSubject(b.prefix, subject)
	if err != nil {
		b.logger.Warn("dropping bus message", slog.String("subject", subject), slogx.Error(err))
		return
	}
	origin, payload, err := unwrap(data)
	if err != nil {
		b.logger.Warn("dropping bus message", slog.String("subject", subject), slogx.Error(err))
		return
	}
	if origin == b.origin {
		return
	}
	b.deliver(ctx, key, payload)
}
