package broker

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSTransport carries bus traffic over a NATS connection.
type NATSTransport struct {
	client *nats.Conn
}

// NATS wraps an established connection, see natsx.Connect.
func NATS(client *nats.Conn) *NATSTransport {
	return &NATSTransport{client: client}
}

func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.client.Publish(subject, data)
}

func (t *NATSTransport) Subscribe(pattern string, handler func(subject string, data []byte)) (TransportSubscription, error) {
	nsub, err := t.client.Subscribe(pattern, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}

	sub := &natsSubscription{sub: nsub, done: make(chan struct{})}
	nsub.SetClosedHandler(func(_ string) { sub.markDone() })
	if !nsub.IsValid() {
		sub.markDone()
	}
	return sub, nil
}

func (t *NATSTransport) Close() error {
	if t.client.IsClosed() {
		return nil
	}
	return t.client.Drain()
}

type natsSubscription struct {
	sub      *nats.Subscription
	done     chan struct{}
	doneOnce sync.Once
}

func (n *natsSubscription) markDone() {
	n.doneOnce.Do(func() { close(n.done) })
}

func (n *natsSubscription) Done() <-chan struct{} { return n.done }

func (n *natsSubscription) Unsubscribe() error {
	defer n.markDone()
	if !n.sub.IsValid() {
		return nil
	}
	return n.sub.Unsubscribe()
}
