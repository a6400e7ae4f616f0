package broker

import (
	"context"

	json "github.com/goccy/go-json"
)

// Callback receives a message published on the key it subscribed to.
// A returned error is logged by the publisher and doesn't affect other
// subscribers.
type Callback func(ctx context.Context, key Key, msg json.RawMessage) error

// Delivery hands a message that arrived from the bus to the local fan-out.
type Delivery func(ctx context.Context, key Key, msg json.RawMessage)

// Transport is the external pub/sub system a Bus rides on.
type Transport interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers handler for a wildcard subject pattern.
	Subscribe(pattern string, handler func(subject string, data []byte)) (TransportSubscription, error)
	// Close releases the underlying connection.
	Close() error
}

// TransportSubscription is a live pattern subscription on a Transport.
type TransportSubscription interface {
	// Done is closed once the subscription stops delivering, for whatever reason.
	Done() <-chan struct{}
	Unsubscribe() error
}
