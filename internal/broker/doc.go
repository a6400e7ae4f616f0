// Package broker implements the fan-out substrate of a switchboard node: an
// in-process subscriber registry (Fanout) and a bridge onto a distributed
// pub/sub transport (Bus) so that peer nodes see the same events.
//
// Design decisions:
//   - Keyed addressing: every publish and subscription names a Key made of a
//     Namespace (topic, channel, dm) and an id, rendered as "topic:{name}",
//     "channel:{id}" or "dm:{id}".
//   - Snapshot delivery: Fanout.Publish iterates a copy of the subscriber list
//     taken when the call starts, so concurrent subscribe/unsubscribe never
//     races with delivery.
//   - Isolation: a failing or panicking callback is logged and skipped; the
//     remaining subscribers still receive the message.
//   - Explicit tokens: Subscribe returns a Subscription value that Unsubscribe
//     consumes, there are no captured unsubscribe closures.
//   - Degradable bus: the Bus mirrors local publishes outward and forwards
//     inbound messages to a Delivery func, but a bus failure never blocks or
//     fails local delivery. The listener resubscribes every namespace pattern
//     after a fixed delay when the transport drops a subscription.
//
// Wire format on the bus is a JSON envelope carrying the publishing node's
// origin id next to the message:
//
//	{"origin":"0192...","data":{"a":1}}
//
// published on the subject "{prefix}.{namespace}.{id}". Listeners subscribe
// to "{prefix}.{namespace}.>" for each namespace.
//
// Example usage:
//
//	fanout := broker.NewFanout()
//	sub, err := fanout.Subscribe(broker.Channel(7), func(ctx context.Context, key broker.Key, msg json.RawMessage) error {
//	    fmt.Println(key, string(msg))
//	    return nil
//	})
//	if err != nil {
//	    return err
//	}
//	defer fanout.Unsubscribe(sub)
//
//	fanout.Publish(ctx, broker.Channel(7), json.RawMessage(`{"a":1}`))
package broker
