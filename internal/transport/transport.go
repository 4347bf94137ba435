// Package transport defines the opaque delivery capability the router and
// QoS engine send bytes through, plus illustrative adapters. Protocol
// adapters are external collaborators (spec.md §1); the adapters here exist
// to exercise the interface with a real backend, not to be a complete
// adapter layer.
package transport

import "context"

// Transport is the uniform Deliver(bytes) -> Result contract every
// protocol adapter (MQTT, WebSocket, NATS, ...) implements. The router
// never inspects what is behind it.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

// Func adapts a plain function to Transport, useful for tests and for
// wrapping simple delivery closures without a dedicated type.
type Func func(ctx context.Context, payload []byte) error

func (f Func) Send(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}
