// Package conn owns the single logical connection to the backend
// change-stream: connect/disconnect lifecycle, heartbeat, exponential-backoff
// reconnect and network-quality estimation.
package conn

import "context"

// Session is one live connection to the change-stream. The backend service
// is an opaque transport; the engine never defines its wire format.
type Session interface {
	// Subscribe attaches a channel handler for a topic+filter pair. The
	// returned cancel function detaches it. Payload and error callbacks may
	// be invoked from transport goroutines.
	Subscribe(ctx context.Context, topic, filter string, onPayload func([]byte), onError func(error)) (cancel func(), err error)

	// Publish sends a best-effort outbound payload on a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Ping performs a lightweight round-trip used by the heartbeat.
	Ping(ctx context.Context) error

	Close() error
}

// Transport dials sessions. Implementations wrap whatever managed realtime
// service backs the deployment.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}
