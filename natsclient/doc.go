// Package natsclient manages the NATS connection used to mirror bus traffic
// off the node.
//
// The client wraps a single nats.Conn with a circuit breaker. Connection
// failures are counted; after a threshold the circuit opens and further
// connect and publish attempts fail fast with ErrCircuitOpen until the backoff
// elapses. Backoff doubles on every consecutive open, capped by WithMaxBackoff.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("cyphalnode-42"),
//		natsclient.WithMetrics(metrics),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	_ = client.Publish(ctx, "cyphal.42.status", payload)
//
// Publish never blocks on a disconnected client: it returns ErrNotConnected
// and the caller decides whether to drop the message.
//
// NewTestClient starts a disposable NATS server with testcontainers for
// integration tests.
package natsclient
