//go:build integration

package natsclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_Connect(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	require.True(t, tc.IsReady())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Equal(t, StatusConnected, tc.Client.GetStatus().Status)
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	ctx := context.Background()

	var received atomic.Int32
	got := make(chan []byte, 1)
	sub := tc.NativeConnection(t)
	_, err := sub.Subscribe("cyphal.42.>", func(msg *gonats.Msg) {
		if received.Add(1) == 1 {
			got <- msg.Data
		}
	})
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, tc.Client.Publish(ctx, "cyphal.42.status", []byte(`{"health":"nominal"}`)))
	require.NoError(t, tc.Client.Flush(ctx))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"health":"nominal"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_ConnectFailureOpensCircuit(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
		WithCircuitBreakerThreshold(2),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, client.Connect(ctx))
	assert.ErrorIs(t, client.Connect(ctx), ErrCircuitOpen)
	assert.ErrorIs(t, client.Connect(ctx), ErrCircuitOpen)
}
