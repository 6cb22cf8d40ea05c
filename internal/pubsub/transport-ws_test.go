package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

func TestWebSocket(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}
	t.Parallel()
	ctx := context.Background()
	log := log2.NewTest(t, log2.LInfo)
	s, err := openWS(ctx, config.SessionConfig{Backend: config.BackendWS, URL: "ws://127.0.0.1:0", NetworkTimeoutSec: 1}, log)
	require.NoError(t, err)
	defer s.Close()
	base := "ws://" + s.Addr().String()

	in, err := s.Subscribe(ctx, "drone1/in")
	require.NoError(t, err)

	consumer, _, err := websocket.DefaultDialer.Dial(base+"/drone1/out", nil)
	require.NoError(t, err)
	defer consumer.Close()
	producer, _, err := websocket.DefaultDialer.Dial(base+"/drone1/in", nil)
	require.NoError(t, err)
	defer producer.Close()
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.conns) == 2
	}, testTimeout, testTimeout/100)

	require.NoError(t, s.Publish(ctx, "drone1/out", []byte("telemetry")))
	require.NoError(t, consumer.SetReadDeadline(time.Now().Add(testTimeout)))
	kind, b, err := consumer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, []byte("telemetry"), b)

	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte("command")))
	sample := recvSample(t, in)
	assert.Equal(t, "drone1/in", sample.Topic)
	assert.Equal(t, []byte("command"), sample.Payload)

	require.NoError(t, s.Close())
	requireClosed(t, in)
	assert.Equal(t, ErrClosed, s.Publish(ctx, "drone1/out", nil))
}

func TestWebSocketBadScheme(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LInfo)
	_, err := openWS(context.Background(), config.SessionConfig{URL: "wss://127.0.0.1:0"}, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}
