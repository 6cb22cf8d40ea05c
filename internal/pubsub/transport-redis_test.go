package pubsub

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

func TestRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	ctx := context.Background()
	log := log2.NewTest(t, log2.LInfo)
	s, err := Open(ctx, config.SessionConfig{Backend: config.BackendRedis, URL: "redis://" + mr.Addr(), NetworkTimeoutSec: 1}, log)
	require.NoError(t, err)
	defer s.Close()
	require.IsType(t, &transportRedis{}, s)

	in, err := s.Subscribe(ctx, "drone1/in")
	require.NoError(t, err)
	assert.Equal(t, []string{"drone1/in"}, mr.PubSubChannels(""))

	require.NoError(t, s.Publish(ctx, "drone1/in", []byte("command")))
	sample := recvSample(t, in)
	assert.Equal(t, "drone1/in", sample.Topic)
	assert.Equal(t, []byte("command"), sample.Payload)

	// external publisher
	mr.Publish("drone1/in", "from-server")
	assert.Equal(t, []byte("from-server"), recvSample(t, in).Payload)

	subCtx, cancel := context.WithCancel(ctx)
	other, err := s.Subscribe(subCtx, "drone1/out")
	require.NoError(t, err)
	cancel()
	requireClosed(t, other)

	require.NoError(t, s.Close())
	requireClosed(t, in)
	assert.Equal(t, ErrClosed, s.Publish(ctx, "drone1/in", nil))
	_, err = s.Subscribe(ctx, "drone1/in")
	assert.Equal(t, ErrClosed, err)
}

func TestRedisPingError(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	log := log2.NewTest(t, log2.LInfo)
	_, err := openRedis(context.Background(), config.SessionConfig{URL: "redis://" + addr, NetworkTimeoutSec: 1}, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}
