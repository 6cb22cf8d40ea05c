package bridge

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bridge_api "github.com/temoto/mavbridge/internal/bridge"
	"github.com/temoto/mavbridge/log2"
)

func TestMetricsServer(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	reg := prometheus.NewRegistry()
	stat, err := bridge_api.NewStat(reg)
	require.NoError(t, err)
	stat.Heartbeats.Add(2)

	serve, addr, err := metricsServer("127.0.0.1:0", reg, log)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { serve(ctx); close(done) }()

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mavbridge_bridge_heartbeats_total 2")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestMetricsServerListenError(t *testing.T) {
	t.Parallel()

	_, _, err := metricsServer("bad address", prometheus.NewRegistry(), log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
}
