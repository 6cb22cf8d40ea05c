package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/internal/hub"
	"github.com/temoto/mavbridge/internal/pubsub"
	"github.com/temoto/mavbridge/internal/supervisor"
	"github.com/temoto/mavbridge/internal/vehicle"
	"github.com/temoto/mavbridge/log2"
	"github.com/temoto/mavbridge/mavlink"
)

const testTimeout = 2 * time.Second

type testEnv struct {
	b       *Bridge
	link    *vehicle.Mock
	session *pubsub.Mock
	sup     *supervisor.Supervisor
}

func newTestEnv(t testing.TB, hbInterval time.Duration) *testEnv {
	log := log2.NewTest(t, log2.LDebug)
	cfg := config.Default()
	cfg.Path = "drone1"
	link := vehicle.NewMock()
	session := pubsub.NewMock()
	stat, err := NewStat(prometheus.NewRegistry())
	require.NoError(t, err)
	b := New(cfg, link, session, stat, log)
	b.HeartbeatInterval = hbInterval
	sup := supervisor.New(context.Background(), log)
	sup.WaitInterval = 10 * time.Millisecond
	env := &testEnv{b: b, link: link, session: session, sup: sup}
	t.Cleanup(func() {
		link.Close()
		sup.ShutdownTimeout(testTimeout)
		_ = session.Close()
	})
	return env
}

func (e *testEnv) run(t testing.TB) {
	require.NoError(t, e.b.Run(e.sup))
}

func recvPublished(t testing.TB, m *pubsub.Mock) pubsub.Sample {
	t.Helper()
	select {
	case s := <-m.Published:
		return s
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for publish")
		return pubsub.Sample{}
	}
}

// recvSentFrom skips envelopes from other systems, heartbeats have zero header.
func recvSentFrom(t testing.TB, m *vehicle.Mock, sysID uint8) mavlink.Envelope {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case env := <-m.Sent:
			if env.Header.SystemID == sysID {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for send from system=%d", sysID)
			return mavlink.Envelope{}
		}
	}
}

func vehicleHeartbeat() mavlink.Envelope {
	return mavlink.Envelope{
		Header:  mavlink.Header{SystemID: 1, ComponentID: 1},
		Message: mavlink.Heartbeat(),
	}
}

func TestForwardToPubSub(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	e.run(t)
	e.link.Recv <- vehicle.MockRecv{Env: vehicleHeartbeat()}

	s := recvPublished(t, e.session)
	assert.Equal(t, "drone1/out", s.Topic)
	assert.True(t, strings.HasPrefix(string(s.Payload), `{"header":{"system_id":1,"component_id":1,"sequence":0},"message":{"type":"HEARTBEAT",`), string(s.Payload))
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().Published) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.b.Stat().Received))
}

func TestForwardFromPubSub(t *testing.T) {
	t.Parallel()

	payload, err := mavlink.Encode(vehicleHeartbeat())
	require.NoError(t, err)
	wrapped, err := json.Marshal(string(payload))
	require.NoError(t, err)

	cases := []struct {
		name    string
		payload []byte
	}{
		{"direct", payload},
		{"wrapped", wrapped},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t, time.Hour)
			e.run(t)

			assert.Equal(t, 1, e.session.Inject("drone1/in", c.payload))
			env := recvSentFrom(t, e.link, 1)
			assert.Equal(t, mavlink.Header{SystemID: 1, ComponentID: 1}, env.Header)
			assert.Equal(t, mavlink.Heartbeat(), env.Message)
			require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().Sent) == 1 }, testTimeout, time.Millisecond)
		})
	}
}

func TestForwardFromPubSubDecodeError(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	e.run(t)

	e.session.Inject("drone1/in", []byte("garbage"))
	e.session.Inject("drone1/in", []byte(`{"header":{},"message":{"type":"NO_SUCH_THING"}}`))
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().DecodeErrors) == 2 }, testTimeout, time.Millisecond)

	// loop survives bad input
	att := mavlink.Envelope{
		Header:  mavlink.Header{SystemID: 7, ComponentID: 1},
		Message: &ardupilotmega.MessageAttitude{Roll: 0.5},
	}
	payload, err := mavlink.Encode(att)
	require.NoError(t, err)
	e.session.Inject("drone1/in", payload)
	env := recvSentFrom(t, e.link, 7)
	assert.Equal(t, att.Message, env.Message)
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().Sent) == 1 }, testTimeout, time.Millisecond)
}

func TestForwardFromPubSubSendError(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	e.run(t)
	payload, err := mavlink.Encode(vehicleHeartbeat())
	require.NoError(t, err)

	e.link.SetSendError(errors.New("serial port unplugged"))
	e.session.Inject("drone1/in", payload)
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().SendErrors) >= 1 }, testTimeout, time.Millisecond)

	e.link.SetSendError(nil)
	e.session.Inject("drone1/in", payload)
	recvSentFrom(t, e.link, 1)
	assert.Contains(t, e.sup.ListRunning(), TaskForwardFrom)
}

func TestReceiveErrorsKeepLoop(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	extra := e.b.hub.Subscribe()
	e.sup.Spawn(TaskReceiver, e.b.ReceiveLoop)

	const n = 5
	for i := 0; i < n; i++ {
		e.link.Recv <- vehicle.MockRecv{Err: errors.New("bad crc")}
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().ReceiveErrors) == n }, testTimeout, time.Millisecond)
	_, status := extra.TryRecv()
	assert.Equal(t, hub.Empty, status)
	assert.Equal(t, []string{TaskReceiver}, e.sup.ListRunning())

	e.link.Recv <- vehicle.MockRecv{Env: vehicleHeartbeat()}
	select {
	case env := <-extra.C():
		assert.Equal(t, uint8(1), env.Header.SystemID)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for hub")
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, 5*time.Millisecond)
	e.run(t)

	env := recvSentFrom(t, e.link, 0)
	assert.Equal(t, mavlink.Header{}, env.Header)
	assert.Equal(t, mavlink.Heartbeat(), env.Message)

	e.link.SetSendError(errors.New("link busy"))
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().SendErrors) >= 2 }, testTimeout, time.Millisecond)
	assert.Contains(t, e.sup.ListRunning(), TaskHeartbeat)

	e.link.SetSendError(nil)
	before := testutil.ToFloat64(e.b.Stat().Heartbeats)
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().Heartbeats) > before }, testTimeout, time.Millisecond)
}

func TestPublishErrorKeepsLoop(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	e.run(t)

	e.session.SetPublishError(errors.New("broker gone"))
	e.link.Recv <- vehicle.MockRecv{Env: vehicleHeartbeat()}
	require.Eventually(t, func() bool { return testutil.ToFloat64(e.b.Stat().PublishErrors) == 1 }, testTimeout, time.Millisecond)

	e.session.SetPublishError(nil)
	e.link.Recv <- vehicle.MockRecv{Env: vehicleHeartbeat()}
	s := recvPublished(t, e.session)
	assert.Equal(t, "drone1/out", s.Topic)
}

func TestLinkClosedStopsHubConsumers(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	e.run(t)
	require.Len(t, e.sup.ListRunning(), 4)

	e.link.Close()
	require.Eventually(t, func() bool {
		running := e.sup.ListRunning()
		return len(running) == 1 && running[0] == TaskForwardFrom
	}, testTimeout, time.Millisecond)
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, 5*time.Millisecond)
	e.run(t)
	assert.Equal(t, []string{TaskForwardTo, TaskHeartbeat, TaskReceiver, TaskForwardFrom}, e.sup.ListRunning())

	assert.True(t, e.sup.ShutdownTimeout(testTimeout))
	assert.Empty(t, e.sup.ListRunning())
}

func TestRunSubscribeError(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, time.Hour)
	require.NoError(t, e.session.Close())
	err := e.b.Run(e.sup)
	require.Error(t, err)
	assert.True(t, errors.Cause(err) == pubsub.ErrClosed, errors.ErrorStack(err))
	assert.Empty(t, e.sup.ListRunning())
}

func TestNewStatRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewStat(reg)
	require.NoError(t, err)
	_, err = NewStat(reg)
	require.Error(t, err)

	s, err := NewStat(nil)
	require.NoError(t, err)
	s.HubDrops.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(s.HubDrops))
}
