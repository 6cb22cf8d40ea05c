// Package bridge runs four loops between vehicle link and pub/sub session:
// receiver, heartbeat, forward to pub/sub and forward from pub/sub.
package bridge

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mavbridge/helpers"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/internal/hub"
	"github.com/temoto/mavbridge/internal/pubsub"
	"github.com/temoto/mavbridge/internal/supervisor"
	"github.com/temoto/mavbridge/internal/vehicle"
	"github.com/temoto/mavbridge/log2"
	"github.com/temoto/mavbridge/mavlink"
)

const (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultPollInterval      = 1 * time.Millisecond
)

const (
	TaskReceiver    = "MAVLink receiver"
	TaskHeartbeat   = "MAVLink heartbeat"
	TaskForwardTo   = "MAVLink -> pubsub"
	TaskForwardFrom = "pubsub -> MAVLink"
)

type Bridge struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	log      *log2.Log
	link     vehicle.Link
	session  pubsub.Session
	hub      *hub.Hub
	stat     *Stat
	topicOut string
	topicIn  string
}

func New(cfg *config.Config, link vehicle.Link, session pubsub.Session, stat *Stat, log *log2.Log) *Bridge {
	if stat == nil {
		stat, _ = NewStat(nil)
	}
	return &Bridge{
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollInterval:      DefaultPollInterval,

		log:      log,
		link:     link,
		session:  session,
		hub:      hub.New(),
		stat:     stat,
		topicOut: cfg.TopicOut(),
		topicIn:  cfg.TopicIn(),
	}
}

func (self *Bridge) Stat() *Stat { return self.stat }

// Run subscribes inbound topic and spawns all loops.
// Subscribe failure is returned before anything is spawned.
func (self *Bridge) Run(s *supervisor.Supervisor) error {
	ctx := s.Context()
	samples, err := self.session.Subscribe(ctx, self.topicIn)
	if err != nil {
		return errors.Annotatef(err, "subscribe %s", self.topicIn)
	}
	// cursors before receiver, so first message is not missed
	heartbeatCursor := self.hub.Subscribe()
	forwardCursor := self.hub.Subscribe()

	s.Spawn(TaskReceiver, self.ReceiveLoop)
	s.Spawn(TaskHeartbeat, func(ctx context.Context) { self.HeartbeatLoop(ctx, heartbeatCursor) })
	s.Spawn(TaskForwardTo, func(ctx context.Context) { self.ForwardToPubSub(ctx, forwardCursor) })
	s.Spawn(TaskForwardFrom, func(ctx context.Context) { self.ForwardFromPubSub(ctx, samples) })
	self.log.Infof("bridge running out=%s in=%s", self.topicOut, self.topicIn)
	return nil
}

// ReceiveLoop is the only hub producer, closes hub on exit.
func (self *Bridge) ReceiveLoop(ctx context.Context) {
	defer self.hub.Close()
	for {
		env, err := self.link.Receive(ctx)
		if err != nil {
			if vehicle.IsClosed(err) || ctx.Err() != nil {
				self.log.Debugf("receiver stop: %v", err)
				return
			}
			self.stat.ReceiveErrors.Inc()
			self.log.Errorf("receive: %v", err)
			continue
		}
		self.stat.Received.Inc()
		dropped, ok := self.hub.Offer(env)
		if dropped > 0 {
			self.stat.HubDrops.Add(float64(dropped))
		}
		if !ok {
			return
		}
	}
}

// HeartbeatLoop keeps vehicle link alive until hub is closed.
func (self *Bridge) HeartbeatLoop(ctx context.Context, c *hub.Cursor) {
	for {
		if _, status := c.TryRecv(); status == hub.Closed {
			self.log.Debugf("heartbeat stop: hub closed")
			return
		}
		env := mavlink.HeartbeatEnvelope()
		if err := self.link.Send(env.Header, env.Message); err != nil {
			self.stat.SendErrors.Inc()
			self.log.Errorf("heartbeat send: %v", err)
		} else {
			self.stat.Heartbeats.Inc()
		}
		if !sleepCursor(ctx, c, self.HeartbeatInterval) {
			self.log.Debugf("heartbeat stop")
			return
		}
	}
}

// sleepCursor returns false early when ctx is done or hub is closed.
// Values read from c are discarded.
func sleepCursor(ctx context.Context, c *hub.Cursor, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case _, ok := <-c.C():
			if !ok {
				return false
			}
		}
	}
}

// ForwardToPubSub publishes every envelope it observes on outbound topic.
func (self *Bridge) ForwardToPubSub(ctx context.Context, c *hub.Cursor) {
	for {
		env, status := c.TryRecv()
		switch status {
		case hub.Value:
			self.publish(ctx, env)
		case hub.Closed:
			self.log.Debugf("forward to pubsub stop: hub closed")
			return
		case hub.Empty:
		}
		if !helpers.SleepCtx(ctx, self.PollInterval) {
			return
		}
	}
}

func (self *Bridge) publish(ctx context.Context, env mavlink.Envelope) {
	payload, err := mavlink.Encode(env)
	if err != nil {
		self.stat.EncodeErrors.Inc()
		self.log.Errorf("encode msgid=%d: %v", msgID(env), err)
		return
	}
	if err = self.session.Publish(ctx, self.topicOut, payload); err != nil {
		self.stat.PublishErrors.Inc()
		self.log.Errorf("publish %s: %v", self.topicOut, err)
		return
	}
	self.stat.Published.Inc()
}

// ForwardFromPubSub decodes inbound samples and sends them to vehicle.
// Undecodable payload is dropped.
func (self *Bridge) ForwardFromPubSub(ctx context.Context, samples <-chan pubsub.Sample) {
	for {
		var sample pubsub.Sample
		var ok bool
		select {
		case <-ctx.Done():
			return
		case sample, ok = <-samples:
			if !ok {
				self.log.Debugf("forward from pubsub stop: subscription closed")
				return
			}
		}

		env, path, err := mavlink.DecodePath(sample.Payload)
		if err != nil {
			self.stat.DecodeErrors.Inc()
			if derr, ok := err.(*mavlink.DecodeError); ok {
				self.log.Errorf("drop from %s: as object: %v", sample.Topic, derr.Direct)
				self.log.Errorf("drop from %s: as string: %v", sample.Topic, derr.Wrapped)
			} else {
				self.log.Errorf("drop from %s: %v", sample.Topic, err)
			}
			self.log.Debugf("dropped payload=%s", sample.Payload)
			continue
		}

		if err = self.link.Send(env.Header, env.Message); err != nil {
			self.stat.SendErrors.Inc()
			self.log.Errorf("send %s: %v", env.Name(), err)
			continue
		}
		self.stat.Sent.Inc()
		self.log.Debugf("sent %s sys=%d comp=%d (%s)", env.Name(), env.Header.SystemID, env.Header.ComponentID, path)
	}
}

func msgID(env mavlink.Envelope) uint32 {
	if env.Message == nil {
		return 0
	}
	return env.Message.GetID()
}
