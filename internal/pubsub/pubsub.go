// Package pubsub is publish/subscribe session over one of supported fabrics:
// MQTT (default), NATS, Redis, AMQP topic exchange or WebSocket server.
package pubsub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/mavbridge/helpers"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

const (
	defaultNetworkTimeout = 10 * time.Second
	defaultKeepalive      = 30 * time.Second
	subscriptionBuffer    = 16
)

var ErrClosed = errors.New("pubsub session closed")

type Sample struct {
	Topic   string
	Payload []byte
}

// Session is safe for concurrent use.
// Subscribe channel is closed on session Close or when ctx is done.
type Session interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Sample, error)
	Close() error
}

// Open connects to fabric selected by sc.Backend.
// Connection failure is returned, not retried.
func Open(ctx context.Context, sc config.SessionConfig, log *log2.Log) (Session, error) {
	if sc.ClientID == "" {
		sc.ClientID = NewClientID()
	}
	log.Debugf("pubsub open %s", sc.String())
	var s Session
	var err error
	switch sc.Backend {
	case config.BackendMQTT, "":
		s, err = openMQTT(ctx, sc, log, nil)
	case config.BackendNATS:
		s, err = openNATS(ctx, sc, log)
	case config.BackendRedis:
		s, err = openRedis(ctx, sc, log)
	case config.BackendAMQP:
		s, err = openAMQP(ctx, sc, log)
	case config.BackendWS:
		s, err = openWS(ctx, sc, log)
	default:
		return nil, errors.NotSupportedf("pubsub backend=%s", sc.Backend)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "pubsub open backend=%s url=%s", sc.Backend, sc.URL)
	}
	return s, nil
}

func NewClientID() string { return "mavbridge-" + uuid.New().String() }

func networkTimeout(sc config.SessionConfig) time.Duration {
	d := helpers.IntSecondDefault(sc.NetworkTimeoutSec, defaultNetworkTimeout)
	if d < 1*time.Second {
		d = 1 * time.Second
	}
	return d
}

// tlsConfig returns nil without CA file.
func tlsConfig(sc config.SessionConfig) (*tls.Config, error) {
	if sc.TlsCaFile == "" {
		return nil, nil
	}
	cabytes, err := os.ReadFile(sc.TlsCaFile)
	if err != nil {
		return nil, errors.Annotate(err, "tls_ca_file")
	}
	conf := &tls.Config{RootCAs: x509.NewCertPool()}
	if !conf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("tls_ca_file=%s no certificates", sc.TlsCaFile)
	}
	return conf, nil
}

// subscription owns Sample channel, serializes deliver against close.
type subscription struct {
	topic  string
	ch     chan Sample
	mu     sync.RWMutex
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newSubscription(topic string) *subscription {
	return &subscription{
		topic: topic,
		ch:    make(chan Sample, subscriptionBuffer),
		done:  make(chan struct{}),
	}
}

// deliver blocks while consumer is slow, until close.
func (self *subscription) deliver(payload []byte) bool {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if self.closed {
		return false
	}
	select {
	case self.ch <- Sample{Topic: self.topic, Payload: payload}:
		return true
	case <-self.done:
		return false
	}
}

func (self *subscription) close() {
	self.once.Do(func() {
		close(self.done)
		self.mu.Lock()
		self.closed = true
		close(self.ch)
		self.mu.Unlock()
	})
}

// closeOnDone closes subscription when ctx is done or stop is closed.
func (self *subscription) closeOnDone(ctx context.Context, stop <-chan struct{}, f func()) {
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		case <-self.done:
		}
		if f != nil {
			f()
		}
		self.close()
	}()
}

// subscriptions is shared registry, closed all at once on session Close.
type subscriptions struct {
	mu sync.Mutex
	m  map[*subscription]struct{}
}

func (self *subscriptions) add(s *subscription) {
	self.mu.Lock()
	if self.m == nil {
		self.m = make(map[*subscription]struct{})
	}
	self.m[s] = struct{}{}
	self.mu.Unlock()
}

func (self *subscriptions) remove(s *subscription) {
	self.mu.Lock()
	delete(self.m, s)
	self.mu.Unlock()
}

func (self *subscriptions) forTopic(topic string) []*subscription {
	self.mu.Lock()
	defer self.mu.Unlock()
	ss := make([]*subscription, 0, 1)
	for s := range self.m {
		if s.topic == topic {
			ss = append(ss, s)
		}
	}
	return ss
}

func (self *subscriptions) closeAll() {
	self.mu.Lock()
	ss := make([]*subscription, 0, len(self.m))
	for s := range self.m {
		ss = append(ss, s)
	}
	self.m = nil
	self.mu.Unlock()
	for _, s := range ss {
		s.close()
	}
}
