package pubsub

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Mock is in-memory loopback Session for tests.
// Published receives every successful Publish, subscribers of same topic get it too.
type Mock struct {
	Published chan Sample

	mu         sync.Mutex
	publishErr error
	stop       chan struct{}
	closeOnce  sync.Once
	subs       subscriptions
}

var _ Session = &Mock{}

func NewMock() *Mock {
	return &Mock{
		Published: make(chan Sample, 256),
		stop:      make(chan struct{}),
	}
}

// SetPublishError makes following Publish calls fail with err, nil restores.
func (self *Mock) SetPublishError(err error) {
	self.mu.Lock()
	self.publishErr = err
	self.mu.Unlock()
}

func (self *Mock) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-self.stop:
		return ErrClosed
	default:
	}
	self.mu.Lock()
	err := self.publishErr
	self.mu.Unlock()
	if err != nil {
		return err
	}

	sample := Sample{Topic: topic, Payload: append([]byte(nil), payload...)}
	select {
	case self.Published <- sample:
	case <-ctx.Done():
		return ctx.Err()
	}
	self.Inject(topic, sample.Payload)
	return nil
}

// Inject simulates external producer, delivers to subscribers only.
func (self *Mock) Inject(topic string, payload []byte) int {
	n := 0
	for _, s := range self.subs.forTopic(topic) {
		if s.deliver(payload) {
			n++
		}
	}
	return n
}

func (self *Mock) Subscribe(ctx context.Context, topic string) (<-chan Sample, error) {
	select {
	case <-self.stop:
		return nil, errors.Annotatef(ErrClosed, "subscribe topic=%s", topic)
	default:
	}
	s := newSubscription(topic)
	self.subs.add(s)
	s.closeOnDone(ctx, self.stop, func() { self.subs.remove(s) })
	return s.ch, nil
}

func (self *Mock) Close() error {
	self.closeOnce.Do(func() {
		close(self.stop)
		self.subs.closeAll()
	})
	return nil
}
