package pubsub

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

type transportRedis struct {
	log  *log2.Log
	rc   *redis.Client
	stop chan struct{}
	once sync.Once
	subs subscriptions
}

func openRedis(ctx context.Context, sc config.SessionConfig, log *log2.Log) (*transportRedis, error) {
	opt, err := redis.ParseURL(sc.URL)
	if err != nil {
		return nil, errors.Annotate(err, "redis url")
	}
	opt.ClientName = sc.ClientID
	if sc.Username != "" {
		opt.Username = sc.Username
		opt.Password = sc.Password
	}
	opt.DialTimeout = networkTimeout(sc)
	tlsconf, err := tlsConfig(sc)
	if err != nil {
		return nil, err
	}
	if tlsconf != nil {
		opt.TLSConfig = tlsconf
	}

	self := &transportRedis{
		log:  log,
		rc:   redis.NewClient(opt),
		stop: make(chan struct{}),
	}
	if err = self.rc.Ping(ctx).Err(); err != nil {
		_ = self.rc.Close()
		return nil, errors.Annotate(err, "redis ping")
	}
	return self, nil
}

func (self *transportRedis) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-self.stop:
		return ErrClosed
	default:
	}
	if err := self.rc.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Annotatef(err, "redis publish %s", topic)
	}
	return nil
}

func (self *transportRedis) Subscribe(ctx context.Context, topic string) (<-chan Sample, error) {
	select {
	case <-self.stop:
		return nil, ErrClosed
	default:
	}
	ps := self.rc.Subscribe(ctx, topic)
	// wait for confirmation, so publish after Subscribe is not lost
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Annotatef(err, "redis subscribe %s", topic)
	}
	s := newSubscription(topic)
	self.subs.add(s)
	s.closeOnDone(ctx, self.stop, func() {
		self.subs.remove(s)
		_ = ps.Close()
	})
	go func() {
		// Channel is closed by ps.Close
		for msg := range ps.Channel() {
			if !s.deliver([]byte(msg.Payload)) {
				break
			}
		}
	}()
	return s.ch, nil
}

func (self *transportRedis) Close() error {
	var err error
	self.once.Do(func() {
		close(self.stop)
		self.subs.closeAll()
		err = self.rc.Close()
	})
	return errors.Annotate(err, "redis close")
}
