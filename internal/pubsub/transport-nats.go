package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

type transportNats struct {
	log     *log2.Log
	nc      *nats.Conn
	timeout time.Duration
	stop    chan struct{}
	once    sync.Once
	subs    subscriptions
}

func openNATS(ctx context.Context, sc config.SessionConfig, log *log2.Log) (*transportNats, error) {
	self := &transportNats{
		log:     log,
		timeout: networkTimeout(sc),
		stop:    make(chan struct{}),
	}
	opts := []nats.Option{
		nats.Name(sc.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1 * time.Second),
		nats.Timeout(self.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Errorf("nats disconnected err=%v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected url=%s", nc.ConnectedUrl())
		}),
	}
	if sc.Username != "" {
		opts = append(opts, nats.UserInfo(sc.Username, sc.Password))
	}
	if sc.TlsCaFile != "" {
		opts = append(opts, nats.RootCAs(sc.TlsCaFile))
	}
	nc, err := nats.Connect(sc.URL, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "nats connect")
	}
	self.nc = nc
	return self, nil
}

func (self *transportNats) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-self.stop:
		return ErrClosed
	default:
	}
	if err := self.nc.Publish(topic, payload); err != nil {
		return errors.Annotatef(err, "nats publish %s", topic)
	}
	return nil
}

func (self *transportNats) Subscribe(ctx context.Context, topic string) (<-chan Sample, error) {
	select {
	case <-self.stop:
		return nil, ErrClosed
	default:
	}
	s := newSubscription(topic)
	sub, err := self.nc.Subscribe(topic, func(msg *nats.Msg) {
		s.deliver(msg.Data)
	})
	if err != nil {
		return nil, errors.Annotatef(err, "nats subscribe %s", topic)
	}
	// FlushWithContext requires a deadline
	flushCtx, cancel := context.WithTimeout(ctx, self.timeout)
	err = self.nc.FlushWithContext(flushCtx)
	cancel()
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.Annotatef(err, "nats subscribe %s", topic)
	}
	self.subs.add(s)
	s.closeOnDone(ctx, self.stop, func() {
		self.subs.remove(s)
		_ = sub.Unsubscribe()
	})
	return s.ch, nil
}

func (self *transportNats) Close() error {
	var err error
	self.once.Do(func() {
		close(self.stop)
		self.subs.closeAll()
		if err = self.nc.Drain(); err != nil {
			self.nc.Close()
		}
	})
	return errors.Annotate(err, "nats close")
}
