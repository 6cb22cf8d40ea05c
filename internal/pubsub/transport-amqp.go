package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

// transportAmqp publishes to topic exchange, routing key is topic with '/' replaced by '.'.
// Each subscription is exclusive auto-delete queue bound to the key.
type transportAmqp struct {
	log      *log2.Log
	conn     *amqp.Connection
	pubmu    sync.Mutex
	pub      amqpPublisher
	openPub  func() (amqpPublisher, error)
	exchange string
	clientID string
	stop     chan struct{}
	once     sync.Once
	subs     subscriptions
}

// amqpPublisher is the part of *amqp.Channel used for publishing.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

func routingKey(topic string) string { return strings.ReplaceAll(topic, "/", ".") }

func openAMQP(ctx context.Context, sc config.SessionConfig, log *log2.Log) (*transportAmqp, error) {
	tlsconf, err := tlsConfig(sc)
	if err != nil {
		return nil, err
	}
	amqpConfig := amqp.Config{
		Heartbeat:       networkTimeout(sc),
		TLSClientConfig: tlsconf,
		Dial:            amqp.DefaultDial(networkTimeout(sc)),
		Properties:      amqp.Table{"connection_name": sc.ClientID},
	}
	if sc.Username != "" {
		amqpConfig.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: sc.Username, Password: sc.Password}}
	}
	conn, err := amqp.DialConfig(sc.URL, amqpConfig)
	if err != nil {
		return nil, errors.Annotate(err, "amqp dial")
	}
	self := &transportAmqp{
		log:      log,
		conn:     conn,
		exchange: sc.Exchange,
		clientID: sc.ClientID,
		stop:     make(chan struct{}),
	}
	if self.exchange == "" {
		self.exchange = config.DefaultExchange
	}
	self.openPub = func() (amqpPublisher, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, errors.Annotate(err, "amqp channel")
		}
		err = ch.ExchangeDeclare(
			self.exchange,
			amqp.ExchangeTopic,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			_ = ch.Close()
			return nil, errors.Annotatef(err, "amqp exchange declare %s", self.exchange)
		}
		return ch, nil
	}
	if self.pub, err = self.openPub(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go self.watch()
	go self.watchPub(self.pub)
	return self, nil
}

func (self *transportAmqp) watch() {
	ch := self.conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case err, ok := <-ch:
		if ok && err != nil {
			self.log.Errorf("amqp connection closed err=%v", err)
		}
		// subscribers see closed channels and stop
		self.subs.closeAll()
	case <-self.stop:
	}
}

// watchPub replaces publish channel after channel level close,
// e.g. server error on publish. Returns when session stops or reopen fails.
func (self *transportAmqp) watchPub(pub amqpPublisher) {
	for {
		ch := pub.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-self.stop:
			return
		case err, ok := <-ch:
			if ok && err != nil {
				self.log.Errorf("amqp publish channel closed err=%v", err)
			}
		}
		next, err := self.reopenPub()
		if err != nil {
			self.log.Errorf("amqp publish channel reopen err=%v", err)
			return
		}
		if next == nil {
			return
		}
		pub = next
	}
}

func (self *transportAmqp) reopenPub() (amqpPublisher, error) {
	self.pubmu.Lock()
	defer self.pubmu.Unlock()
	select {
	case <-self.stop:
		return nil, nil
	default:
	}
	pub, err := self.openPub()
	if err != nil {
		return nil, err
	}
	self.pub = pub
	return pub, nil
}

func (self *transportAmqp) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-self.stop:
		return ErrClosed
	default:
	}
	self.pubmu.Lock()
	defer self.pubmu.Unlock()
	err := self.pub.PublishWithContext(ctx,
		self.exchange,
		routingKey(topic),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			AppId:       self.clientID,
			Body:        payload,
		})
	if err != nil {
		return errors.Annotatef(err, "amqp publish %s", topic)
	}
	return nil
}

func (self *transportAmqp) Subscribe(ctx context.Context, topic string) (<-chan Sample, error) {
	select {
	case <-self.stop:
		return nil, ErrClosed
	default:
	}
	ch, err := self.conn.Channel()
	if err != nil {
		return nil, errors.Annotate(err, "amqp channel")
	}
	q, err := ch.QueueDeclare(
		"",    // server named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Annotatef(err, "amqp queue declare topic=%s", topic)
	}
	if err = ch.QueueBind(q.Name, routingKey(topic), self.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Annotatef(err, "amqp queue bind topic=%s", topic)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Annotatef(err, "amqp consume topic=%s", topic)
	}

	s := newSubscription(topic)
	self.subs.add(s)
	s.closeOnDone(ctx, self.stop, func() {
		self.subs.remove(s)
		_ = ch.Close()
	})
	go func() {
		// deliveries is closed by channel close
		for d := range deliveries {
			if !s.deliver(d.Body) {
				break
			}
		}
		s.close()
	}()
	return s.ch, nil
}

func (self *transportAmqp) Close() error {
	var err error
	self.once.Do(func() {
		close(self.stop)
		self.subs.closeAll()
		err = self.conn.Close()
	})
	return errors.Annotate(err, "amqp close")
}
