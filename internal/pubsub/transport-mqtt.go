package pubsub

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/mavbridge/helpers"
	"github.com/temoto/mavbridge/internal/broker"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

type mqttNewClientFunc func(*mqtt.ClientOptions) mqtt.Client

type transportMqtt struct {
	log    *log2.Log
	m      mqtt.Client
	mopt   *mqtt.ClientOptions
	qos    byte
	broker *broker.Broker // embedded, optional
	stop   chan struct{}
	once   sync.Once
	subs   subscriptions

	networkTimeout time.Duration
}

// SetMQTTLog installs process wide paho library loggers.
func SetMQTTLog(log *log2.Log, debug bool) {
	mqttLog := log.Clone(log2.LInfo)
	mqttLog.SetPrefix("mqtt: ")
	mqtt.ERROR = mqttLog
	mqtt.CRITICAL = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog
	}
}

func openMQTT(ctx context.Context, sc config.SessionConfig, log *log2.Log, newClient mqttNewClientFunc) (*transportMqtt, error) {
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	self := &transportMqtt{
		log:  log,
		qos:  byte(sc.QOS),
		stop: make(chan struct{}),
	}
	if sc.Listen != "" {
		b, err := broker.Start(broker.Config{URL: sc.Listen, NetworkTimeout: networkTimeout(sc)}, log.Clone(log2.LInfo))
		if err != nil {
			return nil, errors.Annotate(err, "embedded broker")
		}
		self.broker = b
		log.Infof("mqtt embedded broker listen=%s", b.Addr())
	}

	self.networkTimeout = networkTimeout(sc)
	connectTimeout := self.networkTimeout * 3
	keepalive := helpers.IntSecondDefault(sc.KeepaliveSec, defaultKeepalive)
	tlsconf, err := tlsConfig(sc)
	if err != nil {
		self.closeBroker()
		return nil, err
	}

	self.mopt = mqtt.NewClientOptions().
		AddBroker(sc.URL).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(sc.ClientID).
		SetConnectTimeout(connectTimeout).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(self.networkTimeout).
		SetWriteTimeout(self.networkTimeout).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if sc.Username != "" {
		self.mopt.SetUsername(sc.Username).SetPassword(sc.Password)
	}
	if tlsconf != nil {
		self.mopt.SetTLSConfig(tlsconf)
	}
	self.m = newClient(self.mopt)

	t := self.m.Connect()
	if err := self.tokenWait(ctx, t, "connect", connectTimeout); err != nil {
		self.closeBroker()
		return nil, err
	}
	return self, nil
}

func (self *transportMqtt) Publish(ctx context.Context, topic string, payload []byte) error {
	if self.isClosed() {
		return ErrClosed
	}
	t := self.m.Publish(topic, self.qos, false, payload)
	return self.tokenWait(ctx, t, "publish "+topic, self.networkTimeout)
}

func (self *transportMqtt) Subscribe(ctx context.Context, topic string) (<-chan Sample, error) {
	if self.isClosed() {
		return nil, ErrClosed
	}
	s := newSubscription(topic)
	self.subs.add(s)
	t := self.m.Subscribe(topic, self.qos, self.subHandler(s))
	if err := self.tokenWait(ctx, t, "subscribe "+topic, self.networkTimeout); err != nil {
		self.subs.remove(s)
		s.close()
		return nil, err
	}
	s.closeOnDone(ctx, self.stop, func() {
		self.subs.remove(s)
		if !self.isClosed() {
			self.m.Unsubscribe(topic)
		}
	})
	return s.ch, nil
}

func (self *transportMqtt) Close() error {
	self.once.Do(func() {
		close(self.stop)
		self.subs.closeAll()
		self.m.Disconnect(uint(self.networkTimeout / time.Millisecond))
		self.closeBroker()
	})
	return nil
}

func (self *transportMqtt) closeBroker() {
	if self.broker != nil {
		st := self.broker.Stats()
		if err := self.broker.Close(); err != nil {
			self.log.Errorf("mqtt embedded broker close err=%v", err)
		}
		self.log.Debugf("mqtt embedded broker closed delivered=%d dropped=%d", st.Delivered, st.Dropped)
	}
}

func (self *transportMqtt) isClosed() bool {
	select {
	case <-self.stop:
		return true
	default:
		return false
	}
}

func (self *transportMqtt) subHandler(s *subscription) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		self.log.Debugf("mqtt income topic=%s payload=%s", msg.Topic(), payload)
		s.deliver(payload)
	}
}

func (self *transportMqtt) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	self.log.Errorf("mqtt unexpected message topic=%s", msg.Topic())
}

func (self *transportMqtt) connectLostHandler(_ mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
}

// clean session, so subscriptions are renewed after reconnect
func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connected")
	self.subs.mu.Lock()
	ss := make([]*subscription, 0, len(self.subs.m))
	for s := range self.subs.m {
		ss = append(ss, s)
	}
	self.subs.mu.Unlock()
	for _, s := range ss {
		s := s
		go func() {
			t := c.Subscribe(s.topic, self.qos, self.subHandler(s))
			if err := self.tokenWait(context.Background(), t, "resubscribe "+s.topic, self.networkTimeout); err == nil {
				self.log.Debugf("mqtt resubscribe topic=%s", s.topic)
			}
		}()
	}
}

func (self *transportMqtt) tokenWait(ctx context.Context, t mqtt.Token, tag string, timeout time.Duration) error {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-t.Done():
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "mqtt "+tag)
	case <-tmr.C:
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, "mqtt "+tag)
		self.log.Error(err)
		return err
	}
	return nil
}
