package pubsub

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is paho client replacement for transport tests without broker.
type MqttMock struct {
	Opt *mqtt.ClientOptions
	Pub chan MockMsg

	mu         sync.Mutex
	subs       []MockSub
	connectErr error
}

type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:  make(chan MockMsg, 32),
		subs: make([]MockSub, 0, 16),
	}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

func (self *MqttMock) SetConnectError(err error) { self.connectErr = err }

// TestPublish simulates broker delivery to subscribed handler.
func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.mu.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.mu.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			sub.Handler(self, MockMsg{T: topic, P: payload})
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

func (self *MqttMock) Subscribed() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	ss := make([]string, 0, len(self.subs))
	for _, sub := range self.subs {
		ss = append(ss, sub.Pattern)
	}
	return ss
}

func (self *MqttMock) Disconnect(uint)        {}
func (self *MqttMock) IsConnected() bool      { return true }
func (self *MqttMock) IsConnectionOpen() bool { return true }

func (self *MqttMock) Connect() mqtt.Token { return newMockToken(self.connectErr) }

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	b, _ := payload.([]byte)
	self.Pub <- MockMsg{T: topic, P: b, Q: qos}
	return newMockToken(nil)
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.mu.Lock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	self.mu.Unlock()
	return newMockToken(nil)
}

func (self *MqttMock) Unsubscribe(patterns ...string) mqtt.Token {
	self.mu.Lock()
	defer self.mu.Unlock()
	keep := self.subs[:0]
	for _, sub := range self.subs {
		drop := false
		for _, p := range patterns {
			drop = drop || sub.Pattern == p
		}
		if !drop {
			keep = append(keep, sub)
		}
	}
	self.subs = keep
	return newMockToken(nil)
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}

type mockToken struct {
	error
	done chan struct{}
}

func newMockToken(err error) mockToken {
	t := mockToken{error: err, done: make(chan struct{})}
	if !errors.IsTimeout(err) {
		close(t.done)
	}
	return t
}

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }
func (tok mockToken) Done() <-chan struct{}          { return tok.done }

type MockMsg struct {
	T string
	P []byte
	Q byte
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }
