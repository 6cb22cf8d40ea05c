package broker

import (
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/temoto/mavbridge/helpers"
)

// client is one connected MQTT session.
// Reads happen on the serve goroutine, all writes go through queue and writeLoop.
type client struct {
	id     string
	conn   transport.Conn
	queue  chan packet.Generic
	done   chan struct{}
	once   sync.Once
	err    helpers.AtomicError
	nextID uint32 // atomic, outgoing packet.ID

	routes map[string]*route // pattern, guarded by Broker.mu
}

// route is one subscription, value in Broker.subs tree.
type route struct {
	c   *client
	qos packet.QOS
}

func newClient(id string, conn transport.Conn, queueSize int) *client {
	return &client{
		id:     id,
		conn:   conn,
		queue:  make(chan packet.Generic, queueSize),
		done:   make(chan struct{}),
		routes: make(map[string]*route),
	}
}

func (self *client) packetID() packet.ID {
	for {
		// zero is invalid for QoS 1
		if id := packet.ID(atomic.AddUint32(&self.nextID, 1)); id != 0 {
			return id
		}
	}
}

// offer queues delivery without waiting, false means dropped.
func (self *client) offer(pkt *packet.Publish) bool {
	select {
	case <-self.done:
		return false
	default:
	}
	select {
	case self.queue <- pkt:
		return true
	default:
		return false
	}
}

// reply queues protocol response, waits for space.
func (self *client) reply(pkt packet.Generic) bool {
	select {
	case self.queue <- pkt:
		return true
	case <-self.done:
		return false
	}
}

func (self *client) writeLoop() {
	for {
		select {
		case pkt := <-self.queue:
			if err := self.conn.Send(pkt, false); err != nil {
				self.kill(err)
				return
			}
		case <-self.done:
			return
		}
	}
}

// kill closes connection once, first error is kept as the reason.
func (self *client) kill(e error) {
	_, _ = self.err.StoreOnce(e)
	self.once.Do(func() {
		close(self.done)
		_ = self.conn.Close()
	})
}

func (self *client) reason() error {
	err, _ := self.err.Load()
	return err
}
