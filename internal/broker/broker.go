// Package broker is a small in-process MQTT 3.1.1 server, so the bridge can run
// without external fabric (session.listen).
//
// Clean sessions only, QoS 0 and 1, no retained messages, wills or redelivery.
// Every client has a bounded send queue; deliveries that do not fit are dropped
// and counted in Stats.
package broker

import (
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavbridge/helpers"
	"github.com/temoto/mavbridge/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultQueueSize      = 256
	readLimit             = 1 << 20
)

var (
	ErrClosed    = errors.New("broker closed")
	errTakenOver = errors.New("client id taken over")
)

type Config struct {
	URL            string        // tcp://, mqtt:// or ws://host:port
	NetworkTimeout time.Duration // read timeout for clients without keepalive
	QueueSize      int           // per client
}

type Stats struct {
	Clients       int
	Subscriptions int
	Delivered     uint64
	Dropped       uint64
}

type Broker struct {
	alive  *alive.Alive
	config Config
	log    *log2.Log
	server transport.Server
	once   sync.Once

	mu      sync.Mutex
	pending map[transport.Conn]struct{} // before CONNECT
	clients map[string]*client
	subs    *topic.Tree // pattern -> *route

	delivered uint64 // atomic
	dropped   uint64 // atomic
}

func Start(config Config, log *log2.Log) (*Broker, error) {
	if config.NetworkTimeout <= 0 {
		config.NetworkTimeout = DefaultNetworkTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	u, err := url.ParseRequestURI(config.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "broker listen url=%s", config.URL)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ws":
	default:
		return nil, errors.NotSupportedf("broker listen url=%s", config.URL)
	}
	server, err := transport.Launch(config.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "broker listen url=%s", config.URL)
	}

	self := &Broker{
		alive:   alive.NewAlive(),
		config:  config,
		log:     log,
		server:  server,
		pending: make(map[transport.Conn]struct{}),
		clients: make(map[string]*client),
		subs:    topic.NewStandardTree(),
	}
	self.alive.Add(1)
	go self.acceptLoop()
	log.Debugf("broker listen url=%s addr=%s", config.URL, server.Addr())
	return self, nil
}

// Addr is actual listen address, useful with port 0.
func (self *Broker) Addr() net.Addr { return self.server.Addr() }

func (self *Broker) Stats() Stats {
	var n int
	helpers.WithLock(&self.mu, func() { n = len(self.clients) })
	return Stats{
		Clients:       n,
		Subscriptions: self.subs.Count(),
		Delivered:     atomic.LoadUint64(&self.delivered),
		Dropped:       atomic.LoadUint64(&self.dropped),
	}
}

func (self *Broker) Close() error {
	var err error
	self.once.Do(func() {
		self.alive.Stop()
		err = self.server.Close()
		self.mu.Lock()
		cs := make([]*client, 0, len(self.clients))
		for _, c := range self.clients {
			cs = append(cs, c)
		}
		for conn := range self.pending {
			_ = conn.Close()
		}
		self.mu.Unlock()
		for _, c := range cs {
			c.kill(ErrClosed)
		}
		self.alive.Wait()
	})
	return errors.Annotate(err, "broker close")
}

func (self *Broker) acceptLoop() {
	defer self.alive.Done()
	for {
		conn, err := self.server.Accept()
		if err != nil {
			if self.alive.IsRunning() {
				self.log.Errorf("broker accept err=%v", err)
			}
			return
		}
		if !self.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go self.serve(conn)
	}
}

func (self *Broker) serve(conn transport.Conn) {
	defer self.alive.Done()
	conn.SetReadLimit(readLimit)
	conn.SetReadTimeout(self.config.NetworkTimeout)
	conn.SetMaxWriteDelay(0)

	self.mu.Lock()
	if !self.alive.IsRunning() {
		self.mu.Unlock()
		_ = conn.Close()
		return
	}
	self.pending[conn] = struct{}{}
	self.mu.Unlock()
	c, err := self.handshake(conn)
	helpers.WithLock(&self.mu, func() { delete(self.pending, conn) })
	if err != nil {
		self.log.Infof("broker reject addr=%s err=%v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	if !self.attach(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()

	err = self.readLoop(c)
	self.detach(c)
	c.kill(err)
	switch reason := c.reason(); reason {
	case nil, io.EOF, ErrClosed:
		self.log.Debugf("broker client=%s gone err=%v", c.id, reason)
	default:
		self.log.Infof("broker client=%s gone err=%v", c.id, reason)
	}
}

// handshake reads CONNECT and answers CONNACK synchronously, before writeLoop starts.
func (self *Broker) handshake(conn transport.Conn) (*client, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Annotate(err, "receive connect")
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.NotValidf("first packet %s", pkt.Type())
	}

	id := connect.ClientID
	if id == "" {
		// decoder allows empty id only with clean session
		id = "auto-" + uuid.New().String()
	}
	if connect.Will != nil {
		self.log.Debugf("broker client=%s will ignored topic=%s", id, connect.Will.Topic)
	}

	keepalive := time.Duration(connect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > self.config.NetworkTimeout {
		keepalive = self.config.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)

	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Annotate(err, "send connack")
	}
	self.log.Debugf("broker client=%s addr=%s keepalive=%v", id, conn.RemoteAddr(), keepalive)
	return newClient(id, conn, self.config.QueueSize), nil
}

func (self *Broker) readLoop(c *client) error {
	for {
		pkt, err := c.conn.Receive()
		if err != nil {
			return err
		}
		switch p := pkt.(type) {
		case *packet.Publish:
			if p.Message.QOS > packet.QOSAtLeastOnce {
				return errors.NotSupportedf("publish qos=%d", p.Message.QOS)
			}
			self.route(p.Message.Copy())
			if p.Message.QOS == packet.QOSAtLeastOnce {
				ack := packet.NewPuback()
				ack.ID = p.ID
				c.reply(ack)
			}

		case *packet.Subscribe:
			if len(p.Subscriptions) == 0 {
				return errors.NotValidf("subscribe without topics")
			}
			ack := packet.NewSuback()
			ack.ID = p.ID
			ack.ReturnCodes = self.subscribe(c, p.Subscriptions)
			c.reply(ack)

		case *packet.Unsubscribe:
			self.unsubscribe(c, p.Topics)
			ack := packet.NewUnsuback()
			ack.ID = p.ID
			c.reply(ack)

		case *packet.Pingreq:
			c.reply(packet.NewPingresp())

		case *packet.Puback:
			// no redelivery, nothing to release

		case *packet.Disconnect:
			return nil

		default:
			return errors.NotSupportedf("packet %s", pkt.Type())
		}
	}
}

// route queues msg to every client with matching subscription, once per client.
// Delivery QoS is min(publish, strongest matching subscription).
func (self *Broker) route(msg *packet.Message) {
	matches := self.subs.Match(msg.Topic)
	if len(matches) == 0 {
		return
	}
	best := make(map[*client]packet.QOS, len(matches))
	for _, v := range matches {
		r := v.(*route)
		if q, ok := best[r.c]; !ok || r.qos > q {
			best[r.c] = r.qos
		}
	}
	for c, qos := range best {
		out := packet.NewPublish()
		out.Message = packet.Message{Topic: msg.Topic, Payload: msg.Payload, QOS: msg.QOS}
		if qos < out.Message.QOS {
			out.Message.QOS = qos
		}
		if out.Message.QOS > packet.QOSAtMostOnce {
			out.ID = c.packetID()
		}
		if c.offer(out) {
			atomic.AddUint64(&self.delivered, 1)
		} else {
			atomic.AddUint64(&self.dropped, 1)
			self.log.Debugf("broker drop client=%s topic=%s", c.id, msg.Topic)
		}
	}
}

func (self *Broker) subscribe(c *client, subs []packet.Subscription) []packet.QOS {
	codes := make([]packet.QOS, len(subs))
	self.mu.Lock()
	defer self.mu.Unlock()
	for i, s := range subs {
		if _, err := topic.Parse(s.Topic, true); err != nil {
			self.log.Infof("broker client=%s subscribe topic=%q err=%v", c.id, s.Topic, err)
			codes[i] = packet.QOSFailure
			continue
		}
		qos := s.QOS
		if qos > packet.QOSAtLeastOnce {
			qos = packet.QOSAtLeastOnce
		}
		if old, ok := c.routes[s.Topic]; ok {
			self.subs.Remove(s.Topic, old)
		}
		r := &route{c: c, qos: qos}
		c.routes[s.Topic] = r
		self.subs.Add(s.Topic, r)
		codes[i] = qos
	}
	return codes
}

func (self *Broker) unsubscribe(c *client, patterns []string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, pattern := range patterns {
		if r, ok := c.routes[pattern]; ok {
			self.subs.Remove(pattern, r)
			delete(c.routes, pattern)
		}
	}
}

// attach registers client, existing client with same id is disconnected.
func (self *Broker) attach(c *client) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.alive.IsRunning() {
		return false
	}
	if ex, ok := self.clients[c.id]; ok {
		self.log.Infof("broker client=%s taken over by addr=%s", c.id, c.conn.RemoteAddr())
		self.dropRoutes(ex)
		ex.kill(errTakenOver)
	}
	self.clients[c.id] = c
	return true
}

func (self *Broker) detach(c *client) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.clients[c.id] == c {
		delete(self.clients, c.id)
	}
	self.dropRoutes(c)
}

// requires self.mu
func (self *Broker) dropRoutes(c *client) {
	for pattern, r := range c.routes {
		self.subs.Remove(pattern, r)
	}
	c.routes = make(map[string]*route)
}
