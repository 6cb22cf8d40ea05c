package pubsub

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
)

const wsSendBuffer = 64

// transportWs is WebSocket server, URL path of client connection is the topic.
// Publish broadcasts text frame to clients of topic, client frames are delivered to subscribers of topic.
type transportWs struct {
	log      *log2.Log
	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	timeout  time.Duration
	stop     chan struct{}
	once     sync.Once
	subs     subscriptions

	mu    sync.RWMutex
	conns map[string]*wsConn
}

type wsConn struct {
	id    string
	topic string
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	done  chan struct{}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func openWS(ctx context.Context, sc config.SessionConfig, log *log2.Log) (*transportWs, error) {
	u, err := url.Parse(sc.URL)
	if err != nil {
		return nil, errors.Annotate(err, "ws url")
	}
	switch u.Scheme {
	case "ws", "http":
	default:
		return nil, errors.NotSupportedf("ws listen scheme=%s", u.Scheme)
	}
	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, errors.Annotatef(err, "ws listen %s", u.Host)
	}
	self := &transportWs{
		log:      log,
		listener: listener,
		timeout:  networkTimeout(sc),
		stop:     make(chan struct{}),
		conns:    make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", self.handleWS)
	self.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: self.timeout}
	go func() {
		if err := self.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("ws serve err=%v", err)
		}
	}()
	log.Infof("ws listen=%s", listener.Addr())
	return self, nil
}

func (self *transportWs) Addr() net.Addr { return self.listener.Addr() }

func (self *transportWs) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := strings.Trim(r.URL.Path, "/")
	if topic == "" {
		http.Error(w, "topic path required", http.StatusNotFound)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		self.log.Errorf("ws upgrade remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	c := &wsConn{
		id:    uuid.New().String(),
		topic: topic,
		ws:    ws,
		send:  make(chan []byte, wsSendBuffer),
		done:  make(chan struct{}),
	}
	self.mu.Lock()
	select {
	case <-self.stop:
		self.mu.Unlock()
		c.close()
		return
	default:
	}
	self.conns[c.id] = c
	self.mu.Unlock()
	self.log.Debugf("ws connect id=%s remote=%s topic=%s", c.id, r.RemoteAddr, topic)

	go self.writeLoop(c)
	self.readLoop(c)

	self.mu.Lock()
	delete(self.conns, c.id)
	self.mu.Unlock()
	c.close()
	self.log.Debugf("ws disconnect id=%s", c.id)
}

func (self *transportWs) readLoop(c *wsConn) {
	for {
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				self.log.Errorf("ws read id=%s err=%v", c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		for _, s := range self.subs.forTopic(c.topic) {
			s.deliver(b)
		}
	}
}

func (self *transportWs) writeLoop(c *wsConn) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(self.timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				self.log.Errorf("ws write id=%s err=%v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// Publish never blocks on slow client, its oldest queued frame is dropped.
func (self *transportWs) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-self.stop:
		return ErrClosed
	default:
	}
	self.mu.RLock()
	defer self.mu.RUnlock()
	for _, c := range self.conns {
		if c.topic != topic {
			continue
		}
		select {
		case c.send <- payload:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- payload:
			default:
			}
		}
	}
	return nil
}

func (self *transportWs) Subscribe(ctx context.Context, topic string) (<-chan Sample, error) {
	select {
	case <-self.stop:
		return nil, ErrClosed
	default:
	}
	s := newSubscription(strings.Trim(topic, "/"))
	self.subs.add(s)
	s.closeOnDone(ctx, self.stop, func() { self.subs.remove(s) })
	return s.ch, nil
}

func (self *transportWs) Close() error {
	var err error
	self.once.Do(func() {
		self.mu.Lock()
		close(self.stop)
		conns := make([]*wsConn, 0, len(self.conns))
		for _, c := range self.conns {
			conns = append(conns, c)
		}
		self.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
		self.subs.closeAll()
		ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
		defer cancel()
		err = self.httpSrv.Shutdown(ctx)
	})
	return errors.Annotate(err, "ws close")
}
