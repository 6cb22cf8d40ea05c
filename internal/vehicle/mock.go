package vehicle

import (
	"context"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/temoto/mavbridge/mavlink"
)

type MockRecv struct {
	Env mavlink.Envelope
	Err error
}

// Mock is in-memory Link for tests.
// Feed Recv to simulate vehicle, read Sent for what bridge sent.
type Mock struct {
	Recv chan MockRecv
	Sent chan mavlink.Envelope

	mu        sync.Mutex
	sendErr   error
	sendCount int
	done      chan struct{}
	closeOnce sync.Once
}

var _ Link = &Mock{}

func NewMock() *Mock {
	return &Mock{
		Recv: make(chan MockRecv, 16),
		Sent: make(chan mavlink.Envelope, 64),
		done: make(chan struct{}),
	}
}

// SetSendError makes following Send calls fail with err, nil restores.
func (self *Mock) SetSendError(err error) {
	self.mu.Lock()
	self.sendErr = err
	self.mu.Unlock()
}

func (self *Mock) SendCount() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.sendCount
}

func (self *Mock) Receive(ctx context.Context) (mavlink.Envelope, error) {
	select {
	case <-ctx.Done():
		return mavlink.Envelope{}, ctx.Err()
	case <-self.done:
		return mavlink.Envelope{}, ErrClosed
	case r, ok := <-self.Recv:
		if !ok {
			return mavlink.Envelope{}, ErrClosed
		}
		return r.Env, r.Err
	}
}

func (self *Mock) Send(h mavlink.Header, m message.Message) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	select {
	case <-self.done:
		return ErrClosed
	default:
	}
	self.sendCount++
	if self.sendErr != nil {
		return self.sendErr
	}
	select {
	case self.Sent <- mavlink.Envelope{Header: h, Message: m}:
	default:
		// test does not read Sent, keep latest only
		select {
		case <-self.Sent:
		default:
		}
		self.Sent <- mavlink.Envelope{Header: h, Message: m}
	}
	return nil
}

func (self *Mock) Close() {
	self.closeOnce.Do(func() { close(self.done) })
}
