// Package vehicle is MAVLink link adapter: blocking receive and concurrent send
// over a connection described by a connection string.
package vehicle

import (
	"context"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/juju/errors"
	"github.com/temoto/mavbridge/mavlink"
)

var ErrClosed = errors.New("vehicle link closed")

// Link is safe for concurrent Send.
// Receive is intended for single consumer.
type Link interface {
	// Receive blocks until a message, error or ctx is done.
	// Returns ErrClosed after Close.
	Receive(ctx context.Context) (mavlink.Envelope, error)
	Send(h mavlink.Header, m message.Message) error
	Close()
}

// IsClosed reports link end of life, either ErrClosed or context error.
func IsClosed(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrClosed || cause == context.Canceled || cause == context.DeadlineExceeded
}
