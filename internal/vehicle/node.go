package vehicle

import (
	"context"
	"sync"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/juju/errors"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/log2"
	"github.com/temoto/mavbridge/mavlink"
)

// Node is Link over gomavlib node.
// gomavlib reads endpoints on its own goroutines, Receive selects on its event channel.
type Node struct {
	log       *log2.Log
	n         *gomavlib.Node
	rw        *dialect.ReadWriter
	events    chan gomavlib.Event
	version   int
	systemID  uint8
	compID    uint8
	done      chan struct{}
	closeOnce sync.Once
}

var _ Link = &Node{}

func Connect(connStr string, vc config.VehicleConfig, log *log2.Log) (*Node, error) {
	ep, err := ParseEndpoint(connStr)
	if err != nil {
		return nil, errors.Annotate(err, "vehicle connect")
	}
	version := gomavlib.V2
	if vc.MavlinkVersion == 1 {
		version = gomavlib.V1
	}
	rw, err := dialect.NewReadWriter(mavlink.Dialect)
	if err != nil {
		return nil, errors.Annotate(err, "vehicle dialect")
	}
	self := &Node{
		rw:       rw,
		log:      log,
		version:  vc.MavlinkVersion,
		systemID: uint8(vc.SystemID),
		compID:   uint8(vc.ComponentID),
		done:     make(chan struct{}),
	}
	self.n, err = gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:      []gomavlib.EndpointConf{ep},
		Dialect:        mavlink.Dialect,
		OutVersion:     version,
		OutSystemID:    self.systemID,
		OutComponentID: self.compID,
		// heartbeat loop sends its own
		HeartbeatDisable: true,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "vehicle connect=%s", connStr)
	}
	self.events = self.n.Events()
	log.Infof("vehicle connected %s", connStr)
	return self, nil
}

func (self *Node) Receive(ctx context.Context) (mavlink.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return mavlink.Envelope{}, ctx.Err()
		case <-self.done:
			return mavlink.Envelope{}, ErrClosed

		case ev, ok := <-self.events:
			if !ok {
				return mavlink.Envelope{}, ErrClosed
			}
			switch e := ev.(type) {
			case *gomavlib.EventFrame:
				return mavlink.Envelope{
					Header: mavlink.Header{
						SystemID:    e.SystemID(),
						ComponentID: e.ComponentID(),
						Sequence:    e.Frame.GetSequenceNumber(),
					},
					Message: e.Message(),
				}, nil

			case *gomavlib.EventParseError:
				return mavlink.Envelope{}, errors.Annotate(e.Error, "vehicle receive")

			case *gomavlib.EventChannelOpen:
				self.log.Infof("vehicle channel open %v", e.Channel)
			case *gomavlib.EventChannelClose:
				self.log.Infof("vehicle channel close %v", e.Channel)
			}
		}
	}
}

// Send writes frame with given header, zero system or component id is replaced with configured identity.
// WriteFrameAll does not sign or checksum, so the message is encoded here.
func (self *Node) Send(h mavlink.Header, m message.Message) error {
	select {
	case <-self.done:
		return ErrClosed
	default:
	}
	if m == nil {
		return errors.NotValidf("vehicle send nil message")
	}
	if h.SystemID == 0 {
		h.SystemID = self.systemID
	}
	if h.ComponentID == 0 {
		h.ComponentID = self.compID
	}

	f, err := self.encodeFrame(h, m)
	if err != nil {
		return err
	}
	if err := self.n.WriteFrameAll(f); err != nil {
		return errors.Annotatef(err, "vehicle send msgid=%d", m.GetID())
	}
	return nil
}

func (self *Node) encodeFrame(h mavlink.Header, m message.Message) (frame.Frame, error) {
	mp := self.rw.GetMessage(m.GetID())
	if mp == nil {
		return nil, errors.NotSupportedf("vehicle send msgid=%d", m.GetID())
	}
	if self.version == 1 {
		f := &frame.V1Frame{SequenceNumber: h.Sequence, SystemID: h.SystemID, ComponentID: h.ComponentID, Message: mp.Write(m, false)}
		f.Checksum = f.GenerateChecksum(mp.CRCExtra())
		return f, nil
	}
	f := &frame.V2Frame{SequenceNumber: h.Sequence, SystemID: h.SystemID, ComponentID: h.ComponentID, Message: mp.Write(m, true)}
	f.Checksum = f.GenerateChecksum(mp.CRCExtra())
	return f, nil
}

func (self *Node) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.n.Close()
	})
}
