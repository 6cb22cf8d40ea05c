package bridge

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "mavbridge"
	metricSubsystem = "bridge"
)

// Stat counters are safe for concurrent use.
type Stat struct {
	Received      prometheus.Counter
	ReceiveErrors prometheus.Counter
	Published     prometheus.Counter
	PublishErrors prometheus.Counter
	Sent          prometheus.Counter
	SendErrors    prometheus.Counter
	DecodeErrors  prometheus.Counter
	EncodeErrors  prometheus.Counter
	Heartbeats    prometheus.Counter
	HubDrops      prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Subsystem: metricSubsystem,
		Name:      name,
		Help:      help,
	})
}

// NewStat registers counters with reg, nil reg leaves them unregistered.
func NewStat(reg prometheus.Registerer) (*Stat, error) {
	s := &Stat{
		Received:      newCounter("received_total", "MAVLink messages received from vehicle"),
		ReceiveErrors: newCounter("receive_errors_total", "Vehicle receive failures"),
		Published:     newCounter("published_total", "Envelopes published on outbound topic"),
		PublishErrors: newCounter("publish_errors_total", "Publish failures"),
		Sent:          newCounter("sent_total", "Envelopes sent to vehicle from inbound topic"),
		SendErrors:    newCounter("send_errors_total", "Vehicle send failures, heartbeat included"),
		DecodeErrors:  newCounter("decode_errors_total", "Inbound payloads rejected by both decoding rules"),
		EncodeErrors:  newCounter("encode_errors_total", "Received messages that could not be encoded"),
		Heartbeats:    newCounter("heartbeats_total", "Heartbeats sent to vehicle"),
		HubDrops:      newCounter("hub_drops_total", "Envelopes replaced in hub before consumer read them"),
	}
	if reg == nil {
		return s, nil
	}
	for _, c := range s.all() {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "register metrics")
		}
	}
	return s, nil
}

func (s *Stat) all() []prometheus.Collector {
	return []prometheus.Collector{
		s.Received, s.ReceiveErrors,
		s.Published, s.PublishErrors,
		s.Sent, s.SendErrors,
		s.DecodeErrors, s.EncodeErrors,
		s.Heartbeats, s.HubDrops,
	}
}
