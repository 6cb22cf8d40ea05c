package mavlink

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Dialect used by vehicle link and codec, includes common and minimal.
var Dialect = ardupilotmega.Dialect

// Header identifies origin of a message. Immutable value.
type Header struct {
	SystemID    uint8 `json:"system_id"`
	ComponentID uint8 `json:"component_id"`
	Sequence    uint8 `json:"sequence"`
}

// Envelope pairs MAVLink header with typed payload.
// Created by vehicle receiver or by Decode, never mutated afterwards.
type Envelope struct {
	Header  Header
	Message message.Message
}

func (e Envelope) MarshalJSON() ([]byte, error) { return Encode(e) }

func (e *Envelope) UnmarshalJSON(b []byte) error {
	x, err := DecodeDirect(b)
	if err != nil {
		return err
	}
	*e = x
	return nil
}

// Name returns message type tag, empty for unknown messages.
func (e Envelope) Name() string {
	if mt := defaultRegistry.lookupValue(e.Message); mt != nil {
		return mt.name
	}
	return ""
}

// Heartbeat is the fixed keep-alive payload sent to vehicle.
func Heartbeat() *ardupilotmega.MessageHeartbeat {
	return &ardupilotmega.MessageHeartbeat{
		Type:           ardupilotmega.MAV_TYPE_GENERIC,
		Autopilot:      ardupilotmega.MAV_AUTOPILOT_GENERIC,
		BaseMode:       0,
		CustomMode:     0,
		SystemStatus:   ardupilotmega.MAV_STATE_STANDBY,
		MavlinkVersion: 3,
	}
}

// HeartbeatEnvelope has zero header, link adapter fills its own identity.
func HeartbeatEnvelope() Envelope {
	return Envelope{Message: Heartbeat()}
}
