// Package mavlink defines the in-process MAVLink envelope and its JSON text form.
//
// One Envelope is one text unit:
//
//	{"header":{"system_id":1,"component_id":1,"sequence":0},
//	 "message":{"type":"HEARTBEAT","mavtype":"MAV_TYPE_GENERIC",...}}
//
// Message fields use MAVLink snake_case names. A field named "type" is renamed
// to "mavtype" because "type" is the variant tag. Enums encode as MAVLink names
// and decode from names or numbers. Values without an exact label, such as
// bitmasks with unlabeled bits, encode as numbers. NaN/Inf floats encode as null.
// Char arrays are JSON strings: bytes that are not valid UTF-8 encode as U+FFFD
// and do not survive a round trip.
//
// Decode accepts the object form, then falls back to a JSON string containing
// the object form. Codec functions are pure, I/O and logging live in callers.
package mavlink
