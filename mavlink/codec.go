package mavlink

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/juju/errors"
)

// Path tells which decoding rule accepted a payload.
type Path int

const (
	PathDirect  Path = iota + 1 // JSON object
	PathWrapped                 // JSON string containing JSON object
)

func (p Path) String() string {
	switch p {
	case PathDirect:
		return "object"
	case PathWrapped:
		return "string"
	}
	return "invalid"
}

// DecodeError holds causes of both decoding attempts.
type DecodeError struct {
	Direct  error
	Wrapped error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: as object: %v; as string: %v", e.Direct, e.Wrapped)
}

// Encode serializes envelope into exactly one JSON text unit.
func Encode(env Envelope) ([]byte, error) {
	return defaultRegistry.encode(env)
}

// Decode tries object form first, string-wrapped form second.
func Decode(payload []byte) (Envelope, error) {
	env, _, err := DecodePath(payload)
	return env, err
}

// DecodePath is Decode that also reports which rule succeeded.
func DecodePath(payload []byte) (Envelope, Path, error) {
	env, errDirect := DecodeDirect(payload)
	if errDirect == nil {
		return env, PathDirect, nil
	}
	env, errWrapped := DecodeWrapped(payload)
	if errWrapped == nil {
		return env, PathWrapped, nil
	}
	return Envelope{}, 0, &DecodeError{Direct: errDirect, Wrapped: errWrapped}
}

// DecodeDirect accepts only {"header":{...},"message":{...}}
func DecodeDirect(payload []byte) (Envelope, error) {
	return defaultRegistry.decode(payload)
}

// DecodeWrapped accepts a JSON string whose content is the object form.
func DecodeWrapped(payload []byte) (Envelope, error) {
	var inner string
	if err := json.Unmarshal(payload, &inner); err != nil {
		return Envelope{}, errors.Annotate(err, "payload is not a string")
	}
	return defaultRegistry.decode([]byte(inner))
}

type wireEnvelope struct {
	Header  *Header         `json:"header"`
	Message json.RawMessage `json:"message"`
}

func (r *registry) encode(env Envelope) ([]byte, error) {
	msg, err := r.encodeMessage(env.Message)
	if err != nil {
		return nil, err
	}
	header, err := json.Marshal(env.Header)
	if err != nil {
		return nil, errors.Annotate(err, "header")
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(header)+len(msg)+32))
	buf.WriteString(`{"header":`)
	buf.Write(header)
	buf.WriteString(`,"message":`)
	buf.Write(msg)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *registry) encodeMessage(m message.Message) ([]byte, error) {
	mt := r.lookupValue(m)
	if mt == nil {
		return nil, errors.NotSupportedf("message type %T", m)
	}
	v := reflect.ValueOf(m)
	if v.IsNil() {
		return nil, errors.NotValidf("nil message %T", m)
	}
	sv := v.Elem()

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	buf.WriteString(`{"` + tagKey + `":`)
	name, _ := json.Marshal(mt.name)
	buf.Write(name)
	for _, f := range mt.fields {
		b, err := encodeValue(sv.Field(f.index))
		if err != nil {
			return nil, errors.Annotatef(err, "message=%s field=%s", mt.name, f.name)
		}
		key, _ := json.Marshal(f.name)
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *registry) decode(payload []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return Envelope{}, errors.Annotate(err, "envelope")
	}
	if w.Header == nil {
		return Envelope{}, errors.NotValidf("envelope without header")
	}
	if len(w.Message) == 0 || string(w.Message) == "null" {
		return Envelope{}, errors.NotValidf("envelope without message")
	}
	m, err := r.decodeMessage(w.Message)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Header: *w.Header, Message: m}, nil
}

func (r *registry) decodeMessage(raw json.RawMessage) (message.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Annotate(err, "message")
	}
	rawTag, ok := fields[tagKey]
	if !ok {
		return nil, errors.NotValidf("message without %s", tagKey)
	}
	var name string
	if err := json.Unmarshal(rawTag, &name); err != nil {
		return nil, errors.Annotatef(err, "message %s", tagKey)
	}
	mt, ok := r.byName[name]
	if !ok {
		return nil, errors.NotFoundf("message type=%s", name)
	}

	pv := reflect.New(mt.typ)
	sv := pv.Elem()
	for _, f := range mt.fields {
		fraw, ok := fields[f.name]
		if !ok {
			if f.ext {
				continue
			}
			return nil, errors.NotValidf("message=%s missing field=%s", mt.name, f.name)
		}
		if err := decodeValue(fraw, sv.Field(f.index)); err != nil {
			return nil, errors.Annotatef(err, "message=%s field=%s", mt.name, f.name)
		}
	}
	m, ok := pv.Interface().(message.Message)
	if !ok {
		return nil, errors.Errorf("code error type=%s does not implement message.Message", mt.typ)
	}
	return m, nil
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func encodeValue(v reflect.Value) ([]byte, error) {
	k := v.Kind()
	switch {
	case k == reflect.Float32 || k == reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Interface())

	case k == reflect.Array:
		buf := bytes.NewBuffer(make([]byte, 0, 8*v.Len()+2))
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i != 0 {
				buf.WriteByte(',')
			}
			b, err := encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	case isInt(k) || isUint(k):
		// enum: MAVLink name when it decodes back to the same value, number otherwise
		if text, ok := enumText(v); ok {
			return json.Marshal(text)
		}
		if isInt(k) {
			return []byte(strconv.FormatInt(v.Int(), 10)), nil
		}
		return []byte(strconv.FormatUint(v.Uint(), 10)), nil
	}
	return json.Marshal(v.Interface())
}

// enumText returns the label form of an enum value.
// Generated bitmask marshalers emit empty parts for bits without a label
// and drop bits past the last label, so the text is checked by parsing it back.
func enumText(v reflect.Value) (string, bool) {
	tm, ok := v.Interface().(encoding.TextMarshaler)
	if !ok {
		return "", false
	}
	text, err := tm.MarshalText()
	if err != nil || len(text) == 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(string(text), 10, 64); err == nil {
		return "", false
	}
	back := reflect.New(v.Type())
	tu, ok := back.Interface().(encoding.TextUnmarshaler)
	if !ok {
		return "", false
	}
	if err := tu.UnmarshalText(text); err != nil {
		return "", false
	}
	if back.Elem().Interface() != v.Interface() {
		return "", false
	}
	return string(text), true
}

func decodeValue(raw json.RawMessage, v reflect.Value) error {
	raw = bytes.TrimSpace(raw)
	k := v.Kind()
	switch {
	case k == reflect.Float32 || k == reflect.Float64:
		if string(raw) == "null" {
			v.SetFloat(math.NaN())
			return nil
		}
		return json.Unmarshal(raw, v.Addr().Interface())

	case k == reflect.Array:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		if len(items) > v.Len() {
			return errors.NotValidf("array length=%d max=%d", len(items), v.Len())
		}
		for i := range items {
			if err := decodeValue(items[i], v.Index(i)); err != nil {
				return errors.Annotatef(err, "[%d]", i)
			}
		}
		return nil

	case isInt(k) || isUint(k):
		if len(raw) != 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			if s == "" {
				v.Set(reflect.Zero(v.Type()))
				return nil
			}
			tu, ok := v.Addr().Interface().(encoding.TextUnmarshaler)
			if !ok {
				return errors.NotValidf("string for numeric type %s", v.Type())
			}
			return tu.UnmarshalText([]byte(s))
		}
		bits := v.Type().Bits()
		if isInt(k) {
			n, err := strconv.ParseInt(string(raw), 10, bits)
			if err != nil {
				return errors.Trace(err)
			}
			v.SetInt(n)
			return nil
		}
		n, err := strconv.ParseUint(string(raw), 10, bits)
		if err != nil {
			return errors.Trace(err)
		}
		v.SetUint(n)
		return nil
	}
	return json.Unmarshal(raw, v.Addr().Interface())
}
