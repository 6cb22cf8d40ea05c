package mavlink

import (
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

const (
	tagKey       = "type"
	tagFieldName = "mavtype" // message field "type" collides with tagKey
)

type fieldInfo struct {
	name  string
	index int
	ext   bool // MAVLink 2 extension, optional on decode
}

type messageType struct {
	name   string
	typ    reflect.Type // struct, not pointer
	fields []fieldInfo
}

type registry struct {
	byName map[string]*messageType
	byType map[reflect.Type]*messageType
}

var defaultRegistry = newRegistry(Dialect)

func newRegistry(d *dialect.Dialect) *registry {
	r := &registry{
		byName: make(map[string]*messageType, len(d.Messages)),
		byType: make(map[reflect.Type]*messageType, len(d.Messages)),
	}
	for _, m := range d.Messages {
		r.add(m)
	}
	return r
}

func (r *registry) add(m message.Message) {
	t := reflect.TypeOf(m)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	mt := &messageType{
		name: messageName(t.Name()),
		typ:  t,
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := f.Tag.Get("mavname")
		if name == "" {
			name = snakeCase(f.Name)
		}
		if name == tagKey {
			name = tagFieldName
		}
		mt.fields = append(mt.fields, fieldInfo{
			name:  name,
			index: i,
			ext:   f.Tag.Get("mavext") == "true",
		})
	}
	if _, ok := r.byName[mt.name]; !ok {
		r.byName[mt.name] = mt
	}
	r.byType[t] = mt
}

func (r *registry) lookupValue(m message.Message) *messageType {
	if m == nil {
		return nil
	}
	t := reflect.TypeOf(m)
	if t.Kind() != reflect.Ptr {
		return nil
	}
	return r.byType[t.Elem()]
}

func (r *registry) names() []string {
	ss := make([]string, 0, len(r.byName))
	for name := range r.byName {
		ss = append(ss, name)
	}
	sort.Strings(ss)
	return ss
}

// MessageNames lists known message type tags, sorted.
func MessageNames() []string { return defaultRegistry.names() }

// MessageHeartbeat -> HEARTBEAT, MessageGps2Raw -> GPS2_RAW
func messageName(goName string) string {
	return strings.ToUpper(snakeCase(strings.TrimPrefix(goName, "Message")))
}

// TimeBootMs -> time_boot_ms, Chan1Raw -> chan1_raw
func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	var prev rune
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return b.String()
}
