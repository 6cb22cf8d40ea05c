package log2

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog2(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		level  Level
		fun    func(l *Log)
		expect string
	}{
		{"debug/enabled", LDebug, func(l *Log) { l.Debugf("low level var=%d", 42) }, "debug: low level var=42\n"},
		{"debug/filtered", LInfo, func(l *Log) { l.Debugf("low level var=%d", 42) }, ""},
		{"info", LInfo, func(l *Log) { l.Infof("regular state=%s", "ok") }, "regular state=ok\n"},
		{"error", LError, func(l *Log) { l.Errorf("problem") }, "error: problem\n"},
		{"error/print", LError, func(l *Log) { l.Error("trouble ", 3) }, "error: trouble 3\n"},
		{"printf", LInfo, func(l *Log) { l.Printf("[client] %s", "connect") }, "[client] connect\n"},
		{"printf/filtered", LError, func(l *Log) { l.Printf("[client] %s", "connect") }, ""},
		{"println", LInfo, func(l *Log) { l.Println("[net]", "ping") }, "[net] ping\n"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name+"/logger=nil", func(t *testing.T) {
			var l *Log
			c.fun(l)
			assert.False(t, l.Enabled(LError))
		})
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, c.level)
			l.SetFlags(0)
			c.fun(l)
			assert.Equal(t, c.expect, buf.String())
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError)
	l.SetFlags(0)
	l.Infof("hidden")
	l.SetLevel(LInfo)
	l.Infof("visible")
	assert.Equal(t, "visible\n", buf.String())
	assert.True(t, l.Enabled(LInfo))
	assert.False(t, l.Enabled(LDebug))
}

func TestClone(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError)
	l.SetFlags(0)
	l.SetPrefix("bridge: ")
	c := l.Clone(LDebug)
	c.Debugf("x=%d", 1)
	l.Debugf("x=%d", 2)
	assert.Equal(t, "bridge: debug: x=1\n", buf.String())
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewWriter(io.Discard, LAll))
}
