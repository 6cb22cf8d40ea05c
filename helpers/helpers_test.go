package helpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	one := fmt.Errorf("one")
	cases := []struct {
		name   string
		input  []error
		expect string
	}{
		{"empty", nil, ""},
		{"all-nil", []error{nil, nil}, ""},
		{"single", []error{nil, one}, "one"},
		{"many", []error{one, nil, fmt.Errorf("two %d%%", 100)}, "one\ntwo 100%"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := FoldErrors(c.input)
			if c.expect == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, c.expect)
		})
	}
	assert.Equal(t, one, FoldErrors([]error{one}))
}

func TestIntSecondDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7*time.Second, IntSecondDefault(0, 7*time.Second))
	assert.Equal(t, 7*time.Second, IntSecondDefault(-1, 7*time.Second))
	assert.Equal(t, 2*time.Second, IntSecondDefault(2, 7*time.Second))
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	assert.True(t, SleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, SleepCtx(ctx, time.Hour))
}

func TestWithLock(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	n := 0
	WithLock(&mu, func() { n++ })
	WithLock(&mu, func() { n++ })
	assert.Equal(t, 2, n)
}

func TestAtomicError(t *testing.T) {
	t.Parallel()

	var a AtomicError
	err, set := a.Load()
	assert.NoError(t, err)
	assert.False(t, set)

	e1 := errors.New("first")
	err, set = a.StoreOnce(e1)
	assert.NoError(t, err)
	assert.False(t, set)
	err, set = a.StoreOnce(errors.New("second"))
	assert.Equal(t, e1, err)
	assert.True(t, set)
	err, _ = a.Load()
	assert.Equal(t, e1, err)
}
