package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is for tests that need unique names, e.g. socket paths.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
