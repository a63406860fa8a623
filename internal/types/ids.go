package types

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// NewID calls. Using a single shared source ensures that ULIDs remain
// lexicographically ordered even when generated within the same millisecond,
// so message IDs sort in send order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh time-ordered ULID. Used for message IDs.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("types.MustNewID: %v", err))
	}
	return id
}

// ValidateID returns an error if s is not a well-formed ULID string.
func ValidateID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}
