package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a ULID used as the websocket session id.
// ULIDs are lexicographically sortable, which keeps log trails readable.
func NewSessionID(now time.Time) (string, error) {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as a wire envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return newULID(now)
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
