// Package ids generates the identifiers used for call correlation and bus
// routing. All identifiers are ULIDs so they sort by creation time.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
	now       = time.Now
)

func next() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now()), entropy)
}

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return next().String()
}

// NewCorrelationID returns the identifier of a new top-level invocation.
func NewCorrelationID() string {
	return CreateULID()
}

// NewTraceID returns a trace identifier for a call tree that has no
// OpenTelemetry span to inherit from.
func NewTraceID() string {
	return strings.ToLower(CreateULID())
}

// ReplyTopic derives a per-invocation reply topic from a request topic.
func ReplyTopic(requestTopic string) string {
	return requestTopic + ".reply." + strings.ToLower(CreateULID())
}

// Time extracts the creation time of a ULID produced by this package.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
