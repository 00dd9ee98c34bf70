package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TimestampLayout prefixes offload names and process ids.
const TimestampLayout = "20060102.150405"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// TimestampedUUID returns "<YYYYMMDD.HHMMSS>.<uuid>" for the given instant.
func TimestampedUUID(now time.Time) string {
	return now.Format(TimestampLayout) + "." + uuid.NewString()
}

// NewProcessID builds the id shared by every message of one workflow run.
// The parts (typically source, catalogue, collection) are concatenated after
// the timestamp.
func NewProcessID(now time.Time, parts ...string) string {
	var b strings.Builder
	b.WriteString(now.Format(TimestampLayout))
	b.WriteByte('.')
	for _, p := range parts {
		b.WriteString(p)
	}
	return b.String()
}
