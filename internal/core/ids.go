package core

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is shared across NewTaskID calls so concurrent producers never
// hand out colliding ULIDs for the same millisecond.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTaskID returns a new lexicographically sortable task identifier.
// ULIDs double as the "ULID/GUID string" the wire schema calls for while
// keeping ids roughly ordered by creation time, which is useful for the
// outbox and delayed-message stores' range scans.
func NewTaskID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
