package active

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// stamper issues strictly monotonic ULIDs for one engine instance, so
// change records carry an observable emission order.
type stamper struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newStamper() *stamper {
	return &stamper{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *stamper) next() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
}
