package source

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultWatchBuffer is the event channel length used when
// WatchOptions.Buffer is zero.
const DefaultWatchBuffer = 256

// WatchOptions configures a watcher.
type WatchOptions struct {
	Logger logr.Logger
	Buffer int
}

// Watcher adapts an observer registration into a buffered channel of
// change records. Slow consumers are tolerated up to the buffer size;
// past that, delivery waits at most a second per event before the event
// is dropped with a log line.
type Watcher struct {
	events  chan Change
	mu      sync.Mutex
	stopped bool
	remove  func()
	log     logr.Logger
}

// NewWatcher subscribes to a notifying sequence and streams its change
// records.
func NewWatcher(src NotifyingSequence, opts WatchOptions) *Watcher {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultWatchBuffer
	}

	w := &Watcher{
		events: make(chan Change, buffer),
		log:    logger.WithName("watcher"),
	}
	w.remove = src.OnChange(w.send)

	return w
}

// C returns the event channel. It is closed by Stop.
func (w *Watcher) C() <-chan Change { return w.events }

// Stop deregisters from the source and closes the event channel.
// Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	w.remove()
	close(w.events)
}

func (w *Watcher) send(c Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	w.log.V(8).Info("sending change", "change", c.String())

	select {
	case w.events <- c:
	case <-time.After(time.Second):
		// If we cannot deliver in a second the consumer is stuck; drop
		// rather than wedge the source.
		w.log.Info("failed to send change, channel might be full", "change", c.String())
	}
}
