// Package transcript accumulates the incremental transcript fragments of a
// live translation session into display-ready running text.
//
// The remote channel delivers partial transcripts as small fragments, often
// word by word, independently for what the user said and what the translated
// voice is saying. The [Accumulator] concatenates them per side and handles
// turn boundaries: after a turn completes the text stays visible for a grace
// interval before it is cleared, unless a new turn starts first, in which
// case the stale text is dropped immediately.
package transcript

import (
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/pkg/provider/live"
)

// displayGrace is how long finished turn text remains visible before it is
// cleared.
const displayGrace = 5 * time.Second

// Option configures an [Accumulator] during construction.
type Option func(*Accumulator)

// WithGrace overrides the display-grace interval. Primarily used in tests.
func WithGrace(d time.Duration) Option {
	return func(a *Accumulator) {
		if d > 0 {
			a.grace = d
		}
	}
}

// Snapshot is a point-in-time copy of both running buffers.
type Snapshot struct {
	// User is the accumulated transcript of the user's own speech.
	User string

	// Model is the accumulated transcript of the translated voice.
	Model string
}

// Accumulator merges partial-transcript fragments into one running string
// per side. Pure in-memory state; safe for concurrent use.
type Accumulator struct {
	grace time.Duration

	mu      sync.Mutex
	user    string
	model   string
	pending bool
	timer   *time.Timer
	gen     uint64 // bumped whenever a pending clear is cancelled
}

// New creates an Accumulator with the default display grace.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{grace: displayGrace}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append concatenates fragment to the running buffer for side. An append
// that arrives while a clear is pending marks the start of a new turn: the
// pending clear is cancelled and both buffers are reset first, so the new
// turn never accumulates onto stale text.
func (a *Accumulator) Append(side live.Side, fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending {
		a.cancelLocked()
		a.user = ""
		a.model = ""
	}

	switch side {
	case live.SideUser:
		a.user += fragment
	default:
		a.model += fragment
	}
}

// TurnComplete schedules both buffers for clearing once the grace interval
// elapses. Calling it again before then restarts the interval.
func (a *Accumulator) TurnComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelLocked()
	a.pending = true
	gen := a.gen
	a.timer = time.AfterFunc(a.grace, func() { a.expire(gen) })
}

// Reset clears both buffers immediately and cancels any pending clear.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelLocked()
	a.user = ""
	a.model = ""
}

// Snapshot returns a copy of both running buffers.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{User: a.user, Model: a.model}
}

// cancelLocked invalidates any scheduled clear. Must be called with a.mu
// held. The generation bump covers the race where the timer has already
// fired but expire has not yet taken the lock.
func (a *Accumulator) cancelLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = false
}

// expire clears the buffers when the grace interval ran out uncancelled.
func (a *Accumulator) expire(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.gen {
		return
	}
	a.user = ""
	a.model = ""
	a.pending = false
	a.timer = nil
}
