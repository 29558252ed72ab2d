package playback

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
)

// ErrSchedulerClosed is returned by [Scheduler.Schedule] after
// [Scheduler.Shutdown]. Callers racing a teardown discard the chunk.
var ErrSchedulerClosed = errors.New("playback: scheduler closed")

const (
	// defaultQueueCap is the initial capacity hint for the unit heap.
	defaultQueueCap = 16

	// writeSlice is the granularity at which a unit's data is streamed to the
	// sink. Cancellation is checked between slices, so an interrupt cuts a
	// playing unit short within one slice.
	writeSlice = 20 * time.Millisecond
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock overrides the scheduler's monotonic clock. The default clock
// reports time elapsed since the scheduler was created. Primarily used in
// tests to make start-time arithmetic deterministic.
func WithClock(now func() time.Duration) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal unit
// heap. This does not impose a hard limit; the heap grows as needed.
func WithQueueCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(unitHeap, 0, n)
		}
	}
}

// Unit describes a chunk that has been bound to the playback timeline.
// Returned by [Scheduler.Schedule] so callers can observe the computed
// placement.
type Unit struct {
	// Start is the absolute timeline offset at which playback begins.
	Start time.Duration

	// Duration is the chunk's nominal playing time.
	Duration time.Duration

	// Turn is the utterance identifier carried over from the chunk.
	Turn string
}

// Scheduler owns the playback timeline. Chunks are bound to absolute start
// offsets so that consecutive chunks of one utterance play back-to-back with
// no gap and no overlap, a new utterance can begin scheduling immediately,
// and an interrupt cancels everything pending or playing at once.
//
// The timeline cursor (nextStart) is advanced only by Schedule under the
// scheduler's mutex: concurrent callers can never compute overlapping start
// offsets from a stale cursor.
//
// The sink is acquired on the first successful Schedule and released by
// Shutdown. All exported methods are safe for concurrent use.
type Scheduler struct {
	sink audio.Sink
	now  func() time.Duration

	mu            sync.Mutex
	queue         unitHeap
	seq           uint64        // monotonic counter for FIFO ordering
	nextStart     time.Duration // timeline offset at which the next unit may begin
	sinkOpen      bool
	sinkRate      int
	cancelPlaying chan struct{} // closed to interrupt the in-flight unit
	closed        bool

	warnRate sync.Once // rate-mismatch resampling is logged once

	notify chan struct{} // signalled when a unit is enqueued
	done   chan struct{} // closed by Shutdown to stop the dispatch goroutine
	wg     sync.WaitGroup
}

// New creates a [Scheduler] that plays through sink. The scheduler starts a
// background dispatch goroutine immediately; the sink itself is not opened
// until the first successful [Scheduler.Schedule].
//
// Call [Scheduler.Shutdown] to stop the goroutine and release the sink.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		queue:  make(unitHeap, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.now == nil {
		epoch := time.Now()
		s.now = func() time.Duration { return time.Since(epoch) }
	}
	heap.Init(&s.queue)
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Schedule validates chunk, binds it to the timeline at
// max(nextStart, now), enqueues it for playback exactly at that offset, and
// advances nextStart by the chunk's duration.
//
// A malformed chunk is dropped with a *audio.DecodeError: an empty chunk has
// no nominal duration and leaves the timeline untouched, while an odd-length
// chunk still advances the timeline by the duration of its whole samples so
// that later chunks keep their offsets relative to the remote stream.
// Returns ErrSchedulerClosed after Shutdown, and a *audio.ResourceError if
// the sink cannot be opened (the next Schedule retries).
func (s *Scheduler) Schedule(c audio.Chunk) (Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Unit{}, ErrSchedulerClosed
	}

	if len(c.Data) == 0 {
		return Unit{}, &audio.DecodeError{Reason: "empty chunk"}
	}
	if c.SampleRate <= 0 {
		return Unit{}, &audio.DecodeError{Reason: fmt.Sprintf("invalid sample rate %d", c.SampleRate)}
	}

	dur := c.Duration()
	if len(c.Data)%2 != 0 {
		// Drop the chunk but keep the timeline aligned with the remote stream.
		start := s.startLocked()
		s.nextStart = start + dur
		slog.Warn("dropping malformed audio chunk",
			"turn", c.Turn, "bytes", len(c.Data), "timeline", s.nextStart)
		return Unit{}, &audio.DecodeError{Reason: fmt.Sprintf("odd byte count %d", len(c.Data))}
	}

	if !s.sinkOpen {
		if err := s.sink.Open(audio.Format{SampleRate: c.SampleRate, Channels: 1}); err != nil {
			return Unit{}, &audio.ResourceError{Device: "playback", Err: err}
		}
		s.sinkOpen = true
		s.sinkRate = c.SampleRate
	}

	data := c.Data
	if c.SampleRate != s.sinkRate {
		s.warnRate.Do(func() {
			slog.Warn("chunk sample rate differs from sink, resampling",
				"chunk_rate", c.SampleRate, "sink_rate", s.sinkRate)
		})
		data = audio.ResampleMono16(data, c.SampleRate, s.sinkRate)
	}

	start := s.startLocked()
	s.seq++
	heap.Push(&s.queue, unit{
		start: start,
		dur:   dur,
		data:  data,
		rate:  s.sinkRate,
		turn:  c.Turn,
		seq:   s.seq,
	})
	s.nextStart = start + dur

	// Wake the dispatch goroutine.
	select {
	case s.notify <- struct{}{}:
	default:
	}

	return Unit{Start: start, Duration: dur, Turn: c.Turn}, nil
}

// startLocked computes the start offset for the next unit. Must be called
// with s.mu held.
func (s *Scheduler) startLocked() time.Duration {
	if t := s.now(); t > s.nextStart {
		return t
	}
	return s.nextStart
}

// Interrupt immediately halts the in-flight unit, clears all pending units,
// resets the timeline cursor to zero, and discards whatever the sink has
// buffered but not yet played. Idempotent and safe to call when nothing is
// playing.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.interruptLocked()
	open := s.sinkOpen
	s.mu.Unlock()

	if open {
		if err := s.sink.Flush(); err != nil {
			slog.Warn("playback flush failed", "err", err)
		}
	}
}

// interruptLocked cancels the in-flight unit, clears the queue, and resets
// the timeline. Must be called with s.mu held.
func (s *Scheduler) interruptLocked() {
	if s.cancelPlaying != nil {
		close(s.cancelPlaying)
		s.cancelPlaying = nil
	}
	// Units hold plain buffers; clearing the heap releases them.
	s.queue = s.queue[:0]
	s.nextStart = 0
}

// Pending returns the number of units bound to the timeline but not yet
// handed to the sink.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Shutdown interrupts playback, stops the dispatch goroutine, and releases
// the sink. After Shutdown, Schedule returns ErrSchedulerClosed. Idempotent:
// subsequent calls are no-ops and return nil.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.interruptLocked()
	open := s.sinkOpen
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	if !open {
		return nil
	}
	flushErr := s.sink.Flush()
	closeErr := s.sink.Close()
	return errors.Join(flushErr, closeErr)
}

// dispatch is the background goroutine that pulls units from the heap, waits
// for each unit's start offset, and streams its data to the sink. It runs
// until Shutdown is called.
//
// Start offsets are monotonic within a timeline epoch (max(nextStart, now)
// never decreases and an interrupt clears the queue), so the heap head is
// always the next unit to play.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	// Reusable timer for start-offset waits, instead of allocating a new
	// time.Timer for every unit.
	startTimer := time.NewTimer(0)
	if !startTimer.Stop() {
		<-startTimer.C
	}
	defer startTimer.Stop()

	for {
		// Wait for work or shutdown.
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			u, cancel, ok := s.dequeue()
			if !ok {
				break
			}

			// Wait until the unit's start offset.
			if wait := u.start - s.now(); wait > 0 {
				startTimer.Reset(wait)
				select {
				case <-s.done:
					if !startTimer.Stop() {
						<-startTimer.C
					}
					return
				case <-cancel:
					if !startTimer.Stop() {
						<-startTimer.C
					}
					// Interrupted while waiting: unit is discarded.
					continue
				case <-startTimer.C:
				}
			}

			s.play(u, cancel)

			// Clear the playing state after the unit finishes.
			s.mu.Lock()
			if s.cancelPlaying == cancel {
				s.cancelPlaying = nil
			}
			s.mu.Unlock()
		}
	}
}

// dequeue pops the earliest unit from the heap and marks it as in-flight.
// Returns ok=false if the heap is empty.
func (s *Scheduler) dequeue() (u unit, cancel chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return unit{}, nil, false
	}

	u = heap.Pop(&s.queue).(unit)
	cancel = make(chan struct{})
	s.cancelPlaying = cancel
	return u, cancel, true
}

// play streams the unit's data to the sink in writeSlice increments until the
// unit ends, cancel is closed (interrupt), or the scheduler shuts down.
func (s *Scheduler) play(u unit, cancel chan struct{}) {
	step := u.rate * 2 * int(writeSlice) / int(time.Second)
	if step < 2 {
		step = 2
	}
	if step%2 != 0 {
		step++
	}

	for off := 0; off < len(u.data); off += step {
		select {
		case <-s.done:
			return
		case <-cancel:
			return
		default:
		}

		end := min(off+step, len(u.data))
		if err := s.sink.Write(u.data[off:end]); err != nil {
			slog.Warn("playback write failed", "err", err, "turn", u.turn)
			return
		}
	}
}
