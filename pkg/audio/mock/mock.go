// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 16)
//	src := &mock.Source{StartResult: frames}
//	sink := &mock.Sink{}
//	got, err := src.Start(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dolmetra/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
// Set the exported Result fields before use; inspect the CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// StartResult is the frame channel returned by [Source.Start].
	// Defaults to a new buffered channel if left nil.
	StartResult chan audio.Frame

	// StartError is the error returned by Start. When non-nil, Start returns
	// a nil channel.
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	stopped bool
}

// Start implements [audio.Source]. Records the call and returns
// StartResult / StartError.
func (s *Source) Start(_ context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return nil, s.StartError
	}
	if s.StartResult == nil {
		s.StartResult = make(chan audio.Frame, 64)
	}
	return s.StartResult, nil
}

// Stop implements [audio.Source]. The first call closes StartResult so that
// readers observe end-of-stream; later calls only bump the counter.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if !s.stopped && s.StartResult != nil {
		close(s.StartResult)
		s.stopped = true
	}
	return s.StopError
}

// Emit sends a frame on StartResult without blocking. It reports whether the
// frame was accepted. Use this in tests to simulate microphone capture.
func (s *Source) Emit(f audio.Frame) bool {
	s.mu.Lock()
	ch := s.StartResult
	stopped := s.stopped
	s.mu.Unlock()
	if ch == nil || stopped {
		return false
	}
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Sink.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
}

// WriteCall records the arguments of a single [Sink.Write] invocation.
type WriteCall struct {
	// Data is a copy of the bytes passed to Write.
	Data []byte
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// OpenError is returned by [Sink.Open].
	OpenError error

	// WriteError is returned by [Sink.Write].
	WriteError error

	// FlushError is returned by [Sink.Flush].
	FlushError error

	// CloseError is returned by [Sink.Close].
	CloseError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// WriteCalls records all Write invocations.
	WriteCalls []WriteCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Open implements [audio.Sink]. Records the format and returns OpenError.
func (s *Sink) Open(f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Format: f})
	return s.OpenError
}

// Write implements [audio.Sink]. Records a copy of data and returns WriteError.
func (s *Sink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.WriteCalls = append(s.WriteCalls, WriteCall{Data: cp})
	return s.WriteError
}

// Flush implements [audio.Sink]. Returns FlushError.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	return s.FlushError
}

// Close implements [audio.Sink]. Returns CloseError.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Written returns the concatenation of all bytes written so far.
// Use this in tests that assert on playback content rather than call shape.
func (s *Sink) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.WriteCalls {
		out = append(out, c.Data...)
	}
	return out
}

// Writes returns the number of Write calls so far.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.WriteCalls)
}

// Flushes returns the number of Flush calls so far.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFlush
}

// Closes returns the number of Close calls so far.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Opens returns the number of Open calls so far.
func (s *Sink) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// Ensure Sink implements audio.Sink at compile time.
var _ audio.Sink = (*Sink)(nil)
