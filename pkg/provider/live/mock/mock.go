// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the event stream and inspect the frames a caller sent.
//
// Example:
//
//	sess := &mock.Session{EventsCh: make(chan live.Event, 16)}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session with a buffered event channel.
	Session live.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay, if non-zero, makes Connect block for that long (or until
	// ctx is done) before returning.
	ConnectDelay time.Duration

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	connectErr := p.ConnectErr
	sess := p.Session
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if sess != nil {
		return sess, nil
	}
	return &Session{EventsCh: make(chan live.Event, 64)}, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// SendCall records a single invocation of Session.Send.
type SendCall struct {
	// Frame is a copy of the audio bytes that were passed to Send.
	Frame []byte
}

// Session is a mock implementation of live.Session.
// Callers should pre-populate EventsCh, then close it to signal
// end-of-session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan live.Event

	// AutoCloseEvents, when set, makes the first Close call also close
	// EventsCh, mirroring how the real adapters end their event stream.
	// Tests that set it must not close EventsCh themselves.
	AutoCloseEvents bool

	// --- Configurable errors ---

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// SessionErr, if non-nil, is returned by Err.
	SessionErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendCalls records every call to Send in order.
	SendCalls []SendCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Send records the call and returns SendErr.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.SendCalls = append(s.SendCalls, SendCall{Frame: cp})
	return s.SendErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan live.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns SessionErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.AutoCloseEvents && s.CloseCallCount == 1 && s.EventsCh != nil {
		close(s.EventsCh)
	}
	return s.CloseErr
}

// Sent returns the number of recorded Send calls. Thread-safe.
func (s *Session) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendCalls)
}

// Closes returns the number of recorded Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)
