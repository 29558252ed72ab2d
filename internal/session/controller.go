// Package session implements the lifecycle of a live translation session.
//
// The [Controller] owns one session at a time and moves it through
// Idle → Connecting → Connected → Closing → Idle. While connected, two
// goroutines run per session: the capture loop streams encoded microphone
// frames to the remote channel, and the event loop dispatches inbound events
// to the playback scheduler and the transcript accumulator. Stop joins both
// loops and releases every resource before the controller becomes eligible
// for a new Start, so a caller can always retry after a failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/internal/observe"
	"github.com/MrWong99/dolmetra/internal/transcript"
	"github.com/MrWong99/dolmetra/internal/voicecmd"
	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/audio/playback"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
)

// defaultConnectTimeout bounds Start from dial to the opened event.
const defaultConnectTimeout = 10 * time.Second

// State identifies where the controller is in the session lifecycle.
type State int

const (
	// StateIdle means no session is active. Start is accepted.
	StateIdle State = iota

	// StateConnecting means a Start is acquiring the capture source and
	// opening the remote channel.
	StateConnecting

	// StateConnected means audio is streaming in both directions.
	StateConnected

	// StateClosing means a teardown is in progress. Start is rejected until
	// it finishes.
	StateClosing

	// StateClosed is terminal, reached only via [Controller.Close] at
	// application shutdown.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the read model returned by [Controller.Status].
type Status struct {
	// State is the current lifecycle state.
	State State

	// StartedAt is when the session reached Connected. Zero otherwise.
	StartedAt time.Time

	// LastError is the most recent session-level error, if any.
	LastError error

	// Retryable reports whether a new Start is likely to succeed after
	// LastError.
	Retryable bool

	// UserTranscript is the running transcript of the user's own speech.
	UserTranscript string

	// AITranscript is the running transcript of the translated voice.
	AITranscript string
}

// ControllerConfig holds the dependencies and settings for a [Controller].
type ControllerConfig struct {
	// Provider opens the live channel to the remote speech model.
	Provider live.Provider

	// ProviderName labels logs and metrics (e.g. "gemini").
	ProviderName string

	// Source is the capture source. It is exclusively held between Start
	// and Stop.
	Source audio.Source

	// Sink receives synthesized audio. Opened lazily by the playback
	// scheduler on the first chunk.
	Sink audio.Sink

	// Session is the channel configuration template applied on every Start.
	// Its Instruction acts as the default when Start is called without one;
	// when both are empty a built-in translation instruction is derived from
	// the language pair.
	Session live.SessionConfig

	// ConnectTimeout bounds Start from dial to the opened event.
	// Defaults to 10s if zero.
	ConnectTimeout time.Duration

	// TranscriptGrace overrides how long completed-turn transcripts stay
	// visible. Zero keeps the accumulator default.
	TranscriptGrace time.Duration

	// Commands, when non-nil, is matched against user-side transcript text
	// to detect spoken control phrases.
	Commands *voicecmd.Detector

	// Metrics receives the session instruments.
	// Defaults to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics
}

// Controller drives one live translation session at a time.
// All exported methods are safe for concurrent use.
type Controller struct {
	provider       live.Provider
	providerName   string
	source         audio.Source
	sink           audio.Sink
	template       live.SessionConfig
	connectTimeout time.Duration
	grace          time.Duration
	commands       *voicecmd.Detector
	metrics        *observe.Metrics

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastErr   error
	retryable bool
	cancel    context.CancelFunc
	sess      live.Session
	sched     *playback.Scheduler
	acc       *transcript.Accumulator
	wg        *sync.WaitGroup
}

// NewController creates a Controller with the given configuration.
func NewController(cfg ControllerConfig) *Controller {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Controller{
		provider:       cfg.Provider,
		providerName:   cfg.ProviderName,
		source:         cfg.Source,
		sink:           cfg.Sink,
		template:       cfg.Session,
		connectTimeout: timeout,
		grace:          cfg.TranscriptGrace,
		commands:       cfg.Commands,
		metrics:        metrics,
	}
}

// Start brings up a new session: it acquires the capture source, opens the
// live channel, waits for the opened event under the connect timeout, and
// begins streaming. instruction overrides the configured system instruction
// for this session; empty keeps the configured one.
//
// Start while a session is connecting or connected is a no-op returning nil.
// Start during a teardown returns an error because the previous session still
// owns the devices. Every failure path releases all resources and returns the
// controller to Idle, so Start can always be retried.
func (c *Controller) Start(ctx context.Context, instruction string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosing:
		c.mu.Unlock()
		return errors.New("session: previous teardown still in progress")
	case StateClosed:
		c.mu.Unlock()
		return errors.New("session: controller closed")
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	c.state = StateConnecting
	c.cancel = cancel
	c.lastErr = nil
	c.retryable = false
	c.mu.Unlock()

	if err := c.connect(ctx, sessCtx, instruction); err != nil {
		cancel()
		c.finishConnecting(err)
		return err
	}
	return nil
}

// connect performs the Connecting phase. The session context outlives connect
// and is cancelled by Stop; the caller context and the connect timeout only
// bound this phase.
func (c *Controller) connect(ctx, sessCtx context.Context, instruction string) error {
	began := time.Now()

	connCtx, connCancel := context.WithTimeout(sessCtx, c.connectTimeout)
	defer connCancel()
	abort := context.AfterFunc(ctx, connCancel)
	defer abort()

	// Capture first: a missing device should fail fast, before any network
	// round trip.
	frames, err := c.source.Start(sessCtx)
	if err != nil {
		return fmt.Errorf("session: acquire capture: %w", err)
	}

	cfg := c.template
	if instruction != "" {
		cfg.Instruction = instruction
	}
	if cfg.Instruction == "" {
		cfg.Instruction = defaultInstruction(cfg.SourceLanguage, cfg.TargetLanguage)
	}

	slog.Info("session connecting",
		"provider", c.providerName,
		"source_language", cfg.SourceLanguage,
		"target_language", cfg.TargetLanguage,
	)

	sess, err := c.provider.Connect(connCtx, cfg)
	if err != nil {
		_ = c.source.Stop()
		return fmt.Errorf("session: connect: %w", err)
	}

	if err := waitOpened(connCtx, sess); err != nil {
		_ = sess.Close()
		audio.Drain(sess.Events())
		_ = c.source.Stop()
		return &live.ConnectError{Provider: c.providerName, Err: err}
	}

	caps := c.provider.Capabilities()
	sched := playback.New(c.sink)
	var accOpts []transcript.Option
	if c.grace > 0 {
		accOpts = append(accOpts, transcript.WithGrace(c.grace))
	}
	acc := transcript.New(accOpts...)
	wg := &sync.WaitGroup{}

	c.mu.Lock()
	if sessCtx.Err() != nil {
		// Stop raced the successful open; finish the teardown it started.
		c.mu.Unlock()
		_ = sess.Close()
		audio.Drain(sess.Events())
		_ = c.source.Stop()
		_ = sched.Shutdown()
		return fmt.Errorf("session: connect: %w", sessCtx.Err())
	}
	c.state = StateConnected
	c.startedAt = time.Now()
	c.sess = sess
	c.sched = sched
	c.acc = acc
	c.wg = wg
	c.mu.Unlock()

	c.metrics.RecordConnect(ctx, c.providerName, time.Since(began).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)

	wg.Add(2)
	go c.captureLoop(sessCtx, frames, sess, caps.InputSampleRate, wg)
	go c.eventLoop(sessCtx, sess, sched, acc, wg)

	slog.Info("session connected",
		"provider", c.providerName,
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	return nil
}

// waitOpened consumes events until the channel reports opened, fails, or the
// context expires.
func waitOpened(ctx context.Context, sess live.Session) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for session open: %w", ctx.Err())
		case ev, ok := <-sess.Events():
			if !ok {
				if err := sess.Err(); err != nil {
					return fmt.Errorf("channel closed before opening: %w", err)
				}
				return errors.New("channel closed before opening")
			}
			switch ev.Type {
			case live.EventOpened:
				return nil
			case live.EventError:
				return fmt.Errorf("channel rejected session: %w", ev.Err)
			case live.EventClosed:
				return errors.New("channel closed before opening")
			}
		}
	}
}

// finishConnecting returns a failed Connecting phase to Idle and records the
// error. Cancellation is not recorded: it means a caller asked for the stop.
func (c *Controller) finishConnecting(err error) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateIdle
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.lastErr = err
		c.retryable = false
	}
	c.cancel = nil
	c.mu.Unlock()
}

// Stop gracefully ends the active session: it cancels the session context,
// stops the capture source, closes the channel, joins both loops, drains any
// buffered events, and shuts the playback scheduler down. After Stop returns
// the controller is Idle and a new Start is accepted.
//
// Stop while Idle or Closed is a no-op returning nil. Stop while Connecting
// cancels the in-flight connect, whose goroutine completes the teardown.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateClosed, StateClosing:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	c.state = StateClosing
	cancel := c.cancel
	sess := c.sess
	sched := c.sched
	acc := c.acc
	wg := c.wg
	c.mu.Unlock()

	cancel()
	if err := c.source.Stop(); err != nil {
		slog.Warn("capture stop error", "error", err)
	}
	if err := sess.Close(); err != nil {
		slog.Warn("channel close error", "error", err)
	}
	wg.Wait()
	audio.Drain(sess.Events())
	if err := sched.Shutdown(); err != nil {
		slog.Warn("playback shutdown error", "error", err)
	}
	acc.Reset()

	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateIdle
	}
	c.startedAt = time.Time{}
	c.cancel = nil
	c.sess = nil
	c.sched = nil
	c.acc = nil
	c.wg = nil
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session stopped")
	return nil
}

// Close stops any active session and permanently shuts the controller down.
// Subsequent Start calls fail. Intended for application shutdown.
func (c *Controller) Close() error {
	err := c.Stop(context.Background())
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// Status returns a point-in-time snapshot of the session for presentation.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.state,
		StartedAt: c.startedAt,
		LastError: c.lastErr,
		Retryable: c.retryable,
	}
	acc := c.acc
	c.mu.Unlock()

	if acc != nil {
		snap := acc.Snapshot()
		st.UserTranscript = snap.User
		st.AITranscript = snap.Model
	}
	return st
}

// ─── Session loops ───────────────────────────────────────────────────────────

// captureLoop reads frames from the capture source, encodes them, resamples
// to the provider's input rate when it differs, and sends them on the
// channel. It never blocks on channel backpressure: a frame rejected with
// [live.ErrSendQueueFull] is dropped and counted.
func (c *Controller) captureLoop(ctx context.Context, frames <-chan audio.Frame, sess live.Session, inputRate int, wg *sync.WaitGroup) {
	defer wg.Done()

	var dropWarn sync.Once
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			payload, err := audio.EncodeFrame(f)
			if err != nil {
				slog.Warn("dropping malformed capture frame", "error", err)
				continue
			}
			if inputRate > 0 && f.SampleRate != inputRate {
				payload = audio.ResampleMono16(payload, f.SampleRate, inputRate)
			}

			switch err := sess.Send(payload); {
			case err == nil:
				c.metrics.RecordCaptureFrame(ctx, "sent")
			case errors.Is(err, live.ErrSendQueueFull):
				dropWarn.Do(func() {
					slog.Warn("send queue full, dropping capture frames", "provider", c.providerName)
				})
				c.metrics.RecordCaptureFrame(ctx, "dropped")
			case errors.Is(err, live.ErrSessionClosed):
				return
			default:
				slog.Warn("send failed", "error", err)
				c.metrics.RecordCaptureFrame(ctx, "dropped")
			}
		}
	}
}

// eventLoop dispatches inbound channel events until the session context is
// cancelled or the event channel closes.
func (c *Controller) eventLoop(ctx context.Context, sess live.Session, sched *playback.Scheduler, acc *transcript.Accumulator, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, ev, sched, acc)
		}
	}
}

// handleEvent applies one inbound event. Per-unit errors are absorbed here;
// only session-level errors trigger a teardown, and always asynchronously,
// because Stop joins the loop this runs on.
func (c *Controller) handleEvent(ctx context.Context, ev live.Event, sched *playback.Scheduler, acc *transcript.Accumulator) {
	switch ev.Type {
	case live.EventAudio:
		if _, err := sched.Schedule(ev.Chunk); err != nil {
			if errors.Is(err, playback.ErrSchedulerClosed) {
				c.metrics.RecordPlaybackChunk(ctx, "discarded")
				return
			}
			slog.Warn("playback schedule failed", "error", err)
			c.metrics.RecordPlaybackChunk(ctx, "dropped")
			return
		}
		c.metrics.RecordPlaybackChunk(ctx, "scheduled")

	case live.EventTranscript:
		acc.Append(ev.Side, ev.Text)
		if ev.Side == live.SideUser && c.commands != nil {
			c.applyCommand(acc)
		}

	case live.EventTurnComplete:
		acc.TurnComplete()
		c.metrics.Turns.Add(ctx, 1)

	case live.EventInterrupted:
		sched.Interrupt()
		c.metrics.Interrupts.Add(ctx, 1)

	case live.EventError:
		kind := "unknown"
		var connErr *live.ConnectionError
		if errors.As(ev.Err, &connErr) {
			kind = connErr.Kind
		}
		slog.Error("session error from provider",
			"provider", c.providerName, "kind", kind, "error", ev.Err)
		c.metrics.RecordProviderError(ctx, c.providerName, kind)

		c.mu.Lock()
		c.lastErr = ev.Err
		c.retryable = true
		c.mu.Unlock()

		go func() { _ = c.Stop(context.Background()) }()

	case live.EventClosed:
		// Remote end of the session: tear down if we have not already.
		go func() { _ = c.Stop(context.Background()) }()
	}
}

// applyCommand matches the accumulated user transcript against the command
// patterns and applies the detected action. Stop runs asynchronously because
// it joins the event loop.
func (c *Controller) applyCommand(acc *transcript.Accumulator) {
	cmd, ok := c.commands.Detect(acc.Snapshot().User)
	if !ok {
		return
	}
	slog.Info("voice command detected", "command", cmd)
	switch cmd {
	case voicecmd.CommandStop:
		go func() { _ = c.Stop(context.Background()) }()
	case voicecmd.CommandReset:
		acc.Reset()
	}
}
