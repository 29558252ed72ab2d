// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 in both directions; transcript deltas
// are forwarded as incremental live.EventTranscript fragments without
// buffering.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the PCM16 rate of the Realtime API in both directions.
	sampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    sampleRate,
		OutputSampleRate:   sampleRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session. It returns once the
// WebSocket is up and the session.update configuration has been sent; the
// server's session.created acknowledgement arrives as the session's first
// event, live.EventOpened.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &live.ConnectError{Provider: "openai", Err: fmt.Errorf("dial: %w", err)}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:             conn,
		events:           make(chan live.Event, 64),
		sendCh:           make(chan []byte, 32),
		transcribeOutput: cfg.TranscribeOutput,
		ctx:              sessCtx,
		cancel:           sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &live.ConnectError{Provider: "openai", Err: fmt.Errorf("session update: %w", err)}
	}

	go sess.receiveLoop()
	go sess.writeLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcriptionOpts `json:"input_audio_transcription,omitempty"`
}

type transcriptionOpts struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	sendCh chan []byte

	// transcribeOutput gates SideModel transcript events: the Realtime API
	// always streams audio_transcript deltas, so filtering happens here.
	transcribeOutput bool

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// turn numbers inbound utterances; only receiveLoop touches it.
	turn int
}

// sendSessionUpdate sends a session.update event configuring voice,
// instructions, audio formats, and input transcription.
//
// The target language has no wire field in the Realtime API; callers fold it
// into the instruction. The source language narrows input transcription.
func (s *session) sendSessionUpdate(cfg live.SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TranscribeInput {
		params.InputAudioTranscription = &transcriptionOpts{
			Model:    "whisper-1",
			Language: baseLang(cfg.SourceLanguage),
		}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// baseLang reduces a BCP-47 tag like "es-ES" to the bare language code "es"
// expected by the transcription model. Empty input stays empty.
func baseLang(tag string) string {
	code, _, _ := strings.Cut(tag, "-")
	return code
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and turns them into live events.
// It owns the events channel: every event is emitted here, and the channel is
// closed when the loop exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if werr := s.Err(); werr != nil {
				// The write loop already recorded the fault.
				s.emitFinal(live.Event{Type: live.EventError, Err: werr})
				return
			}
			if s.ctx.Err() != nil {
				return // Close was called; exit cleanly
			}
			cerr := &live.ConnectionError{Kind: "transport", Message: err.Error()}
			s.setErr(cerr)
			s.emitFinal(live.Event{Type: live.EventError, Err: cerr})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		s.emit(live.Event{Type: live.EventOpened})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return
		}
		s.emit(live.Event{Type: live.EventAudio, Chunk: audio.Chunk{
			Data:       data,
			SampleRate: sampleRate,
			Turn:       fmt.Sprintf("turn-%d", s.turn),
		}})

	case "response.audio_transcript.delta":
		if evt.Delta == "" || !s.transcribeOutput {
			return
		}
		s.emit(live.Event{Type: live.EventTranscript, Side: live.SideModel, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(live.Event{Type: live.EventTranscript, Side: live.SideUser, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		// The user talked over the model: playback held downstream is stale.
		s.turn++
		s.emit(live.Event{Type: live.EventInterrupted})

	case "response.done":
		s.turn++
		s.emit(live.Event{Type: live.EventTurnComplete})

	case "error":
		s.handleErrorEvent(evt)
	}
}

func (s *session) handleErrorEvent(evt *serverEvent) {
	msg := "unknown error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	s.emit(live.Event{Type: live.EventError, Err: &live.ConnectionError{Kind: "remote", Message: msg}})
}

// writeLoop serializes outbound frames onto the WebSocket. Send stays
// non-blocking because this loop is the only writer of audio frames; a write
// failure cancels the session and surfaces on the event stream.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendCh:
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(frame),
			}
			if err := s.writeJSON(msg); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.setErr(&live.ConnectionError{Kind: "transport", Message: fmt.Sprintf("send: %v", err)})
				s.cancel() // receive loop surfaces the fault and ends the stream
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// emit delivers ev in stream order, giving up only when the session is torn
// down while the consumer is stalled.
func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// emitFinal queues ev without blocking. Teardown runs with the session
// context already cancelled, so the buffer on the events channel is the only
// delivery path left; consumers that drain promptly never miss it.
func (s *session) emitFinal(ev live.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		s.emitFinal(live.Event{Type: live.EventClosed})
		close(s.events)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send enqueues a raw PCM16 frame (24 kHz mono) for delivery to the model.
// Never blocks: a full queue drops the frame with ErrSendQueueFull.
func (s *session) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	select {
	case s.sendCh <- frame:
		return nil
	default:
		return live.ErrSendQueueFull
	}
}

// Events returns the ordered event stream for this session.
func (s *session) Events() <-chan live.Event { return s.events }

// Err returns the error that ended the session prematurely, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases the transport. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks the receive and write loops
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
