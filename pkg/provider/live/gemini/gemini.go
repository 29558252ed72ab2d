// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound microphone frames are transmitted as base64-encoded PCM
// chunks; inbound server messages are decoded into the ordered live.Event
// stream.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// inputMIMEType declares the format of outbound frames: 16 kHz s16le mono.
	inputMIMEType = "audio/pcm;rate=16000"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect establishes a new Gemini Live session. It returns once the
// WebSocket is up and the setup message has been sent; the server's
// setupComplete acknowledgement arrives as the session's first event,
// live.EventOpened.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.ConnectError{Provider: "gemini", Err: fmt.Errorf("dial: %w", err)}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, 64),
		sendCh: make(chan []byte, 32),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.ConnectError{Provider: "gemini", Err: fmt.Errorf("setup: %w", err)}
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *transcriptionOpts `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionOpts `json:"outputAudioTranscription,omitempty"`
}

// transcriptionOpts is an empty object; its presence in the setup message is
// what enables transcription for that direction.
type transcriptionOpts struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	sendCh chan []byte

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// turn numbers inbound utterances; only receiveLoop touches it.
	turn int
}

// sendSetup sends the initial BidiGenerateContent setup message.
//
// The source language is not part of the wire protocol; Gemini detects it
// from the audio. Callers fold it into the instruction when it matters.
func (s *session) sendSetup(model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instruction}},
		}
	}

	sc := &speechConfig{LanguageCode: cfg.TargetLanguage}
	if cfg.Voice != "" {
		sc.VoiceConfig = &voiceConfig{
			PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
		}
	}
	if sc.VoiceConfig != nil || sc.LanguageCode != "" {
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	if cfg.TranscribeInput {
		msg.Setup.InputAudioTranscription = &transcriptionOpts{}
	}
	if cfg.TranscribeOutput {
		msg.Setup.OutputAudioTranscription = &transcriptionOpts{}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.emit(live.Event{Type: live.EventOpened})
	}
	if msg.Error != nil {
		s.handleError(msg.Error)
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
}

func (s *session) handleError(ge *geminiError) {
	msg := "unknown error"
	if ge.Message != "" {
		msg = ge.Message
	}
	s.emit(live.Event{Type: live.EventError, Err: &live.ConnectionError{Kind: "remote", Message: msg}})
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		// Any parts in the same message belong to the cut-off utterance.
		s.turn++
		s.emit(live.Event{Type: live.EventInterrupted})
		return
	}

	if sc.ModelTurn != nil {
		// Emit audio chunks and text parts in a single pass, preserving order.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(data) == 0 {
					continue
				}
				s.emit(live.Event{Type: live.EventAudio, Chunk: audio.Chunk{
					Data:       data,
					SampleRate: rateFromMIME(p.InlineData.MIMEType, outputSampleRate),
					Turn:       fmt.Sprintf("turn-%d", s.turn),
				}})
			}
			if p.Text != "" {
				s.emit(live.Event{Type: live.EventTranscript, Side: live.SideModel, Text: p.Text})
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(live.Event{Type: live.EventTranscript, Side: live.SideUser, Text: sc.InputTranscription.Text})
	}

	// Text version of the synthesized translation.
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(live.Event{Type: live.EventTranscript, Side: live.SideModel, Text: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		s.turn++
		s.emit(live.Event{Type: live.EventTurnComplete})
	}
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
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{
						MIMEType: inputMIMEType,
						Data:     base64.StdEncoding.EncodeToString(frame),
					}},
				},
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
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

// rateFromMIME extracts the sample rate from a MIME type such as
// "audio/pcm;rate=24000". Returns fallback when no rate parameter is present.
func rateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(param), "rate="); ok {
			if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return fallback
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send enqueues a raw PCM frame (16 kHz, s16le, mono) for delivery to the
// model. Never blocks: a full queue drops the frame with ErrSendQueueFull.
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

	s.cancel()    // unblocks the receive and write loops
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
