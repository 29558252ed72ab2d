// Package app wires the dolmetra subsystems into a running control server.
//
// The App struct owns the full lifecycle: New builds the session controller
// and the HTTP surface from a loaded config, Run serves until its context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, populate the Providers struct with mocks and drive the HTTP
// surface through [App.Handler] instead of calling Run.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/internal/config"
	"github.com/MrWong99/dolmetra/internal/health"
	"github.com/MrWong99/dolmetra/internal/observe"
	"github.com/MrWong99/dolmetra/internal/session"
	"github.com/MrWong99/dolmetra/internal/voicecmd"
	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// defaultListenAddr is used when server.listen_addr is empty.
const defaultListenAddr = "127.0.0.1:8080"

// drainTimeout bounds how long the HTTP server waits for in-flight requests
// once Run's context is cancelled.
const drainTimeout = 5 * time.Second

// Providers holds one implementation per pluggable slot. All three are
// required. Populated by main.go via the config registry.
type Providers struct {
	// Live opens channels to the remote speech-to-speech model.
	Live live.Provider

	// Source captures microphone audio.
	Source audio.Source

	// Sink plays synthesized translation audio.
	Sink audio.Sink
}

// App owns the session controller and the HTTP control surface.
type App struct {
	cfg       *config.Config
	providers *Providers

	controller *session.Controller
	metrics    *observe.Metrics
	health     *health.Handler
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics set instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the session controller and the HTTP routes from cfg. The
// providers struct comes from main.go (populated via the config registry);
// every slot must be set.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Provider slots ────────────────────────────────────────────────
	if providers == nil || providers.Live == nil {
		return nil, fmt.Errorf("app: no live provider configured")
	}
	if providers.Source == nil {
		return nil, fmt.Errorf("app: no capture source configured")
	}
	if providers.Sink == nil {
		return nil, fmt.Errorf("app: no playback sink configured")
	}

	// ── 2. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 3. Voice commands ────────────────────────────────────────────────
	var commands *voicecmd.Detector
	if cfg.Session.VoiceCommands {
		commands = voicecmd.New()
	}

	// ── 4. Session controller ────────────────────────────────────────────
	a.controller = session.NewController(session.ControllerConfig{
		Provider:     providers.Live,
		ProviderName: cfg.Provider.Name,
		Source:       providers.Source,
		Sink:         providers.Sink,
		Session: live.SessionConfig{
			SourceLanguage:   cfg.Session.SourceLanguage,
			TargetLanguage:   cfg.Session.TargetLanguage,
			Instruction:      cfg.Session.Instruction,
			Voice:            cfg.Session.Voice,
			TranscribeInput:  cfg.Session.TranscribeInput,
			TranscribeOutput: cfg.Session.TranscribeOutput,
		},
		ConnectTimeout:  cfg.Session.ConnectTimeout.Std(),
		TranscriptGrace: cfg.Session.TranscriptGrace.Std(),
		Commands:        commands,
		Metrics:         a.metrics,
	})
	a.closers = append(a.closers, a.controller.Close)

	// ── 5. Health checks ─────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "provider", Check: a.checkProvider},
		health.Checker{Name: "capture", Check: a.checkCapture},
	)

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /v1/session", a.handleStatus)
	if h, ok := providers.Source.(interface{ Handler() http.Handler }); ok {
		mux.Handle("/v1/audio/socket", h.Handler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// checkProvider verifies a credential is available for the configured
// backend. Readiness rather than liveness: the server runs fine without a
// key, but no session can start.
func (a *App) checkProvider(context.Context) error {
	if a.cfg.Provider.ResolveAPIKey() == "" {
		return fmt.Errorf("no API key for provider %q", a.cfg.Provider.Name)
	}
	return nil
}

// checkCapture asks the capture source whether it can run, for backends that
// support probing. The device source checks its recorder binary is on PATH;
// the socket source accepts clients only mid-session and always passes.
func (a *App) checkCapture(context.Context) error {
	if p, ok := a.providers.Source.(interface{ Probe() error }); ok {
		return p.Probe()
	}
	return nil
}

// Handler returns the fully wired HTTP handler, middleware included. Tests
// drive the control surface through this instead of binding a listener.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts a session when session.auto_start is set and serves the control
// API until ctx is cancelled. On cancellation the server drains in-flight
// requests and Run returns the context error; stopping the session itself is
// Shutdown's job.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Session.AutoStart {
		if err := a.controller.Start(ctx, ""); err != nil {
			slog.Error("session auto-start failed — use the control API to retry", "error", err)
		}
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("control server listening", "addr", addr, "tls", true)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("control server listening", "addr", addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("control server drain failed", "error", err)
		}
		return gctx.Err()
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order, stopping any active session.
// It respects the context deadline: if ctx expires before all closers finish,
// the remaining ones are skipped and their count logged.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

// startRequest is the optional JSON body of POST /v1/session/start.
type startRequest struct {
	// Instruction overrides the configured system instruction for this
	// session only.
	Instruction string `json:"instruction"`
}

// statusResponse is the session read model served by GET /v1/session and
// echoed by the start/stop endpoints.
type statusResponse struct {
	State          string     `json:"state"`
	Provider       string     `json:"provider"`
	SourceLanguage string     `json:"source_language"`
	TargetLanguage string     `json:"target_language"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	Retryable      bool       `json:"retryable,omitempty"`
	UserTranscript string     `json:"user_transcript,omitempty"`
	AITranscript   string     `json:"ai_transcript,omitempty"`
}

// errorResponse is the JSON body for rejected control calls.
type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

// handleStart starts a session. An empty or absent body uses the configured
// instruction; a JSON body may override it. Returns 409 when a session is
// already underway, 502 when the provider cannot be reached, and the fresh
// status on success.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	switch st := a.controller.Status(); st.State {
	case session.StateConnecting, session.StateConnected, session.StateClosing:
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "a session is already " + st.State.String(),
			State: st.State.String(),
		})
		return
	}

	if err := a.controller.Start(r.Context(), req.Instruction); err != nil {
		status := http.StatusInternalServerError
		var connErr *live.ConnectError
		if errors.As(err, &connErr) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, a.status())
}

// handleStop stops the session. Stopping an idle controller is a no-op, so
// the endpoint is idempotent and always reports the resulting status.
func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

// handleStatus serves the session read model.
func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

// status converts the controller snapshot into the wire shape.
func (a *App) status() statusResponse {
	st := a.controller.Status()
	resp := statusResponse{
		State:          st.State.String(),
		Provider:       a.cfg.Provider.Name,
		SourceLanguage: a.cfg.Session.SourceLanguage,
		TargetLanguage: a.cfg.Session.TargetLanguage,
		UserTranscript: st.UserTranscript,
		AITranscript:   st.AITranscript,
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt.UTC()
		resp.StartedAt = &t
	}
	if st.LastError != nil {
		resp.Error = st.LastError.Error()
		resp.Retryable = st.Retryable
	}
	return resp
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}
