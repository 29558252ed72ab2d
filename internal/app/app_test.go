package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dolmetra/internal/app"
	"github.com/MrWong99/dolmetra/internal/config"
	"github.com/MrWong99/dolmetra/pkg/audio"
	audiomock "github.com/MrWong99/dolmetra/pkg/audio/mock"
	"github.com/MrWong99/dolmetra/pkg/audio/socket"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
	livemock "github.com/MrWong99/dolmetra/pkg/provider/live/mock"
)

// testConfig returns a minimal config for wiring the app with mocks.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Provider: config.ProviderConfig{
			Name:   "mock",
			APIKey: "test-key",
		},
		Session: config.SessionConfig{
			SourceLanguage: "es-ES",
			TargetLanguage: "de-DE",
			ConnectTimeout: config.Duration(time.Second),
		},
	}
}

// testProviders returns a provider set backed by mocks. The live session is
// pre-queued with an opened event so Start succeeds immediately.
func testProviders() *app.Providers {
	sess := &livemock.Session{
		EventsCh:        make(chan live.Event, 64),
		AutoCloseEvents: true,
	}
	sess.EventsCh <- live.Event{Type: live.EventOpened}
	return &app.Providers{
		Live: &livemock.Provider{
			Session: sess,
			ProviderCapabilities: live.Capabilities{
				InputSampleRate:  16000,
				OutputSampleRate: 24000,
			},
		},
		Source: &audiomock.Source{StartResult: make(chan audio.Frame, 16)},
		Sink:   &audiomock.Sink{},
	}
}

// sessionStatus mirrors the JSON bodies served by the control endpoints.
// Error doubles as the message field of rejected calls.
type sessionStatus struct {
	State          string     `json:"state"`
	Provider       string     `json:"provider"`
	SourceLanguage string     `json:"source_language"`
	TargetLanguage string     `json:"target_language"`
	StartedAt      *time.Time `json:"started_at"`
	Error          string     `json:"error"`
	Retryable      bool       `json:"retryable"`
	UserTranscript string     `json:"user_transcript"`
	AITranscript   string     `json:"ai_transcript"`
}

// getJSON fetches url, decodes the JSON body into v, and returns the status
// code.
func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode GET %s response: %v", url, err)
	}
	return resp.StatusCode
}

// postJSON posts body (may be empty) to url, decodes the JSON response into
// v, and returns the status code.
func postJSON(t *testing.T, url, body string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode POST %s response: %v", url, err)
	}
	return resp.StatusCode
}

func TestNew_MissingProviderSlots(t *testing.T) {
	t.Parallel()

	cfg := testConfig()

	if _, err := app.New(cfg, &app.Providers{}); err == nil {
		t.Fatal("New() with empty providers succeeded, want error")
	}

	providers := testProviders()
	providers.Sink = nil
	if _, err := app.New(cfg, providers); err == nil {
		t.Fatal("New() without a sink succeeded, want error")
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	application, err := app.New(cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	// A fresh app reports an idle session with the configured identity.
	var st sessionStatus
	if code := getJSON(t, srv.URL+"/v1/session", &st); code != http.StatusOK {
		t.Fatalf("GET /v1/session status = %d, want 200", code)
	}
	if st.State != "idle" {
		t.Fatalf("initial state = %q, want %q", st.State, "idle")
	}
	if st.Provider != "mock" || st.SourceLanguage != "es-ES" || st.TargetLanguage != "de-DE" {
		t.Errorf("identity = %q %q→%q, want mock es-ES→de-DE",
			st.Provider, st.SourceLanguage, st.TargetLanguage)
	}

	// Start connects and reports the running session.
	var started sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/start", "", &started); code != http.StatusOK {
		t.Fatalf("start status = %d, want 200", code)
	}
	if started.State != "connected" {
		t.Fatalf("state after start = %q, want %q", started.State, "connected")
	}
	if started.StartedAt == nil || started.StartedAt.IsZero() {
		t.Error("started_at missing from start response")
	}

	// A second start conflicts with the running session.
	var conflict sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/start", "", &conflict); code != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", code)
	}
	if conflict.Error == "" {
		t.Error("conflict response has no error message")
	}

	// Stop returns the session to idle.
	var stopped sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/stop", "", &stopped); code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", code)
	}
	if stopped.State != "idle" {
		t.Fatalf("state after stop = %q, want %q", stopped.State, "idle")
	}

	// Stopping again is a no-op, not an error.
	var again sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/stop", "", &again); code != http.StatusOK {
		t.Fatalf("repeated stop status = %d, want 200", code)
	}
	if again.State != "idle" {
		t.Fatalf("state after repeated stop = %q, want %q", again.State, "idle")
	}
}

func TestStartEndpoint_ProviderUnreachable(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	lp := providers.Live.(*livemock.Provider)
	lp.ConnectErr = &live.ConnectError{Provider: "mock", Err: errors.New("auth rejected")}

	application, err := app.New(testConfig(), providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	var failed sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/start", "", &failed); code != http.StatusBadGateway {
		t.Fatalf("start status = %d, want 502", code)
	}
	if !strings.Contains(failed.Error, "auth rejected") {
		t.Errorf("error = %q, want it to mention the connect failure", failed.Error)
	}

	// The failure is recorded on the idle session for later inspection.
	var st sessionStatus
	getJSON(t, srv.URL+"/v1/session", &st)
	if st.State != "idle" {
		t.Errorf("state after failed start = %q, want %q", st.State, "idle")
	}
	if st.Error == "" {
		t.Error("status has no last error after failed start")
	}
}

func TestStartEndpoint_InstructionOverride(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	lp := providers.Live.(*livemock.Provider)

	application, err := app.New(testConfig(), providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	var st sessionStatus
	body := `{"instruction": "Speak like a pirate."}`
	if code := postJSON(t, srv.URL+"/v1/session/start", body, &st); code != http.StatusOK {
		t.Fatalf("start status = %d, want 200", code)
	}

	if len(lp.ConnectCalls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(lp.ConnectCalls))
	}
	if got := lp.ConnectCalls[0].Cfg.Instruction; got != "Speak like a pirate." {
		t.Errorf("instruction = %q, want the override", got)
	}
}

func TestStartEndpoint_BadJSON(t *testing.T) {
	t.Parallel()

	application, err := app.New(testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	var st sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/start", "{not json", &st); code != http.StatusBadRequest {
		t.Fatalf("start status = %d, want 400", code)
	}
}

// healthBody mirrors the JSON served by /healthz and /readyz.
type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	application, err := app.New(testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	var alive healthBody
	if code := getJSON(t, srv.URL+"/healthz", &alive); code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", code)
	}
	if alive.Status != "ok" {
		t.Errorf("healthz status field = %q, want %q", alive.Status, "ok")
	}

	var ready healthBody
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", code)
	}
	if ready.Checks["provider"] != "ok" || ready.Checks["capture"] != "ok" {
		t.Errorf("readyz checks = %v, want all ok", ready.Checks)
	}
}

func TestReadyz_NoAPIKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider.APIKey = ""

	application, err := app.New(cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	var ready healthBody
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", code)
	}
	if ready.Status != "fail" {
		t.Errorf("readyz status field = %q, want %q", ready.Status, "fail")
	}
	if !strings.HasPrefix(ready.Checks["provider"], "fail") {
		t.Errorf("provider check = %q, want a failure", ready.Checks["provider"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	application, err := app.New(testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics body: %v", err)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics exposition is missing the Go runtime collectors")
	}
}

func TestSocketSourceMounted(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.Source = socket.NewCapture()

	application, err := app.New(testConfig(), providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	// No session is running, so the mounted endpoint refuses the client
	// instead of reporting an unknown route.
	resp, err := http.Get(srv.URL + "/v1/audio/socket")
	if err != nil {
		t.Fatalf("GET /v1/audio/socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("socket endpoint status = %d, want 409", resp.StatusCode)
	}
}

func TestSocketEndpoint_NotMountedForDeviceSource(t *testing.T) {
	t.Parallel()

	application, err := app.New(testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/audio/socket")
	if err != nil {
		t.Fatalf("GET /v1/audio/socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("socket endpoint status = %d, want 404", resp.StatusCode)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	application, err := app.New(testConfig(), providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	var st sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/start", "", &st); code != http.StatusOK {
		t.Fatalf("start status = %d, want 200", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// The active session was closed with the app.
	sess := providers.Live.(*livemock.Provider).Session.(*livemock.Session)
	if got := sess.Closes(); got == 0 {
		t.Error("session was not closed during shutdown")
	}

	// The controller is now terminal: starts are rejected, shutdown repeats
	// cleanly.
	var rejected sessionStatus
	if code := postJSON(t, srv.URL+"/v1/session/start", "", &rejected); code != http.StatusInternalServerError {
		t.Fatalf("start after shutdown status = %d, want 500", code)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Run in background.
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to bind its listener.
	time.Sleep(50 * time.Millisecond)

	// Cancel context to trigger the drain.
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_AutoStart(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.AutoStart = true

	application, err := app.New(cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Run starts the session before serving, so the control surface reports
	// it as soon as polling sees it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var st sessionStatus
		getJSON(t, srv.URL+"/v1/session", &st)
		if st.State == "connected" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session state = %q, want %q before deadline", st.State, "connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
