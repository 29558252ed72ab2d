package socket_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/audio/socket"
	"github.com/coder/websocket"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startCapture creates a started Capture behind an httptest server and
// returns both with the frame channel.
func startCapture(t *testing.T, opts ...socket.Option) (*socket.Capture, *httptest.Server, <-chan audio.Frame) {
	t.Helper()
	c := socket.NewCapture(opts...)
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c, srv, frames
}

// dialCapture connects a fake companion client.
func dialCapture(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// sendHello announces the client stream layout and waits for the ready ack.
func sendHello(t *testing.T, conn *websocket.Conn, codec string, rate, channels int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg, _ := json.Marshal(map[string]any{
		"codec": codec, "sampleRate": rate, "channels": channels,
	})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	var ack struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("parse ready: %v", err)
	}
	if ack.Type != "ready" {
		t.Fatalf("ack type = %q, want ready", ack.Type)
	}
}

// sendPCM writes one binary audio packet.
func sendPCM(t *testing.T, conn *websocket.Conn, pcm []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
}

// recvFrame waits for one frame.
func recvFrame(t *testing.T, frames <-chan audio.Frame) audio.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("frame channel closed")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return audio.Frame{}
}

// pcmRepeat builds a PCM16 payload of n samples all set to the given
// little-endian value.
func pcmRepeat(n int, lo, hi byte) []byte {
	out := make([]byte, n*2)
	for i := range n {
		out[i*2] = lo
		out[i*2+1] = hi
	}
	return out
}

func TestPCMStream_EmitsFrames(t *testing.T) {
	t.Parallel()

	_, srv, frames := startCapture(t)
	conn := dialCapture(t, srv)
	sendHello(t, conn, "pcm16", 16000, 1)

	// One 20ms frame at 16kHz: 320 samples of 0x4000 = 0.5.
	sendPCM(t, conn, pcmRepeat(320, 0x00, 0x40))

	f := recvFrame(t, frames)
	if len(f.Samples) != 320 {
		t.Fatalf("frame has %d samples, want 320", len(f.Samples))
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("frame format = %d/%d, want 16000/1", f.SampleRate, f.Channels)
	}
	for i, s := range f.Samples {
		if s != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, s)
		}
	}
}

func TestPCMStream_AccumulatesPartialPackets(t *testing.T) {
	t.Parallel()

	_, srv, frames := startCapture(t)
	conn := dialCapture(t, srv)
	sendHello(t, conn, "pcm16", 16000, 1)

	// Two half-frames add up to exactly one 320-sample frame.
	sendPCM(t, conn, pcmRepeat(160, 0x00, 0x00))
	sendPCM(t, conn, pcmRepeat(160, 0x00, 0x00))

	f := recvFrame(t, frames)
	if len(f.Samples) != 320 {
		t.Fatalf("frame has %d samples, want 320", len(f.Samples))
	}
}

func TestStereoDownmixAndResample(t *testing.T) {
	t.Parallel()

	_, srv, frames := startCapture(t)
	conn := dialCapture(t, srv)
	sendHello(t, conn, "pcm16", 48000, 2)

	// 20ms of 48kHz stereo: 960 sample pairs = 3840 bytes. After downmix and
	// 48k→16k resampling this is one 320-sample frame.
	sendPCM(t, conn, pcmRepeat(960*2, 0x00, 0x40))

	f := recvFrame(t, frames)
	if len(f.Samples) != 320 {
		t.Fatalf("frame has %d samples, want 320", len(f.Samples))
	}
	if f.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", f.SampleRate)
	}
	// Both channels carry 0.5, so the downmixed signal does too.
	for i, s := range f.Samples {
		if s < 0.49 || s > 0.51 {
			t.Fatalf("sample %d = %v, want ~0.5", i, s)
		}
	}
}

func TestHello_OpusAccepted(t *testing.T) {
	t.Parallel()

	_, srv, _ := startCapture(t)
	conn := dialCapture(t, srv)
	sendHello(t, conn, "opus", 48000, 2)
}

func TestHello_InvalidCodec_ClosesConnection(t *testing.T) {
	t.Parallel()

	_, srv, _ := startCapture(t)
	conn := dialCapture(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, _ := json.Marshal(map[string]any{"codec": "mp3", "sampleRate": 44100, "channels": 2})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("read after invalid hello succeeded, want close")
	}
}

func TestSecondClient_Rejected(t *testing.T) {
	t.Parallel()

	_, srv, _ := startCapture(t)
	conn := dialCapture(t, srv)
	sendHello(t, conn, "pcm16", 16000, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if second, _, err := websocket.Dial(ctx, wsURL(srv), nil); err == nil {
		second.Close(websocket.StatusNormalClosure, "done")
		t.Fatal("second client connected, want rejection")
	}
}

func TestNotStarted_Rejected(t *testing.T) {
	t.Parallel()

	c := socket.NewCapture()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if conn, _, err := websocket.Dial(ctx, wsURL(srv), nil); err == nil {
		conn.Close(websocket.StatusNormalClosure, "done")
		t.Fatal("client connected before Start, want rejection")
	}
}

func TestClientReconnect_Allowed(t *testing.T) {
	t.Parallel()

	_, srv, frames := startCapture(t)

	first := dialCapture(t, srv)
	sendHello(t, first, "pcm16", 16000, 1)
	sendPCM(t, first, pcmRepeat(320, 0x00, 0x00))
	recvFrame(t, frames)
	first.Close(websocket.StatusNormalClosure, "done")

	// The slot is released asynchronously once the server notices the
	// disconnect, so retry until the new client gets through.
	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		second, _, err := websocket.Dial(ctx, wsURL(srv), nil)
		cancel()
		if err == nil {
			t.Cleanup(func() { second.Close(websocket.StatusNormalClosure, "done") })
			sendHello(t, second, "pcm16", 16000, 1)
			sendPCM(t, second, pcmRepeat(320, 0x00, 0x00))
			recvFrame(t, frames)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconnect never accepted: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStart_Twice_ReturnsError(t *testing.T) {
	t.Parallel()

	c, _, _ := startCapture(t)
	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestStop_ClosesFrameChannel(t *testing.T) {
	t.Parallel()

	c := socket.NewCapture()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-frames:
		if ok {
			t.Fatal("received frame after Stop")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame channel not closed after Stop")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStop_DisconnectsClient(t *testing.T) {
	t.Parallel()

	c, srv, _ := startCapture(t)
	conn := dialCapture(t, srv)
	sendHello(t, conn, "pcm16", 16000, 1)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("client read succeeded after Stop, want close")
	}
}
