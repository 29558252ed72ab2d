// Package socket implements a capture source fed by a companion app over a
// WebSocket connection.
//
// A single client connects to the handler, announces its stream layout in a
// JSON hello, and then streams one audio packet per binary message. Packets
// are decoded (Opus via gopus, or raw little-endian PCM16), downmixed to
// mono, resampled to the capture rate, and sliced into fixed-duration
// [audio.Frame] batches. One client holds the capture slot at a time; a
// disconnected client may reconnect while the source is running.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/coder/websocket"
	"layeh.com/gopus"
)

const (
	// defaultCaptureRate matches what the live providers expect as input.
	defaultCaptureRate = 16000

	// frameDuration is the fixed length of each emitted frame.
	frameDuration = 20 * time.Millisecond

	// frameBuffer is the capacity of the frame channel.
	frameBuffer = 64

	// helloTimeout bounds how long a freshly connected client may hold the
	// capture slot without announcing its stream.
	helloTimeout = 10 * time.Second
)

// hello is the first message a client sends after connecting.
type hello struct {
	// Codec is "opus" or "pcm16".
	Codec string `json:"codec"`
	// SampleRate of the client stream in Hz.
	SampleRate int `json:"sampleRate"`
	// Channels of the client stream: 1 or 2.
	Channels int `json:"channels"`
}

// ready is the acknowledgement sent once the hello has been accepted.
type ready struct {
	Type string `json:"type"`
}

// Option configures a [Capture] during construction.
type Option func(*Capture)

// WithSampleRate overrides the rate of the emitted frames. Defaults to 16kHz.
func WithSampleRate(rate int) Option {
	return func(c *Capture) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// Capture implements [audio.Source] for a remote microphone streaming over a
// WebSocket. Mount [Capture.Handler] on the control server and call
// [Capture.Start] to begin accepting a client.
type Capture struct {
	rate int

	mu      sync.Mutex
	frames  chan audio.Frame
	conn    *websocket.Conn
	stop    chan struct{}
	active  bool
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewCapture creates a socket capture source.
func NewCapture(opts ...Option) *Capture {
	c := &Capture{rate: defaultCaptureRate}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the capture slot and returns the frame channel. Frames flow
// once a client connects to the handler. The channel is closed by
// [Capture.Stop] or when ctx is cancelled.
func (c *Capture) Start(ctx context.Context) (<-chan audio.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, errors.New("socket: capture already started")
	}
	c.frames = make(chan audio.Frame, frameBuffer)
	c.stop = make(chan struct{})
	c.started = true
	c.closed = false

	go func(stop chan struct{}) {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-stop:
		}
	}(c.stop)

	return c.frames, nil
}

// Stop disconnects the active client, closes the frame channel, and releases
// the capture slot. Idempotent; a stopped capture can be started again.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	stop := c.stop
	frames := c.frames
	c.mu.Unlock()

	close(stop)
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "capture stopped")
	}
	c.wg.Wait()
	close(frames)

	c.mu.Lock()
	c.started = false
	c.frames = nil
	c.conn = nil
	c.mu.Unlock()
	return nil
}

// Handler returns the WebSocket endpoint clients connect to.
func (c *Capture) Handler() http.Handler {
	return http.HandlerFunc(c.serve)
}

func (c *Capture) serve(w http.ResponseWriter, r *http.Request) {
	frames, err := c.claim()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer c.release()

	// Companion apps connect from app webviews and local networks, so origin
	// checking is left to the deployment's reverse proxy.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "capture ended")

	c.setConn(conn)

	h, err := c.handshake(r.Context(), conn)
	if err != nil {
		slog.Warn("socket: capture handshake failed", "error", err)
		conn.Close(websocket.StatusUnsupportedData, err.Error())
		return
	}

	slog.Info("socket: capture client connected",
		"codec", h.Codec, "rate", h.SampleRate, "channels", h.Channels)
	c.readLoop(r.Context(), conn, h, frames)
	slog.Info("socket: capture client disconnected")
}

// claim reserves the single capture slot for an incoming client.
func (c *Capture) claim() (chan audio.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return nil, errors.New("socket: capture not started")
	}
	if c.active {
		return nil, errors.New("socket: another client is connected")
	}
	c.active = true
	c.wg.Add(1)
	return c.frames, nil
}

func (c *Capture) release() {
	c.mu.Lock()
	c.active = false
	c.conn = nil
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Capture) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// handshake reads and validates the client hello, then acknowledges it.
func (c *Capture) handshake(ctx context.Context, conn *websocket.Conn) (hello, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return hello{}, fmt.Errorf("read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return hello{}, errors.New("hello must be a text message")
	}

	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return hello{}, fmt.Errorf("parse hello: %w", err)
	}
	if h.Codec != "opus" && h.Codec != "pcm16" {
		return hello{}, fmt.Errorf("unsupported codec %q", h.Codec)
	}
	if h.SampleRate <= 0 {
		return hello{}, fmt.Errorf("invalid sample rate %d", h.SampleRate)
	}
	if h.Channels != 1 && h.Channels != 2 {
		return hello{}, fmt.Errorf("invalid channel count %d", h.Channels)
	}

	ack, _ := json.Marshal(ready{Type: "ready"})
	if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
		return hello{}, fmt.Errorf("write ready: %w", err)
	}
	return h, nil
}

// readLoop consumes binary packets until the client disconnects or the
// capture stops, emitting fixed-duration frames.
func (c *Capture) readLoop(ctx context.Context, conn *websocket.Conn, h hello, frames chan audio.Frame) {
	decode, err := newPacketDecoder(h)
	if err != nil {
		slog.Error("socket: create decoder", "codec", h.Codec, "error", err)
		return
	}

	frameBytes := c.rate * 2 * int(frameDuration) / int(time.Second)
	var buf []byte
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		pcm, err := decode(data)
		if err != nil {
			slog.Warn("socket: packet decode error", "error", err)
			continue
		}
		if len(pcm)%2 != 0 {
			slog.Warn("socket: dropping odd-length pcm packet", "bytes", len(pcm))
			continue
		}
		if h.Channels == 2 {
			pcm = audio.StereoToMono(pcm)
		}
		if h.SampleRate != c.rate {
			pcm = audio.ResampleMono16(pcm, h.SampleRate, c.rate)
		}

		buf = append(buf, pcm...)
		for len(buf) >= frameBytes {
			samples, err := audio.DecodePCM16(buf[:frameBytes])
			if err != nil {
				buf = buf[frameBytes:]
				continue
			}
			buf = buf[frameBytes:]

			select {
			case frames <- audio.Frame{Samples: samples, SampleRate: c.rate, Channels: 1}:
			default:
				slog.Warn("socket: capture frame dropped, consumer too slow")
			}
		}
	}
}

// newPacketDecoder builds the per-connection packet decoder. Opus streams
// get a stateful gopus decoder; pcm16 passes through.
func newPacketDecoder(h hello) (func([]byte) ([]byte, error), error) {
	switch h.Codec {
	case "opus":
		dec, err := gopus.NewDecoder(h.SampleRate, h.Channels)
		if err != nil {
			return nil, err
		}
		frameSize := h.SampleRate * int(frameDuration) / int(time.Second)
		return func(packet []byte) ([]byte, error) {
			pcm, err := dec.Decode(packet, frameSize, false)
			if err != nil {
				return nil, err
			}
			return int16sToBytes(pcm), nil
		}, nil
	default:
		return func(packet []byte) ([]byte, error) {
			return packet, nil
		}, nil
	}
}

// int16sToBytes converts interleaved int16 PCM samples to little-endian
// bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// Ensure Capture implements audio.Source at compile time.
var _ audio.Source = (*Capture)(nil)
