// Package device implements microphone capture and speaker playback on top
// of an ffmpeg/ffplay subprocess pipeline.
//
// [Capture] reads raw PCM from an ffmpeg capture process and slices it into
// fixed-duration [audio.Frame] batches. [Player] pipes PCM into an ffplay
// process, whose realtime consumption paces the writers upstream. Both types
// accept a command override so tests (or deployments with a different audio
// toolchain) can substitute their own pipeline.
package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
)

const (
	// defaultCaptureRate matches what the live providers expect as input.
	defaultCaptureRate = 16000

	// defaultFrameDuration is the length of each emitted frame.
	defaultFrameDuration = 20 * time.Millisecond

	// frameBuffer is the capacity of the frame channel. At 20ms per frame
	// this holds roughly 1.3s of audio before frames are dropped.
	frameBuffer = 64
)

// CaptureOption configures a [Capture] during construction.
type CaptureOption func(*Capture)

// WithCaptureDevice selects the input device passed to ffmpeg: a PulseAudio
// source name on Linux, an avfoundation device index on macOS. Defaults to
// the platform's default input.
func WithCaptureDevice(dev string) CaptureOption {
	return func(c *Capture) {
		c.device = dev
	}
}

// WithSampleRate overrides the capture sample rate. Defaults to 16kHz.
func WithSampleRate(rate int) CaptureOption {
	return func(c *Capture) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithFrameDuration overrides the length of each emitted frame. Defaults to
// 20ms. Shorter frames lower capture latency at the cost of more sends.
func WithFrameDuration(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithCaptureCommand replaces the ffmpeg invocation entirely. The command
// must write raw little-endian 16-bit mono PCM at the configured sample rate
// to stdout.
func WithCaptureCommand(name string, args ...string) CaptureOption {
	return func(c *Capture) {
		c.cmdName = name
		c.cmdArgs = args
	}
}

// Capture implements [audio.Source] by spawning an ffmpeg process that reads
// the platform microphone and emits raw PCM on stdout. The stream is sliced
// into fixed-duration frames; when the consumer falls behind, frames are
// dropped rather than blocking the device.
type Capture struct {
	rate     int
	frameDur time.Duration
	device   string
	cmdName  string
	cmdArgs  []string

	mu         sync.Mutex
	cancel     context.CancelFunc
	readerDone chan struct{}
	running    bool
}

// NewCapture creates a capture source. The process is not spawned until
// [Capture.Start].
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{rate: defaultCaptureRate, frameDur: defaultFrameDuration}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start spawns the capture process and returns the frame channel. The
// channel is closed when the stream ends, ctx is cancelled, or
// [Capture.Stop] is called. A source that is already running returns an
// error; a device or binary that cannot be acquired surfaces a
// *audio.ResourceError.
func (c *Capture) Start(ctx context.Context) (<-chan audio.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, errors.New("device: capture already started")
	}

	name, args := c.command()
	if _, err := exec.LookPath(name); err != nil {
		return nil, &audio.ResourceError{Device: "capture", Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &audio.ResourceError{Device: "capture", Err: err}
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &audio.ResourceError{Device: "capture", Err: err}
	}

	frames := make(chan audio.Frame, frameBuffer)
	done := make(chan struct{})
	c.cancel = cancel
	c.readerDone = done
	c.running = true

	go c.readLoop(cmd, stdout, frames, done)
	return frames, nil
}

// Stop kills the capture process and waits until the frame channel has been
// closed. Idempotent; a stopped capture can be started again.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.readerDone
	c.cancel = nil
	c.readerDone = nil
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Probe reports whether the capture binary is on PATH, without spawning it.
// Readiness checks call this so a missing toolchain surfaces before the
// first session start.
func (c *Capture) Probe() error {
	name, _ := c.command()
	if _, err := exec.LookPath(name); err != nil {
		return &audio.ResourceError{Device: "capture", Err: err}
	}
	return nil
}

// command returns the process to spawn, honouring the test override.
func (c *Capture) command() (string, []string) {
	if c.cmdName != "" {
		return c.cmdName, c.cmdArgs
	}
	return "ffmpeg", captureArgs(runtime.GOOS, c.device, c.rate)
}

// captureArgs builds the ffmpeg arguments for the platform's capture
// backend: PulseAudio on Linux, avfoundation on macOS.
func captureArgs(goos, device string, rate int) []string {
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", device,
			"-ac", "1", "-ar", strconv.Itoa(rate),
			"-f", "s16le", "-",
		}
	default:
		if device == "" {
			device = "default"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", device,
			"-ac", "1", "-ar", strconv.Itoa(rate),
			"-f", "s16le", "-",
		}
	}
}

// readLoop slices the process stdout into fixed-duration frames until the
// stream ends. A partial frame at stream end is discarded.
func (c *Capture) readLoop(cmd *exec.Cmd, r io.Reader, frames chan<- audio.Frame, done chan struct{}) {
	defer close(done)
	defer close(frames)
	defer cmd.Wait()

	frameBytes := c.rate * 2 * int(c.frameDur) / int(time.Second)
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		samples, err := audio.DecodePCM16(buf)
		if err != nil {
			continue
		}

		select {
		case frames <- audio.Frame{Samples: samples, SampleRate: c.rate, Channels: 1}:
		default:
			slog.Warn("device: capture frame dropped, consumer too slow")
		}
	}
}

// Ensure Capture implements audio.Source at compile time.
var _ audio.Source = (*Capture)(nil)
