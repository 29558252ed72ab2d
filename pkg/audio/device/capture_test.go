package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/dolmetra/pkg/audio"
	"github.com/MrWong99/dolmetra/pkg/audio/device"
)

// collectFrames drains the frame channel until it closes or the timeout
// expires, returning everything received.
func collectFrames(t *testing.T, frames <-chan audio.Frame, timeout time.Duration) []audio.Frame {
	t.Helper()
	var got []audio.Frame
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return got
			}
			got = append(got, f)
		case <-deadline:
			t.Fatalf("timeout draining frames, got %d so far", len(got))
		}
	}
}

func TestStart_EmitsFixedSizeFrames(t *testing.T) {
	t.Parallel()

	// 12800 bytes of silence = 20 frames of 640 bytes at 16kHz/20ms.
	c := device.NewCapture(device.WithCaptureCommand("head", "-c", "12800", "/dev/zero"))
	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	got := collectFrames(t, frames, 3*time.Second)
	if len(got) != 20 {
		t.Fatalf("got %d frames, want 20", len(got))
	}
	for i, f := range got {
		if len(f.Samples) != 320 {
			t.Errorf("frame %d has %d samples, want 320", i, len(f.Samples))
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d format = %d/%d, want 16000/1", i, f.SampleRate, f.Channels)
		}
		for _, s := range f.Samples {
			if s != 0 {
				t.Fatalf("frame %d contains non-silence sample %v", i, s)
			}
		}
	}
}

func TestStart_DiscardsPartialTail(t *testing.T) {
	t.Parallel()

	// 1000 bytes: one whole 640-byte frame plus a 360-byte tail.
	c := device.NewCapture(device.WithCaptureCommand("head", "-c", "1000", "/dev/zero"))
	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	got := collectFrames(t, frames, 3*time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
}

func TestWithSampleRate_ChangesFrameSize(t *testing.T) {
	t.Parallel()

	// At 8kHz a 20ms frame is 320 bytes, so 640 bytes yields two frames.
	c := device.NewCapture(
		device.WithSampleRate(8000),
		device.WithCaptureCommand("head", "-c", "640", "/dev/zero"),
	)
	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	got := collectFrames(t, frames, 3*time.Second)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", got[0].SampleRate)
	}
	if len(got[0].Samples) != 160 {
		t.Errorf("frame has %d samples, want 160", len(got[0].Samples))
	}
}

func TestStart_Twice_ReturnsError(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("sleep", "30"))
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer c.Stop()

	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestStart_MissingBinary_ReturnsResourceError(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("/nonexistent/dolmetra-test-binary"))
	_, err := c.Start(context.Background())
	var resErr *audio.ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Start error = %v, want *audio.ResourceError", err)
	}
	if resErr.Device != "capture" {
		t.Errorf("ResourceError.Device = %q, want %q", resErr.Device, "capture")
	}
}

func TestProbe_BinaryPresent(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("sleep", "30"))
	if err := c.Probe(); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestProbe_MissingBinary_ReturnsResourceError(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("dolmetra-no-such-binary"))
	err := c.Probe()
	var resErr *audio.ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Probe error = %v, want *audio.ResourceError", err)
	}
	if resErr.Device != "capture" {
		t.Errorf("ResourceError.Device = %q, want %q", resErr.Device, "capture")
	}
}

func TestStop_ClosesFrameChannel(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("sleep", "30"))
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
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("sleep", "30"))
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	c := device.NewCapture(device.WithCaptureCommand("head", "-c", "640", "/dev/zero"))

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if got := collectFrames(t, frames, 3*time.Second); len(got) != 1 {
		t.Fatalf("first run: got %d frames, want 1", len(got))
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames, err = c.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer c.Stop()
	if got := collectFrames(t, frames, 3*time.Second); len(got) != 1 {
		t.Fatalf("second run: got %d frames, want 1", len(got))
	}
}

func TestContextCancel_ClosesFrameChannel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := device.NewCapture(device.WithCaptureCommand("sleep", "30"))
	frames, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	cancel()

	select {
	case _, ok := <-frames:
		if ok {
			t.Fatal("received frame after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame channel not closed after context cancel")
	}
}
