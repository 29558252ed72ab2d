package device

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/dolmetra/pkg/audio"
)

// PlayerOption configures a [Player] during construction.
type PlayerOption func(*Player)

// WithPlayerCommand replaces the ffplay invocation entirely. The command
// must read raw little-endian 16-bit PCM from stdin and consume it at
// playback speed.
func WithPlayerCommand(name string, args ...string) PlayerOption {
	return func(p *Player) {
		p.cmdName = name
		p.cmdArgs = args
	}
}

// WithPlayerDevice selects the output device. ffplay routes audio through
// SDL, so the device name is passed via the SDL_AUDIODEV environment
// variable of the spawned process. Defaults to the platform's default
// output.
func WithPlayerDevice(dev string) PlayerOption {
	return func(p *Player) {
		p.device = dev
	}
}

// Player implements [audio.Sink] through an ffplay subprocess. PCM written
// to the player is piped to ffplay's stdin; the OS pipe provides buffering
// and ffplay's realtime consumption paces the writer. Flush replaces the
// process with a fresh one, discarding everything buffered but not yet
// played.
type Player struct {
	cmdName string
	cmdArgs []string
	device  string

	mu     sync.Mutex
	format audio.Format
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	opened bool
	closed bool
}

// NewPlayer creates a playback sink. The process is not spawned until
// [Player.Open].
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open spawns the playback process for the given stream format. A player
// that is already open returns an error; a binary that cannot be spawned
// surfaces a *audio.ResourceError.
func (p *Player) Open(f audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("device: player closed")
	}
	if p.opened {
		return errors.New("device: player already open")
	}

	name, _ := p.command(f)
	if _, err := exec.LookPath(name); err != nil {
		return &audio.ResourceError{Device: "playback", Err: err}
	}
	if err := p.spawnLocked(f); err != nil {
		return err
	}
	p.format = f
	p.opened = true
	return nil
}

// Write pipes pcm to the playback process. Blocks while the pipe is full,
// which is what paces the upstream scheduler. A write racing a concurrent
// [Player.Flush] fails with a broken pipe; the next write goes to the fresh
// process.
func (p *Player) Write(pcm []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return errors.New("device: player not open")
	}
	_, err := stdin.Write(pcm)
	return err
}

// Flush discards buffered but unplayed audio by replacing the playback
// process. No-op before Open or after Close.
func (p *Player) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.opened {
		return nil
	}
	p.killLocked()
	return p.spawnLocked(p.format)
}

// Close kills the playback process and releases the device. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.killLocked()
	return nil
}

// command returns the process to spawn, honouring the test override.
func (p *Player) command(f audio.Format) (string, []string) {
	if p.cmdName != "" {
		return p.cmdName, p.cmdArgs
	}
	// ffplay rejects ffmpeg's -ac flag; the channel count goes via
	// -ch_layout.
	layout := "mono"
	if f.Channels == 2 {
		layout = "stereo"
	}
	return "ffplay", []string{
		"-hide_banner", "-loglevel", "error",
		"-nodisp", "-nostats",
		"-f", "s16le", "-ch_layout", layout,
		"-ar", strconv.Itoa(f.SampleRate),
		"-i", "pipe:0",
	}
}

// spawnLocked starts the playback process. Must be called with p.mu held.
func (p *Player) spawnLocked(f audio.Format) error {
	name, args := p.command(f)
	cmd := exec.Command(name, args...)
	if p.device != "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODEV="+p.device)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &audio.ResourceError{Device: "playback", Err: err}
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return &audio.ResourceError{Device: "playback", Err: err}
	}
	p.cmd = cmd
	p.stdin = stdin
	return nil
}

// killLocked tears down the current process. Must be called with p.mu held.
func (p *Player) killLocked() {
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
	p.cmd = nil
	p.stdin = nil
}

// Ensure Player implements audio.Sink at compile time.
var _ audio.Sink = (*Player)(nil)
