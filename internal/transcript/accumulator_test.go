package transcript_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/dolmetra/internal/transcript"
	"github.com/MrWong99/dolmetra/pkg/provider/live"
)

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAppend_ConcatenatesFragments(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(live.SideUser, "Hola")
	a.Append(live.SideUser, " amigo")

	if got := a.Snapshot().User; got != "Hola amigo" {
		t.Errorf("user buffer = %q, want %q", got, "Hola amigo")
	}
}

func TestAppend_TracksSidesIndependently(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(live.SideUser, "Hola")
	a.Append(live.SideModel, "Hallo")
	a.Append(live.SideUser, " amigo")
	a.Append(live.SideModel, " Freund")

	snap := a.Snapshot()
	if snap.User != "Hola amigo" {
		t.Errorf("user buffer = %q, want %q", snap.User, "Hola amigo")
	}
	if snap.Model != "Hallo Freund" {
		t.Errorf("model buffer = %q, want %q", snap.Model, "Hallo Freund")
	}
}

func TestSnapshot_EmptyInitially(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	if snap := a.Snapshot(); snap.User != "" || snap.Model != "" {
		t.Errorf("initial snapshot = %+v, want empty", snap)
	}
}

func TestTurnComplete_ClearsAfterGrace(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithGrace(30 * time.Millisecond))
	a.Append(live.SideUser, "Hola amigo")
	a.Append(live.SideModel, "Hallo Freund")
	a.TurnComplete()

	// Text stays visible during the grace interval.
	if got := a.Snapshot().User; got != "Hola amigo" {
		t.Errorf("user buffer right after turn = %q, want unchanged", got)
	}

	waitFor(t, 3*time.Second, func() bool {
		snap := a.Snapshot()
		return snap.User == "" && snap.Model == ""
	})
}

func TestAppend_DuringGraceStartsFreshTurn(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithGrace(200 * time.Millisecond))
	a.Append(live.SideUser, "Hola amigo")
	a.TurnComplete()

	// The next fragment arrives before the grace interval elapses: the
	// pending clear is cancelled and the buffers are reset for the new turn.
	a.Append(live.SideUser, "Bon")

	if got := a.Snapshot().User; got != "Bon" {
		t.Errorf("user buffer = %q, want %q (no stale text)", got, "Bon")
	}

	// The cancelled clear must never fire against the new turn.
	time.Sleep(400 * time.Millisecond)
	if got := a.Snapshot().User; got != "Bon" {
		t.Errorf("user buffer after cancelled grace = %q, want %q", got, "Bon")
	}
}

func TestAppend_DuringGraceResetsBothSides(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithGrace(time.Minute))
	a.Append(live.SideUser, "Hola")
	a.Append(live.SideModel, "Hallo")
	a.TurnComplete()

	a.Append(live.SideModel, "Guten")

	snap := a.Snapshot()
	if snap.User != "" {
		t.Errorf("user buffer = %q, want cleared on new turn", snap.User)
	}
	if snap.Model != "Guten" {
		t.Errorf("model buffer = %q, want %q", snap.Model, "Guten")
	}
}

func TestTurnComplete_Twice_RestartsGrace(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithGrace(300 * time.Millisecond))
	a.Append(live.SideUser, "Hola")
	a.TurnComplete()

	time.Sleep(150 * time.Millisecond)
	a.TurnComplete()

	// The first deadline has passed, but the restarted interval has not.
	time.Sleep(200 * time.Millisecond)
	if got := a.Snapshot().User; got != "Hola" {
		t.Errorf("user buffer = %q, want still visible after restart", got)
	}

	waitFor(t, 3*time.Second, func() bool {
		return a.Snapshot().User == ""
	})
}

func TestReset_ClearsImmediately(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(live.SideUser, "Hola")
	a.Append(live.SideModel, "Hallo")
	a.Reset()

	if snap := a.Snapshot(); snap.User != "" || snap.Model != "" {
		t.Errorf("snapshot after Reset = %+v, want empty", snap)
	}
}

func TestReset_CancelsPendingClear(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithGrace(50 * time.Millisecond))
	a.Append(live.SideUser, "Hola")
	a.TurnComplete()
	a.Reset()

	// Text appended after Reset belongs to a fresh session and must not be
	// wiped by the earlier turn's timer.
	a.Append(live.SideUser, "Bon")
	time.Sleep(150 * time.Millisecond)

	if got := a.Snapshot().User; got != "Bon" {
		t.Errorf("user buffer = %q, want %q", got, "Bon")
	}
}

func TestConcurrentAppend_DoesNotRace(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithGrace(10 * time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := range 50 {
			a.Append(live.SideUser, fmt.Sprintf("u%d ", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 50 {
			a.Append(live.SideModel, fmt.Sprintf("m%d ", i))
			if i%10 == 0 {
				a.TurnComplete()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			_ = a.Snapshot()
		}
	}()
	wg.Wait()
}
