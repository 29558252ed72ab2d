package voicecmd_test

import (
	"testing"

	"github.com/MrWong99/dolmetra/internal/voicecmd"
)

func TestDetect_ExactStopPhrases(t *testing.T) {
	t.Parallel()

	d := voicecmd.New()
	for _, text := range []string{
		"stop translating",
		"Stop translating.",
		"stop the translation",
		"please stop translating",
		"stop the session",
		"end session",
		"End the session!",
	} {
		cmd, ok := d.Detect(text)
		if !ok {
			t.Errorf("Detect(%q) did not match", text)
			continue
		}
		if cmd != voicecmd.CommandStop {
			t.Errorf("Detect(%q) = %v, want stop", text, cmd)
		}
	}
}

func TestDetect_ExactResetPhrases(t *testing.T) {
	t.Parallel()

	d := voicecmd.New()
	for _, text := range []string{
		"new conversation",
		"start a new conversation",
		"clear transcript",
		"clear the transcripts",
		"reset the transcript",
	} {
		cmd, ok := d.Detect(text)
		if !ok {
			t.Errorf("Detect(%q) did not match", text)
			continue
		}
		if cmd != voicecmd.CommandReset {
			t.Errorf("Detect(%q) = %v, want reset", text, cmd)
		}
	}
}

func TestDetect_PhoneticallyFuzzedPhrases(t *testing.T) {
	t.Parallel()

	d := voicecmd.New()
	cases := []struct {
		text string
		want voicecmd.Command
	}{
		{"stob translading", voicecmd.CommandStop},
		{"stop translatin", voicecmd.CommandStop},
		{"clear transkript", voicecmd.CommandReset},
	}
	for _, tc := range cases {
		cmd, ok := d.Detect(tc.text)
		if !ok {
			t.Errorf("Detect(%q) did not match", tc.text)
			continue
		}
		if cmd != tc.want {
			t.Errorf("Detect(%q) = %v, want %v", tc.text, cmd, tc.want)
		}
	}
}

func TestDetect_UnrelatedText_NoMatch(t *testing.T) {
	t.Parallel()

	d := voicecmd.New()
	for _, text := range []string{
		"hello there",
		"what time is it",
		"the weather is quite nice today",
		"could you pass the salt",
	} {
		if cmd, ok := d.Detect(text); ok {
			t.Errorf("Detect(%q) = %v, want no match", text, cmd)
		}
	}
}

func TestDetect_ContainedCommandWordDoesNotTrigger(t *testing.T) {
	t.Parallel()

	d := voicecmd.New()
	for _, text := range []string{
		"don't stop believing",
		"we should stop by the bakery on the way to the station",
	} {
		if cmd, ok := d.Detect(text); ok {
			t.Errorf("Detect(%q) = %v, want no match", text, cmd)
		}
	}
}

func TestDetect_EmptyText_NoMatch(t *testing.T) {
	t.Parallel()

	d := voicecmd.New()
	if _, ok := d.Detect(""); ok {
		t.Error("Detect(\"\") matched")
	}
	if _, ok := d.Detect("   "); ok {
		t.Error("Detect(whitespace) matched")
	}
}

func TestWithThresholds_TightenDisablesFuzzing(t *testing.T) {
	t.Parallel()

	d := voicecmd.New(
		voicecmd.WithPhoneticThreshold(0.999),
		voicecmd.WithFuzzyThreshold(0.999),
	)

	// The fuzzed form falls below the tightened thresholds.
	if cmd, ok := d.Detect("stob translading"); ok {
		t.Errorf("Detect(fuzzed) = %v, want no match at threshold 0.999", cmd)
	}

	// The regex fast path is unaffected by thresholds.
	if _, ok := d.Detect("stop translating"); !ok {
		t.Error("Detect(exact) did not match with tight thresholds")
	}
}

func TestCommand_String(t *testing.T) {
	t.Parallel()

	if got := voicecmd.CommandStop.String(); got != "stop" {
		t.Errorf("CommandStop.String() = %q, want stop", got)
	}
	if got := voicecmd.CommandReset.String(); got != "reset" {
		t.Errorf("CommandReset.String() = %q, want reset", got)
	}
	if got := voicecmd.Command(99).String(); got != "unknown" {
		t.Errorf("Command(99).String() = %q, want unknown", got)
	}
}
