// Package voicecmd detects spoken session commands in user-side transcript
// text, so the session can be controlled hands-free ("stop translating",
// "new conversation").
//
// Detection runs in two stages:
//
//  1. Regex fast path: the utterance is matched against anchored,
//     case-insensitive command patterns.
//
//  2. Phonetic fallback: speech-to-text frequently mangles command phrases,
//     so the utterance is also compared against each known phrase using
//     Double Metaphone code overlap and Jaro-Winkler similarity. A phrase
//     whose codes overlap the utterance is accepted at the phonetic
//     threshold (default 0.70); without overlap a stricter fuzzy threshold
//     applies (default 0.85). Only whole-utterance similarity counts;
//     per-word matching would fire on sentences that merely contain a
//     command word.
//
// The detector is read-only after construction and safe for concurrent use.
package voicecmd

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Command is a session action requested by voice.
type Command int

const (
	// CommandStop ends the active session.
	CommandStop Command = iota

	// CommandReset clears both transcript buffers for a fresh conversation.
	CommandReset
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandStop:
		return "stop"
	case CommandReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Pattern pairs a compiled regex with the command it triggers.
type Pattern struct {
	// Name is a human-readable label for logging.
	Name string

	// Regex is the compiled pattern, anchored to the whole utterance.
	Regex *regexp.Regexp

	// Command is the action to request when the pattern matches.
	Command Command
}

// phrase is a canonical command phrase used by the phonetic fallback.
type phrase struct {
	text    string
	tokens  []string
	codes   map[string]struct{}
	command Command
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phrase with phonetic code overlap to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic overlap exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// Detector checks final user transcripts for spoken session commands.
type Detector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	patterns          []Pattern
	phrases           []phrase
}

// New returns a Detector with the built-in command set.
func New(opts ...Option) *Detector {
	d := &Detector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		patterns:          defaultPatterns(),
	}
	for _, o := range opts {
		o(d)
	}
	for _, p := range defaultPhrases() {
		tokens := strings.Fields(p.text)
		d.phrases = append(d.phrases, phrase{
			text:    p.text,
			tokens:  tokens,
			codes:   codesForTokens(tokens),
			command: p.command,
		})
	}
	return d
}

// Detect tests whether text is a spoken command. Returns the command and
// true on a match.
func (d *Detector) Detect(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, false
	}

	for _, p := range d.patterns {
		if p.Regex.MatchString(trimmed) {
			return p.Command, true
		}
	}

	return d.detectPhonetic(strings.ToLower(trimmed))
}

// detectPhonetic ranks the utterance against each canonical phrase and
// returns the best-scoring command above threshold.
func (d *Detector) detectPhonetic(utterance string) (Command, bool) {
	tokens := strings.Fields(utterance)
	codes := codesForTokens(tokens)
	concat := strings.Join(tokens, "")

	var (
		bestCmd   Command
		bestScore float64
		found     bool
	)
	for _, p := range d.phrases {
		score := matchr.JaroWinkler(utterance, p.text, false)
		if s := matchr.JaroWinkler(concat, strings.Join(p.tokens, ""), false); s > score {
			score = s
		}

		threshold := d.fuzzyThreshold
		if codesOverlap(codes, p.codes) {
			threshold = d.phoneticThreshold
		}
		if score >= threshold && score > bestScore {
			bestCmd = p.command
			bestScore = score
			found = true
		}
	}
	return bestCmd, found
}

// defaultPatterns returns the built-in regex command set.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:    "stop-translating",
			Regex:   regexp.MustCompile(`(?i)^(?:please\s+)?stop\s+(?:the\s+)?(?:translat(?:ing|ion)|session)[.!]?$`),
			Command: CommandStop,
		},
		{
			Name:    "end-session",
			Regex:   regexp.MustCompile(`(?i)^(?:please\s+)?end\s+(?:the\s+)?session[.!]?$`),
			Command: CommandStop,
		},
		{
			Name:    "new-conversation",
			Regex:   regexp.MustCompile(`(?i)^(?:start\s+a\s+)?new\s+conversation[.!]?$`),
			Command: CommandReset,
		},
		{
			Name:    "clear-transcript",
			Regex:   regexp.MustCompile(`(?i)^(?:clear|reset)\s+(?:the\s+)?transcripts?[.!]?$`),
			Command: CommandReset,
		},
	}
}

// defaultPhrases returns the canonical phrases for the phonetic fallback.
func defaultPhrases() []struct {
	text    string
	command Command
} {
	return []struct {
		text    string
		command Command
	}{
		{"stop translating", CommandStop},
		{"stop the session", CommandStop},
		{"end session", CommandStop},
		{"new conversation", CommandReset},
		{"clear transcript", CommandReset},
	}
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
