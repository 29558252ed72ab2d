package session

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// defaultInstruction builds the system instruction used when none is
// configured: a plain interpreter prompt naming both languages.
func defaultInstruction(sourceTag, targetTag string) string {
	dst := languageName(targetTag)
	if dst == "" {
		return "You are a simultaneous interpreter. Translate everything you hear and speak only the translation."
	}
	if src := languageName(sourceTag); src != "" {
		return fmt.Sprintf("You are a simultaneous interpreter. Translate everything you hear from %s into %s and speak only the translation.", src, dst)
	}
	return fmt.Sprintf("You are a simultaneous interpreter. Translate everything you hear into %s and speak only the translation.", dst)
}

// languageName renders a BCP-47 tag as an English language name, so the
// instruction reads "Spanish" rather than "es-ES". Falls back to the raw tag
// when it does not parse; returns "" for an empty tag.
func languageName(tag string) string {
	if tag == "" {
		return ""
	}
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	return display.English.Languages().Name(t)
}
