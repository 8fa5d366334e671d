// Package safety scans completed assistant replies for red-flag phrases
// and derives an ambient mood signal for presentation.
package safety

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mood is the coarse presentation signal derived from reply text. It
// carries no safety guarantee.
type Mood string

const (
	MoodCalm    Mood = "calm"
	MoodNeutral Mood = "neutral"
	MoodUrgent  Mood = "urgent"
)

// Advisory is the fixed urgent-care recommendation returned for any
// red-flag match.
const Advisory = "Some of what was described can be a sign of a medical emergency. " +
	"Please contact emergency services or seek urgent care right away."

// defaultRedFlags is the fixed phrase set scanned case-insensitively.
// First match wins; the advisory string is the same for every phrase.
var defaultRedFlags = []string{
	"severe chest pain",
	"crushing chest pain",
	"can't breathe",
	"cannot breathe",
	"difficulty breathing",
	"trouble breathing",
	"one-sided weakness",
	"weakness on one side",
	"face drooping",
	"suicidal",
	"suicide",
	"kill myself",
	"end my life",
}

var defaultUrgentWords = []string{
	"emergency", "urgent", "immediately", "911", "right away", "call your doctor now",
}

var defaultCalmWords = []string{
	"rest", "hydrate", "relax", "gentle", "no cause for concern", "mild", "routine",
}

// Classifier holds the active phrase sets. The zero value is not usable;
// construct with New.
type Classifier struct {
	redFlags    []string
	urgentWords []string
	calmWords   []string
}

func New() *Classifier {
	return &Classifier{
		redFlags:    defaultRedFlags,
		urgentWords: defaultUrgentWords,
		calmWords:   defaultCalmWords,
	}
}

// rulesFile is the optional YAML override for phrase sets.
type rulesFile struct {
	RedFlags    []string `yaml:"red_flags,omitempty"`
	UrgentWords []string `yaml:"urgent_words,omitempty"`
	CalmWords   []string `yaml:"calm_words,omitempty"`
}

// LoadRules replaces phrase sets from a YAML rules file. Empty lists in
// the file keep the built-in defaults for that set.
func (c *Classifier) LoadRules(path string) error {
	if c == nil {
		return errors.New("nil classifier")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("missing rules path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rf rulesFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return err
	}
	if phrases := cleanPhrases(rf.RedFlags); len(phrases) > 0 {
		c.redFlags = phrases
	}
	if words := cleanPhrases(rf.UrgentWords); len(words) > 0 {
		c.urgentWords = words
	}
	if words := cleanPhrases(rf.CalmWords); len(words) > 0 {
		c.calmWords = words
	}
	return nil
}

func cleanPhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DetectRedFlag runs a case-insensitive substring scan of text against
// the red-flag phrase set. It returns the fixed advisory string on the
// first match, or "" when no phrase matches. Callers must only pass
// completed reply text, never a partially streamed one.
func (c *Classifier) DetectRedFlag(text string) string {
	if c == nil || strings.TrimSpace(text) == "" {
		return ""
	}
	lowered := strings.ToLower(text)
	for _, phrase := range c.redFlags {
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return Advisory
		}
	}
	return ""
}

// MoodFor derives a coarse mood from reply text by keyword counting.
// It is independent of DetectRedFlag and purely informs presentation.
func (c *Classifier) MoodFor(text string) Mood {
	if c == nil || strings.TrimSpace(text) == "" {
		return MoodNeutral
	}
	lowered := strings.ToLower(text)
	urgent := countMatches(lowered, c.urgentWords)
	calm := countMatches(lowered, c.calmWords)
	switch {
	case urgent > calm:
		return MoodUrgent
	case calm > urgent && calm > 0:
		return MoodCalm
	default:
		return MoodNeutral
	}
}

func countMatches(lowered string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lowered, strings.ToLower(w)) {
			n++
		}
	}
	return n
}
