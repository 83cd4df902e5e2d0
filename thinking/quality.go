package thinking

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Verdict is the Quality Gate's classification of a generated thought.
type Verdict int

const (
	Usable Verdict = iota
	Degenerate
	Repetitive
)

func (v Verdict) String() string {
	switch v {
	case Usable:
		return "usable"
	case Degenerate:
		return "degenerate"
	case Repetitive:
		return "repetitive"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// MarshalText encodes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

const (
	// DefaultMinLength is the shortest acceptable thought, in characters.
	DefaultMinLength = 20
	// DefaultPrefixLength is how many leading characters are compared when
	// looking for a repeated thought.
	DefaultPrefixLength = 100
	// DefaultEchoPattern matches the instruction line of the step template.
	DefaultEchoPattern = `(?i)write thought \d+ of \d+`
)

var numeralPattern = regexp.MustCompile(`^\d+$`)

// Candidate is a generated thought under assessment.
type Candidate struct {
	Text       string
	Previous   string // prior thought in the task, empty for the first
	PromptEcho string // rendered instruction line the model was given
	Revision   bool   // declared revision or branch, exempt from repetition
}

// Gate classifies generated thoughts. It performs no I/O and is safe for
// concurrent use.
type Gate struct {
	MinLength    int
	PrefixLength int
	EchoPattern  *regexp.Regexp
}

// NewGate builds a gate with the default thresholds. An empty pattern
// selects DefaultEchoPattern.
func NewGate(echoPattern string) (*Gate, error) {
	if echoPattern == "" {
		echoPattern = DefaultEchoPattern
	}
	re, err := regexp.Compile(echoPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid echo pattern %q: %w", echoPattern, err)
	}
	return &Gate{
		MinLength:    DefaultMinLength,
		PrefixLength: DefaultPrefixLength,
		EchoPattern:  re,
	}, nil
}

// Assess applies the rules in order: too short, pure numeral, prompt echo,
// repeated prefix.
func (g *Gate) Assess(c Candidate) Verdict {
	text := strings.TrimSpace(c.Text)

	if utf8.RuneCountInString(text) < g.MinLength {
		return Degenerate
	}
	if numeralPattern.MatchString(text) {
		return Degenerate
	}
	if g.echoes(c.Text, c.PromptEcho) {
		return Degenerate
	}
	if !c.Revision && c.Previous != "" {
		if prefix(text, g.PrefixLength) == prefix(strings.TrimSpace(c.Previous), g.PrefixLength) {
			return Repetitive
		}
	}
	return Usable
}

func (g *Gate) echoes(text, echo string) bool {
	if echo = strings.TrimSpace(echo); echo != "" && strings.Contains(text, echo) {
		return true
	}
	return g.EchoPattern != nil && g.EchoPattern.MatchString(text)
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
