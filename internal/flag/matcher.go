package flag

import (
	"strings"

	"github.com/victornm/orbitalctf/internal/domain"
)

type Config struct {
	// TrimSpace strips leading and trailing whitespace from the submitted text before comparing.
	// Configured flag values are compared as stored.
	TrimSpace bool
}

// Matcher compares submitted text against a challenge's flags. It holds no state.
type Matcher struct {
	trim bool
}

func NewMatcher(c Config) *Matcher {
	return &Matcher{trim: c.TrimSpace}
}

// Result is the outcome of a match, Flag is nil when nothing matched.
type Result struct {
	Flag *domain.Flag
}

func (r Result) Matched() bool { return r.Flag != nil }

// Normalize applies the configured normalization to submitted text.
func (m *Matcher) Normalize(text string) string {
	if m.trim {
		return strings.TrimSpace(text)
	}
	return text
}

// Match returns the first flag whose value equals the normalized text exactly.
func (m *Matcher) Match(c domain.Challenge, text string) Result {
	text = m.Normalize(text)
	for i := range c.Flags {
		if c.Flags[i].Value == text {
			f := c.Flags[i]
			return Result{Flag: &f}
		}
	}
	return Result{}
}
