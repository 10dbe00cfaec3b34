package strategy

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher decides whether a relative path is excluded from a run.
// Patterns use '/' as separator: '*' stops at a separator, '**' does not.
// A pattern without any '/' is also tried against the base name.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
	baseOnly []bool
}

func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		pattern = strings.ReplaceAll(strings.TrimSpace(pattern), "\\", "/")
		if pattern == "" {
			continue
		}

		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", pattern, err)
		}

		m.patterns = append(m.patterns, pattern)
		m.globs = append(m.globs, g)
		m.baseOnly = append(m.baseOnly, !strings.Contains(pattern, "/"))
	}
	return m, nil
}

// Match reports whether rel, a slash-separated path relative to the source
// root, is excluded. A nil Matcher excludes nothing.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}

	base := path.Base(rel)
	for i, g := range m.globs {
		if g.Match(rel) {
			return true
		}
		if m.baseOnly[i] && g.Match(base) {
			return true
		}
	}
	return false
}

func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}
