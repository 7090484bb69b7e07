// Package ignore reads gitignore-style files that exclude record files
// from directory ingestion.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/gatewayd/internal/sanitize"
)

// DefaultFile is the ignore file the file connector looks for.
const DefaultFile = ".gatewaydignore"

// Matcher reports whether a path relative to the source root is excluded.
// The zero value excludes nothing.
type Matcher struct {
	patterns []string
}

// Load reads name from dir. A missing file yields an empty matcher.
func Load(dir, name string) (*Matcher, error) {
	f, err := os.Open(filepath.Join(dir, name)) // #nosec G304 -- fixed name inside the configured source dir
	if err != nil {
		if os.IsNotExist(err) {
			return &Matcher{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p := parseLine(scanner.Text()); p != "" {
			patterns = append(patterns, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return New(patterns...)
}

// New validates patterns and builds a matcher.
func New(patterns ...string) (*Matcher, error) {
	if err := sanitize.ValidateGlobPatterns(patterns); err != nil {
		return nil, err
	}
	return &Matcher{patterns: deduplicate(patterns)}, nil
}

// Match reports whether rel is excluded. Patterns without a slash match
// the base name; patterns with one match the whole relative path.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, p := range m.patterns {
		target := base
		if strings.Contains(p, "/") {
			target = rel
		}
		if ok, _ := filepath.Match(p, target); ok {
			return true
		}
	}
	return false
}

// Patterns returns the active patterns.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// parseLine returns the pattern on line, or "" for blanks, comments and
// negations (not supported).
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return strings.TrimPrefix(line, "/")
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
