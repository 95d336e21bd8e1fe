package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// IgnoreFileName is the per-package ignore file read from a local source root.
const IgnoreFileName = ".mlcignore"

// defaultIgnorePatterns are always applied regardless of config or .mlcignore.
var defaultIgnorePatterns = []string{IgnoreFileName}

// ignorePattern is a compiled ignore pattern with its matching strategy.
type ignorePattern struct {
	raw       string
	glob      glob.Glob
	matchPath bool // true = match against relative path; false = match against basename only
}

// IgnoreMatcher decides which package entries the enumerator skips.
// Patterns without '/' match against the entry's basename only.
// Patterns with '/' match against the slash-separated path relative to the
// package root, where '*' stays within one segment and '**' spans segments.
// A matching directory is skipped with everything beneath it.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher compiles raw pattern strings plus the default patterns.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) (*IgnoreMatcher, error) {
	var patterns []ignorePattern
	for _, raw := range append(defaultIgnorePatterns[:len(defaultIgnorePatterns):len(defaultIgnorePatterns)], rawPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimPrefix(raw, "/")
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling ignore pattern %q: %w", raw, err)
		}
		patterns = append(patterns, ignorePattern{
			raw:       raw,
			glob:      g,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}, nil
}

// Match reports whether the slash-separated relative path should be ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if relativePath == "" {
		return false
	}
	basename := path.Base(relativePath)

	for _, p := range m.patterns {
		subject := basename
		if p.matchPath {
			subject = relativePath
		}
		if p.glob.Match(subject) {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
