package mlc

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LocationKind distinguishes the two location variants.
type LocationKind int

const (
	// LocalPath is a plain filesystem path.
	LocalPath LocationKind = iota
	// ProviderURI is a path behind a content provider, written as scheme://rest.
	ProviderURI
)

func (k LocationKind) String() string {
	switch k {
	case LocalPath:
		return "local"
	case ProviderURI:
		return "provider"
	default:
		return fmt.Sprintf("LocationKind(%d)", int(k))
	}
}

// Location is a parsed source, target or output location.
// For LocalPath, Path is absolute. For ProviderURI, Scheme names the provider
// and Path is everything after "scheme://", without leading or trailing slashes.
type Location struct {
	Kind   LocationKind
	Scheme string
	Path   string
}

// ParseLocation classifies raw once so that the rest of the code never has to
// sniff strings. "file://" URIs are treated as local paths.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("empty location")
	}

	if scheme, rest, ok := strings.Cut(raw, "://"); ok && isScheme(scheme) {
		scheme = strings.ToLower(scheme)
		if scheme == "file" {
			return localLocation(rest)
		}
		rest = strings.Trim(rest, "/")
		if rest == "" {
			return Location{}, fmt.Errorf("location %q has no path", raw)
		}
		return Location{Kind: ProviderURI, Scheme: scheme, Path: rest}, nil
	}

	return localLocation(raw)
}

func localLocation(path string) (Location, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Location{}, fmt.Errorf("resolving absolute path: %w", err)
	}
	return Location{Kind: LocalPath, Path: abs}, nil
}

// isScheme reports whether s is a valid URI scheme (RFC 3986, section 3.1).
func isScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// String renders the location back into the form ParseLocation accepts.
func (l Location) String() string {
	if l.Kind == ProviderURI {
		return l.Scheme + "://" + l.Path
	}
	return l.Path
}
