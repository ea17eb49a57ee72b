package catalog

import (
	"strings"

	"github.com/clean-dependency-project/pypi-mirror/internal/sitegen"
)

// Specifier names a package and optionally one exact version.
type Specifier struct {
	Name    string
	Version string
}

// ParseSpecifier accepts "name", "name=version" and "name==version".
// The name is returned canonicalized.
func ParseSpecifier(s string) Specifier {
	s = strings.TrimSpace(s)
	name, ver, found := strings.Cut(s, "=")
	if !found {
		return Specifier{Name: CanonicalName(s)}
	}
	ver = strings.TrimPrefix(ver, "=")
	return Specifier{Name: CanonicalName(name), Version: strings.TrimSpace(ver)}
}

func (s Specifier) String() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "==" + s.Version
}

// CanonicalName is the dedup key for package names (PEP 503 normalization).
func CanonicalName(name string) string {
	return sitegen.NormalizePackageName(name)
}
