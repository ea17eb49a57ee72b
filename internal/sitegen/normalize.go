package sitegen

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var separatorRun = regexp.MustCompile(`[-_.]+`)

var lower = cases.Lower(language.Und)

// NormalizePackageName normalizes a package name according to PEP 503:
// lowercase, runs of "-", "_" and "." collapse to a single hyphen.
// Leading and trailing separators are dropped.
func NormalizePackageName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	normalized := separatorRun.ReplaceAllString(lower.String(name), "-")
	return strings.Trim(normalized, "-")
}
