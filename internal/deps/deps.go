// Package deps reads Requires-Dist declarations out of wheel metadata.
package deps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
)

// ErrNoMetadata is returned when a wheel contains no .dist-info/METADATA member.
var ErrNoMetadata = errors.New("wheel has no METADATA file")

// Requirement is one parsed Requires-Dist declaration.
type Requirement struct {
	Name       string
	Extras     []string
	Constraint string
	Marker     string
	Raw        string
}

// Unconditioned reports whether the declaration carries neither a version
// constraint nor an environment marker.
func (r Requirement) Unconditioned() bool {
	return r.Constraint == "" && r.Marker == ""
}

func (r Requirement) String() string { return r.Raw }

// Result splits the declarations of one metadata document.
type Result struct {
	// Names holds canonical, deduplicated names of unconditioned
	// requirements in declaration order.
	Names []string
	// Unsupported holds requirements with a constraint or marker.
	Unsupported []Requirement
}

var requirementRegex = regexp.MustCompile(`^([A-Za-z0-9][-A-Za-z0-9._]*[A-Za-z0-9]|[A-Za-z0-9])\s*(\[[^\]]*\])?`)

// ParseRequirement splits a PEP 508 declaration into name, extras,
// constraint and marker. Direct references ("name @ url") land in Constraint.
func ParseRequirement(s string) (Requirement, error) {
	req := Requirement{Raw: strings.TrimSpace(s)}

	spec, marker, _ := strings.Cut(req.Raw, ";")
	req.Marker = strings.TrimSpace(marker)
	spec = strings.TrimSpace(spec)

	match := requirementRegex.FindStringSubmatch(spec)
	if match == nil {
		return req, fmt.Errorf("invalid requirement %q", s)
	}
	req.Name = match[1]
	if match[2] != "" {
		for _, extra := range strings.Split(strings.Trim(match[2], "[]"), ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
	}

	constraint := strings.TrimSpace(spec[len(match[0]):])
	constraint = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(constraint, "("), ")"))
	req.Constraint = constraint
	return req, nil
}

// Extract scans the header block of a core metadata document. Reading stops
// at the first blank line, where the long description begins.
func Extract(r io.Reader) (Result, error) {
	var res Result
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Requires-Dist") {
			continue
		}
		req, err := ParseRequirement(value)
		if err != nil {
			res.Unsupported = append(res.Unsupported, req)
			continue
		}
		if !req.Unconditioned() {
			res.Unsupported = append(res.Unsupported, req)
			continue
		}
		name := catalog.CanonicalName(req.Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		res.Names = append(res.Names, name)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read metadata: %w", err)
	}
	return res, nil
}

// ExtractFromWheel runs Extract over the METADATA member of a wheel archive.
// Used for wheels whose index entry advertises no metadata sidecar.
func ExtractFromWheel(path string) (Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open wheel %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		dir, base, ok := strings.Cut(f.Name, "/")
		if !ok || base != "METADATA" || !strings.HasSuffix(dir, ".dist-info") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Result{}, fmt.Errorf("failed to open %s in %s: %w", f.Name, path, err)
		}
		defer func() { _ = rc.Close() }()
		return Extract(rc)
	}
	return Result{}, fmt.Errorf("%w: %s", ErrNoMetadata, path)
}
