package mirror

import (
	"errors"
	"strings"
)

// Error kinds reported to the tree's error log.
var (
	ErrRemoteFetch           = errors.New("remote fetch failed")
	ErrEmptyRemoteCatalog    = errors.New("remote catalog is empty")
	ErrVersionNotFound       = errors.New("version not found in remote catalog")
	ErrHashVerification      = errors.New("hash verification failed")
	ErrDirectoryUnavailable  = errors.New("package directory unavailable")
	ErrUnsupportedDependency = errors.New("unsupported dependency specification")
	ErrDepthLimitExceeded    = errors.New("dependency depth limit exceeded")
	ErrSignatureInvalid      = errors.New("signature verification failed")
	ErrMalwareDetected       = errors.New("malware detected")
)

// PackageError attaches package context to an error kind. File is set for
// failures that concern a single artifact.
type PackageError struct {
	Package string
	Version string
	File    string
	Op      string
	Err     error
}

func (e *PackageError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Package)
	if e.Version != "" {
		b.WriteString("==")
		b.WriteString(e.Version)
	}
	b.WriteString("] ")
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *PackageError) Unwrap() error { return e.Err }

// IsFatal reports whether err aborted a whole package. File-level failures,
// unsupported dependency declarations and depth-limit skips are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupportedDependency) || errors.Is(err, ErrDepthLimitExceeded) {
		return false
	}
	var pe *PackageError
	if errors.As(err, &pe) {
		return pe.File == ""
	}
	return true
}
