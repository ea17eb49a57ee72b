// Package sitegen renders the local mirror's simple index pages: one page per
// package plus a root listing. Pages are written only when their bytes change.
package sitegen

// PackageLister enumerates mirrored package names.
// This interface enables testability by allowing mock implementations.
type PackageLister interface {
	ListPackages() ([]string, error)
}
