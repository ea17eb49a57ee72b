// Package catalog holds the per-version file catalog of one package and parses
// it out of simple index pages, remote or locally mirrored.
package catalog

import (
	"sort"
	"strings"

	"github.com/clean-dependency-project/pypi-mirror/internal/sitegen"
)

// Recognized filename suffixes.
const (
	SourceSuffix   = ".tar.gz"
	WheelSuffix    = ".whl"
	MetadataSuffix = ".metadata"
	// QuarantineSuffix marks infected payloads kept on disk. KindOf never
	// classifies such a name, so they are never recovered or indexed.
	QuarantineSuffix = ".infected"
)

// Kind is the distribution kind, derived from the filename suffix alone.
type Kind int

const (
	KindUnknown Kind = iota
	KindSource
	KindWheel
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "sdist"
	case KindWheel:
		return "wheel"
	}
	return "unknown"
}

// KindOf classifies filename by suffix.
func KindOf(filename string) Kind {
	switch {
	case strings.HasSuffix(filename, SourceSuffix):
		return KindSource
	case strings.HasSuffix(filename, WheelSuffix):
		return KindWheel
	}
	return KindUnknown
}

// Hash is an (algorithm, digest) pair as carried in "#algo=digest" fragments.
// The zero value means no hash was declared.
type Hash struct {
	Algorithm string
	Digest    string
}

// ParseHash splits "algo=digest". The boolean is false when s has no "=" or
// either side is empty.
func ParseHash(s string) (Hash, bool) {
	algo, digest, ok := strings.Cut(s, "=")
	if !ok || algo == "" || digest == "" {
		return Hash{}, false
	}
	return Hash{Algorithm: strings.ToLower(algo), Digest: digest}, true
}

// IsZero reports whether no hash is present.
func (h Hash) IsZero() bool { return h.Algorithm == "" || h.Digest == "" }

// Equal compares algorithm and digest, ignoring digest case.
func (h Hash) Equal(o Hash) bool {
	return h.Algorithm == o.Algorithm && strings.EqualFold(h.Digest, o.Digest)
}

func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return h.Algorithm + "=" + h.Digest
}

// IntegrityState is the outcome of reconciling one file against a trusted digest.
type IntegrityState int

const (
	// StateUnknown means reconciliation assigned nothing; it is treated as missing.
	StateUnknown IntegrityState = iota
	StateOK
	StateMissing
	StateMetadataMissing
)

func (s IntegrityState) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateMissing:
		return "MISSING"
	case StateMetadataMissing:
		return "METADATA_MISSING"
	}
	return "UNKNOWN"
}

// FileRecord is one distributable artifact of one version.
type FileRecord struct {
	Filename string
	URL      string // download URL without fragment
	Hash     Hash

	// Raw data-core-metadata / data-dist-info-metadata values, empty when absent.
	CoreMetadata     string
	DistInfoMetadata string
	MetadataHash     Hash

	RequiresPython string
	GPGSig         string

	State IntegrityState
}

// Kind reports the record's distribution kind.
func (r *FileRecord) Kind() Kind { return KindOf(r.Filename) }

// HasMetadata reports whether the index advertises a metadata sidecar for the file.
func (r *FileRecord) HasMetadata() bool {
	return advertised(r.CoreMetadata) || advertised(r.DistInfoMetadata)
}

func advertised(v string) bool {
	return v != "" && !strings.EqualFold(v, "false")
}

// FetchURL is the download URL with the "#algo=digest" fragment when a hash is known.
func (r *FileRecord) FetchURL() string {
	if r.Hash.IsZero() {
		return r.URL
	}
	return r.URL + "#" + r.Hash.String()
}

// MetadataURL is the sidecar URL, with a fragment when the metadata hash is known.
func (r *FileRecord) MetadataURL() string {
	u := r.URL + MetadataSuffix
	if r.MetadataHash.IsZero() {
		return u
	}
	return u + "#" + r.MetadataHash.String()
}

// Clone returns a copy of r.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	return &c
}

// VersionCatalog maps version -> filename -> FileRecord. Duplicate filenames
// within a version overwrite. Not safe for concurrent mutation.
type VersionCatalog struct {
	versions map[string]map[string]*FileRecord
	deps     map[string][]string
}

// New returns an empty catalog.
func New() *VersionCatalog {
	return &VersionCatalog{
		versions: make(map[string]map[string]*FileRecord),
		deps:     make(map[string][]string),
	}
}

// Put stores rec under version, replacing any record with the same filename.
func (c *VersionCatalog) Put(version string, rec *FileRecord) {
	files, ok := c.versions[version]
	if !ok {
		files = make(map[string]*FileRecord)
		c.versions[version] = files
	}
	files[rec.Filename] = rec
}

// Get returns the record for (version, filename), or nil.
func (c *VersionCatalog) Get(version, filename string) *FileRecord {
	return c.versions[version][filename]
}

// Delete removes (version, filename), dropping the version once it is empty.
func (c *VersionCatalog) Delete(version, filename string) {
	files, ok := c.versions[version]
	if !ok {
		return
	}
	delete(files, filename)
	if len(files) == 0 {
		delete(c.versions, version)
	}
}

// HasVersion reports whether version has at least one record.
func (c *VersionCatalog) HasVersion(version string) bool {
	return len(c.versions[version]) > 0
}

// Files returns the records of one version ordered by filename.
func (c *VersionCatalog) Files(version string) []*FileRecord {
	files := c.versions[version]
	out := make([]*FileRecord, 0, len(files))
	for _, rec := range files {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Versions returns every version key, valid or not, in lexical order.
func (c *VersionCatalog) Versions() []string {
	out := make([]string, 0, len(c.versions))
	for v := range c.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Len is the number of versions.
func (c *VersionCatalog) Len() int { return len(c.versions) }

// FileCount is the number of records across all versions.
func (c *VersionCatalog) FileCount() int {
	n := 0
	for _, files := range c.versions {
		n += len(files)
	}
	return n
}

// Each calls fn for every record, ordered by version then filename.
func (c *VersionCatalog) Each(fn func(version string, rec *FileRecord)) {
	for _, v := range c.Versions() {
		for _, rec := range c.Files(v) {
			fn(v, rec)
		}
	}
}

// AddDependencies appends names to version's dependency list, skipping duplicates.
func (c *VersionCatalog) AddDependencies(version string, names ...string) {
	existing := c.deps[version]
	for _, n := range names {
		dup := false
		for _, e := range existing {
			if e == n {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, n)
		}
	}
	c.deps[version] = existing
}

// Dependencies returns the dependency names accumulated for version.
func (c *VersionCatalog) Dependencies(version string) []string {
	out := make([]string, len(c.deps[version]))
	copy(out, c.deps[version])
	return out
}

// Page converts the catalog into the package page model for rendering.
func (c *VersionCatalog) Page(name string) sitegen.PackagePage {
	page := sitegen.PackagePage{Name: name}
	c.Each(func(_ string, rec *FileRecord) {
		page.Links = append(page.Links, sitegen.LinkModel{
			Filename:         rec.Filename,
			Hash:             rec.Hash.String(),
			RequiresPython:   rec.RequiresPython,
			DistInfoMetadata: rec.DistInfoMetadata,
			CoreMetadata:     rec.CoreMetadata,
			GPGSig:           rec.GPGSig,
		})
	})
	return page
}
