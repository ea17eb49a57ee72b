// Package version orders Python package versions (PEP 440) for newest-version
// selection. The release core is compared through semver; pre, post, dev and
// local segments follow PEP 440 ordering.
package version

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// String constants for operations (used in ErrVersionParseFailed)
const (
	OpParse = "parse"
)

// ErrInvalidVersion is the cause of every parse failure.
var ErrInvalidVersion = errors.New("invalid version format")

// ErrVersionParseFailed represents a version parsing error
type ErrVersionParseFailed struct {
	Version string
	Op      string
	Cause   error
}

func (e ErrVersionParseFailed) Error() string {
	return fmt.Sprintf("failed to parse version %s in operation %s: %v", e.Version, e.Op, e.Cause)
}

func (e ErrVersionParseFailed) Unwrap() error {
	return e.Cause
}

func (e ErrVersionParseFailed) Is(target error) bool {
	var parseErr ErrVersionParseFailed
	return errors.As(target, &parseErr)
}

var pep440 = regexp.MustCompile(`(?i)^\s*v?` +
	`(?:(?P<epoch>[0-9]+)!)?` +
	`(?P<release>[0-9]+(?:\.[0-9]+)*)` +
	`(?:[-_.]?(?P<pre_l>alpha|beta|preview|pre|a|b|c|rc)[-_.]?(?P<pre_n>[0-9]+)?)?` +
	`(?:-(?P<post_n1>[0-9]+)|[-_.]?(?P<post_l>post|rev|r)[-_.]?(?P<post_n2>[0-9]+)?)?` +
	`(?:[-_.]?(?P<dev_l>dev)[-_.]?(?P<dev_n>[0-9]+)?)?` +
	`(?:\+(?P<local>[a-z0-9]+(?:[-_.][a-z0-9]+)*))?\s*$`)

// preRank orders pre-release kinds: a < b < rc.
var preRank = map[string]int{
	"a": 0, "alpha": 0,
	"b": 1, "beta": 1,
	"c": 2, "rc": 2, "pre": 2, "preview": 2,
}

// Version is a parsed PEP 440 version.
type Version struct {
	raw   string
	epoch int
	core  *semver.Version
	extra []uint64 // release segments after major.minor.patch
	pre   *preRelease
	post  *int
	dev   *int
	local string
}

type preRelease struct {
	rank int
	num  int
}

// Parse parses a PEP 440 version string.
func Parse(raw string) (*Version, error) {
	m := pep440.FindStringSubmatch(raw)
	if m == nil {
		return nil, ErrVersionParseFailed{Version: raw, Op: OpParse, Cause: ErrInvalidVersion}
	}
	group := func(name string) string { return m[pep440.SubexpIndex(name)] }

	v := &Version{raw: raw, local: strings.ToLower(group("local"))}

	if e := group("epoch"); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil {
			return nil, ErrVersionParseFailed{Version: raw, Op: OpParse, Cause: err}
		}
		v.epoch = n
	}

	var segments []uint64
	for _, part := range strings.Split(group("release"), ".") {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, ErrVersionParseFailed{Version: raw, Op: OpParse, Cause: err}
		}
		segments = append(segments, n)
	}
	for len(segments) < 3 {
		segments = append(segments, 0)
	}
	v.core = semver.New(segments[0], segments[1], segments[2], "", "")
	for _, s := range segments[3:] {
		v.extra = append(v.extra, s)
	}

	if l := group("pre_l"); l != "" {
		v.pre = &preRelease{rank: preRank[strings.ToLower(l)], num: atoiOrZero(group("pre_n"))}
	}
	if n := group("post_n1"); n != "" {
		p := atoiOrZero(n)
		v.post = &p
	} else if group("post_l") != "" {
		p := atoiOrZero(group("post_n2"))
		v.post = &p
	}
	if group("dev_l") != "" {
		d := atoiOrZero(group("dev_n"))
		v.dev = &d
	}
	return v, nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(raw string) *Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// IsValid reports whether raw parses as a PEP 440 version.
func IsValid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// String returns the version as it was written.
func (v *Version) String() string { return v.raw }

// IsPrerelease reports whether the version carries a pre-release or dev segment.
func (v *Version) IsPrerelease() bool {
	return v.pre != nil || v.dev != nil
}

// Compare returns -1, 0 or 1 as v is lower than, equal to, or higher than o.
func (v *Version) Compare(o *Version) int {
	if c := cmpInt(v.epoch, o.epoch); c != 0 {
		return c
	}
	if c := v.core.Compare(o.core); c != 0 {
		return c
	}
	for i := 0; i < len(v.extra) || i < len(o.extra); i++ {
		if c := cmp.Compare(segmentAt(v.extra, i), segmentAt(o.extra, i)); c != 0 {
			return c
		}
	}
	if c := cmpKey(v.preKey(), o.preKey()); c != 0 {
		return c
	}
	if c := cmpKey(v.postKey(), o.postKey()); c != 0 {
		return c
	}
	if c := cmpKey(v.devKey(), o.devKey()); c != 0 {
		return c
	}
	switch {
	case v.local == o.local:
		return 0
	case v.local == "":
		return -1
	case o.local == "":
		return 1
	case v.local < o.local:
		return -1
	default:
		return 1
	}
}

// key is a sortable tuple with explicit infinities for absent segments.
type key struct {
	inf  int // -1 = negative infinity, 0 = finite, 1 = positive infinity
	rank int
	num  int
}

func (v *Version) preKey() key {
	switch {
	case v.pre == nil && v.post == nil && v.dev != nil:
		// 1.0.dev1 sorts before 1.0a1
		return key{inf: -1}
	case v.pre == nil:
		return key{inf: 1}
	default:
		return key{rank: v.pre.rank, num: v.pre.num}
	}
}

func (v *Version) postKey() key {
	if v.post == nil {
		return key{inf: -1}
	}
	return key{num: *v.post}
}

func (v *Version) devKey() key {
	if v.dev == nil {
		return key{inf: 1}
	}
	return key{num: *v.dev}
}

func cmpKey(a, b key) int {
	if c := cmpInt(a.inf, b.inf); c != 0 {
		return c
	}
	if a.inf != 0 {
		return 0
	}
	if c := cmpInt(a.rank, b.rank); c != 0 {
		return c
	}
	return cmpInt(a.num, b.num)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func segmentAt(s []uint64, i int) uint64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// SortDescending returns the valid versions in raws ordered newest first.
// Strings that do not parse are dropped. Equal versions written differently
// ("1.0" and "1.0.0") are ordered by their raw text for determinism.
func SortDescending(raws []string) []string {
	parsed := make([]*Version, 0, len(raws))
	for _, r := range raws {
		v, err := Parse(r)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	sort.SliceStable(parsed, func(i, j int) bool {
		if c := parsed[i].Compare(parsed[j]); c != 0 {
			return c > 0
		}
		return parsed[i].raw > parsed[j].raw
	})
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.raw
	}
	return out
}

// Newest returns the highest valid version in raws. Pre-releases qualify only
// when includePrereleases is set. The boolean is false when nothing qualifies.
func Newest(raws []string, includePrereleases bool) (string, bool) {
	for _, r := range SortDescending(raws) {
		if !includePrereleases && MustParse(r).IsPrerelease() {
			continue
		}
		return r, true
	}
	return "", false
}
