package catalog

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ErrMalformedLink aborts a parse: the page is assumed internally consistent,
// so one bad anchor invalidates all of it.
var ErrMalformedLink = errors.New("malformed index link")

// DeriveVersion extracts the version from a distribution filename by removing
// the package-name prefix, splitting on "-" and taking the second segment.
// Source archives additionally lose their ".tar.gz" suffix. This rule is kept
// verbatim for compatibility with existing mirrors even though it misreads
// filenames whose project part contains hyphens not covered by pkg.
func DeriveVersion(pkg, filename string) (string, Kind, error) {
	kind := KindOf(filename)
	if kind == KindUnknown {
		return "", kind, fmt.Errorf("%w: unrecognized suffix in %q", ErrMalformedLink, filename)
	}
	parts := strings.Split(strings.TrimPrefix(filename, pkg), "-")
	if len(parts) < 2 {
		return "", kind, fmt.Errorf("%w: cannot derive version from %q", ErrMalformedLink, filename)
	}
	ver := parts[1]
	if kind == KindSource {
		ver = strings.TrimSuffix(ver, SourceSuffix)
	}
	if ver == "" {
		return "", kind, fmt.Errorf("%w: empty version in %q", ErrMalformedLink, filename)
	}
	return ver, kind, nil
}

// Parse reads a simple index page for pkg. Hrefs are kept as written.
func Parse(r io.Reader, pkg string) (*VersionCatalog, error) {
	return ParseWithBase(r, pkg, nil)
}

// ParseWithBase is Parse with relative hrefs resolved against base.
func ParseWithBase(r io.Reader, pkg string, base *url.URL) (*VersionCatalog, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index page for %s: %w", pkg, err)
	}

	cat := New()
	var walkErr error
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if walkErr != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if err := addAnchor(cat, n, pkg, base); err != nil {
				walkErr = err
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if walkErr != nil {
		return nil, walkErr
	}
	return cat, nil
}

func addAnchor(cat *VersionCatalog, n *html.Node, pkg string, base *url.URL) error {
	filename := strings.TrimSpace(textOf(n))
	kind := KindOf(filename)
	if kind == KindUnknown {
		return nil
	}

	ver, _, err := DeriveVersion(pkg, filename)
	if err != nil {
		return err
	}

	href, ok := attr(n, "href")
	if !ok || href == "" {
		return fmt.Errorf("%w: anchor %q has no href", ErrMalformedLink, filename)
	}

	rec := &FileRecord{Filename: filename}

	target, fragment, _ := strings.Cut(href, "#")
	if h, ok := ParseHash(fragment); ok {
		rec.Hash = h
	}
	if base != nil {
		ref, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("%w: bad href %q: %v", ErrMalformedLink, href, err)
		}
		target = base.ResolveReference(ref).String()
	}
	rec.URL = target

	rec.RequiresPython, _ = attr(n, "data-requires-python")
	rec.GPGSig, _ = attr(n, "data-gpg-sig")

	if kind == KindWheel {
		rec.CoreMetadata, _ = attr(n, "data-core-metadata")
		rec.DistInfoMetadata, _ = attr(n, "data-dist-info-metadata")
		for _, v := range []string{rec.CoreMetadata, rec.DistInfoMetadata} {
			if h, ok := ParseHash(v); ok {
				rec.MetadataHash = h
				break
			}
		}
	}

	cat.Put(ver, rec)
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return sb.String()
}
