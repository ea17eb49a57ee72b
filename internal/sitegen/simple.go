package sitegen

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	"log/slog"

	"golang.org/x/net/html"
)

// RenderPackagePage renders a package page in the simple repository format.
// Links are ordered by filename so identical input always yields identical bytes.
func RenderPackagePage(page PackagePage) []byte {
	links := make([]LinkModel, len(page.Links))
	copy(links, page.Links)
	sort.Slice(links, func(i, j int) bool {
		return links[i].Filename < links[j].Filename
	})

	name := html.EscapeString(page.Name)

	var buf bytes.Buffer
	writeHeader(&buf, "Links for "+name)
	buf.WriteString("\t\t<h1>Links for ")
	buf.WriteString(name)
	buf.WriteString("</h1>\n")

	for _, link := range links {
		href := link.Filename
		if link.Hash != "" {
			href += "#" + link.Hash
		}
		buf.WriteString("\t\t<a href=\"")
		buf.WriteString(html.EscapeString(href))
		buf.WriteString("\"")
		writeAttr(&buf, "data-requires-python", link.RequiresPython)
		writeAttr(&buf, "data-dist-info-metadata", link.DistInfoMetadata)
		writeAttr(&buf, "data-core-metadata", link.CoreMetadata)
		writeAttr(&buf, "data-gpg-sig", link.GPGSig)
		buf.WriteString(">")
		buf.WriteString(html.EscapeString(link.Filename))
		buf.WriteString("</a><br />\n")
	}

	writeFooter(&buf)
	return buf.Bytes()
}

// RenderRootIndex renders <root>/index.html with one anchor per package directory.
func RenderRootIndex(root RootPage) []byte {
	names := make([]string, len(root.Packages))
	copy(names, root.Packages)
	sort.Strings(names)

	var buf bytes.Buffer
	writeHeader(&buf, "Simple index")
	for _, name := range names {
		escaped := html.EscapeString(name)
		buf.WriteString(fmt.Sprintf("\t\t<a href=\"%s/\">%s</a><br />\n", escaped, escaped))
	}
	writeFooter(&buf)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, title string) {
	buf.WriteString("<!DOCTYPE html>\n<html>\n\t<head>\n")
	buf.WriteString("\t\t<meta name=\"pypi:repository-version\" content=\"" + RepositoryVersion + "\">\n")
	buf.WriteString("\t\t<title>")
	buf.WriteString(title)
	buf.WriteString("</title>\n\t</head>\n\t<body>\n")
}

func writeFooter(buf *bytes.Buffer) {
	buf.WriteString("\t</body>\n</html>\n")
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString(" ")
	buf.WriteString(name)
	buf.WriteString("=\"")
	buf.WriteString(html.EscapeString(value))
	buf.WriteString("\"")
}

// PackagePagePath returns <root>/<name>/index.html.
func PackagePagePath(root, name string) string {
	return filepath.Join(root, name, "index.html")
}

// WritePackagePage renders page and writes it under root if its content changed.
func WritePackagePage(root string, page PackagePage, logger *slog.Logger) (bool, error) {
	path := PackagePagePath(root, page.Name)
	written, err := writeFileIfChanged(path, RenderPackagePage(page), logger)
	if err != nil {
		return false, fmt.Errorf("failed to write package page for %s: %w", page.Name, err)
	}
	logger.Debug("rendered package page", "package", page.Name, "links", len(page.Links), "written", written)
	return written, nil
}

// WriteRootIndex renders the root listing and writes it under root if its content changed.
func WriteRootIndex(root string, page RootPage, logger *slog.Logger) (bool, error) {
	path := filepath.Join(root, "index.html")
	written, err := writeFileIfChanged(path, RenderRootIndex(page), logger)
	if err != nil {
		return false, fmt.Errorf("failed to write root index: %w", err)
	}
	logger.Info("rendered root index", "path", path, "packages", len(page.Packages), "written", written)
	return written, nil
}
