package sitegen

// RepositoryVersion is the simple repository API version advertised in every page header.
const RepositoryVersion = "1.3"

// PackagePage is one package's simple index page: <root>/<name>/index.html.
type PackagePage struct {
	Name  string // Normalized package name (e.g., "typing-extensions")
	Links []LinkModel
}

// LinkModel represents a single distribution anchor.
// Empty optional fields are omitted from the rendered anchor.
type LinkModel struct {
	Filename         string
	Hash             string // "algo=digest", rendered as the href fragment
	RequiresPython   string
	DistInfoMetadata string
	CoreMetadata     string
	GPGSig           string
}

// RootPage lists every mirrored package directory.
type RootPage struct {
	Packages []string
}
