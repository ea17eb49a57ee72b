package sitegen

import (
	"context"
	"fmt"
	"os"
	"strings"

	"log/slog"
)

// DirLister lists the package subdirectories of a mirror root.
type DirLister struct {
	Root string
}

// ListPackages returns every non-hidden subdirectory of Root.
func (d DirLister) ListPackages() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read mirror root %s: %w", d.Root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Generator regenerates the root index of a mirror.
// Following Dave Cheney's principle: "Accept interfaces, return structs"
type Generator struct {
	lister PackageLister
	root   string
	logger *slog.Logger
}

// NewGenerator creates a Generator writing to root with packages from lister.
func NewGenerator(root string, lister PackageLister, logger *slog.Logger) *Generator {
	if lister == nil {
		lister = DirLister{Root: root}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{
		lister: lister,
		root:   root,
		logger: logger,
	}
}

// GenerateOptions contains options for root index generation.
type GenerateOptions struct {
	DryRun bool
}

// Generate writes <root>/index.html and returns the number of packages listed.
func (g *Generator) Generate(ctx context.Context, opts GenerateOptions) (int, error) {
	if g.root == "" {
		return 0, fmt.Errorf("mirror root is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	packages, err := g.lister.ListPackages()
	if err != nil {
		return 0, fmt.Errorf("failed to list packages: %w", err)
	}

	if opts.DryRun {
		g.logger.Info("dry-run mode: skipping root index write", "packages", len(packages))
		return len(packages), nil
	}

	if _, err := WriteRootIndex(g.root, RootPage{Packages: packages}, g.logger); err != nil {
		return 0, err
	}
	return len(packages), nil
}
