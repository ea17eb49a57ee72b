// Package mirror resolves requested packages and their dependencies into a
// local simple index, downloading only what reconciliation finds missing.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/clamav"
	"github.com/clean-dependency-project/pypi-mirror/internal/fetch"
	"github.com/clean-dependency-project/pypi-mirror/internal/gpg"
	"github.com/clean-dependency-project/pypi-mirror/internal/metrics"
	"github.com/clean-dependency-project/pypi-mirror/internal/storage"
)

// DefaultIndexURL is the upstream simple index.
const DefaultIndexURL = "https://pypi.org/simple/"

// DefaultConcurrency bounds parallel file downloads within one version.
const DefaultConcurrency = 4

// Fetcher is the subset of fetch.Client the resolver uses.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Fetch(ctx context.Context, url, dest string) (fetch.Result, error)
}

// Options configures a Tree and every Distribution it creates.
type Options struct {
	IndexURL           string
	Root               string
	IncludePrereleases bool
	BinaryOnly         bool
	SourceOnly         bool
	// MaxDepth bounds the ancestor chain length. Zero means unbounded.
	MaxDepth    int
	Concurrency int
	RunID       string

	Fetcher Fetcher
	// Optional hooks.
	Store   storage.Store
	KeyRing gpg.KeyRing
	Scanner clamav.Scanner
	// DeleteInfected removes infected payloads instead of quarantining them.
	DeleteInfected bool
	Metrics        *metrics.Collectors
	Logger         *slog.Logger
}

type request struct {
	spec      catalog.Specifier
	ancestors []string
}

// Tree is the run-wide registry of distributions. Requests are processed in
// FIFO order; each package is resolved at most once per run and later
// requests for other versions only trigger a download phase.
type Tree struct {
	opts Options

	mu        sync.Mutex
	dists     map[string]*Distribution
	order     []string
	queue     []request
	successes []string
	errs      []error
}

// NewTree creates a Tree. Fetcher and Root are required.
func NewTree(opts Options) (*Tree, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("mirror: fetcher is required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("mirror: root directory is required")
	}
	if opts.BinaryOnly && opts.SourceOnly {
		return nil, fmt.Errorf("mirror: binary-only and source-only are mutually exclusive")
	}
	if opts.IndexURL == "" {
		opts.IndexURL = DefaultIndexURL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Tree{opts: opts, dists: make(map[string]*Distribution)}, nil
}

// RequestPackage mirrors spec and, transitively, its dependencies. It returns
// once the request queue is drained or ctx is cancelled. Failures are
// collected in Errors; the returned error is only ctx's.
func (t *Tree) RequestPackage(ctx context.Context, spec catalog.Specifier, ancestors []string) error {
	spec.Name = catalog.CanonicalName(spec.Name)
	t.enqueue(spec, ancestors)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, ok := t.next()
		if !ok {
			return nil
		}
		t.process(ctx, req)
	}
}

func (t *Tree) next() (request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return request{}, false
	}
	req := t.queue[0]
	t.queue = t.queue[1:]
	return req, true
}

func (t *Tree) enqueue(spec catalog.Specifier, ancestors []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, request{spec: spec, ancestors: ancestors})
}

func (t *Tree) report(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *Tree) process(ctx context.Context, req request) {
	name := req.spec.Name
	logger := t.opts.Logger.With("package", name)

	if t.opts.MaxDepth > 0 && len(req.ancestors) > t.opts.MaxDepth {
		logger.Warn("dependency depth limit reached", "depth", len(req.ancestors), "max_depth", t.opts.MaxDepth)
		t.report(&PackageError{
			Package: name,
			Version: req.spec.Version,
			Op:      "resolve",
			Err:     fmt.Errorf("%w: depth %d > %d", ErrDepthLimitExceeded, len(req.ancestors), t.opts.MaxDepth),
		})
		t.opts.Metrics.ObservePackage("skipped")
		return
	}

	t.mu.Lock()
	dist, existing := t.dists[name]
	if !existing {
		dist = newDistribution(name, &t.opts, t)
		t.dists[name] = dist
		t.order = append(t.order, name)
	}
	t.mu.Unlock()

	var err error
	if existing {
		err = dist.Refresh(ctx, req.spec.Version, req.ancestors)
	} else {
		logger.Info("resolving package", "version", req.spec.Version, "depth", len(req.ancestors))
		err = dist.Resolve(ctx, req.spec.Version, req.ancestors)
	}

	if err != nil {
		logger.Error("package failed", "error", err)
		t.report(err)
		t.opts.Metrics.ObservePackage("failed")
		return
	}
	if dist.State() == StateFailed {
		return
	}

	done := catalog.Specifier{Name: name, Version: dist.Requested()}.String()
	t.mu.Lock()
	if !contains(t.successes, done) {
		t.successes = append(t.successes, done)
	}
	t.mu.Unlock()
	t.opts.Metrics.ObservePackage("ok")
}

// Distribution returns the distribution registered under the canonical form
// of name.
func (t *Tree) Distribution(name string) (*Distribution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dists[catalog.CanonicalName(name)]
	return d, ok
}

// Packages lists registered package names in first-request order.
func (t *Tree) Packages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Successes lists "name==version" for every successfully processed request.
func (t *Tree) Successes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.successes...)
	sort.Strings(out)
	return out
}

// Errors returns every reported failure in report order.
func (t *Tree) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}

// Failed lists the packages whose resolution aborted.
func (t *Tree) Failed() []string {
	t.mu.Lock()
	dists := make([]*Distribution, 0, len(t.order))
	for _, name := range t.order {
		dists = append(dists, t.dists[name])
	}
	t.mu.Unlock()

	var out []string
	for _, d := range dists {
		if d.State() == StateFailed {
			out = append(out, d.Name())
		}
	}
	return out
}

// Len is the number of registered distributions.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dists)
}
