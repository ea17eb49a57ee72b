package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/deps"
	"github.com/clean-dependency-project/pypi-mirror/internal/fetch"
	"github.com/clean-dependency-project/pypi-mirror/internal/gpg"
	"github.com/clean-dependency-project/pypi-mirror/internal/reconcile"
	"github.com/clean-dependency-project/pypi-mirror/internal/sitegen"
	"github.com/clean-dependency-project/pypi-mirror/internal/storage"
	"github.com/clean-dependency-project/pypi-mirror/internal/version"
)

// State is the resolver phase a Distribution has reached.
type State int

const (
	StateNew State = iota
	StateMetadataFetched
	StateReconciled
	StateDownloading
	StateDependenciesExpanded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateMetadataFetched:
		return "METADATA_FETCHED"
	case StateReconciled:
		return "RECONCILED"
	case StateDownloading:
		return "DOWNLOADING"
	case StateDependenciesExpanded:
		return "DEPENDENCIES_EXPANDED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// requester receives dependency requests and non-fatal reports. Implemented
// by Tree; a Distribution never references another Distribution.
type requester interface {
	enqueue(spec catalog.Specifier, ancestors []string)
	report(err error)
}

// Distribution resolves one package: remote catalog, reconciliation,
// selective download, dependency expansion and local page persistence.
type Distribution struct {
	mu sync.Mutex

	name   string
	dir    string
	opts   *Options
	tree   requester
	logger *slog.Logger

	state     State
	err       error
	remote    *catalog.VersionCatalog
	local     *catalog.VersionCatalog
	sorted    []string
	newest    string
	requested string
	ancestors []string
	processed map[string]bool
	report    reconcile.Report
	downloads int
}

func newDistribution(name string, opts *Options, tree requester) *Distribution {
	return &Distribution{
		name:      name,
		dir:       filepath.Join(opts.Root, name),
		opts:      opts,
		tree:      tree,
		logger:    opts.Logger.With("package", name),
		processed: make(map[string]bool),
	}
}

// Resolve runs the full pipeline for version, or for the newest qualifying
// version when version is empty. Any returned error aborts this package only.
func (d *Distribution) Resolve(ctx context.Context, ver string, ancestors []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mergeAncestors(ancestors)
	if err := d.resolve(ctx, ver, ancestors); err != nil {
		d.state = StateFailed
		d.err = err
		return err
	}
	return nil
}

// Refresh re-runs the download phase for a later request of an already
// resolved package. It does nothing when the version was handled this run
// or when the initial resolution failed.
func (d *Distribution) Refresh(ctx context.Context, ver string, ancestors []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mergeAncestors(ancestors)
	if d.state == StateFailed || d.remote == nil {
		return nil
	}
	if ver == "" {
		ver = d.newest
	}
	if !d.remote.HasVersion(ver) {
		return &PackageError{Package: d.name, Version: ver, Op: "select version", Err: ErrVersionNotFound}
	}
	d.requested = ver
	if d.processed[ver] {
		return nil
	}
	d.downloadPhase(ctx, ver, ancestors)
	return d.persist()
}

func (d *Distribution) resolve(ctx context.Context, ver string, ancestors []string) error {
	pageURL := strings.TrimSuffix(d.opts.IndexURL, "/") + "/" + d.name + "/"
	body, err := d.opts.Fetcher.Get(ctx, pageURL)
	if err != nil {
		return &PackageError{Package: d.name, Op: "fetch index", Err: fmt.Errorf("%w: %w", ErrRemoteFetch, err)}
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return &PackageError{Package: d.name, Op: "fetch index", Err: err}
	}
	remote, err := catalog.ParseWithBase(bytes.NewReader(body), d.name, base)
	if err != nil {
		return &PackageError{Package: d.name, Op: "parse index", Err: err}
	}
	if remote.Len() == 0 {
		return &PackageError{Package: d.name, Op: "parse index", Err: ErrEmptyRemoteCatalog}
	}
	d.remote = remote

	d.sorted = version.SortDescending(remote.Versions())
	d.newest, _ = version.Newest(remote.Versions(), d.opts.IncludePrereleases)
	d.requested = ver
	if d.requested == "" {
		d.requested = d.newest
	}
	if d.requested == "" {
		return &PackageError{Package: d.name, Op: "select version", Err: fmt.Errorf("%w: no qualifying version", ErrVersionNotFound)}
	}
	d.state = StateMetadataFetched

	if err := d.ensureDir(); err != nil {
		return &PackageError{Package: d.name, Op: "prepare directory", Err: fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)}
	}

	d.local = d.loadLocal()
	report, err := reconcile.Reconcile(d.remote, d.local, d.dir, d.name, reconcile.Options{
		Logger:  d.logger,
		Metrics: d.opts.Metrics,
	})
	if err != nil {
		return &PackageError{Package: d.name, Op: "reconcile", Err: err}
	}
	d.report = report
	d.state = StateReconciled

	if !d.remote.HasVersion(d.requested) {
		return &PackageError{Package: d.name, Version: d.requested, Op: "select version", Err: ErrVersionNotFound}
	}

	d.downloadPhase(ctx, d.requested, ancestors)
	return d.persist()
}

func (d *Distribution) ensureDir() error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(d.dir, ".write-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// loadLocal parses the previously written page. An unreadable page is
// treated as empty; the directory scan in reconciliation recovers its files.
func (d *Distribution) loadLocal() *catalog.VersionCatalog {
	path := sitegen.PackagePagePath(d.opts.Root, d.name)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("cannot read local page", "file", path, "error", err)
		}
		return catalog.New()
	}
	defer func() { _ = f.Close() }()

	local, err := catalog.Parse(f, d.name)
	if err != nil {
		d.logger.Warn("discarding unparsable local page", "file", path, "error", err)
		return catalog.New()
	}
	return local
}

// persist prunes local records whose files failed verification and were not
// replaced, then writes the package page.
func (d *Distribution) persist() error {
	d.local.Each(func(ver string, rec *catalog.FileRecord) {
		remote := d.remote.Get(ver, rec.Filename)
		if remote != nil && remote.State == catalog.StateMissing {
			d.local.Delete(ver, rec.Filename)
		}
	})

	if _, err := sitegen.WritePackagePage(d.opts.Root, d.local.Page(d.name), d.logger); err != nil {
		return &PackageError{Package: d.name, Op: "write page", Err: fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)}
	}
	return nil
}

func (d *Distribution) mergeAncestors(ancestors []string) {
	for _, a := range ancestors {
		if !contains(d.ancestors, a) {
			d.ancestors = append(d.ancestors, a)
		}
	}
}

// fileOutcome is the result of processing one FileRecord.
type fileOutcome struct {
	downloaded  bool
	hasDeps     bool
	names       []string
	unsupported []deps.Requirement
}

// downloadPhase processes every file of ver on a bounded worker pool, then
// promotes downloads into the local catalog and forwards new dependencies.
func (d *Distribution) downloadPhase(ctx context.Context, ver string, ancestors []string) {
	d.state = StateDownloading
	d.processed[ver] = true

	files := d.remote.Files(ver)
	outcomes := make([]fileOutcome, len(files))

	jobs := make(chan int, len(files))
	var wg sync.WaitGroup
	workers := d.opts.Concurrency
	if workers > len(files) {
		workers = len(files)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				outcomes[idx] = d.processFile(ctx, ver, files[idx])
			}
		}()
	}
	for idx := range files {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	seenUnsupported := make(map[string]bool)
	for idx, out := range outcomes {
		rec := files[idx]
		if out.downloaded {
			d.downloads++
			promoted := rec.Clone()
			promoted.URL = rec.Filename
			d.local.Put(ver, promoted)
		}
		if !out.hasDeps {
			continue
		}
		d.remote.AddDependencies(ver, out.names...)
		for _, req := range out.unsupported {
			if seenUnsupported[req.Raw] {
				continue
			}
			seenUnsupported[req.Raw] = true
			d.tree.report(&PackageError{
				Package: d.name,
				Version: ver,
				Op:      "expand dependencies",
				Err:     fmt.Errorf("%w: %q", ErrUnsupportedDependency, req.Raw),
			})
		}
	}

	chain := append(append([]string{}, ancestors...), d.name)
	for _, dep := range d.remote.Dependencies(ver) {
		if dep == d.name || contains(ancestors, dep) {
			d.logger.Debug("skipping cyclic dependency", "dependency", dep)
			continue
		}
		d.tree.enqueue(catalog.Specifier{Name: dep}, append([]string{}, chain...))
	}
	d.state = StateDependenciesExpanded
}

// processFile applies the download selection rules to one record. It only
// touches rec and files named after it, so records are processed in parallel.
func (d *Distribution) processFile(ctx context.Context, ver string, rec *catalog.FileRecord) fileOutcome {
	var out fileOutcome
	kind := rec.Kind()
	if d.opts.BinaryOnly && kind == catalog.KindSource {
		return out
	}
	if d.opts.SourceOnly && kind == catalog.KindWheel {
		return out
	}
	dest := filepath.Join(d.dir, rec.Filename)
	logger := d.logger.With("version", ver, "file", rec.Filename)

	switch rec.State {
	case catalog.StateOK:
		logger.Debug("file up to date")
		if kind == catalog.KindWheel {
			d.collectLocalDeps(rec, dest, &out, logger)
		}
		return out

	case catalog.StateMetadataMissing:
		if d.fetchSidecar(ctx, ver, rec, dest, logger) {
			rec.State = catalog.StateOK
			d.extractSidecar(dest, &out, logger)
		}
		return out
	}

	if err := d.fetchPayload(ctx, ver, rec, dest, logger); err != nil {
		rec.State = catalog.StateMissing
		d.tree.report(err)
		return out
	}
	out.downloaded = true
	rec.State = catalog.StateOK

	if kind != catalog.KindWheel {
		return out
	}
	if !rec.HasMetadata() {
		d.extractWheel(dest, &out, logger)
		return out
	}
	if d.fetchSidecar(ctx, ver, rec, dest, logger) {
		d.extractSidecar(dest, &out, logger)
	} else {
		rec.State = catalog.StateMetadataMissing
	}
	return out
}

// fetchPayload downloads and vets one artifact. The returned error is a
// file-level PackageError.
func (d *Distribution) fetchPayload(ctx context.Context, ver string, rec *catalog.FileRecord, dest string, logger *slog.Logger) error {
	fileErr := func(op string, err error) error {
		return &PackageError{Package: d.name, Version: ver, File: rec.Filename, Op: op, Err: err}
	}

	res, err := d.opts.Fetcher.Fetch(ctx, rec.FetchURL(), dest)
	if err != nil {
		status := storage.StatusFailed
		kind := ErrRemoteFetch
		if errors.Is(err, fetch.ErrHashMismatch) {
			status = storage.StatusHashMismatch
			kind = ErrHashVerification
		}
		d.record(ver, rec, rec.Kind().String(), rec.FetchURL(), dest, res, status, err)
		logger.Warn("download failed", "error", err)
		return fileErr("download", fmt.Errorf("%w: %w", kind, err))
	}

	if err := d.verifySignature(ctx, rec, dest); err != nil {
		d.reject(dest, false)
		d.record(ver, rec, rec.Kind().String(), rec.FetchURL(), dest, res, storage.StatusRejected, err)
		logger.Warn("signature rejected", "error", err)
		return fileErr("verify signature", err)
	}

	if err := d.scan(ctx, dest); err != nil {
		d.reject(dest, !d.opts.DeleteInfected && errors.Is(err, ErrMalwareDetected))
		d.record(ver, rec, rec.Kind().String(), rec.FetchURL(), dest, res, storage.StatusRejected, err)
		logger.Error("malware scan rejected file", "error", err)
		return fileErr("scan", err)
	}

	d.record(ver, rec, rec.Kind().String(), rec.FetchURL(), dest, res, storage.StatusOK, nil)
	logger.Info("downloaded", "size_bytes", res.Bytes, "verified", res.Verified, "duration_ms", res.Duration.Milliseconds())
	return nil
}

// fetchSidecar downloads <file>.metadata; the payload is already trusted.
func (d *Distribution) fetchSidecar(ctx context.Context, ver string, rec *catalog.FileRecord, dest string, logger *slog.Logger) bool {
	sidecarURL := rec.MetadataURL()
	sidecar := dest + catalog.MetadataSuffix
	res, err := d.opts.Fetcher.Fetch(ctx, sidecarURL, sidecar)
	if err != nil {
		d.record(ver, rec, "metadata", sidecarURL, sidecar, res, storage.StatusMetadataFailed, err)
		logger.Warn("metadata download failed", "error", err)
		kind := ErrRemoteFetch
		if errors.Is(err, fetch.ErrHashMismatch) {
			kind = ErrHashVerification
		}
		d.tree.report(&PackageError{
			Package: d.name, Version: ver, File: rec.Filename + catalog.MetadataSuffix,
			Op: "download metadata", Err: fmt.Errorf("%w: %w", kind, err),
		})
		return false
	}
	d.record(ver, rec, "metadata", sidecarURL, sidecar, res, storage.StatusOK, nil)
	logger.Info("downloaded metadata", "size_bytes", res.Bytes)
	return true
}

func (d *Distribution) verifySignature(ctx context.Context, rec *catalog.FileRecord, dest string) error {
	if d.opts.KeyRing == nil || rec.GPGSig == "" || strings.EqualFold(rec.GPGSig, "false") {
		return nil
	}
	sigPath := dest + gpg.SignatureSuffix
	if _, err := d.opts.Fetcher.Fetch(ctx, rec.URL+gpg.SignatureSuffix, sigPath); err != nil {
		return fmt.Errorf("%w: fetching signature: %w", ErrSignatureInvalid, err)
	}
	if err := gpg.VerifyDetachedSignature(d.opts.KeyRing, dest, sigPath); err != nil {
		_ = os.Remove(sigPath)
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	return nil
}

func (d *Distribution) scan(ctx context.Context, dest string) error {
	if d.opts.Scanner == nil {
		return nil
	}
	result, err := d.opts.Scanner.Scan(ctx, dest)
	if err != nil {
		return fmt.Errorf("scanner unavailable: %w", err)
	}
	if !result.Clean {
		return fmt.Errorf("%w: %s", ErrMalwareDetected, strings.Join(result.Threats, ", "))
	}
	return nil
}

// reject takes an untrusted payload out of the package directory. A kept
// payload is renamed with catalog.QuarantineSuffix, a name directory recovery never
// matches, so the next reconciliation cannot promote it without a new scan.
func (d *Distribution) reject(dest string, keep bool) {
	if keep {
		err := os.Rename(dest, dest+catalog.QuarantineSuffix)
		if err == nil {
			d.logger.Warn("quarantined rejected file", "file", dest+catalog.QuarantineSuffix)
			return
		}
		d.logger.Warn("failed to quarantine rejected file, removing it", "file", dest, "error", err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove rejected file", "file", dest, "error", err)
	}
}

func (d *Distribution) collectLocalDeps(rec *catalog.FileRecord, dest string, out *fileOutcome, logger *slog.Logger) {
	if rec.HasMetadata() {
		d.extractSidecar(dest, out, logger)
		return
	}
	d.extractWheel(dest, out, logger)
}

func (d *Distribution) extractSidecar(dest string, out *fileOutcome, logger *slog.Logger) {
	f, err := os.Open(dest + catalog.MetadataSuffix)
	if err != nil {
		logger.Debug("no metadata sidecar to read", "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	res, err := deps.Extract(f)
	if err != nil {
		logger.Warn("failed to read metadata", "error", err)
		return
	}
	out.setDeps(res)
}

func (d *Distribution) extractWheel(dest string, out *fileOutcome, logger *slog.Logger) {
	res, err := deps.ExtractFromWheel(dest)
	if err != nil {
		logger.Warn("failed to read wheel metadata", "error", err)
		return
	}
	out.setDeps(res)
}

func (o *fileOutcome) setDeps(res deps.Result) {
	o.hasDeps = true
	o.names = res.Names
	o.unsupported = res.Unsupported
}

func (d *Distribution) record(ver string, rec *catalog.FileRecord, kind, sourceURL, dest string, res fetch.Result, status string, err error) {
	if d.opts.Store == nil {
		return
	}
	h := rec.Hash
	if kind == "metadata" {
		h = rec.MetadataHash
	}
	row := &storage.Download{
		RunID:         d.opts.RunID,
		Package:       d.name,
		Version:       ver,
		Filename:      filepath.Base(dest),
		Kind:          kind,
		SourceURL:     strings.SplitN(sourceURL, "#", 2)[0],
		LocalPath:     dest,
		Size:          res.Bytes,
		HashAlgorithm: h.Algorithm,
		HashValue:     h.Digest,
		Verified:      res.Verified,
		Status:        status,
		DownloadedAt:  time.Now().UTC(),
	}
	if err != nil {
		row.ErrorMessage = err.Error()
	}
	if rerr := d.opts.Store.RecordDownload(row); rerr != nil {
		d.logger.Warn("failed to record download", "file", row.Filename, "error", rerr)
	}
}

// Name is the canonical package name.
func (d *Distribution) Name() string { return d.name }

// State reports the phase reached.
func (d *Distribution) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err is the error that failed the distribution, if any.
func (d *Distribution) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Requested is the version most recently selected for download.
func (d *Distribution) Requested() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requested
}

// Newest is the highest version matching the prerelease policy.
func (d *Distribution) Newest() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newest
}

// SortedVersions lists the valid remote versions, newest first.
func (d *Distribution) SortedVersions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sorted...)
}

// Ancestors is the union of ancestor chains this package was requested with.
func (d *Distribution) Ancestors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ancestors...)
}

// Dependencies returns the names extracted for ver.
func (d *Distribution) Dependencies(ver string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remote == nil {
		return nil
	}
	return d.remote.Dependencies(ver)
}

// FileState reports the integrity state of one remote file.
func (d *Distribution) FileState(ver, filename string) (catalog.IntegrityState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remote == nil {
		return catalog.StateUnknown, false
	}
	rec := d.remote.Get(ver, filename)
	if rec == nil {
		return catalog.StateUnknown, false
	}
	return rec.State, true
}

// Report is the reconciliation summary of the initial resolution.
func (d *Distribution) Report() reconcile.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.report
}

// Downloads counts payloads fetched successfully this run.
func (d *Distribution) Downloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
