// Package reconcile decides, file by file, whether the local mirror already
// satisfies a remote catalog by re-hashing what is on disk.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/checksum"
	"github.com/clean-dependency-project/pypi-mirror/internal/metrics"
)

// Options carries the optional collaborators of a reconciliation.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// Report counts the states assigned to the remote catalog.
type Report struct {
	OK              int
	Missing         int
	MetadataMissing int
	Unknown         int
	// Promoted counts records copied into the local catalog after their bytes
	// were verified against the remote digest.
	Promoted int
	// Recovered counts files found only by the directory scan.
	Recovered int
}

// Total is the number of remote records reconciled.
func (r Report) Total() int {
	return r.OK + r.Missing + r.MetadataMissing + r.Unknown
}

type engine struct {
	remote *catalog.VersionCatalog
	local  *catalog.VersionCatalog
	dir    string
	pkg    string
	logger *slog.Logger
}

// Reconcile assigns an IntegrityState to every record of remote. Records that
// the previous local page indexed are checked by precedence; files present in
// dir but absent from the page are recovered by a directory scan. Verified
// records are promoted into local so the next page written reflects them.
// Local records unknown to remote are left alone.
//
// The only error is an unsupported digest algorithm, which is a configuration
// problem rather than a property of one file.
func Reconcile(remote, local *catalog.VersionCatalog, dir, pkg string, opts Options) (Report, error) {
	e := &engine{remote: remote, local: local, dir: dir, pkg: pkg, logger: opts.Logger}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}

	remote.Each(func(_ string, rec *catalog.FileRecord) { rec.State = catalog.StateUnknown })

	var report Report
	var err error
	local.Each(func(version string, localRec *catalog.FileRecord) {
		if err != nil {
			return
		}
		rec := remote.Get(version, localRec.Filename)
		if rec == nil {
			return
		}
		var promoted bool
		rec.State, promoted, err = e.indexed(version, localRec, rec)
		if promoted {
			report.Promoted++
		}
	})
	if err != nil {
		return report, err
	}

	recovered, err := e.recover()
	if err != nil {
		return report, err
	}
	report.Recovered = recovered
	report.Promoted += recovered

	// A remote digest that nothing on disk reproduced means the file is
	// missing. UNKNOWN is left for records neither side can verify.
	remote.Each(func(_ string, rec *catalog.FileRecord) {
		if rec.State == catalog.StateUnknown && !rec.Hash.IsZero() {
			rec.State = catalog.StateMissing
		}
	})

	remote.Each(func(_ string, rec *catalog.FileRecord) {
		switch rec.State {
		case catalog.StateOK:
			report.OK++
		case catalog.StateMissing:
			report.Missing++
		case catalog.StateMetadataMissing:
			report.MetadataMissing++
		default:
			report.Unknown++
		}
	})

	opts.Metrics.ObserveReconcile(catalog.StateOK.String(), report.OK)
	opts.Metrics.ObserveReconcile(catalog.StateMissing.String(), report.Missing)
	opts.Metrics.ObserveReconcile(catalog.StateMetadataMissing.String(), report.MetadataMissing)
	opts.Metrics.ObserveReconcile(catalog.StateUnknown.String(), report.Unknown)

	e.logger.Debug("reconciled package",
		"package", pkg,
		"ok", report.OK,
		"missing", report.Missing,
		"metadata_missing", report.MetadataMissing,
		"unknown", report.Unknown,
		"recovered", report.Recovered)
	return report, nil
}

// indexed applies the precedence list to a record the local page knew about.
func (e *engine) indexed(version string, localRec, rec *catalog.FileRecord) (catalog.IntegrityState, bool, error) {
	switch {
	case !localRec.Hash.IsZero() && !rec.Hash.IsZero():
		state, err := e.bothHashed(localRec, rec)
		return state, false, err
	case !rec.Hash.IsZero():
		return e.remoteHashed(version, rec)
	case localRec.Hash.IsZero():
		// Nothing to verify against; callers re-fetch.
		return catalog.StateUnknown, false, nil
	}
	return catalog.StateMissing, false, nil
}

// bothHashed: the page and the index agree on the digest and the bytes on
// disk still reproduce it.
func (e *engine) bothHashed(localRec, rec *catalog.FileRecord) (catalog.IntegrityState, error) {
	if !localRec.Hash.Equal(rec.Hash) {
		e.logger.Debug("digest changed upstream", "package", e.pkg, "file", rec.Filename)
		return catalog.StateMissing, nil
	}
	ok, err := e.verify(rec.Filename, rec.Hash)
	if err != nil || !ok {
		return catalog.StateMissing, err
	}
	return e.sidecarState(rec)
}

// remoteHashed: the page indexed the file without a digest. A verified file is
// promoted so the local page gains the digest.
func (e *engine) remoteHashed(version string, rec *catalog.FileRecord) (catalog.IntegrityState, bool, error) {
	ok, err := e.verify(rec.Filename, rec.Hash)
	if err != nil || !ok {
		return catalog.StateMissing, false, err
	}
	state, err := e.sidecarState(rec)
	if err != nil {
		return catalog.StateMissing, false, err
	}
	e.promote(version, rec, state)
	return state, true, nil
}

// recover scans the package directory for payloads that were downloaded but
// never indexed, e.g. after a crash before the page was written.
func (e *engine) recover() (int, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		e.logger.Warn("directory scan failed", "package", e.pkg, "error", err)
		return 0, nil
	}

	recovered := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if catalog.KindOf(name) == catalog.KindUnknown {
			continue
		}
		version, _, derr := catalog.DeriveVersion(e.pkg, name)
		if derr != nil {
			continue
		}
		rec := e.remote.Get(version, name)
		if rec == nil || rec.State != catalog.StateUnknown || rec.Hash.IsZero() {
			continue
		}
		ok, err := e.verify(name, rec.Hash)
		if err != nil {
			return recovered, err
		}
		if !ok {
			continue
		}
		state, err := e.sidecarState(rec)
		if err != nil {
			return recovered, err
		}
		rec.State = state
		e.promote(version, rec, state)
		recovered++
		e.logger.Info("recovered unindexed file", "package", e.pkg, "version", version, "file", name, "state", state.String())
	}
	return recovered, nil
}

// sidecarState applies the wheel rule to a payload that already verified.
// Wheels whose index entry advertises no metadata need no sidecar. When the
// metadata digest is unknown the sidecar only has to exist.
func (e *engine) sidecarState(rec *catalog.FileRecord) (catalog.IntegrityState, error) {
	if rec.Kind() != catalog.KindWheel || !rec.HasMetadata() {
		return catalog.StateOK, nil
	}
	sidecar := rec.Filename + catalog.MetadataSuffix
	if rec.MetadataHash.IsZero() {
		if _, err := os.Stat(filepath.Join(e.dir, sidecar)); err != nil {
			return catalog.StateMetadataMissing, nil
		}
		return catalog.StateOK, nil
	}
	ok, err := e.verify(sidecar, rec.MetadataHash)
	if err != nil {
		return catalog.StateMissing, err
	}
	if !ok {
		return catalog.StateMetadataMissing, nil
	}
	return catalog.StateOK, nil
}

// verify re-hashes dir/filename. A missing file is a plain mismatch.
func (e *engine) verify(filename string, want catalog.Hash) (bool, error) {
	ok, err := checksum.Verify(filepath.Join(e.dir, filename), want.Algorithm, want.Digest)
	if err != nil {
		if errors.Is(err, checksum.ErrUnsupportedAlgorithm) {
			return false, fmt.Errorf("package %s, file %s: %w", e.pkg, filename, err)
		}
		e.logger.Warn("rehash failed", "package", e.pkg, "file", filename, "error", err)
		return false, nil
	}
	return ok, nil
}

func (e *engine) promote(version string, rec *catalog.FileRecord, state catalog.IntegrityState) {
	promoted := rec.Clone()
	promoted.URL = rec.Filename
	promoted.State = state
	e.local.Put(version, promoted)
}
