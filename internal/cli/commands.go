package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/pypi-mirror/internal/bundle"
	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/reconcile"
	"github.com/clean-dependency-project/pypi-mirror/internal/sitegen"
	"github.com/clean-dependency-project/pypi-mirror/internal/storage"
)

// ErrVerificationFailed is returned by verify when a mirrored file no longer
// matches its package page.
var ErrVerificationFailed = errors.New("mirror verification failed")

func indexCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := sitegen.NewGenerator(cfg.MirrorRoot, nil, log).Generate(ctx, sitegen.GenerateOptions{DryRun: c.Bool("dry-run")})
	if err != nil {
		log.Error("failed to generate root index", "error", err)
		return err
	}
	return writeJSON(c.App.Writer, map[string]interface{}{
		"mirror_root": cfg.MirrorRoot,
		"packages":    n,
		"dry_run":     c.Bool("dry-run"),
	})
}

// PackageVerification is the verify result of one package directory.
type PackageVerification struct {
	Package         string   `json:"package"`
	OK              int      `json:"ok"`
	Missing         int      `json:"missing"`
	MetadataMissing int      `json:"metadata_missing"`
	Unknown         int      `json:"unknown"`
	Broken          []string `json:"broken,omitempty"`
	Error           string   `json:"error,omitempty"`
}

func verifyCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	packages, err := sitegen.DirLister{Root: cfg.MirrorRoot}.ListPackages()
	if err != nil {
		log.Error("failed to list mirrored packages", "error", err)
		return err
	}
	sort.Strings(packages)

	results := make([]PackageVerification, 0, len(packages))
	failed := 0
	for _, pkg := range packages {
		res := verifyPackage(cfg.MirrorRoot, pkg, log)
		if res.Error != "" || res.Missing > 0 || res.MetadataMissing > 0 {
			failed++
		}
		results = append(results, res)
	}

	log.Info("verification finished", "packages", len(results), "failed", failed)
	if err := writeJSON(c.App.Writer, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d package(s)", ErrVerificationFailed, failed)
	}
	return nil
}

// verifyPackage reconciles a package page against itself: every record the
// page lists must still hash to the recorded digest.
func verifyPackage(root, pkg string, log *slog.Logger) PackageVerification {
	res := PackageVerification{Package: pkg}
	data, err := os.ReadFile(sitegen.PackagePagePath(root, pkg))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	remote, err := catalog.Parse(bytes.NewReader(data), pkg)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	local, err := catalog.Parse(bytes.NewReader(data), pkg)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	report, err := reconcile.Reconcile(remote, local, filepath.Join(root, pkg), pkg, reconcile.Options{Logger: log})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = report.OK
	res.Missing = report.Missing
	res.MetadataMissing = report.MetadataMissing
	res.Unknown = report.Unknown
	remote.Each(func(_ string, rec *catalog.FileRecord) {
		if rec.State == catalog.StateMissing || rec.State == catalog.StateMetadataMissing {
			res.Broken = append(res.Broken, rec.Filename)
		}
	})
	sort.Strings(res.Broken)
	if len(res.Broken) > 0 {
		log.Warn("package failed verification", "package", pkg, "files", res.Broken)
	}
	return res
}

func exportCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	summary, err := bundle.Export(cfg.MirrorRoot, c.String("out"), log)
	if err != nil {
		log.Error("failed to export mirror", "error", err)
		return err
	}
	return writeJSON(c.App.Writer, summary)
}

func importCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	summary, err := bundle.Extract(c.String("in"), cfg.MirrorRoot, log)
	if err != nil {
		log.Error("failed to import bundle", "error", err)
		return err
	}
	return writeJSON(c.App.Writer, summary)
}

func ledgerCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Storage.DatabasePath == "" {
		return fmt.Errorf("a ledger database is required (--db or storage.database_path)")
	}

	db, err := storage.InitDB(storage.Config{DatabasePath: cfg.Storage.DatabasePath, LogLevel: "silent"})
	if err != nil {
		log.Error("failed to open ledger", "error", err)
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() { _ = db.Close() }()

	if c.Bool("stats") {
		stats, err := db.GetStats()
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, stats)
	}

	var rows []*storage.Download
	switch {
	case c.String("package") != "":
		rows, err = db.ListByPackage(catalog.CanonicalName(c.String("package")))
	case c.String("run") != "":
		rows, err = db.ListByRun(c.String("run"))
	default:
		rows, err = db.ListAll()
	}
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []*storage.Download{}
	}
	return writeJSON(c.App.Writer, rows)
}
