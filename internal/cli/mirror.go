package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/clamav"
	"github.com/clean-dependency-project/pypi-mirror/internal/config"
	"github.com/clean-dependency-project/pypi-mirror/internal/fetch"
	"github.com/clean-dependency-project/pypi-mirror/internal/gpg"
	"github.com/clean-dependency-project/pypi-mirror/internal/metrics"
	"github.com/clean-dependency-project/pypi-mirror/internal/mirror"
	"github.com/clean-dependency-project/pypi-mirror/internal/sitegen"
	"github.com/clean-dependency-project/pypi-mirror/internal/storage"
)

// RunSummary is printed to stdout after a mirror run.
type RunSummary struct {
	RunID      string   `json:"run_id"`
	Requested  []string `json:"requested"`
	Successes  []string `json:"successes"`
	Failed     []string `json:"failed"`
	Errors     []string `json:"errors"`
	Packages   int      `json:"packages"`
	Stopped    bool     `json:"stopped_early"`
	DurationMs int64    `json:"duration_ms"`
}

func mirrorCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return err
	}

	specs, err := collectSpecifiers(c.Args().Slice())
	if err != nil {
		log.Error("failed to read specifiers", "error", err)
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("at least one package specifier or requirements file is required")
	}

	start := time.Now()
	runID := uuid.NewString()
	log = log.With("run_id", runID)
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}

	collectors := metrics.New()
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	collectors.Serve(serveCtx, cfg.Metrics.Listen, log)

	opts := mirror.Options{
		IndexURL:           cfg.IndexURL,
		Root:               cfg.MirrorRoot,
		IncludePrereleases: cfg.IncludePrereleases,
		BinaryOnly:         cfg.BinaryOnly,
		SourceOnly:         cfg.SourceOnly,
		MaxDepth:           cfg.MaxDepth,
		Concurrency:        cfg.Concurrency,
		RunID:              runID,
		Fetcher: fetch.NewClient(fetch.Options{
			UserAgent:        cfg.UserAgent,
			Timeout:          cfg.GetDownloadTimeout(),
			Retries:          cfg.Retries,
			BreakerThreshold: cfg.BreakerThreshold,
			Metrics:          collectors,
			Logger:           log,
		}),
		DeleteInfected: cfg.Verification.ClamAV.DeleteOnDetection,
		Metrics:        collectors,
		Logger:         log,
	}

	if cfg.Storage.DatabasePath != "" {
		db, err := storage.InitDB(storage.Config{DatabasePath: cfg.Storage.DatabasePath, LogLevel: "silent"})
		if err != nil {
			log.Error("failed to initialize database", "error", err)
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Warn("failed to close database", "error", closeErr)
			}
		}()
		opts.Store = db
	}
	if err := attachVerifiers(&opts, cfg, log); err != nil {
		return err
	}

	tree, err := mirror.NewTree(opts)
	if err != nil {
		return err
	}

	log.Info("starting mirror run",
		"index_url", cfg.IndexURL,
		"mirror_root", cfg.MirrorRoot,
		"specifiers", len(specs),
		"ignore_errors", cfg.IgnoreErrors)

	var bar *progressbar.ProgressBar
	if c.Bool("progress") {
		bar = progressbar.NewOptions(len(specs),
			progressbar.OptionSetWriter(c.App.ErrWriter),
			progressbar.OptionSetDescription("mirroring"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	summary := RunSummary{RunID: runID}
	for _, spec := range specs {
		summary.Requested = append(summary.Requested, spec.String())
		if bar != nil {
			bar.Describe("mirroring " + spec.Name)
		}

		before := len(tree.Errors())
		if err := tree.RequestPackage(ctx, spec, nil); err != nil {
			return fmt.Errorf("mirror run interrupted: %w", err)
		}
		if bar != nil {
			_ = bar.Add(1)
		}

		if !cfg.IgnoreErrors && hasFatal(tree.Errors()[before:]) {
			log.Error("stopping after package error, use --ignore-errors to continue", "package", spec.Name)
			summary.Stopped = true
			break
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if _, err := sitegen.NewGenerator(cfg.MirrorRoot, nil, log).Generate(ctx, sitegen.GenerateOptions{}); err != nil {
		log.Error("failed to write root index", "error", err)
		return err
	}
	if err := collectors.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Warn("failed to write metrics", "error", err)
	}

	summary.Successes = tree.Successes()
	summary.Failed = tree.Failed()
	summary.Packages = tree.Len()
	for _, e := range tree.Errors() {
		summary.Errors = append(summary.Errors, e.Error())
	}
	summary.DurationMs = time.Since(start).Milliseconds()

	log.Info("mirror run finished",
		"packages", summary.Packages,
		"successes", len(summary.Successes),
		"failed", len(summary.Failed),
		"errors", len(summary.Errors),
		"duration_ms", summary.DurationMs)

	if err := writeJSON(c.App.Writer, summary); err != nil {
		return err
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%w: %d package(s) failed", ErrRunFailed, len(summary.Failed))
	}
	return nil
}

func attachVerifiers(opts *mirror.Options, cfg *config.Config, log *slog.Logger) error {
	if cfg.Verification.GPG.Enabled {
		keyRing, err := gpg.LoadKeyRingFromPath(cfg.Verification.GPG.KeyringDir)
		if err != nil {
			log.Error("failed to load keyring", "keyring_dir", cfg.Verification.GPG.KeyringDir, "error", err)
			return fmt.Errorf("failed to load keyring: %w", err)
		}
		opts.KeyRing = keyRing
		log.Info("signature verification enabled", "keys", len(keyRing.Fingerprints()))
	}
	if cfg.Verification.ClamAV.Enabled {
		opts.Scanner = clamav.NewDockerScanner(clamav.NewRealCommandRunner(), cfg.Verification.ClamAV.Image, log).
			WithParallelism(cfg.Verification.ClamAV.Parallel)
		log.Info("malware scanning enabled", "image", cfg.Verification.ClamAV.Image)
	}
	return nil
}

func hasFatal(errs []error) bool {
	for _, err := range errs {
		if mirror.IsFatal(err) {
			return true
		}
	}
	return false
}

// collectSpecifiers expands arguments into specifiers. Arguments naming an
// existing file are read as requirements lists; the rest are specifiers.
func collectSpecifiers(args []string) ([]catalog.Specifier, error) {
	var specs []catalog.Specifier
	for _, arg := range args {
		if fi, err := os.Stat(arg); err == nil && fi.Mode().IsRegular() {
			lines, err := readRequirements(arg)
			if err != nil {
				return nil, err
			}
			for _, line := range lines {
				specs = append(specs, catalog.ParseSpecifier(line))
			}
			continue
		}
		if strings.TrimSpace(arg) == "" {
			continue
		}
		specs = append(specs, catalog.ParseSpecifier(arg))
	}
	return specs, nil
}

// readRequirements returns the sorted unique specifiers of path in canonical
// form. Blank lines, comments and lines containing ":" (URLs, options) are
// skipped and leading spaces and dashes are trimmed.
func readRequirements(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open requirements file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.Contains(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, " -"))
		if line == "" {
			continue
		}
		seen[catalog.ParseSpecifier(line).String()] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requirements file %s: %w", path, err)
	}

	lines := make([]string, 0, len(seen))
	for line := range seen {
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return lines, nil
}
