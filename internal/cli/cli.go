// Package cli provides the command-line interface of the PyPI mirror.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/pypi-mirror/internal/config"
)

// Version is reported by --version.
const Version = "1.0.0"

// ErrRunFailed is returned when at least one package could not be mirrored.
var ErrRunFailed = errors.New("mirror run finished with errors")

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "pypi-mirror",
		Usage:   "Mirror PyPI packages and their dependencies into a local simple index",
		Version: Version,
		Authors: []*cli.Author{
			{
				Name:  "Clean Dependency Project",
				Email: "info@example.com",
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to an optional YAML configuration file",
				EnvVars: []string{"PYPI_MIRROR_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"PYPI_MIRROR_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Usage:   "log format (json, text)",
				EnvVars: []string{"PYPI_MIRROR_LOG_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "mirror",
				Usage:     "Mirror packages, given as specifiers or requirements files, with their dependencies",
				ArgsUsage: "(somepackage|somepackage==1.10.0|requirements.txt)...",
				Flags: append(rootFlags(),
					&cli.BoolFlag{
						Name:    "ignore-errors",
						Usage:   "continue with the next package after a package-level error",
						EnvVars: []string{"PYPI_MIRROR_IGNORE_ERRORS"},
					},
					&cli.BoolFlag{
						Name:  "include-prereleases",
						Usage: "allow pre-releases when no version is specified",
					},
					&cli.BoolFlag{
						Name:  "binary-only",
						Usage: "only download wheels (.whl)",
					},
					&cli.BoolFlag{
						Name:  "source-only",
						Usage: "only download source archives (.tar.gz)",
					},
					&cli.IntFlag{
						Name:  "max-depth",
						Usage: "maximum dependency depth, 0 for unlimited",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "parallel downloads per version",
					},
					&cli.IntFlag{
						Name:  "retries",
						Usage: "retries for transient upstream failures",
					},
					&cli.StringFlag{
						Name:    "db",
						Usage:   "path to the SQLite download ledger (empty disables it)",
						EnvVars: []string{"PYPI_MIRROR_DB"},
					},
					&cli.StringFlag{
						Name:  "metrics-file",
						Usage: "write Prometheus metrics to this textfile after the run",
					},
					&cli.StringFlag{
						Name:  "metrics-listen",
						Usage: "serve /metrics on this address during the run",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "show a progress bar over the requested specifiers",
					},
				),
				Action: mirrorCommand,
			},
			{
				Name:   "index",
				Usage:  "Regenerate the root index.html of the mirror",
				Flags:  append(rootFlags(), &cli.BoolFlag{Name: "dry-run", Usage: "list packages without writing"}),
				Action: indexCommand,
			},
			{
				Name:   "verify",
				Usage:  "Re-hash every mirrored file against its package page",
				Flags:  rootFlags(),
				Action: verifyCommand,
			},
			{
				Name:  "export",
				Usage: "Write the mirror tree into a tar.zst bundle",
				Flags: append(rootFlags(), &cli.StringFlag{
					Name:     "out",
					Aliases:  []string{"o"},
					Usage:    "bundle file to write",
					Required: true,
				}),
				Action: exportCommand,
			},
			{
				Name:  "import",
				Usage: "Unpack a tar.zst bundle into the mirror root",
				Flags: append(rootFlags(), &cli.StringFlag{
					Name:     "in",
					Aliases:  []string{"i"},
					Usage:    "bundle file to read",
					Required: true,
				}),
				Action: importCommand,
			},
			{
				Name:  "serve",
				Usage: "Serve the mirror over HTTP for pip --index-url",
				Flags: append(rootFlags(),
					&cli.StringFlag{Name: "listen", Value: ":8080", Usage: "address to listen on", EnvVars: []string{"PYPI_MIRROR_LISTEN"}},
					&cli.StringFlag{Name: "prefix", Value: "/simple", Usage: "URL path the mirror root is served under"},
				),
				Action: serveCommand,
			},
			{
				Name:  "ledger",
				Usage: "Print download ledger rows as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "db", Usage: "path to the SQLite download ledger", EnvVars: []string{"PYPI_MIRROR_DB"}},
					&cli.StringFlag{Name: "package", Aliases: []string{"p"}, Usage: "only rows of this package"},
					&cli.StringFlag{Name: "run", Usage: "only rows of this run ID"},
					&cli.BoolFlag{Name: "stats", Usage: "print aggregate statistics instead of rows"},
				},
				Action: ledgerCommand,
			},
		},
	}
}

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "index",
			Usage:   "address of the PyPI simple API to use",
			EnvVars: []string{"PYPI_MIRROR_INDEX"},
		},
		&cli.StringFlag{
			Name:    "local-folder",
			Usage:   "folder where the simple index is stored",
			EnvVars: []string{"PYPI_MIRROR_ROOT"},
		},
	}
}

// loadConfig reads the optional config file and overlays every flag the user
// set explicitly.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("index") {
		cfg.IndexURL = c.String("index")
	}
	if c.IsSet("local-folder") {
		cfg.MirrorRoot = c.String("local-folder")
	}
	if c.IsSet("ignore-errors") {
		cfg.IgnoreErrors = c.Bool("ignore-errors")
	}
	if c.IsSet("include-prereleases") {
		cfg.IncludePrereleases = c.Bool("include-prereleases")
	}
	if c.IsSet("binary-only") {
		cfg.BinaryOnly = c.Bool("binary-only")
	}
	if c.IsSet("source-only") {
		cfg.SourceOnly = c.Bool("source-only")
	}
	if c.IsSet("max-depth") {
		cfg.MaxDepth = c.Int("max-depth")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("retries") {
		cfg.Retries = c.Int("retries")
	}
	if c.IsSet("db") {
		cfg.Storage.DatabasePath = c.String("db")
	}
	if c.IsSet("metrics-file") {
		cfg.Metrics.Textfile = c.String("metrics-file")
	}
	if c.IsSet("metrics-listen") {
		cfg.Metrics.Listen = c.String("metrics-listen")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
