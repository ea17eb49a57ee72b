// Package main provides the sitegen command, which rebuilds the root
// index.html of an existing mirror tree without contacting any index.
package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/pypi-mirror/internal/logger"
	"github.com/clean-dependency-project/pypi-mirror/internal/sitegen"
)

func main() {
	app := &cli.App{
		Name:  "sitegen",
		Usage: "Regenerate the root simple index of a local mirror",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "root",
				Usage:    "mirror root holding one directory per package",
				Required: true,
				EnvVars:  []string{"SITEGEN_ROOT"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "list packages without writing files",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"SITEGEN_LOG_LEVEL"},
			},
		},
		Action: runSitegen,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runSitegen(c *cli.Context) error {
	// JSON on stderr, like the main binary.
	logLevel := logger.ParseLevelOrDefault(c.String("log-level"))
	l, err := logger.New(logLevel.String(), "json", os.Stderr)
	if err != nil {
		return err
	}

	generator := sitegen.NewGenerator(c.String("root"), nil, l)
	n, err := generator.Generate(context.Background(), sitegen.GenerateOptions{DryRun: c.Bool("dry-run")})
	if err != nil {
		return err
	}

	l.Info("root index generation completed", "packages", n)
	return nil
}
