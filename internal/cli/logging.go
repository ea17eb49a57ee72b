package cli

import (
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/pypi-mirror/internal/logger"
)

// newLogger builds the command logger from the global flags. Logs go to the
// app's error writer so stdout stays clean for JSON output.
func newLogger(c *cli.Context) (*slog.Logger, error) {
	format := c.String("log-format")
	if format == "" {
		format = "json"
	}
	level := c.String("log-level")
	if level == "" {
		level = "info"
	}
	return logger.New(level, format, c.App.ErrWriter)
}
