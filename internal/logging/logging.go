// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/config"
)

// New creates the root logger from cfg and installs it as the package
// default so library code calling log.Info shares its settings
func New(cfg config.Log, w io.Writer) (*log.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "threadbridge",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter(cfg.Format),
	})
	log.SetDefault(logger)
	return logger, nil
}

// SetLevel changes the level of a running logger. Unknown levels are
// reported and leave the logger unchanged.
func SetLevel(logger *log.Logger, level string) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log.level %q: %w", level, err)
	}
	logger.SetLevel(parsed)
	return nil
}

func formatter(format string) log.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
