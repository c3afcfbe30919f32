package app

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/dshills/modhost/internal/config"
)

// NewLogger creates the root logger from the log configuration. A nil
// writer logs to stderr.
func NewLogger(cfg config.LogConfig, w io.Writer) (*log.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	formatter := log.TextFormatter
	switch cfg.Format {
	case "", "text":
	case "json":
		formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return log.NewWithOptions(w, log.Options{
		Prefix:          config.AppName,
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	}), nil
}
