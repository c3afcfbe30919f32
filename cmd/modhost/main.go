// Package main is the entry point for the modhost module host.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"github.com/dshills/modhost/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app.Version = version

	if err := fang.Execute(
		context.Background(),
		newRootCmd(),
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func versionString() string {
	if version == "dev" {
		return "dev (built from source)"
	}
	return version + " (commit: " + commit + ", built: " + date + ")"
}
