// Command echogarden runs the local-first memory service: file watcher,
// ingest workers, and the HTTP API in one process.
//
// Usage:
//
//	echogarden serve --config config.yaml
//	echogarden version
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/Vortrix5/echogarden/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the watcher, workers, and HTTP API."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (simple, json, or text)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("echogarden %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("echogarden"),
		kong.Description("Local-first personal memory: capture, enrich, retrieve."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		logger.GetLogger("").Error("Fatal", "error", err)
		os.Exit(1)
	}
}
