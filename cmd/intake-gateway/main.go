// Package main is the intake-gateway entrypoint.
//
// Usage:
//
//	intake-gateway serve [--config config.yaml]
//	intake-gateway scan [--config config.yaml] <file>
//	intake-gateway version
//
// Exit codes for `scan`:
//   - 0: clean
//   - 1: blocked
//   - 2: indeterminate
//   - 3: the file could not be staged or configuration is invalid
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	app := newApp()
	app.ExitErrHandler = exitErrHandler

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "intake-gateway",
		Usage:   "Scan-gated uploads and streaming chat relay",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Commands: []*cli.Command{
			serveCommand(),
			scanCommand(),
			versionCommand(),
		},
	}
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to the YAML config file",
	Value:   "config.yaml",
	EnvVars: []string{"INTAKE_CONFIG"},
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "intake-gateway %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
