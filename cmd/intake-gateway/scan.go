package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tjfontaine/intake-gateway/internal/config"
	"github.com/tjfontaine/intake-gateway/internal/scan"
	"github.com/tjfontaine/intake-gateway/internal/staging"
)

const (
	exitClean         = 0
	exitBlocked       = 1
	exitIndeterminate = 2
	exitUsage         = 3
)

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "Run the scan gate on a local file and print the verdict",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{Name: "json", Usage: "print the outcome as JSON"},
			&cli.BoolFlag{Name: "no-color", Usage: "disable coloured output"},
		},
		Action: runScan,
	}
}

func runScan(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: intake-gateway scan <file>", exitUsage)
	}
	path := c.Args().First()

	// Logs go to stderr so stdout carries only the verdict.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.LoadFile(c.String(configFlag.Name))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load config: %v", err), exitUsage)
	}

	f, err := os.Open(path)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	defer f.Close()

	stager, err := newStager(cfg.Staging, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	gate := newGate(cfg.Scanner, logger)

	up := staging.Upload{
		Reader:       f,
		OriginalName: filepath.Base(path),
		DeclaredType: mime.TypeByExtension(filepath.Ext(path)),
	}

	var outcome scan.Outcome
	err = stager.WithStaged(c.Context, up, func(ctx context.Context, sf *staging.StagedFile) error {
		outcome = gate.Scan(ctx, sf)
		return nil
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to stage %s: %v", path, err), exitUsage)
	}

	if c.Bool("no-color") {
		color.NoColor = true
	}
	if c.Bool("json") {
		if err := json.NewEncoder(c.App.Writer).Encode(outcome); err != nil {
			return err
		}
	} else {
		printOutcome(c.App.Writer, up.OriginalName, outcome)
	}

	if code := exitCodeFor(outcome); code != exitClean {
		return cli.Exit("", code)
	}
	return nil
}

func exitCodeFor(o scan.Outcome) int {
	switch o.Status {
	case scan.StatusClean:
		return exitClean
	case scan.StatusBlocked:
		return exitBlocked
	default:
		return exitIndeterminate
	}
}

func printOutcome(w io.Writer, name string, o scan.Outcome) {
	var label string
	switch o.Status {
	case scan.StatusClean:
		label = color.New(color.FgGreen, color.Bold).Sprint("CLEAN")
	case scan.StatusBlocked:
		label = color.New(color.FgRed, color.Bold).Sprint("BLOCKED")
	default:
		label = color.New(color.FgYellow, color.Bold).Sprint("INDETERMINATE")
	}

	fmt.Fprintf(w, "%s  %s\n", label, name)
	if o.TicketID != "" {
		fmt.Fprintf(w, "  ticket:   %s\n", o.TicketID)
	}
	fmt.Fprintf(w, "  attempts: %d\n", o.Attempts)
	if o.Reason != "" {
		fmt.Fprintf(w, "  reason:   %s (%s)\n", o.Reason, o.Kind)
	}
	if len(o.Detail) > 0 {
		fmt.Fprintf(w, "  detail:   %s\n", o.Detail)
	}
}
