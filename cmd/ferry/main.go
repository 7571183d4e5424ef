// Package main provides the ferry CLI entrypoint.
//
// Usage:
//
//	ferry <command> [options]
//
// Exit codes for `export`:
//   - 0: every download reached the target
//   - 1: export error (unreadable file, worker failure, shutdown timeout)
//   - 2: configuration error
//   - 3: at least one download failed to save
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/cmd"
	"github.com/pithecene-io/ferry/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "ferry",
		Usage:          "Stream files through worker channels into segmented downloads",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ExportCommand(),
			cmd.ListCommand(),
			cmd.InspectCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for handled errors.
		os.Exit(1)
	}
}

// exitErrHandler prints err and exits with its cli.Exit code.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus maps err to a process exit code and the message to print.
// Bare cli.Exit("", N) errors print nothing.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
