package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/reader"
	"github.com/pithecene-io/ferry/cli/render"
	"github.com/pithecene-io/ferry/iox"
)

// listWarningThreshold is the number of items above which we warn about using --limit.
const listWarningThreshold = 100

// readTimeout bounds list and inspect reads against a target.
const readTimeout = 30 * time.Second

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ListCommand returns the list command.
// List returns stored download names only; use inspect for detail.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List downloads stored in a target",
		Flags: withFlags(
			[]cli.Flag{ConfigFlag},
			ReadOnlyFlags(),
			StorageFlags(),
			[]cli.Flag{
				&cli.StringFlag{
					Name:  "prefix",
					Usage: "Only list names starting with prefix",
				},
				&cli.IntFlag{
					Name:  "limit",
					Usage: "Maximum number of downloads to return (0 = no limit)",
					Value: 0,
				},
			},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	// TUI not supported for list
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for list", 1)
	}

	rd, closeTarget, err := openReader(c)
	if err != nil {
		return err
	}
	defer closeTarget()

	ctx, cancel := context.WithTimeout(c.Context, readTimeout)
	defer cancel()

	opts := reader.ListOptions{
		Prefix: c.String("prefix"),
		Limit:  c.Int("limit"),
	}
	results, err := rd.ListDownloads(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(results) > listWarningThreshold && opts.Limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(results))
	}

	return r.Render(results)
}

// openReader builds a reader over the target selected by config and flags.
func openReader(c *cli.Context) (*reader.Reader, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitConfigError)
	}
	target, err := buildTarget(c.Context, resolveStorage(c, cfg))
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("failed to open download target: %v", err), exitConfigError)
	}
	return reader.New(target), iox.CloseFunc(target), nil
}
