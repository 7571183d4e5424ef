package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/render"
	"github.com/pithecene-io/ferry/cli/tui"
)

// InspectCommand returns the inspect command.
// Inspect reads one stored download in full and reports its size and digest.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a stored download by name",
		ArgsUsage: "<name>",
		Flags: withFlags(
			[]cli.Flag{ConfigFlag},
			ReadOnlyFlags(),
			StorageFlags(),
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("download name required", 1)
	}
	name := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	rd, closeTarget, err := openReader(c)
	if err != nil {
		return err
	}
	defer closeTarget()

	ctx, cancel := context.WithTimeout(c.Context, readTimeout)
	defer cancel()

	resp, err := rd.InspectDownload(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect %q: %w", name, err)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectDownload, resp)
	}
	return r.Render(resp)
}
