package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/render"
	"github.com/pithecene-io/ferry/ipc"
	"github.com/pithecene-io/ferry/transfer"
	"github.com/pithecene-io/ferry/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	MaxChunk    int    `json:"max_chunk_bytes"`
	MaxFrame    int    `json:"max_frame_bytes"`
	SegmentSize int64  `json:"default_segment_bytes"`
}

// VersionCommand returns the version command.
// Besides the build version it reports the wire limits a producer must honor.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		// TUI not supported for version command
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", 1)
		}

		resp := VersionResponse{
			Version:     types.Version,
			Commit:      commit,
			MaxChunk:    ipc.MaxChunkSize,
			MaxFrame:    ipc.MaxFrameSize,
			SegmentSize: transfer.DefaultCeiling,
		}

		return r.Render(resp)
	}
}
