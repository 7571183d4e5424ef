package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/cli/reader"
	"github.com/pithecene-io/ferry/cli/render"
	"github.com/pithecene-io/ferry/cli/tui"
	"github.com/pithecene-io/ferry/dispatch"
	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/runtime"
	"github.com/pithecene-io/ferry/store"
	"github.com/pithecene-io/ferry/transfer"
	"github.com/pithecene-io/ferry/types"
	"github.com/pithecene-io/ferry/worker"
)

// Exit codes for export.
const (
	exitExportError     = 1
	exitConfigError     = 2
	exitDownloadFailure = 3
)

// DefaultWorkers is the default number of files exported concurrently.
const DefaultWorkers = 4

// DefaultShutdownTimeout bounds the wait for queued downloads after the
// last file was streamed.
const DefaultShutdownTimeout = 10 * time.Minute

// ExportCommand returns the export command.
// Each FILE is streamed by its own worker over its own session channel;
// the coordinator segments the stream and dispatches the downloads.
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Stream files through worker channels into a download target",
		ArgsUsage: "FILE...",
		Flags: withFlags(
			[]cli.Flag{ConfigFlag},
			ReadOnlyFlags(),
			StorageFlags(),
			coordinatorFlags(),
			adapterFlags(),
			[]cli.Flag{
				&cli.IntFlag{
					Name:  "workers",
					Usage: "Files exported concurrently",
					Value: DefaultWorkers,
				},
				&cli.IntFlag{
					Name:  "chunk-size",
					Usage: "Producer chunk size in bytes",
					Value: worker.DefaultChunkSize,
				},
				&cli.DurationFlag{
					Name:  "shutdown-timeout",
					Usage: "Maximum wait for queued downloads after streaming ends",
					Value: DefaultShutdownTimeout,
				},
				&cli.StringFlag{
					Name:  "log-level",
					Usage: "Log level: debug, info, warn, error",
					Value: "warn",
				},
			},
		),
		Action: exportAction,
	}
}

func coordinatorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:  "segment-size",
			Usage: "Segment ceiling in bytes",
			Value: transfer.DefaultCeiling,
		},
		&cli.IntFlag{
			Name:  "backlog-bound",
			Usage: "Unflushed bytes a producer may have outstanding",
			Value: backlog.DefaultBound,
		},
		&cli.Float64Flag{
			Name:  "wake-fraction",
			Usage: "Fraction of the backlog bound below which a blocked producer resumes",
			Value: backlog.DefaultWakeFraction,
		},
		&cli.DurationFlag{
			Name:  "dispatch-min-delay",
			Usage: "Minimum spacing between downloads",
			Value: dispatch.DefaultMinDelay,
		},
		&cli.DurationFlag{
			Name:  "dispatch-max-delay",
			Usage: "Maximum spacing between downloads",
			Value: dispatch.DefaultMaxDelay,
		},
		&cli.DurationFlag{
			Name:  "blob-retention",
			Usage: "How long a segment blob stays addressable after its download",
			Value: store.DefaultRetention,
		},
	}
}

func adapterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "adapter",
			Usage: "Download notification adapter: redis or webhook",
		},
		&cli.StringFlag{
			Name:  "adapter-url",
			Usage: "Adapter endpoint (redis://host:port/db or https://...)",
		},
		&cli.StringFlag{
			Name:  "adapter-channel",
			Usage: "Redis pub/sub channel",
		},
		&cli.BoolFlag{
			Name:  "adapter-session-channels",
			Usage: "Also publish to a per-session Redis channel",
		},
		&cli.DurationFlag{
			Name:  "adapter-timeout",
			Usage: "Per-publish timeout",
		},
		&cli.IntFlag{
			Name:  "adapter-retries",
			Usage: "Publish retry attempts",
		},
	}
}

func exportAction(c *cli.Context) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("export requires at least one FILE", exitConfigError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	coordCfg, err := resolveCoordinatorConfig(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid coordinator config: %v", err), exitConfigError)
	}
	storage := resolveStorage(c, cfg)
	notify := resolveAdapter(c, cfg)

	logger, err := log.NewLoggerWithLevel("ferry", os.Stderr, c.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	target, err := buildTarget(ctx, storage)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open download target: %v", err), exitConfigError)
	}
	defer iox.DiscardClose(target)

	notifier, err := buildNotifier(notify)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create adapter: %v", err), exitConfigError)
	}

	opts := []runtime.Option{runtime.WithLogger(logger.Named("coordinator"))}
	if notifier != nil {
		opts = append(opts, runtime.WithNotifier(notifier))
	}
	coord, err := runtime.NewCoordinator(coordCfg, target, opts...)
	if err != nil {
		if notifier != nil {
			_ = notifier.Close()
		}
		return cli.Exit(fmt.Sprintf("failed to create coordinator: %v", err), exitConfigError)
	}

	exp := &exporter{
		coord:     coord,
		factory:   worker.NewFactory(coord, logger.Named("worker"), worker.WithBacklog(coordCfg.Backlog)),
		chunkSize: c.Int("chunk-size"),
	}

	start := time.Now()
	runErr := exp.run(ctx, files, c.Int("workers"))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancelShutdown()
	shutdownErr := coord.Shutdown(shutdownCtx)

	report := reader.NewExportReport(coord.ID(), len(files), time.Since(start), coord.Stats(), coord.Downloads())

	if runErr != nil {
		return cli.Exit(fmt.Sprintf("export failed: %v", runErr), exitExportError)
	}
	if shutdownErr != nil {
		return cli.Exit(fmt.Sprintf("shutdown failed: %v", shutdownErr), exitExportError)
	}

	if c.Bool("tui") {
		err = r.RenderTUI(tui.ViewStatsExport, report)
	} else {
		err = r.Render(report)
	}
	if err != nil {
		return err
	}

	if report.Failed() {
		return cli.Exit("", exitDownloadFailure)
	}
	return nil
}

// readyMessage is posted by an export worker once its session is bound.
type readyMessage struct{}

// exporter streams local files through workers into a coordinator.
type exporter struct {
	coord     *runtime.Coordinator
	factory   *worker.Factory
	chunkSize int
}

func (e *exporter) run(ctx context.Context, files []string, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, path := range files {
		g.Go(func() error {
			return e.exportFile(gctx, path)
		})
	}
	return g.Wait()
}

// exportFile runs one worker for path: the worker registers a fresh
// session, the host requests the download, and the worker streams the
// file as a single transfer.
func (e *exporter) exportFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(f)

	name := filepath.Base(path)
	session := e.coord.NewSession()
	w := e.factory.New(e.script(session, f), worker.Options{Name: name})
	defer w.Terminate()

	select {
	case _, ok := <-w.Messages():
		if !ok {
			<-w.Done()
			return fmt.Errorf("%s: worker exited before registering: %w", name, w.Wait())
		}
	case <-w.Done():
		return fmt.Errorf("%s: worker exited before registering: %w", name, w.Wait())
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.coord.RequestDownload(ctx, session, name); err != nil {
		return err
	}

	select {
	case <-w.Done():
	case <-ctx.Done():
		w.Terminate()
		<-w.Done()
	}
	if err := w.Wait(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (e *exporter) script(session types.SessionID, src io.Reader) worker.Script {
	return func(ctx context.Context, scope *worker.Scope) error {
		producer, err := scope.Register(session)
		if err != nil {
			return err
		}
		if err := scope.PostMessage(readyMessage{}); err != nil {
			return err
		}

		select {
		case _, ok := <-producer.Downloads():
			if !ok {
				return errors.New("channel closed before a download was requested")
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		stream := producer.Stream(ctx)
		stream.SetChunkSize(e.chunkSize)
		if _, err := stream.ReadFrom(src); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		return stream.Close()
	}
}
