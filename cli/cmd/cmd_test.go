package cmd

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/backlog"
	ferryconfig "github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/dispatch"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/runtime"
	"github.com/pithecene-io/ferry/store"
	"github.com/pithecene-io/ferry/worker"
)

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestCommands_HaveConfigAndStorageFlags(t *testing.T) {
	for _, cmd := range []*cli.Command{ExportCommand(), ListCommand(), InspectCommand()} {
		names := make(map[string]bool)
		for _, f := range cmd.Flags {
			for _, n := range f.Names() {
				if names[n] {
					t.Errorf("%s: duplicate flag --%s", cmd.Name, n)
				}
				names[n] = true
			}
		}
		for _, want := range []string{"config", "format", "storage-backend", "storage-path"} {
			if !names[want] {
				t.Errorf("%s: missing --%s", cmd.Name, want)
			}
		}
	}
}

func TestIsStderrTTY(_ *testing.T) {
	// Actual TTY behavior depends on runtime environment.
	_ = isStderrTTY()
}

// runWithFlags parses args against flags and runs fn as the app action.
func runWithFlags(t *testing.T, flags []cli.Flag, args []string, fn func(c *cli.Context) error) error {
	t.Helper()
	app := cli.NewApp()
	app.Flags = flags
	app.Action = fn
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app.Run(append([]string{"ferry"}, args...))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ferry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func loadTestConfig(t *testing.T, content string) *ferryconfig.Config {
	t.Helper()
	cfg, err := ferryconfig.Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func intPtr(n int) *int { return &n }

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("error %v is not a cli.ExitCoder", err)
	}
	return coder.ExitCode()
}

// --- Config precedence ---

func TestResolveString(t *testing.T) {
	flags := []cli.Flag{&cli.StringFlag{Name: "storage-backend", Value: "fs"}}
	tests := []struct {
		name   string
		args   []string
		cfgVal string
		want   string
	}{
		{"flag wins", []string{"--storage-backend", "memory"}, "s3", "memory"},
		{"config fallback", nil, "s3", "s3"},
		{"flag default", nil, "", "fs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			err := runWithFlags(t, flags, tt.args, func(c *cli.Context) error {
				got = resolveString(c, "storage-backend", tt.cfgVal)
				return nil
			})
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveString = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveBool_FlagFalseOverridesConfig(t *testing.T) {
	flags := []cli.Flag{&cli.BoolFlag{Name: "storage-s3-path-style"}}

	var got bool
	err := runWithFlags(t, flags, []string{"--storage-s3-path-style=false"}, func(c *cli.Context) error {
		got = resolveBool(c, "storage-s3-path-style", true)
		return nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got {
		t.Error("explicit --storage-s3-path-style=false should override config true")
	}

	err = runWithFlags(t, flags, nil, func(c *cli.Context) error {
		got = resolveBool(c, "storage-s3-path-style", true)
		return nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !got {
		t.Error("config true should apply when flag is unset")
	}
}

func TestConfigVal_NilConfig(t *testing.T) {
	got := configVal(nil, func(c *ferryconfig.Config) int64 { return c.SegmentSize })
	if got != 0 {
		t.Errorf("expected zero for nil config, got %d", got)
	}
}

func TestResolveCoordinatorConfig_Defaults(t *testing.T) {
	var got runtime.Config
	err := runWithFlags(t, coordinatorFlags(), nil, func(c *cli.Context) error {
		var err error
		got, err = resolveCoordinatorConfig(c, nil)
		return err
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != runtime.DefaultConfig() {
		t.Errorf("got %+v, want defaults %+v", got, runtime.DefaultConfig())
	}
}

func TestResolveCoordinatorConfig_ConfigThenFlags(t *testing.T) {
	cfg := loadTestConfig(t, `segment_size: 1048576
backlog:
  bound: 65536
  wake_fraction: 0.5
dispatch:
  min_delay: 2s
  max_delay: 3s
blob_retention: 1m
`)

	var got runtime.Config
	err := runWithFlags(t, coordinatorFlags(), []string{"--segment-size", "4096", "--dispatch-min-delay", "0s"},
		func(c *cli.Context) error {
			var err error
			got, err = resolveCoordinatorConfig(c, cfg)
			return err
		})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	want := runtime.Config{
		SegmentSize:   4096,
		Backlog:       backlog.Config{Bound: 65536, WakeFraction: 0.5},
		Dispatch:      dispatch.Config{MinDelay: 0, MaxDelay: 3 * time.Second},
		BlobRetention: time.Minute,
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolveCoordinatorConfig_Invalid(t *testing.T) {
	err := runWithFlags(t, coordinatorFlags(), []string{"--dispatch-min-delay", "2s", "--dispatch-max-delay", "1s"},
		func(c *cli.Context) error {
			_, err := resolveCoordinatorConfig(c, nil)
			return err
		})
	if !errors.Is(err, dispatch.ErrInvalidConfig) {
		t.Fatalf("err = %v, want dispatch.ErrInvalidConfig", err)
	}
}

func TestResolveAdapter_RetriesPrecedence(t *testing.T) {
	cfg := loadTestConfig(t, `adapter:
  type: webhook
  url: https://example.com/hook
  retries: 0
  headers:
    X-Token: abc
`)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"config zero kept", nil, 0},
		{"flag overrides", []string{"--adapter-retries", "5"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got adapterChoice
			err := runWithFlags(t, adapterFlags(), tt.args, func(c *cli.Context) error {
				got = resolveAdapter(c, cfg)
				return nil
			})
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got.kind != "webhook" || got.url != "https://example.com/hook" {
				t.Errorf("unexpected choice: %+v", got)
			}
			if got.retries == nil || *got.retries != tt.want {
				t.Errorf("retries = %v, want %d", got.retries, tt.want)
			}
			if got.headers["X-Token"] != "abc" {
				t.Errorf("headers = %v", got.headers)
			}
		})
	}
}

// --- Target and adapter construction ---

func TestBuildTarget(t *testing.T) {
	tests := []struct {
		name        string
		choice      storageChoice
		wantBackend string
		wantErr     string
	}{
		{"fs", storageChoice{backend: "fs", path: t.TempDir()}, store.BackendFS, ""},
		{"fs default backend", storageChoice{path: t.TempDir()}, store.BackendFS, ""},
		{"fs without path", storageChoice{backend: "fs"}, "", "--storage-path is required"},
		{"memory", storageChoice{backend: "memory"}, store.BackendMemory, ""},
		{"bucket", storageChoice{backend: "bucket", path: "mem://"}, store.BackendBucket, ""},
		{"bucket without url", storageChoice{backend: "bucket"}, "", "bucket URL"},
		{"s3 without bucket", storageChoice{backend: "s3"}, "", "bucket is required"},
		{"unknown", storageChoice{backend: "tape"}, "", "unknown storage-backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := buildTarget(t.Context(), tt.choice)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildTarget failed: %v", err)
			}
			t.Cleanup(func() { _ = target.Close() })
			if target.Backend() != tt.wantBackend {
				t.Errorf("Backend() = %q, want %q", target.Backend(), tt.wantBackend)
			}
		})
	}
}

func TestBuildNotifier(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		choice  adapterChoice
		wantNil bool
		wantErr bool
	}{
		{"none", adapterChoice{}, true, false},
		{"redis", adapterChoice{kind: "redis", url: "redis://" + mr.Addr()}, false, false},
		{"webhook", adapterChoice{kind: "webhook", url: "http://127.0.0.1:1/hook"}, false, false},
		{"webhook without url", adapterChoice{kind: "webhook"}, false, true},
		{"negative retries", adapterChoice{kind: "redis", url: "redis://" + mr.Addr(), retries: intPtr(-1)}, false, true},
		{"unknown", adapterChoice{kind: "carrier-pigeon"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := buildNotifier(tt.choice)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildNotifier failed: %v", err)
			}
			if (a == nil) != tt.wantNil {
				t.Fatalf("adapter = %v, wantNil %v", a, tt.wantNil)
			}
			if a != nil {
				_ = a.Close()
			}
		})
	}
}

// --- Export ---

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func readAll(t *testing.T, target store.Target, name string) []byte {
	t.Helper()
	rc, err := target.Open(t.Context(), name)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %q failed: %v", name, err)
	}
	return data
}

func TestExporter_SegmentsFilesIntoTarget(t *testing.T) {
	src := t.TempDir()
	big := payload(10 * 1024)
	files := []string{
		writeFile(t, src, "big.bin", big),
		writeFile(t, src, "small.txt", []byte("hello")),
		writeFile(t, src, "empty.dat", nil),
	}

	target := store.NewMemoryTarget()
	cfg := runtime.Config{
		SegmentSize:   4096,
		Backlog:       backlog.Config{Bound: 8192, WakeFraction: 0.25},
		Dispatch:      dispatch.Config{},
		BlobRetention: time.Second,
	}
	coord, err := runtime.NewCoordinator(cfg, target)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	exp := &exporter{
		coord:     coord,
		factory:   worker.NewFactory(coord, log.Nop(), worker.WithBacklog(cfg.Backlog)),
		chunkSize: 1024,
	}

	if err := exp.run(t.Context(), files, 2); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := coord.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	names, err := target.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"big.bin.001", "big.bin.002", "big.bin.003", "empty.dat", "small.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("stored %v, want %v", names, want)
	}

	var joined []byte
	for _, name := range want[:3] {
		joined = append(joined, readAll(t, target, name)...)
	}
	if !bytes.Equal(joined, big) {
		t.Error("reassembled segments differ from source")
	}
	if got := readAll(t, target, "small.txt"); string(got) != "hello" {
		t.Errorf("small.txt = %q", got)
	}
	if got := readAll(t, target, "empty.dat"); len(got) != 0 {
		t.Errorf("empty.dat has %d bytes", len(got))
	}

	stats := coord.Stats()
	if stats.DownloadSuccess != 5 || stats.DownloadFailure != 0 {
		t.Errorf("downloads success/failure = %d/%d, want 5/0", stats.DownloadSuccess, stats.DownloadFailure)
	}
	if stats.BytesReceived != int64(len(big)+5) {
		t.Errorf("BytesReceived = %d, want %d", stats.BytesReceived, len(big)+5)
	}
}

func TestExporter_MissingFile(t *testing.T) {
	coord, err := runtime.NewCoordinator(runtime.Config{
		SegmentSize: 1024,
		Backlog:     backlog.DefaultConfig(),
	}, store.NewMemoryTarget())
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	t.Cleanup(func() { _ = coord.Shutdown(t.Context()) })

	exp := &exporter{coord: coord, factory: worker.NewFactory(coord, log.Nop()), chunkSize: 512}
	err = exp.run(t.Context(), []string{filepath.Join(t.TempDir(), "nope.bin")}, 1)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("run = %v, want os.ErrNotExist", err)
	}
}

func newTestApp() *cli.App {
	app := cli.NewApp()
	app.Commands = []*cli.Command{ExportCommand(), ListCommand(), InspectCommand(), VersionCommand("test")}
	app.ExitErrHandler = func(*cli.Context, error) {} // suppress os.Exit
	return app
}

func TestExportAction_WritesFSTarget(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	data := payload(3000)
	file := writeFile(t, src, "clip.webm", data)

	cfgPath := writeConfig(t, `segment_size: 1024
backlog:
  bound: 4096
storage:
  backend: memory
`)

	err := newTestApp().Run([]string{"ferry", "export",
		"--config", cfgPath,
		"--storage-backend", "fs",
		"--storage-path", out,
		"--chunk-size", "512",
		"--dispatch-min-delay", "0s",
		"--dispatch-max-delay", "0s",
		"--format", "json",
		file,
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	target := store.NewFSTarget(out)
	names, err := target.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"clip.webm.001", "clip.webm.002", "clip.webm.003"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("stored %v, want %v", names, want)
	}
	var joined []byte
	for _, name := range names {
		joined = append(joined, readAll(t, target, name)...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("reassembled segments differ from source")
	}
}

func TestExportAction_Errors(t *testing.T) {
	badConfig := writeConfig(t, "segment_size: 1024\nunknown: true\n")

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no files", []string{"export", "--storage-backend", "memory"}, exitConfigError},
		{"bad config", []string{"export", "--config", badConfig, "x.bin"}, exitConfigError},
		{"invalid fraction", []string{"export", "--storage-backend", "memory", "--wake-fraction", "2", "x.bin"}, exitConfigError},
		{"bad log level", []string{"export", "--storage-backend", "memory", "--log-level", "loud", "x.bin"}, exitConfigError},
		{"unknown adapter", []string{"export", "--storage-backend", "memory", "--adapter", "smoke", "x.bin"}, exitConfigError},
		{"missing file", []string{"export", "--storage-backend", "memory", "--format", "json",
			"--dispatch-min-delay", "0s", "--dispatch-max-delay", "0s", filepath.Join(t.TempDir(), "x.bin")}, exitExportError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestApp().Run(append([]string{"ferry"}, tt.args...))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := exitCode(t, err); got != tt.code {
				t.Errorf("exit code = %d, want %d (err: %v)", got, tt.code, err)
			}
		})
	}
}

// --- List / inspect ---

func TestListAction_RequiresStoragePath(t *testing.T) {
	err := newTestApp().Run([]string{"ferry", "list", "--format", "json"})
	if err == nil {
		t.Fatal("expected error without --storage-path")
	}
	if got := exitCode(t, err); got != exitConfigError {
		t.Errorf("exit code = %d, want %d", got, exitConfigError)
	}
}

func TestListAction_TUIUnsupported(t *testing.T) {
	err := newTestApp().Run([]string{"ferry", "list", "--tui", "--storage-backend", "memory"})
	if err == nil || !strings.Contains(err.Error(), "--tui is not supported") {
		t.Fatalf("err = %v, want --tui unsupported", err)
	}
}

func TestListAction_FSTarget(t *testing.T) {
	dir := t.TempDir()
	if _, err := store.NewFSTarget(dir).Save(t.Context(), "a.bin", strings.NewReader("a")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	err := newTestApp().Run([]string{"ferry", "list", "--storage-path", dir, "--format", "json"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
}

func TestInspectAction(t *testing.T) {
	dir := t.TempDir()
	if _, err := store.NewFSTarget(dir).Save(t.Context(), "a.bin.001", strings.NewReader("abc")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := newTestApp().Run([]string{"ferry", "inspect", "--storage-path", dir, "--format", "yaml", "a.bin.001"}); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}

	err := newTestApp().Run([]string{"ferry", "inspect", "--storage-path", dir, "missing.bin"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("inspect missing = %v, want ErrNotFound", err)
	}

	err = newTestApp().Run([]string{"ferry", "inspect", "--storage-path", dir})
	if err == nil || !strings.Contains(err.Error(), "download name required") {
		t.Errorf("inspect without name = %v", err)
	}
}

func TestVersionAction(t *testing.T) {
	if err := newTestApp().Run([]string{"ferry", "version", "--format", "json"}); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	err := newTestApp().Run([]string{"ferry", "version", "--tui"})
	if err == nil || !strings.Contains(err.Error(), "--tui is not supported") {
		t.Fatalf("err = %v, want --tui unsupported", err)
	}
}
