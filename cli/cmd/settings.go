package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/adapter"
	"github.com/pithecene-io/ferry/adapter/redis"
	"github.com/pithecene-io/ferry/adapter/webhook"
	"github.com/pithecene-io/ferry/backlog"
	ferryconfig "github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/dispatch"
	"github.com/pithecene-io/ferry/runtime"
	"github.com/pithecene-io/ferry/store"
)

// storageChoice holds the resolved download target configuration.
type storageChoice struct {
	backend   string // fs, memory, s3, bucket
	path      string // fs: directory, s3: bucket/prefix, bucket: gocloud URL
	prefix    string // bucket key prefix
	region    string
	endpoint  string
	pathStyle bool
}

// adapterChoice holds the resolved notification adapter configuration.
type adapterChoice struct {
	kind            string // "", redis, webhook
	url             string
	channel         string
	sessionChannels bool
	headers         map[string]string
	timeout         time.Duration
	retries         *int
}

// loadConfig loads --config when given. A nil config means no file.
func loadConfig(c *cli.Context) (*ferryconfig.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	cfg, err := ferryconfig.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// configVal reads a field from cfg, or the zero value when cfg is nil.
func configVal[T any](cfg *ferryconfig.Config, get func(*ferryconfig.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// resolveString returns the flag value when set explicitly, else the
// config value when non-empty, else the flag default.
func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) || cfgVal == "" {
		return c.String(name)
	}
	return cfgVal
}

func resolveInt(c *cli.Context, name string, cfgVal int) int {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int(name)
	}
	return cfgVal
}

func resolveInt64(c *cli.Context, name string, cfgVal int64) int64 {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int64(name)
	}
	return cfgVal
}

func resolveFloat64(c *cli.Context, name string, cfgVal float64) float64 {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Float64(name)
	}
	return cfgVal
}

func resolveBool(c *cli.Context, name string, cfgVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return cfgVal || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Duration(name)
	}
	return cfgVal
}

// resolveStorage merges storage flags over the config file.
func resolveStorage(c *cli.Context, cfg *ferryconfig.Config) storageChoice {
	sc := configVal(cfg, func(c *ferryconfig.Config) ferryconfig.StorageConfig { return c.Storage })
	return storageChoice{
		backend:   resolveString(c, "storage-backend", sc.Backend),
		path:      resolveString(c, "storage-path", sc.Path),
		prefix:    resolveString(c, "storage-prefix", sc.Prefix),
		region:    resolveString(c, "storage-region", sc.Region),
		endpoint:  resolveString(c, "storage-endpoint", sc.Endpoint),
		pathStyle: resolveBool(c, "storage-s3-path-style", sc.S3PathStyle),
	}
}

// resolveAdapter merges adapter flags over the config file.
func resolveAdapter(c *cli.Context, cfg *ferryconfig.Config) adapterChoice {
	ac := configVal(cfg, func(c *ferryconfig.Config) ferryconfig.AdapterConfig { return c.Adapter })
	choice := adapterChoice{
		kind:            resolveString(c, "adapter", ac.Type),
		url:             resolveString(c, "adapter-url", ac.URL),
		channel:         resolveString(c, "adapter-channel", ac.Channel),
		sessionChannels: resolveBool(c, "adapter-session-channels", ac.SessionChannels),
		headers:         ac.Headers,
		timeout:         resolveDuration(c, "adapter-timeout", ac.Timeout.Duration),
		retries:         ac.Retries,
	}
	if c.IsSet("adapter-retries") {
		n := c.Int("adapter-retries")
		choice.retries = &n
	}
	return choice
}

// resolveCoordinatorConfig merges coordinator flags over the config file.
func resolveCoordinatorConfig(c *cli.Context, cfg *ferryconfig.Config) (runtime.Config, error) {
	rc := runtime.Config{
		SegmentSize: resolveInt64(c, "segment-size",
			configVal(cfg, func(c *ferryconfig.Config) int64 { return c.SegmentSize })),
		Backlog: backlog.Config{
			Bound: int32(resolveInt(c, "backlog-bound",
				int(configVal(cfg, func(c *ferryconfig.Config) int32 { return c.Backlog.Bound })))),
			WakeFraction: resolveFloat64(c, "wake-fraction",
				configVal(cfg, func(c *ferryconfig.Config) float64 { return c.Backlog.WakeFraction })),
		},
		Dispatch: dispatch.Config{
			MinDelay: resolveDuration(c, "dispatch-min-delay",
				configVal(cfg, func(c *ferryconfig.Config) time.Duration { return c.Dispatch.MinDelay.Duration })),
			MaxDelay: resolveDuration(c, "dispatch-max-delay",
				configVal(cfg, func(c *ferryconfig.Config) time.Duration { return c.Dispatch.MaxDelay.Duration })),
		},
		BlobRetention: resolveDuration(c, "blob-retention",
			configVal(cfg, func(c *ferryconfig.Config) time.Duration { return c.BlobRetention.Duration })),
	}
	if err := rc.Validate(); err != nil {
		return runtime.Config{}, err
	}
	return rc, nil
}

// buildTarget opens the download target for choice.
func buildTarget(ctx context.Context, choice storageChoice) (store.Target, error) {
	switch choice.backend {
	case store.BackendFS, "":
		if choice.path == "" {
			return nil, fmt.Errorf("--storage-path is required for the fs backend")
		}
		return store.NewFSTarget(choice.path), nil
	case store.BackendMemory:
		return store.NewMemoryTarget(), nil
	case store.BackendS3:
		bucket, prefix := store.ParseS3Path(choice.path)
		target, err := store.NewS3Target(ctx, store.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       choice.region,
			Endpoint:     choice.endpoint,
			UsePathStyle: choice.pathStyle,
		})
		if err != nil {
			return nil, err
		}
		return target, nil
	case store.BackendBucket:
		if choice.path == "" {
			return nil, fmt.Errorf("--storage-path must be a bucket URL for the bucket backend")
		}
		target, err := store.OpenBucketTarget(ctx, choice.path, choice.prefix)
		if err != nil {
			return nil, err
		}
		return target, nil
	default:
		return nil, fmt.Errorf("unknown storage-backend: %s (must be fs, memory, s3, or bucket)", choice.backend)
	}
}

// buildNotifier creates the notification adapter, or nil when none is
// configured.
func buildNotifier(choice adapterChoice) (adapter.Adapter, error) {
	switch choice.kind {
	case "":
		return nil, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:             choice.url,
			Channel:         choice.channel,
			SessionChannels: choice.sessionChannels,
			Timeout:         choice.timeout,
			Retries:         retriesOr(choice.retries, redis.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     choice.url,
			Headers: choice.headers,
			Timeout: choice.timeout,
			Retries: retriesOr(choice.retries, webhook.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter: %s (must be redis or webhook)", choice.kind)
	}
}

func retriesOr(retries *int, def int) int {
	if retries == nil {
		return def
	}
	return *retries
}
