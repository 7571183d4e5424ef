package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// Backend names.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendBucket = "bucket"
)

// LodeTarget saves downloads into a Lode store.
// The store is created lazily from its factory on first use.
type LodeTarget struct {
	backend string
	prefix  string
	factory lode.StoreFactory

	storeOnce sync.Once
	store     lode.Store
	storeErr  error

	// mu serializes name selection and the write that claims it.
	mu sync.Mutex
}

// NewLodeTarget creates a target over any Lode store factory.
func NewLodeTarget(backend, prefix string, factory lode.StoreFactory) *LodeTarget {
	return &LodeTarget{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
		factory: factory,
	}
}

// NewFSTarget creates a target writing under the local directory root.
func NewFSTarget(root string) *LodeTarget {
	return NewLodeTarget(BackendFS, "", lode.NewFSFactory(root))
}

// NewMemoryTarget creates an in-memory target.
func NewMemoryTarget() *LodeTarget {
	return NewLodeTarget(BackendMemory, "", lode.NewMemoryFactory())
}

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(p string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(p, "/")
	return bucket, prefix
}

// NewS3Target creates a target writing into an S3 bucket.
// Uses AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3Target(ctx context.Context, cfg S3Config) (*LodeTarget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wrapError(fmt.Errorf("load AWS config: %w", err), "init", cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	}
	// The lode S3 store applies the prefix itself.
	return NewLodeTarget(BackendS3, "", factory), nil
}

func (t *LodeTarget) getStore() (lode.Store, error) {
	t.storeOnce.Do(func() {
		t.store, t.storeErr = t.factory()
	})
	return t.store, t.storeErr
}

// Backend returns the backend name.
func (t *LodeTarget) Backend() string { return t.backend }

// Save writes r under a free variant of name.
func (t *LodeTarget) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	base, err := sanitizeName(name)
	if err != nil {
		return "", NewStorageError(ErrNotFound, "save", name, err)
	}
	st, err := t.getStore()
	if err != nil {
		return "", wrapError(err, "init", t.backend)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	chosen, err := freeName(ctx, t.prefix, base, st.Exists)
	if err != nil {
		return "", wrapError(err, "save", base)
	}
	key := joinKey(t.prefix, chosen)
	if err := st.Put(ctx, key, r); err != nil {
		return "", wrapError(err, "save", key)
	}
	return chosen, nil
}

// Open returns the content stored under name.
func (t *LodeTarget) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	st, err := t.getStore()
	if err != nil {
		return nil, wrapError(err, "init", t.backend)
	}
	key := joinKey(t.prefix, name)
	rc, err := st.Get(ctx, key)
	if err != nil {
		return nil, wrapError(err, "open", key)
	}
	return rc, nil
}

// List returns every stored download name, sorted.
func (t *LodeTarget) List(ctx context.Context) ([]string, error) {
	st, err := t.getStore()
	if err != nil {
		return nil, wrapError(err, "init", t.backend)
	}
	keys, err := st.List(ctx, t.prefix)
	if err != nil {
		return nil, wrapError(err, "list", t.prefix)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if t.prefix != "" {
			k = strings.TrimPrefix(strings.TrimPrefix(k, t.prefix), "/")
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op; Lode stores hold no resources that need release.
func (t *LodeTarget) Close() error { return nil }

// Verify LodeTarget implements Target.
var _ Target = (*LodeTarget)(nil)
