package store

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Bucket drivers selectable by URL scheme.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// BucketTarget saves downloads into a gocloud.dev blob bucket opened by
// URL (mem://, file:///dir, s3://bucket, gs://bucket).
type BucketTarget struct {
	bucket *blob.Bucket
	prefix string

	mu sync.Mutex
}

// OpenBucketTarget opens the bucket at url. Keys are written under prefix.
func OpenBucketTarget(ctx context.Context, url, prefix string) (*BucketTarget, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, wrapError(err, "init", url)
	}
	return NewBucketTarget(bkt, prefix), nil
}

// NewBucketTarget wraps an already opened bucket. The target takes
// ownership and closes the bucket on Close.
func NewBucketTarget(bkt *blob.Bucket, prefix string) *BucketTarget {
	return &BucketTarget{bucket: bkt, prefix: strings.Trim(prefix, "/")}
}

// Backend returns the backend name.
func (t *BucketTarget) Backend() string { return BackendBucket }

// Save streams r into a new blob under a free variant of name.
func (t *BucketTarget) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	base, err := sanitizeName(name)
	if err != nil {
		return "", NewStorageError(ErrNotFound, "save", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	chosen, err := freeName(ctx, t.prefix, base, t.bucket.Exists)
	if err != nil {
		return "", wrapError(err, "save", base)
	}
	key := joinKey(t.prefix, chosen)

	w, err := t.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return "", wrapError(err, "save", key)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", wrapError(err, "save", key)
	}
	if err := w.Close(); err != nil {
		return "", wrapError(err, "save", key)
	}
	return chosen, nil
}

// Open returns the content stored under name.
func (t *BucketTarget) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := joinKey(t.prefix, name)
	rc, err := t.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, NewStorageError(ErrNotFound, "open", key, err)
		}
		return nil, wrapError(err, "open", key)
	}
	return rc, nil
}

// List returns every stored download name, sorted.
func (t *BucketTarget) List(ctx context.Context) ([]string, error) {
	opts := &blob.ListOptions{}
	if t.prefix != "" {
		opts.Prefix = t.prefix + "/"
	}
	iter := t.bucket.List(opts)

	var names []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapError(err, "list", t.prefix)
		}
		if obj.IsDir {
			continue
		}
		names = append(names, strings.TrimPrefix(obj.Key, opts.Prefix))
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the underlying bucket.
func (t *BucketTarget) Close() error {
	return t.bucket.Close()
}

// Verify BucketTarget implements Target.
var _ Target = (*BucketTarget)(nil)
