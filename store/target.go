// Package store persists finished downloads.
//
// A Target is the destination the dispatch queue triggers downloads into.
// Targets are backed either by a Lode store (filesystem, memory, S3) or by
// a gocloud.dev blob bucket. Names that already exist are never
// overwritten; the target picks the next free "name (N)" variant instead.
package store

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// maxNameAttempts bounds the search for a free download name.
const maxNameAttempts = 1000

// Target is a download destination.
type Target interface {
	// Save writes r under name and returns the name actually used.
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	// Open returns the content stored under name.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns every stored name, sorted.
	List(ctx context.Context) ([]string, error)
	// Backend identifies the storage backend for metrics and logs.
	Backend() string
	// Close releases target resources.
	Close() error
}

// existsFunc reports whether key is taken.
type existsFunc func(ctx context.Context, key string) (bool, error)

// freeName returns the first of name, "stem (1).ext", "stem (2).ext", ...
// that does not exist under prefix.
func freeName(ctx context.Context, prefix, name string, exists existsFunc) (string, error) {
	for i := range maxNameAttempts {
		candidate := numberedName(name, i)
		taken, err := exists(ctx, joinKey(prefix, candidate))
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", NewStorageError(ErrNameExhausted, "save", name, fmt.Errorf("%d names taken", maxNameAttempts))
}

// numberedName inserts " (n)" before the extension; n == 0 returns name.
func numberedName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}

// joinKey prefixes a download name with the target's key prefix.
func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// sanitizeName strips directory components so a download name cannot
// escape the target root.
func sanitizeName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("invalid download name %q", name)
	}
	return base, nil
}
