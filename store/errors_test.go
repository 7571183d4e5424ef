package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind error
	}{
		{"typed deadline", fmt.Errorf("put: %w", context.DeadlineExceeded), ErrTimeout},
		{"typed not exist", fmt.Errorf("open: %w", fs.ErrNotExist), ErrNotFound},
		{"typed permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, ErrPermissionDenied},
		{"timed out message", errors.New("operation timed out"), ErrTimeout},
		{"timeout message", errors.New("connection timeout after 30s"), ErrTimeout},
		{"AccessDenied response", errors.New("AccessDenied: you do not have access"), ErrAccessDenied},
		{"HTTP 403", errors.New("received status 403"), ErrAccessDenied},
		{"permission denied message", errors.New("permission denied for /data/output"), ErrPermissionDenied},
		{"NoSuchKey", errors.New("NoSuchKey: the key does not exist"), ErrNotFound},
		{"no space left", errors.New("write /data: no space left on device"), ErrDiskFull},
		{"SlowDown", errors.New("SlowDown: please reduce your request rate"), ErrThrottled},
		{"HTTP 429", errors.New("status 429 TooManyRequests"), ErrThrottled},
		{"expired token", errors.New("ExpiredToken: the token has expired"), ErrAuth},
		{"connection refused", errors.New("dial tcp 127.0.0.1:9000: connection refused"), ErrNetwork},
		{"unclassified", errors.New("something odd"), ErrUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.wantKind {
				t.Errorf("classifyError(%q) = %v, want %v", tt.err, got, tt.wantKind)
			}
		})
	}
}

func TestStorageError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("AccessDenied")
	err := wrapError(cause, "save", "out.bin")

	if !errors.Is(err, ErrAccessDenied) {
		t.Error("errors.Is(err, ErrAccessDenied) = false")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatal("errors.As(*StorageError) = false")
	}
	if se.Op != "save" || se.Path != "out.bin" {
		t.Errorf("Op/Path = %q/%q", se.Op, se.Path)
	}
	if se.Error() != "save out.bin: access denied: AccessDenied" {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestWrapError_KeepsClassifiedErrors(t *testing.T) {
	inner := NewStorageError(ErrNameExhausted, "save", "f", errors.New("taken"))
	if got := wrapError(inner, "init", "x"); got != error(inner) {
		t.Errorf("wrapError re-wrapped a StorageError: %v", got)
	}
	if wrapError(nil, "save", "x") != nil {
		t.Error("wrapError(nil) should be nil")
	}
}
