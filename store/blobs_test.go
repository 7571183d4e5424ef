package store

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"
)

func lodeMemoryFactory() lode.StoreFactory {
	return lode.NewMemoryFactory()
}

func failingFactory(err error) lode.StoreFactory {
	return func() (lode.Store, error) { return nil, err }
}

func TestBlobRegistry_CreateGetRelease(t *testing.T) {
	r := NewBlobRegistry()
	b := r.Create("f.001", [][]byte{[]byte("ab"), []byte("cd")})

	if !strings.HasPrefix(b.ID, "blob:") {
		t.Errorf("ID = %q, want blob: prefix", b.ID)
	}
	if b.Size != 4 || b.Name != "f.001" {
		t.Errorf("blob = %+v", b)
	}

	got, err := r.Get(b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(got.Reader())
	if string(data) != "abcd" {
		t.Errorf("content = %q", data)
	}
	// Reader can be taken more than once.
	data, _ = io.ReadAll(got.Reader())
	if string(data) != "abcd" {
		t.Errorf("second read = %q", data)
	}

	r.Release(b.ID)
	r.Release(b.ID)
	if _, err := r.Get(b.ID); !errors.Is(err, ErrBlobReleased) {
		t.Errorf("Get after release = %v, want ErrBlobReleased", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestBlobRegistry_UniqueIDs(t *testing.T) {
	r := NewBlobRegistry()
	a := r.Create("x", nil)
	b := r.Create("x", nil)
	if a.ID == b.ID {
		t.Error("blob ids must be unique")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestBlobRegistry_ReleaseAfter(t *testing.T) {
	r := NewBlobRegistry()
	b := r.Create("x", [][]byte{[]byte("x")})

	r.ReleaseAfter(b.ID, 20*time.Millisecond)
	if _, err := r.Get(b.ID); err != nil {
		t.Fatalf("blob released before retention: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("blob not released after retention")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBlobRegistry_ReleaseAfterZeroIsImmediate(t *testing.T) {
	r := NewBlobRegistry()
	b := r.Create("x", nil)
	r.ReleaseAfter(b.ID, 0)
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestBlobRegistry_Close(t *testing.T) {
	r := NewBlobRegistry()
	b := r.Create("x", nil)
	r.ReleaseAfter(b.ID, time.Hour)
	r.Close()

	if r.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", r.Len())
	}
	r.Create("late", nil)
	if r.Len() != 0 {
		t.Errorf("Create after Close registered a blob")
	}
}
