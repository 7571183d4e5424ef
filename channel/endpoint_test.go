package channel

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pithecene-io/ferry/ipc"
	"github.com/pithecene-io/ferry/types"
)

func TestPipe_OrderedDelivery(t *testing.T) {
	worker, consumer := Pipe()
	t.Cleanup(func() {
		_ = worker.Close()
		_ = consumer.Close()
	})

	if worker.ID() != consumer.ID() || worker.ID() == "" {
		t.Fatalf("endpoints must share a non-empty id: %q vs %q", worker.ID(), consumer.ID())
	}

	go func() {
		for i := range 5 {
			_ = worker.Send(types.NewChunk([]byte{byte(i)}))
		}
		_ = worker.Send(types.NewClose())
		_ = worker.Close()
	}()

	for i := range 5 {
		msg, err := consumer.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		chunk, ok := msg.(*types.ChunkMessage)
		if !ok {
			t.Fatalf("message %d = %T, want chunk", i, msg)
		}
		if len(chunk.Chunk) != 1 || chunk.Chunk[0] != byte(i) {
			t.Errorf("chunk %d = %v, out of order", i, chunk.Chunk)
		}
	}

	msg, err := consumer.Receive()
	if err != nil {
		t.Fatalf("Receive close: %v", err)
	}
	if _, ok := msg.(*types.CloseMessage); !ok {
		t.Fatalf("got %T, want close", msg)
	}

	if _, err := consumer.Receive(); err != io.EOF {
		t.Fatalf("Receive after peer close = %v, want io.EOF", err)
	}
}

func TestPipe_Bidirectional(t *testing.T) {
	worker, consumer := Pipe()
	t.Cleanup(func() {
		_ = worker.Close()
		_ = consumer.Close()
	})

	go func() { _ = consumer.Send(types.NewDownload("a.bin")) }()

	msg, err := worker.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	dl, ok := msg.(*types.DownloadMessage)
	if !ok || dl.Name != "a.bin" {
		t.Fatalf("got %#v, want download a.bin", msg)
	}
}

func TestPipe_MalformedMessageKeepsLinkUsable(t *testing.T) {
	worker, consumer := Pipe()
	t.Cleanup(func() {
		_ = worker.Close()
		_ = consumer.Close()
	})

	go func() {
		_ = worker.Send(map[string]any{"kind": "mystery"})
		_ = worker.Send(types.NewClose())
	}()

	_, err := consumer.Receive()
	if !ipc.IsMalformed(err) {
		t.Fatalf("first Receive = %v, want malformed", err)
	}

	msg, err := consumer.Receive()
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if _, ok := msg.(*types.CloseMessage); !ok {
		t.Fatalf("got %T, want close", msg)
	}
}

func TestEndpoint_SendAfterClose(t *testing.T) {
	worker, consumer := Pipe()
	_ = consumer.Close()
	_ = worker.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Send(types.NewClose()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Send after close = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send on closed endpoint blocked")
	}
}

func TestEndpoint_CloseIdempotent(t *testing.T) {
	worker, consumer := Pipe()
	_ = consumer.Close()
	if err := worker.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := worker.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEndpoint_SendContextTimesOutWithoutReader(t *testing.T) {
	worker, consumer := Pipe()
	t.Cleanup(func() {
		_ = worker.Close()
		_ = consumer.Close()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := consumer.SendContext(ctx, types.NewDownload("late.bin"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendContext = %v, want DeadlineExceeded", err)
	}
	if err := consumer.Send(types.NewClose()); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after interrupted send = %v, want ErrClosed", err)
	}
}

func TestEndpoint_SendContextDelivers(t *testing.T) {
	worker, consumer := Pipe()
	t.Cleanup(func() {
		_ = worker.Close()
		_ = consumer.Close()
	})

	got := make(chan any, 1)
	go func() {
		msg, _ := worker.Receive()
		got <- msg
	}()

	if err := consumer.SendContext(t.Context(), types.NewDownload("a.bin")); err != nil {
		t.Fatalf("SendContext: %v", err)
	}
	msg := <-got
	req, ok := msg.(*types.DownloadMessage)
	if !ok || req.Name != "a.bin" {
		t.Errorf("worker received %#v", msg)
	}
}
