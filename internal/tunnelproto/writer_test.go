package tunnelproto

import (
	"errors"
	"sync"
	"testing"
)

func TestWritePumpPrioritizesControlWrites(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	order := make([]string, 0, 3)

	pump := newWritePump(func(job writeJob) error {
		label := string(job.msg.Kind)
		if job.binary {
			label = job.id
		}
		if label == "bulk-1" {
			close(started)
			<-release
		}

		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil
	}, nil, 4, 4)
	defer pump.Close()

	errCh := make(chan error, 3)
	go func() {
		errCh <- pump.WriteBinaryFrame(BinaryFrameRespBody, "bulk-1", 0, []byte("a"))
	}()

	<-started

	// With the writer blocked, queue one bulk and one control job
	// directly so their relative order is deterministic.
	bulkJob := writeJob{
		frameKind: BinaryFrameRespBody,
		id:        "bulk-2",
		payload:   []byte("b"),
		binary:    true,
		done:      make(chan error, 1),
	}
	controlJob := writeJob{
		msg:  Message{Kind: KindPing},
		done: make(chan error, 1),
	}
	pump.bulk <- bulkJob
	pump.control <- controlJob

	go func() { errCh <- <-bulkJob.done }()
	go func() { errCh <- <-controlJob.done }()

	close(release)

	for range 3 {
		if err := <-errCh; err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"bulk-1", string(KindPing), "bulk-2"}
	if len(got) != len(want) {
		t.Fatalf("unexpected write order length: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected write order: got %v want %v", got, want)
		}
	}
}

func TestWritePumpCloseRejectsNewWrites(t *testing.T) {
	t.Parallel()

	pump := newWritePump(func(writeJob) error { return nil }, nil, 1, 1)
	pump.Close()

	if err := pump.WriteJSON(Message{Kind: KindPing}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestWritePumpWriteErrorFailsPending(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("broken pipe")
	pump := newWritePump(func(writeJob) error { return wantErr }, nil, 1, 1)
	defer pump.Close()

	if err := pump.WriteJSON(Message{Kind: KindPing}); !errors.Is(err, wantErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	if err := pump.WriteJSON(Message{Kind: KindPing}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed after failure, got %v", err)
	}
}
