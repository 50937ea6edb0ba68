package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestQueuePutGetOrder(t *testing.T) {
	q := New(4, 0)
	ctx := context.Background()

	want := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, w := range want {
		if err := q.Put(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	for _, w := range want {
		got, err := q.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(w) {
			t.Fatalf("got %q want %q", got, w)
		}
	}
}

func TestQueueEOFSentinel(t *testing.T) {
	q := New(1, 0)
	ctx := context.Background()

	if err := q.Put(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestQueueGetRespectsContext(t *testing.T) {
	q := New(1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestWatermarkBlocksAboveHighAndReleasesAtLow(t *testing.T) {
	w := NewWatermark(16 * 1024) // high=64KiB, low=32KiB
	w.Add(70 * 1024)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Wait(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("expected Wait to block, got %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	w.Drain(40 * 1024) // size now 30KiB <= low 32KiB
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not release after Drain")
	}
}
