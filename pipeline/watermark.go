package pipeline

import (
	"context"
	"sync"
)

// Watermark gates a producer against a consumer's buffered byte count,
// implementing the high/low watermark wait of spec §4.3/I9: once the
// tracked size crosses High, Wait blocks until it drops back to Low (or
// the context is cancelled, e.g. by the send_timeout waiter in the
// connection engine).
type Watermark struct {
	High, Low int

	mu      sync.Mutex
	size    int
	waiters []chan struct{}
}

// NewWatermark derives High/Low from buffer_size as the engine does:
// high = 4x buffer size, low = half of high.
func NewWatermark(bufferSize int) *Watermark {
	high := bufferSize * 4
	return &Watermark{High: high, Low: high / 2}
}

// Add records n additional buffered bytes, waking no one (the watermark
// only ever blocks producers on the way up).
func (w *Watermark) Add(n int) {
	w.mu.Lock()
	w.size += n
	w.mu.Unlock()
}

// Drain records n fewer buffered bytes (the writer having flushed them)
// and releases any producer waiting for the low watermark.
func (w *Watermark) Drain(n int) {
	w.mu.Lock()
	w.size -= n
	if w.size < 0 {
		w.size = 0
	}
	release := w.size <= w.Low
	var waiters []chan struct{}
	if release {
		waiters, w.waiters = w.waiters, nil
	}
	w.mu.Unlock()
	for _, c := range waiters {
		close(c)
	}
}

// Wait blocks while the tracked size exceeds High.
func (w *Watermark) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.size <= w.High {
			w.mu.Unlock()
			return nil
		}
		c := make(chan struct{})
		w.waiters = append(w.waiters, c)
		w.mu.Unlock()

		select {
		case <-c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
