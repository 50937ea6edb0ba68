// Package pipeline implements the bounded byte-buffer queues between the
// socket reader, the request handler, and the socket writer (spec §4.3,
// §5). Each connection owns one Inbound and one Outbound pipeline.
//
// The source throttles producers with "sleep proportional to
// queue_size/rate"; here the same observable effect (a bytes/sec bound
// per connection) is realized with a token bucket instead, per the
// design note in spec §9.
package pipeline

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// chunk is nil to signal end-of-stream, matching the source's sentinel.
type chunk = []byte

// Queue is a FIFO byte-chunk channel with an optional rate limiter and
// watermark bookkeeping. It is shared shape for both Inbound and
// Outbound; the two are distinguished by which side throttles.
type Queue struct {
	ch      chan chunk
	limiter *rate.Limiter

	mu      sync.Mutex
	pending int64 // bytes enqueued but not yet dequeued
}

// New returns a Queue with the given channel capacity (number of
// buffered chunks, not bytes) and an optional rate limit in bytes/sec;
// ratePerSec <= 0 disables throttling.
func New(capacity int, ratePerSec int) *Queue {
	q := &Queue{ch: make(chan chunk, capacity)}
	if ratePerSec > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return q
}

// Put enqueues p, applying the rate limiter if configured. A nil p
// enqueues the end-of-stream sentinel and is never throttled. Put
// blocks if the channel is full (this is the backpressure point the
// engine relies on) or until ctx is done.
func (q *Queue) Put(ctx context.Context, p chunk) error {
	if p != nil && q.limiter != nil {
		// WaitN rejects a count above the limiter's burst, so a large p
		// is paced in burst-sized steps.
		for n := max(1, len(p)); n > 0; {
			k := min(n, q.limiter.Burst())
			if err := q.limiter.WaitN(ctx, k); err != nil {
				return err
			}
			n -= k
		}
	}
	select {
	case q.ch <- p:
		if p != nil {
			q.mu.Lock()
			q.pending += int64(len(p))
			q.mu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next chunk, or returns (nil, ctx.Err()) if ctx ends
// first. A nil, nil result is the end-of-stream sentinel. Once the queue
// has been closed and drained, Get returns (nil, io.EOF).
func (q *Queue) Get(ctx context.Context) (chunk, error) {
	select {
	case c, ok := <-q.ch:
		if !ok {
			return nil, io.EOF
		}
		if c != nil {
			q.mu.Lock()
			q.pending -= int64(len(c))
			q.mu.Unlock()
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of payload bytes currently buffered in the
// queue (enqueued but not yet dequeued).
func (q *Queue) Pending() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close closes the underlying channel. Further Put calls will panic, as
// with any closed Go channel; callers must ensure Close runs only after
// the producer side is done.
func (q *Queue) Close() {
	close(q.ch)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
