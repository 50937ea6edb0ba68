package gotremolo

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockPool is the opt-in, named scoped lock handlers may acquire (spec
// §5: "a process-wide collection of locks ... offered to handlers as an
// opt-in scoped primitive"). The core engine never uses it itself.
//
// Grounded on original_source/tremolo/lib/locks.py's ServerLock, which
// shards names over a fixed-size array of single-worker thread pools so
// a blocking acquire on one name never stalls the event loop. A weighted
// semaphore per shard gives acquire-with-timeout natively (Acquire gives
// up when ctx is done), without needing a worker-pool indirection.
type LockPool struct {
	shards []*semaphore.Weighted
}

// NewLockPool returns a pool with n shards (the source defaults to a
// small fixed array; n=8 mirrors that order of magnitude).
func NewLockPool(n int) *LockPool {
	if n <= 0 {
		n = 8
	}
	shards := make([]*semaphore.Weighted, n)
	for i := range shards {
		shards[i] = semaphore.NewWeighted(1)
	}
	return &LockPool{shards: shards}
}

func (p *LockPool) shardFor(name string) *semaphore.Weighted {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Acquire blocks until the named lock is held or ctx is done (e.g. a
// handler-supplied timeout), whichever comes first. The returned func
// releases the lock and must be called exactly once.
func (p *LockPool) Acquire(ctx context.Context, name string) (release func(), err error) {
	sem := p.shardFor(name)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
