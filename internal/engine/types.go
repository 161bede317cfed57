package engine

import (
	"context"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/govelocity/internal/bufpool"
	"github.com/datallboy/govelocity/internal/rangehttp"
)

// noChunk marks a worker that holds no chunk index.
const noChunk = -1

// RangeClient fetches byte ranges. rangehttp.Client is the production
// implementation; each worker owns one.
type RangeClient interface {
	Get(ctx context.Context, u *url.URL, start, length int64) (*rangehttp.Response, error)
	Close() error
}

// ClientFactory builds a RangeClient that allocates bodies from pool.
type ClientFactory func(pool *bufpool.Pool) RangeClient

// OutputStream is where chunks land. *os.File satisfies it.
type OutputStream interface {
	io.WriteSeeker
	io.Closer
}

// OutputProvider opens the output stream once the job starts.
type OutputProvider func() (OutputStream, error)

// Part is a downloaded chunk waiting to be written. Content belongs to the
// job's buffer pool.
type Part struct {
	Index   int
	Offset  int64
	Length  int
	Content []byte
}

// workStack holds the chunk indexes nobody has claimed yet.
type workStack struct {
	mu    sync.Mutex
	items []int
}

// newWorkStack loads indexes so that they pop in ascending order.
func newWorkStack(count int) *workStack {
	items := make([]int, 0, count)
	for i := count - 1; i >= 0; i-- {
		items = append(items, i)
	}
	return &workStack{items: items}
}

func (s *workStack) Push(index int) {
	s.mu.Lock()
	s.items = append(s.items, index)
	s.mu.Unlock()
}

func (s *workStack) Pop() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return noChunk, false
	}
	last := len(s.items) - 1
	index := s.items[last]
	s.items = s.items[:last]
	return index, true
}

func (s *workStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// writeQueue is the FIFO between workers and the single writer.
type writeQueue struct {
	mu     sync.Mutex
	parts  []*Part
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

func (q *writeQueue) Push(p *Part) {
	q.mu.Lock()
	q.parts = append(q.parts, p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
		// writer already has a wake-up pending
	}
}

// TryPop returns the oldest part, or nil when the queue is empty.
func (q *writeQueue) TryPop() *Part {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.parts) == 0 {
		return nil
	}
	p := q.parts[0]
	q.parts[0] = nil
	q.parts = q.parts[1:]
	return p
}

func (q *writeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parts)
}

// Wait blocks until a part is pushed, d elapses or ctx ends.
func (q *writeQueue) Wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-q.signal:
	case <-t.C:
	case <-ctx.Done():
	}
}

// failureToken is raised once when a chunk can never succeed. Workers stop
// at their next check and the job fails.
type failureToken struct {
	once   sync.Once
	failed atomic.Bool
	err    error
}

func (t *failureToken) Trigger(err error) {
	t.once.Do(func() {
		t.err = err
		t.failed.Store(true)
	})
}

func (t *failureToken) Failed() bool {
	return t.failed.Load()
}

// Err is the reason passed to the first Trigger.
func (t *failureToken) Err() error {
	if !t.failed.Load() {
		return nil
	}
	return t.err
}

// sleep pauses for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
