package rangehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/datallboy/govelocity/internal/bufpool"
)

const (
	// DefaultCacheSize is the read-ahead window of a fresh Reader.
	DefaultCacheSize = 64 * 1024

	// MaxCacheSize caps how far the window grows on repeated misses.
	MaxCacheSize = 5 * 1024 * 1024

	fetchRetries = 2

	// prefetchAt is the share of the cache consumed before the next window
	// is requested in the background.
	prefetchAt = 0.6
)

var errNegativePosition = errors.New("rangehttp: seek to negative position")

// ReaderStats counts what a Reader did on the wire.
type ReaderStats struct {
	Fetches     int
	Seeks       int
	CacheMisses int
}

type fetched struct {
	data []byte
	err  error
}

// Reader is a read-only, seekable view of a remote file. Reads are served
// from a cache window filled with range requests; the window doubles on
// every miss until a seek resets it, and the next window is fetched in the
// background once most of the current one has been read.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	ctx    context.Context
	url    *url.URL
	size   int64
	client *Client
	pool   *bufpool.Pool

	cacheSize int
	window    int
	missed    bool
	prefetch  bool

	cache []byte
	off   int
	pos   int64

	pending chan fetched
	stats   ReaderStats
}

// NewReader opens u for reading. A negative size is replaced by the size
// Resolve reports, and u by the location it resolved to. A cacheSize of
// zero means DefaultCacheSize. ctx bounds every request the Reader makes.
func NewReader(ctx context.Context, u *url.URL, size int64, cacheSize int, opts Options) (*Reader, error) {
	if size < 0 {
		src, err := Resolve(ctx, u, opts)
		if err != nil {
			return nil, err
		}
		u, size = src.URL, src.Size
	}

	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cacheSize = min(cacheSize, MaxCacheSize)

	pool := bufpool.New(bufpool.Class{Size: ReadBufferSize, Count: 1})

	return &Reader{
		ctx:       ctx,
		url:       u,
		size:      size,
		client:    NewClient(pool, opts),
		pool:      pool,
		cacheSize: cacheSize,
		window:    cacheSize,
		prefetch:  true,
	}, nil
}

// Size is the length of the remote file.
func (r *Reader) Size() int64 { return r.size }

// SetPrefetch turns background read-ahead on or off.
func (r *Reader) SetPrefetch(on bool) { r.prefetch = on }

func (r *Reader) Stats() ReaderStats { return r.stats }

func (r *Reader) cached() int { return len(r.cache) - r.off }

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}

	n := r.take(p)
	for n < len(p) && r.pos < r.size {
		if err := r.refill(len(p) - n); err != nil {
			return n, err
		}
		n += r.take(p[n:])
	}

	if r.prefetch && r.pos < r.size && float64(r.off) > float64(len(r.cache))*prefetchAt {
		r.startPrefetch(r.window)
	}
	return n, nil
}

func (r *Reader) take(p []byte) int {
	want := min(int64(r.cached()), r.size-r.pos)
	n := copy(p, r.cache[r.off:r.off+int(want)])
	r.off += n
	r.pos += int64(n)
	return n
}

// refill makes at least one more byte available, and usually need.
func (r *Reader) refill(need int) error {
	if r.finishPrefetch() {
		return nil
	}
	r.stats.CacheMisses++

	if r.missed {
		r.window = min(r.window*2, MaxCacheSize)
	}
	r.missed = true

	start := r.pos + int64(r.cached())
	end := min(start+int64(max(need, r.window)), r.size)

	r.stats.Fetches++
	data, err := r.fetch(start, end)
	if err != nil {
		return err
	}
	r.append(data)
	return nil
}

func (r *Reader) startPrefetch(amount int) {
	start := r.pos + int64(r.cached())
	if r.pending != nil || start >= r.size {
		return
	}
	end := min(start+int64(amount), r.size)

	r.stats.Fetches++
	r.pending = make(chan fetched, 1)
	go func(done chan<- fetched) {
		data, err := r.fetch(start, end)
		done <- fetched{data: data, err: err}
	}(r.pending)
}

// finishPrefetch waits for the background fetch, if any, and reports
// whether it added data. A failed prefetch is dropped; the synchronous
// fetch that follows surfaces the error.
func (r *Reader) finishPrefetch() bool {
	if r.pending == nil {
		return false
	}
	res := <-r.pending
	r.pending = nil

	if res.err != nil {
		return false
	}
	r.append(res.data)
	return true
}

func (r *Reader) append(data []byte) {
	rest := r.cache[r.off:]
	cache := make([]byte, 0, len(rest)+len(data))
	cache = append(cache, rest...)
	cache = append(cache, data...)
	r.cache, r.off = cache, 0
	r.pool.Free(&data, false)
}

// fetch reads bytes [start, end), retrying a failed request twice.
func (r *Reader) fetch(start, end int64) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= fetchRetries; attempt++ {
		resp, err := r.client.Get(r.ctx, r.url, start, end-start)
		switch {
		case err != nil:
			lastErr = err
		case !resp.Successful():
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		case int64(len(resp.Content)) != end-start:
			lastErr = fmt.Errorf("asked for %d bytes, got %d", end-start, len(resp.Content))
			r.pool.Free(&resp.Content, false)
		default:
			return resp.Content, nil
		}

		if r.ctx.Err() != nil {
			return nil, r.ctx.Err()
		}
	}

	return nil, fmt.Errorf("rangehttp: could not read bytes %d-%d of %s: %w", start, end-1, r.url.Redacted(), lastErr)
}

// Seek moves the read position. Moves that stay inside the cache cost
// nothing; anything else drops the cache and starts reading ahead from
// the new position.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.finishPrefetch()
	r.stats.Seeks++
	r.window = r.cacheSize
	r.missed = false

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return r.pos, fmt.Errorf("rangehttp: invalid whence %d", whence)
	}
	if target < 0 {
		return r.pos, errNegativePosition
	}

	delta := target - r.pos
	r.pos = target

	switch {
	case delta == 0:
	case delta < 0 && int64(r.off) >= -delta, delta > 0 && int64(r.cached()) > delta:
		r.off += int(delta)
	default:
		r.cache, r.off = nil, 0
		if r.prefetch {
			r.startPrefetch(r.cacheSize)
		}
	}

	return r.pos, nil
}

// Close waits for a pending read-ahead and drops the connection.
func (r *Reader) Close() error {
	r.finishPrefetch()
	r.cache, r.off = nil, 0
	return r.client.Close()
}
