package engine

import (
	"context"
	"crypto/md5"
	"errors"
	"io"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/govelocity/internal/bufpool"
	"github.com/datallboy/govelocity/internal/domain"
	"github.com/datallboy/govelocity/internal/infra/logger"
	"github.com/datallboy/govelocity/internal/metrics"
	"github.com/datallboy/govelocity/internal/rangehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// errBusy makes the fake source answer 503.
var errBusy = errors.New("busy")

func fixture(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(data)
	return data
}

// fakeSource serves data from memory. hook runs before every request and
// can block, fail or panic; call counts are per start offset, from 1.
type fakeSource struct {
	data []byte
	hook func(ctx context.Context, call int, start int64) error

	mu      sync.Mutex
	calls   map[int64]int
	clients atomic.Int32
}

func newFakeSource(data []byte) *fakeSource {
	return &fakeSource{data: data, calls: make(map[int64]int)}
}

func (s *fakeSource) factory() ClientFactory {
	return func(pool *bufpool.Pool) RangeClient {
		s.clients.Add(1)
		return &fakeClient{src: s, pool: pool}
	}
}

func (s *fakeSource) callsAt(start int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[start]
}

type fakeClient struct {
	src  *fakeSource
	pool *bufpool.Pool
}

func (c *fakeClient) Get(ctx context.Context, _ *url.URL, start, length int64) (*rangehttp.Response, error) {
	c.src.mu.Lock()
	c.src.calls[start]++
	call := c.src.calls[start]
	c.src.mu.Unlock()

	if c.src.hook != nil {
		if err := c.src.hook(ctx, call, start); err != nil {
			var statusErr *rangehttp.StatusError
			switch {
			case errors.Is(err, errBusy):
				return &rangehttp.Response{StatusCode: 503, ContentLength: -1, RangeStart: -1, RangeStop: -1, RangeTotal: -1}, nil
			case errors.As(err, &statusErr):
				return statusErr.Response, err
			default:
				return nil, err
			}
		}
	}

	total := int64(len(c.src.data))
	content := c.pool.Get(int(length))
	copy(content, c.src.data[start:start+length])

	return &rangehttp.Response{
		StatusCode:    206,
		Content:       content,
		ContentLength: length,
		RangeStart:    start,
		RangeStop:     start + length - 1,
		RangeTotal:    total,
	}, nil
}

func (c *fakeClient) Close() error { return nil }

// memStream is an in-memory OutputStream.
type memStream struct {
	mu     sync.Mutex
	buf    []byte
	pos    int64
	closed atomic.Bool
	delay  time.Duration
}

func (m *memStream) Write(p []byte) (int, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if whence != io.SeekStart {
		return 0, errors.New("memStream only seeks from start")
	}
	m.pos = offset
	return offset, nil
}

func (m *memStream) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memStream) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

func (m *memStream) provider() OutputProvider {
	return func() (OutputStream, error) { return m, nil }
}

// progressLog records every progress event.
type progressLog struct {
	mu     sync.Mutex
	events []domain.Progress
}

func (l *progressLog) record(p domain.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

func (l *progressLog) all() []domain.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Progress(nil), l.events...)
}

func (l *progressLog) last() domain.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func (l *progressLog) failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.events {
		if p.Failed {
			n++
		}
	}
	return n
}

// fastTiming shrinks every wait so tests finish in milliseconds.
func fastTiming() timing {
	return timing{
		poll:          2 * time.Millisecond,
		progress:      5 * time.Millisecond,
		throttleSleep: 2 * time.Millisecond,
		stopWait:      5 * time.Second,
		stallTimeout:  func(int) time.Duration { return time.Hour },
		backoff:       func(int) time.Duration { return time.Millisecond },
	}
}

func newTestDownloader(opts ...Option) (*Downloader, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	d := NewDownloader(logger.Discard(), append([]Option{WithMetrics(m)}, opts...)...)
	d.timing = fastTiming()
	return d, m
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func sum(b []byte) [16]byte {
	return md5.Sum(b)
}
