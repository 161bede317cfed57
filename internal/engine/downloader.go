package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/datallboy/govelocity/internal/bufpool"
	"github.com/datallboy/govelocity/internal/chunk"
	"github.com/datallboy/govelocity/internal/domain"
	"github.com/datallboy/govelocity/internal/infra/logger"
	"github.com/datallboy/govelocity/internal/metrics"
	"github.com/datallboy/govelocity/internal/rangehttp"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
)

// DefaultMaxThreads caps the number of workers per job when none is given.
const DefaultMaxThreads = 16

// ErrJobFailed wraps the reason a chunk could never be fetched.
var ErrJobFailed = errors.New("download failed")

// Request describes one download.
type Request struct {
	// ID is generated when empty.
	ID  string
	URL *url.URL

	Output   OutputProvider
	FileSize int64

	// MaxChunkSize defaults to chunk.DefaultMaxSize and is clamped to FileSize.
	MaxChunkSize int
	// MaxThreads defaults to DefaultMaxThreads.
	MaxThreads int

	// AutoClose closes the output stream when the download ends.
	AutoClose bool
}

type timing struct {
	poll          time.Duration
	progress      time.Duration
	throttleSleep time.Duration
	stopWait      time.Duration
	stallTimeout  func(maxChunkSize int) time.Duration
	backoff       func(attempt int) time.Duration
}

func defaultTiming() timing {
	return timing{
		poll:          100 * time.Millisecond,
		progress:      2 * time.Second,
		throttleSleep: 500 * time.Millisecond,
		stopWait:      10 * time.Second,
		stallTimeout:  chunk.ExpectedDownloadTime,
		backoff:       Backoff,
	}
}

// Downloader runs chunked downloads. One Downloader can run many jobs at
// once; each job gets its own workers, buffers and output stream.
type Downloader struct {
	log     *logger.Logger
	metrics *metrics.Metrics

	httpOpts  rangehttp.Options
	newClient ClientFactory

	throttleLimit     int
	staleWriteTimeout time.Duration

	timing timing
}

type Option func(*Downloader)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

// WithHTTPOptions configures the rangehttp clients built by the default factory.
func WithHTTPOptions(opts rangehttp.Options) Option {
	return func(d *Downloader) { d.httpOpts = opts }
}

func WithClientFactory(f ClientFactory) Option {
	return func(d *Downloader) { d.newClient = f }
}

// WithThrottleLimit sets how many parts may wait for the writer before
// workers pause.
func WithThrottleLimit(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.throttleLimit = n
		}
	}
}

// WithStaleWriteTimeout sets how long the writer may see no progress, with
// nothing left to claim, before an unwritten chunk is queued again.
func WithStaleWriteTimeout(t time.Duration) Option {
	return func(d *Downloader) {
		if t > 0 {
			d.staleWriteTimeout = t
		}
	}
}

func NewDownloader(log *logger.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		log:               log,
		throttleLimit:     30,
		staleWriteTimeout: 5 * time.Minute,
		timing:            defaultTiming(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.log == nil {
		d.log = logger.Discard()
	}
	if d.metrics == nil {
		d.metrics = metrics.New(prometheus.NewRegistry())
	}
	if d.newClient == nil {
		httpOpts := d.httpOpts
		d.newClient = func(pool *bufpool.Pool) RangeClient {
			return rangehttp.NewClient(pool, httpOpts)
		}
	}
	return d
}

// job is the state shared by the workers of one download.
type job struct {
	d        *Downloader
	req      Request
	maxChunk int

	pool    *bufpool.Pool
	stack   *workStack
	queue   *writeQueue
	failure failureToken

	downloaded atomic.Int64
}

// session is the writer side of a job. Only the goroutine running
// Download touches it.
type session struct {
	d        *Downloader
	job      *job
	stream   OutputStream
	progress domain.ProgressFunc

	count   int
	workers []*worker
	retired []*worker
	lastID  int

	written      []bool
	writtenCount int
	bytesWritten int64
	lastWrite    time.Time

	lastReport           time.Time
	lastReportWritten    int64
	lastReportDownloaded int64
}

// Download fetches req.URL into the output stream and blocks until every
// byte is written, the job fails or ctx ends. A failure caused by the
// source wraps ErrJobFailed; cancellation returns the context error.
func (d *Downloader) Download(ctx context.Context, req Request, progress domain.ProgressFunc) error {
	req, err := normalize(req)
	if err != nil {
		return err
	}
	if progress == nil {
		progress = func(domain.Progress) {}
	}

	stream, err := req.Output()
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	if req.FileSize == 0 {
		progress(domain.Progress{JobID: req.ID, URL: req.URL.String(), Percent: 100})
		if req.AutoClose {
			return stream.Close()
		}
		return nil
	}

	count := chunk.Count(req.FileSize, req.MaxChunkSize)
	numWorkers := min(req.MaxThreads, count)

	j := &job{
		d:        d,
		req:      req,
		maxChunk: req.MaxChunkSize,
		pool: bufpool.New(
			bufpool.Class{Size: rangehttp.ReadBufferSize, Count: numWorkers},
			bufpool.Class{Size: req.MaxChunkSize, Count: numWorkers},
		),
		stack: newWorkStack(count),
		queue: newWriteQueue(),
	}

	now := time.Now()
	s := &session{
		d:          d,
		job:        j,
		stream:     stream,
		progress:   progress,
		count:      count,
		workers:    make([]*worker, numWorkers),
		written:    make([]bool, count),
		lastWrite:  now,
		lastReport: now,
	}

	d.log.Info("Starting download %s: %s in %d chunks of %s with %d workers",
		req.ID, humanize.IBytes(uint64(req.FileSize)), count, humanize.IBytes(uint64(req.MaxChunkSize)), numWorkers)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = s.run(jobCtx)
	return s.finish(err)
}

func normalize(req Request) (Request, error) {
	if req.URL == nil {
		return req, errors.New("download request has no url")
	}
	if req.Output == nil {
		return req, errors.New("download request has no output")
	}
	if req.FileSize < 0 {
		return req, fmt.Errorf("invalid file size %d", req.FileSize)
	}
	if req.ID == "" {
		req.ID = ksuid.New().String()
	}
	if req.MaxThreads <= 0 {
		req.MaxThreads = DefaultMaxThreads
	}
	req.MaxChunkSize = chunk.EffectiveMaxSize(req.FileSize, req.MaxChunkSize)
	return req, nil
}

func (s *session) run(ctx context.Context) error {
	for i := range s.workers {
		s.workers[i] = s.spawn(ctx)
	}

	for s.writtenCount < s.count {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.job.failure.Failed() {
			return fmt.Errorf("%w: %w", ErrJobFailed, s.job.failure.Err())
		}

		if err := s.drain(); err != nil {
			return err
		}
		if s.writtenCount == s.count {
			break
		}

		s.supervise(ctx)
		s.recoverStaleWrite()

		s.job.queue.Wait(ctx, s.d.timing.poll)
	}

	return nil
}

func (s *session) spawn(ctx context.Context) *worker {
	s.lastID++
	return s.job.spawn(ctx, s.lastID)
}

// drain writes every queued part at its offset.
func (s *session) drain() error {
	for {
		part := s.job.queue.TryPop()
		if part == nil {
			return nil
		}

		if s.written[part.Index] {
			s.job.pool.Free(&part.Content, false)
			continue
		}

		err := s.write(part)
		s.job.pool.Free(&part.Content, false)
		if err != nil {
			return err
		}

		s.written[part.Index] = true
		s.writtenCount++
		s.bytesWritten += int64(part.Length)
		s.lastWrite = time.Now()
		s.d.metrics.BytesWritten.Add(float64(part.Length))

		s.maybeReport()
	}
}

func (s *session) write(part *Part) error {
	if _, err := s.stream.Seek(part.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", part.Offset, err)
	}
	if _, err := s.stream.Write(part.Content[:part.Length]); err != nil {
		return fmt.Errorf("write chunk %d: %w", part.Index, err)
	}
	return nil
}

// supervise stops workers that stopped making progress and fills empty
// slots. A slot whose worker exited is refilled only when there is work
// left to claim.
func (s *session) supervise(ctx context.Context) {
	timeout := s.d.timing.stallTimeout(s.job.maxChunk)

	for i, w := range s.workers {
		if w == nil || w.exited() || !w.stalled(timeout) {
			continue
		}
		s.d.log.Warn("[Worker %d] no chunk finished in %s, stopping it", w.id, timeout)
		s.d.metrics.WorkersStalled.Inc()
		w.stop()
		s.retired = append(s.retired, w)
		s.workers[i] = nil
	}

	for i, w := range s.workers {
		switch {
		case w == nil:
		case w.exited() && s.job.stack.Len() > 0:
			s.retired = append(s.retired, w)
		default:
			continue
		}
		s.workers[i] = s.spawn(ctx)
		s.d.log.Debug("Reviving worker slot %d as worker %d", i, s.workers[i].id)
	}
}

// recoverStaleWrite requeues the lowest unwritten chunk when nothing is left
// to claim and the writer has been idle for the stale-write timeout.
func (s *session) recoverStaleWrite() {
	if s.job.stack.Len() > 0 || time.Since(s.lastWrite) < s.d.staleWriteTimeout {
		return
	}

	for i, done := range s.written {
		if done {
			continue
		}
		s.d.log.Warn("No write for %s, queueing chunk %d again", s.d.staleWriteTimeout, i)
		s.job.stack.Push(i)
		s.lastWrite = time.Now()
		return
	}
}

func (s *session) maybeReport() {
	if time.Since(s.lastReport) < s.d.timing.progress {
		return
	}
	s.progress(s.snapshot())
}

// snapshot builds a progress event and resets the rate window.
func (s *session) snapshot() domain.Progress {
	now := time.Now()
	elapsed := now.Sub(s.lastReport).Seconds()
	downloaded := s.job.downloaded.Load()

	p := domain.Progress{
		JobID:           s.job.req.ID,
		URL:             s.job.req.URL.String(),
		Percent:         int(float64(s.bytesWritten) / float64(s.job.req.FileSize) * 100),
		BytesWritten:    s.bytesWritten,
		BytesDownloaded: downloaded,
	}
	if elapsed > 0 {
		p.DownloadBitRate = float64(downloaded-s.lastReportDownloaded) * 8 / elapsed
		p.WriteBitRate = float64(s.bytesWritten-s.lastReportWritten) * 8 / elapsed
	}

	s.lastReport = now
	s.lastReportWritten = s.bytesWritten
	s.lastReportDownloaded = downloaded
	return p
}

// finish stops every worker, returns unwritten buffers, reports the final
// state and closes the stream when the job owns it.
func (s *session) finish(runErr error) error {
	all := append(s.retired, s.workers...)
	for _, w := range all {
		if w != nil {
			w.stop()
		}
	}

	deadline := time.NewTimer(s.d.timing.stopWait)
	defer deadline.Stop()
wait:
	for _, w := range all {
		if w == nil {
			continue
		}
		select {
		case <-w.done:
		case <-deadline.C:
			s.d.log.Warn("Gave up waiting for workers of %s to exit", s.job.req.ID)
			break wait
		}
	}

	for part := s.job.queue.TryPop(); part != nil; part = s.job.queue.TryPop() {
		s.job.pool.Free(&part.Content, false)
	}

	if s.job.req.AutoClose {
		if err := s.stream.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("close output: %w", err)
		}
	}

	// a cancelled job ends without a failure event
	final := s.snapshot()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		final.Failed = true
		final.FailureReason = runErr.Error()
	}
	s.progress(final)

	switch {
	case errors.Is(runErr, context.Canceled):
		s.d.log.Info("Download %s cancelled after %s", s.job.req.ID, humanize.IBytes(uint64(s.bytesWritten)))
	case runErr != nil:
		s.d.log.Error("Download %s failed after %s: %v", s.job.req.ID, humanize.IBytes(uint64(s.bytesWritten)), runErr)
	default:
		s.d.log.Info("Download %s finished: %s written", s.job.req.ID, humanize.IBytes(uint64(s.bytesWritten)))
	}

	return runErr
}
