package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/datallboy/govelocity/internal/domain"
	"github.com/datallboy/govelocity/internal/infra/logger"
	"github.com/datallboy/govelocity/internal/rangehttp"
	"github.com/segmentio/ksuid"
)

// Store persists job history.
type Store interface {
	SaveJob(job domain.JobSnapshot) error
	GetJob(id string) (*domain.JobSnapshot, error)
	ListJobs() ([]domain.JobSnapshot, error)
}

// Resolver finds the real location and size of a URL.
type Resolver func(ctx context.Context, u *url.URL) (*rangehttp.Source, error)

type ManagerConfig struct {
	OutDir       string
	MaxThreads   int
	MaxChunkSize int
	HTTP         rangehttp.Options
}

// Submission is a request to start a job.
type Submission struct {
	URL string
	// OutputPath defaults to a name derived from the URL inside OutDir.
	OutputPath string
	// FileSize is trusted as given when VerifyLength is false.
	FileSize     int64
	VerifyLength bool
	MaxChunkSize int
	MaxThreads   int
	// Progress additionally receives every progress event.
	Progress domain.ProgressFunc
}

// Manager starts jobs as soon as they are submitted and tracks them until
// they finish. There is no queue; every submitted job runs concurrently.
type Manager struct {
	mu         sync.RWMutex
	downloader *Downloader
	writer     *FileWriter
	store      Store
	log        *logger.Logger
	cfg        ManagerConfig
	resolve    Resolver

	jobs    map[string]*domain.Job
	done    map[string]chan struct{}
	results map[string]error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(d *Downloader, w *FileWriter, s Store, log *logger.Logger, cfg ManagerConfig) *Manager {
	if cfg.OutDir == "" {
		cfg.OutDir = "."
	}

	ctx, cancel := context.WithCancel(context.Background())
	httpOpts := cfg.HTTP

	return &Manager{
		downloader: d,
		writer:     w,
		store:      s,
		log:        log,
		cfg:        cfg,
		resolve: func(ctx context.Context, u *url.URL) (*rangehttp.Source, error) {
			return rangehttp.Resolve(ctx, u, httpOpts)
		},
		jobs:    make(map[string]*domain.Job),
		done:    make(map[string]chan struct{}),
		results: make(map[string]error),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit resolves the source when asked to, records the job and starts it.
// ctx only bounds the resolution; the job itself runs until it finishes,
// is cancelled or the manager shuts down.
func (m *Manager) Submit(ctx context.Context, sub Submission) (*domain.Job, error) {
	u, err := url.Parse(sub.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", rangehttp.ErrUnsupportedScheme, u.Scheme)
	}
	if m.ctx.Err() != nil {
		return nil, errors.New("manager is shut down")
	}

	size := sub.FileSize
	if sub.VerifyLength {
		src, err := m.resolve(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("could not resolve %s: %w", u.Redacted(), err)
		}
		if src.URL.String() != u.String() {
			m.log.Info("Resolved %s to %s", u.Redacted(), src.URL.Redacted())
		}
		u = src.URL
		size = src.Size
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid file size %d", size)
	}

	output := sub.OutputPath
	if output == "" {
		output = filepath.Join(m.cfg.OutDir, OutputName(u))
	}

	threads := sub.MaxThreads
	if threads <= 0 {
		threads = m.cfg.MaxThreads
	}
	chunkSize := sub.MaxChunkSize
	if chunkSize <= 0 {
		chunkSize = m.cfg.MaxChunkSize
	}

	req, err := normalize(Request{
		ID:           ksuid.New().String(),
		URL:          u,
		Output:       m.writer.Output(output+PartSuffix, size),
		FileSize:     size,
		MaxChunkSize: chunkSize,
		MaxThreads:   threads,
		AutoClose:    true,
	})
	if err != nil {
		return nil, err
	}

	job := domain.NewJob(req.ID, u.String(), output, size, req.MaxChunkSize, req.MaxThreads)

	if err := m.store.SaveJob(job.Snapshot()); err != nil {
		return nil, fmt.Errorf("failed to save job to database: %w", err)
	}

	jobCtx, cancel := context.WithCancel(m.ctx)
	job.CancelFunc = cancel

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.done[job.ID] = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(jobCtx, job, req, sub.Progress)

	return job, nil
}

func (m *Manager) run(ctx context.Context, job *domain.Job, req Request, sink domain.ProgressFunc) {
	defer m.wg.Done()
	defer job.CancelFunc()

	job.Start()
	if err := m.store.SaveJob(job.Snapshot()); err != nil {
		m.log.Warn("Could not record start of %s: %v", job.ID, err)
	}

	err := m.downloader.Download(ctx, req, func(p domain.Progress) {
		job.BytesWritten.Store(p.BytesWritten)
		if sink != nil {
			sink(p)
		}
	})

	// a job that did not complete leaves its .part file behind untouched
	part := job.OutputPath + PartSuffix
	if err == nil {
		err = m.writer.Finalize(part, job.OutputPath)
	}

	m.finalizeJob(job, err, part)
}

func (m *Manager) finalizeJob(job *domain.Job, err error, part string) {
	reason := ""
	if err != nil {
		reason = err.Error()
		if errors.Is(err, context.Canceled) {
			reason = "Cancelled by user"
		}
		if _, serr := os.Stat(part); serr == nil {
			reason += "; partial data left in " + part
		}
	}

	switch {
	case err == nil:
		job.BytesWritten.Store(job.FileSize)
		job.Finish(domain.StatusCompleted, "")
	case errors.Is(err, context.Canceled):
		job.Finish(domain.StatusCancelled, reason)
	default:
		job.Finish(domain.StatusFailed, reason)
	}

	snap := job.Snapshot()
	if serr := m.store.SaveJob(snap); serr != nil {
		m.log.Warn("Could not record outcome of %s: %v", job.ID, serr)
	}
	m.downloader.metrics.Jobs.WithLabelValues(string(snap.Status)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[job.ID] = err
	delete(m.jobs, job.ID)
	close(m.done[job.ID])
}

// Wait blocks until the job finishes and returns its error.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.RLock()
	done, ok := m.done[id]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrJobNotFound
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.results[id]
}

// Get looks in the running jobs first and the history second.
func (m *Manager) Get(id string) (domain.JobSnapshot, error) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if ok {
		return job.Snapshot(), nil
	}

	snap, err := m.store.GetJob(id)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	if snap == nil {
		return domain.JobSnapshot{}, domain.ErrJobNotFound
	}
	return *snap, nil
}

// List returns every known job, oldest first. Running jobs are always in
// the history, so the stored order is kept and live state laid over it.
func (m *Manager) List() ([]domain.JobSnapshot, error) {
	items, err := m.store.ListJobs()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, s := range items {
		if job, ok := m.jobs[s.ID]; ok {
			items[i] = job.Snapshot()
		}
	}
	if items == nil {
		items = []domain.JobSnapshot{}
	}
	return items, nil
}

// Cancel stops a running job.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()

	if ok {
		if job.Status().Finished() {
			return domain.ErrJobFinished
		}
		job.CancelFunc()
		return nil
	}

	if snap, err := m.store.GetJob(id); err == nil && snap != nil {
		return domain.ErrJobFinished
	}
	return domain.ErrJobNotFound
}

// Shutdown cancels every running job and waits for them to wind down.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	m.writer.CloseAll()
}
