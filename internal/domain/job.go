package domain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// Finished reports whether a job in this status will never run again.
func (s JobStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one download from a URL into a single output file.
type Job struct {
	ID           string
	URL          string
	OutputPath   string
	FileSize     int64
	MaxChunkSize int
	MaxThreads   int
	CreatedAt    time.Time

	BytesWritten atomic.Int64

	mu         sync.RWMutex
	status     JobStatus
	err        string
	startedAt  time.Time
	finishedAt time.Time

	CancelFunc context.CancelFunc
}

// JobSnapshot is a point-in-time copy of a Job, safe to hand out.
type JobSnapshot struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	OutputPath   string    `json:"output_path"`
	Status       JobStatus `json:"status"`
	FileSize     int64     `json:"file_size"`
	MaxChunkSize int       `json:"max_chunk_size"`
	MaxThreads   int       `json:"max_threads"`
	BytesWritten int64     `json:"bytes_written"`
	Percent      int       `json:"percent"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
}

func NewJob(id, url, outputPath string, fileSize int64, maxChunkSize, maxThreads int) *Job {
	return &Job{
		ID:           id,
		URL:          url,
		OutputPath:   outputPath,
		FileSize:     fileSize,
		MaxChunkSize: maxChunkSize,
		MaxThreads:   maxThreads,
		CreatedAt:    time.Now(),
		status:       StatusPending,
	}
}

// RestoreJob rebuilds a Job from a stored snapshot.
func RestoreJob(s JobSnapshot) *Job {
	j := &Job{
		ID:           s.ID,
		URL:          s.URL,
		OutputPath:   s.OutputPath,
		FileSize:     s.FileSize,
		MaxChunkSize: s.MaxChunkSize,
		MaxThreads:   s.MaxThreads,
		CreatedAt:    s.CreatedAt,
		status:       s.Status,
		err:          s.Error,
		startedAt:    s.StartedAt,
		finishedAt:   s.FinishedAt,
	}
	j.BytesWritten.Store(s.BytesWritten)
	return j
}

func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Start marks the job as downloading.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusDownloading
	j.startedAt = time.Now()
}

// Finish records the final status and, for failures, the reason.
func (j *Job) Finish(status JobStatus, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.err = reason
	j.finishedAt = time.Now()
}

func (j *Job) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	written := j.BytesWritten.Load()
	percent := 0
	switch {
	case j.FileSize > 0:
		percent = int(float64(written) / float64(j.FileSize) * 100)
	case j.status == StatusCompleted:
		percent = 100
	}

	return JobSnapshot{
		ID:           j.ID,
		URL:          j.URL,
		OutputPath:   j.OutputPath,
		Status:       j.status,
		FileSize:     j.FileSize,
		MaxChunkSize: j.MaxChunkSize,
		MaxThreads:   j.MaxThreads,
		BytesWritten: written,
		Percent:      percent,
		Error:        j.err,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.startedAt,
		FinishedAt:   j.finishedAt,
	}
}
