package controllers

import "github.com/datallboy/govelocity/internal/domain"

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	URL string `json:"url"`
	// Filename is placed inside the download directory. Defaults to the
	// last path segment of the URL.
	Filename string `json:"filename"`
	// FileSize is required when VerifyLength is false.
	FileSize     int64 `json:"file_size"`
	VerifyLength *bool `json:"verify_length"`
	MaxChunkSize int   `json:"max_chunk_size"`
	MaxThreads   int   `json:"max_threads"`
}

type JobListResponse struct {
	Jobs  []domain.JobSnapshot `json:"jobs"`
	Total int                  `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
