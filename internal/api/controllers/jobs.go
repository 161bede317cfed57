package controllers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/datallboy/govelocity/internal/domain"
	"github.com/datallboy/govelocity/internal/engine"
	"github.com/datallboy/govelocity/internal/rangehttp"
	"github.com/labstack/echo/v5"
)

// JobService is the part of engine.Manager the API drives.
type JobService interface {
	Submit(ctx context.Context, sub engine.Submission) (*domain.Job, error)
	Get(id string) (domain.JobSnapshot, error)
	List() ([]domain.JobSnapshot, error)
	Cancel(id string) error
}

type JobsController struct {
	Jobs         JobService
	OutDir       string
	VerifyLength bool
}

// Create starts a download and answers with the new job.
func (ctrl *JobsController) Create(c *echo.Context) error {
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "url is required"})
	}
	if req.FileSize < 0 || req.MaxChunkSize < 0 || req.MaxThreads < 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "sizes and thread counts cannot be negative"})
	}

	verify := ctrl.VerifyLength
	if req.VerifyLength != nil {
		verify = *req.VerifyLength
	}
	if !verify && req.FileSize == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "file_size is required when verify_length is false"})
	}

	sub := engine.Submission{
		URL:          req.URL,
		FileSize:     req.FileSize,
		VerifyLength: verify,
		MaxChunkSize: req.MaxChunkSize,
		MaxThreads:   req.MaxThreads,
	}

	if req.Filename != "" {
		// Only the base name is honoured so a request cannot write outside OutDir
		name := filepath.Base(filepath.Clean("/" + req.Filename))
		if name == "/" || name == "." {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid filename"})
		}
		sub.OutputPath = filepath.Join(ctrl.OutDir, name)
	}

	job, err := ctrl.Jobs.Submit(c.Request().Context(), sub)
	if err != nil {
		return c.JSON(submitStatus(err), ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusAccepted, job.Snapshot())
}

func (ctrl *JobsController) List(c *echo.Context) error {
	jobs, err := ctrl.Jobs.List()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	if jobs == nil {
		jobs = []domain.JobSnapshot{}
	}
	return c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Total: len(jobs)})
}

func (ctrl *JobsController) Get(c *echo.Context) error {
	job, err := ctrl.Jobs.Get(c.Param("id"))
	if err != nil {
		return c.JSON(lookupStatus(err), ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, job)
}

// Cancel stops a running job. The job reaches its cancelled status
// asynchronously.
func (ctrl *JobsController) Cancel(c *echo.Context) error {
	if err := ctrl.Jobs.Cancel(c.Param("id")); err != nil {
		return c.JSON(lookupStatus(err), ErrorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusAccepted)
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func submitStatus(err error) int {
	var statusErr *rangehttp.StatusError
	switch {
	case errors.Is(err, rangehttp.ErrUnsupportedScheme):
		return http.StatusBadRequest
	case errors.As(err, &statusErr),
		errors.Is(err, rangehttp.ErrNoSource),
		errors.Is(err, rangehttp.ErrTooManyRedirects),
		errors.Is(err, rangehttp.ErrNoContentRange),
		errors.Is(err, rangehttp.ErrRangeIgnored):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
