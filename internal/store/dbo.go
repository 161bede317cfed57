package store

import (
	"database/sql"
	"time"

	"github.com/datallboy/govelocity/internal/domain"
)

// jobDBO maps to the jobs table
type jobDBO struct {
	ID           string         `db:"id"`
	URL          string         `db:"url"`
	OutputPath   string         `db:"output_path"`
	Status       string         `db:"status"`
	FileSize     int64          `db:"file_size"`
	MaxChunkSize int            `db:"max_chunk_size"`
	MaxThreads   int            `db:"max_threads"`
	BytesWritten int64          `db:"bytes_written"`
	Error        sql.NullString `db:"error"`
	CreatedAt    int64          `db:"created_at"`
	StartedAt    sql.NullInt64  `db:"started_at"`
	FinishedAt   sql.NullInt64  `db:"finished_at"`
}

// Mapper: DBO to Domain JobSnapshot
func (j *jobDBO) ToDomain() domain.JobSnapshot {
	snap := domain.JobSnapshot{
		ID:           j.ID,
		URL:          j.URL,
		OutputPath:   j.OutputPath,
		Status:       domain.JobStatus(j.Status),
		FileSize:     j.FileSize,
		MaxChunkSize: j.MaxChunkSize,
		MaxThreads:   j.MaxThreads,
		BytesWritten: j.BytesWritten,
		Error:        j.Error.String,
		CreatedAt:    time.UnixMilli(j.CreatedAt),
	}
	if j.StartedAt.Valid {
		snap.StartedAt = time.UnixMilli(j.StartedAt.Int64)
	}
	if j.FinishedAt.Valid {
		snap.FinishedAt = time.UnixMilli(j.FinishedAt.Int64)
	}

	switch {
	case snap.FileSize > 0:
		snap.Percent = int(float64(snap.BytesWritten) / float64(snap.FileSize) * 100)
	case snap.Status == domain.StatusCompleted:
		snap.Percent = 100
	}
	return snap
}

// Mapper: Domain JobSnapshot to DBO
func (j *jobDBO) FromDomain(s domain.JobSnapshot) {
	j.ID = s.ID
	j.URL = s.URL
	j.OutputPath = s.OutputPath
	j.Status = string(s.Status)
	j.FileSize = s.FileSize
	j.MaxChunkSize = s.MaxChunkSize
	j.MaxThreads = s.MaxThreads
	j.BytesWritten = s.BytesWritten
	j.Error = sql.NullString{String: s.Error, Valid: s.Error != ""}
	j.CreatedAt = s.CreatedAt.UnixMilli()
	j.StartedAt = nullTime(s.StartedAt)
	j.FinishedAt = nullTime(s.FinishedAt)
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
