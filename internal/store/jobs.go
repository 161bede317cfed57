package store

import (
	"database/sql"

	"github.com/datallboy/govelocity/internal/domain"
	"gitlab.com/NebulousLabs/errors"
)

const jobColumns = `id, url, output_path, status, file_size, max_chunk_size, max_threads,
	bytes_written, error, created_at, started_at, finished_at`

// interruptedReason is recorded on jobs that were running when the process died.
const interruptedReason = "Interrupted by shutdown"

func (s *PersistentStore) SaveJob(job domain.JobSnapshot) error {
	var dbo jobDBO
	dbo.FromDomain(job)

	// an upsert keeps the rowid, and with it the submission order
	query := `INSERT INTO jobs (` + jobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  url = excluded.url,
                  output_path = excluded.output_path,
                  status = excluded.status,
                  file_size = excluded.file_size,
                  max_chunk_size = excluded.max_chunk_size,
                  max_threads = excluded.max_threads,
                  bytes_written = excluded.bytes_written,
                  error = excluded.error,
                  created_at = excluded.created_at,
                  started_at = excluded.started_at,
                  finished_at = excluded.finished_at`

	_, err := s.db.Exec(query,
		dbo.ID,
		dbo.URL,
		dbo.OutputPath,
		dbo.Status,
		dbo.FileSize,
		dbo.MaxChunkSize,
		dbo.MaxThreads,
		dbo.BytesWritten,
		dbo.Error,
		dbo.CreatedAt,
		dbo.StartedAt,
		dbo.FinishedAt,
	)
	return errors.AddContext(err, "failed to save job")
}

// GetJob returns nil, nil when no job has the given id.
func (s *PersistentStore) GetJob(id string) (*domain.JobSnapshot, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ? LIMIT 1`, id)

	var dbo jobDBO
	if err := scanJob(row, &dbo); err != nil {
		if errors.Contains(err, sql.ErrNoRows) {
			return nil, nil // Return nil, nil to indicate "Not found"
		}
		return nil, errors.AddContext(err, "failed to fetch job "+id)
	}

	snap := dbo.ToDomain()
	return &snap, nil
}

// ListJobs returns every stored job, oldest first. Jobs created in the same
// millisecond keep the order they were first saved in.
func (s *PersistentStore) ListJobs() ([]domain.JobSnapshot, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, errors.AddContext(err, "failed to list jobs")
	}
	defer rows.Close()

	var items []domain.JobSnapshot
	for rows.Next() {
		var dbo jobDBO
		if err := scanJob(rows, &dbo); err != nil {
			return nil, err
		}
		items = append(items, dbo.ToDomain())
	}

	return items, rows.Err()
}

// MarkInterrupted fails every job that never reached a final status. It
// runs at startup, before any new job is accepted, and returns how many
// jobs were touched.
func (s *PersistentStore) MarkInterrupted() (int64, error) {
	query := `
		UPDATE jobs
		SET status = ?, error = ?, finished_at = COALESCE(finished_at, strftime('%s','now') * 1000)
		WHERE status NOT IN (?, ?, ?)`

	res, err := s.db.Exec(query,
		domain.StatusFailed, interruptedReason,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return 0, errors.AddContext(err, "failed to mark interrupted jobs")
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner, dbo *jobDBO) error {
	return row.Scan(
		&dbo.ID, &dbo.URL, &dbo.OutputPath, &dbo.Status,
		&dbo.FileSize, &dbo.MaxChunkSize, &dbo.MaxThreads,
		&dbo.BytesWritten, &dbo.Error, &dbo.CreatedAt, &dbo.StartedAt, &dbo.FinishedAt,
	)
}
