package domain

// Progress is reported while a job runs and once more when it ends.
// Rates are in bits per second.
type Progress struct {
	JobID           string
	URL             string
	Percent         int
	DownloadBitRate float64
	WriteBitRate    float64
	BytesWritten    int64
	BytesDownloaded int64
	Failed          bool
	FailureReason   string
}

// ProgressFunc receives progress events. It is called from the goroutine
// running the job and must not block for long.
type ProgressFunc func(Progress)
