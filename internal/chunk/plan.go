// Package chunk splits a file of known size into fixed-size byte ranges.
package chunk

import "time"

// DefaultMaxSize is the chunk size used when a job does not set one (5 MiB).
const DefaultMaxSize = 5242880

const (
	// bytes a healthy connection is expected to move per second
	minThroughput = 16384
	stallFactor   = 1.25
	minStallTime  = 10 * time.Second
)

// EffectiveMaxSize clamps maxChunkSize so a chunk never exceeds the file.
func EffectiveMaxSize(fileSize int64, maxChunkSize int) int {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxSize
	}
	if fileSize > 0 && int64(maxChunkSize) > fileSize {
		return int(fileSize)
	}
	return maxChunkSize
}

// Count returns how many chunks cover fileSize. An empty file has none.
func Count(fileSize int64, maxChunkSize int) int {
	if fileSize <= 0 || maxChunkSize <= 0 {
		return 0
	}
	return int((fileSize-1)/int64(maxChunkSize)) + 1
}

// Start returns the absolute byte offset of chunk index.
func Start(index, maxChunkSize int) int64 {
	return int64(index) * int64(maxChunkSize)
}

// Length returns the number of bytes in chunk index. Every chunk but the
// last is maxChunkSize long; the last holds the remainder. Indexes outside
// the plan have length 0.
func Length(fileSize int64, maxChunkSize, index int) int {
	count := Count(fileSize, maxChunkSize)
	if index < 0 || index >= count {
		return 0
	}
	if index < count-1 {
		return maxChunkSize
	}
	if rem := fileSize % int64(maxChunkSize); rem > 0 {
		return int(rem)
	}
	return maxChunkSize
}

// ExpectedDownloadTime is how long one chunk of maxChunkSize may take before
// the worker fetching it is considered stalled.
func ExpectedDownloadTime(maxChunkSize int) time.Duration {
	raw := maxChunkSize / minThroughput
	d := time.Duration(float64(raw) * stallFactor * float64(time.Second))
	if d < minStallTime {
		return minStallTime
	}
	return d
}
