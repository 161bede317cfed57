package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/datallboy/govelocity/internal/chunk"
	"github.com/datallboy/govelocity/internal/rangehttp"
)

const (
	backoffBase = 4.95
	maxBackoff  = 600 * time.Second
)

// Backoff is the pause before retry attempt n of a chunk: 4.95^n whole
// seconds, capped at ten minutes. Attempts 0..4 wait 1s, 4s, 24s, 121s, 600s.
func Backoff(attempt int) time.Duration {
	secs := math.Pow(backoffBase, float64(attempt))
	if secs >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(int64(secs)) * time.Second
}

// worker fetches one chunk at a time until the stack runs dry, the job
// fails or it is stopped. Whatever index it holds when it exits goes back
// on the stack.
type worker struct {
	id  int
	job *job

	heartbeat     atomic.Int64
	simulateStall atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (j *job) spawn(parent context.Context, id int) *worker {
	ctx, cancel := context.WithCancel(parent)

	w := &worker{
		id:     id,
		job:    j,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.beat()

	j.d.metrics.WorkersSpawned.Inc()
	j.d.metrics.ActiveWorkers.Inc()

	go w.run(ctx)
	return w
}

func (w *worker) beat() {
	w.heartbeat.Store(time.Now().UnixNano())
}

// stalled reports whether the worker has gone longer than timeout without
// finishing a chunk.
func (w *worker) stalled(timeout time.Duration) bool {
	if w.simulateStall.Load() {
		return true
	}
	last := time.Unix(0, w.heartbeat.Load())
	return time.Since(last) > timeout
}

// stop asks the worker to exit. It does not wait.
func (w *worker) stop() {
	w.cancel()
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) run(ctx context.Context) {
	j := w.job
	log := j.d.log

	client := j.d.newClient(j.pool)
	index, ok := j.stack.Pop()
	if !ok {
		index = noChunk
	}
	attempt := 0

	defer func() {
		if r := recover(); r != nil {
			log.Error("[Worker %d] crashed on chunk %d: %v", w.id, index, r)
		}
		if index != noChunk {
			j.stack.Push(index)
		}
		_ = client.Close()
		j.d.metrics.ActiveWorkers.Dec()
		w.cancel()
		close(w.done)
	}()

	for index != noChunk && ctx.Err() == nil && !j.failure.Failed() {
		offset := chunk.Start(index, j.maxChunk)
		length := chunk.Length(j.req.FileSize, j.maxChunk, index)

		log.Debug("[Worker %d] downloading chunk %d (bytes %d-%d)", w.id, index, offset, offset+int64(length)-1)

		resp, err := client.Get(ctx, j.req.URL, offset, int64(length))

		var statusErr *rangehttp.StatusError
		switch {
		case errors.As(err, &statusErr):
			log.Error("[Worker %d] chunk %d failed with status %d", w.id, index, statusErr.Response.StatusCode)
			j.failure.Trigger(fmt.Errorf("chunk %d: %w", index, err))
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Warn("[Worker %d] chunk %d: %v, reconnecting", w.id, index, err)
			_ = client.Close()
			client = j.d.newClient(j.pool)
			resp = nil
		}

		if resp != nil && resp.Successful() {
			if len(resp.Content) == length {
				j.queue.Push(&Part{Index: index, Offset: offset, Length: length, Content: resp.Content})
				j.downloaded.Add(int64(length))
				j.d.metrics.ChunksDownloaded.Inc()
				j.d.metrics.BytesDownloaded.Add(float64(length))

				attempt = 0
				w.beat()
				log.Debug("[Worker %d] downloaded chunk %d", w.id, index)

				if index, ok = j.stack.Pop(); !ok {
					index = noChunk
				}

				w.throttle(ctx)
				continue
			}

			log.Warn("[Worker %d] chunk %d: expected %d bytes, got %d", w.id, index, length, len(resp.Content))
			j.pool.Free(&resp.Content, false)
		} else if resp != nil && !resp.Retryable() {
			// a redirect halfway through a download has no sensible recovery
			j.failure.Trigger(fmt.Errorf("chunk %d: unexpected status %d", index, resp.StatusCode))
			return
		}

		delay := j.d.timing.backoff(attempt)
		j.d.metrics.ChunkRetries.Inc()
		log.Debug("[Worker %d] sleeping %s before retrying chunk %d", w.id, delay, index)

		if !sleep(ctx, delay) {
			return
		}
		attempt++
	}
}

// throttle holds the worker back while the writer is behind.
func (w *worker) throttle(ctx context.Context) {
	j := w.job
	for j.queue.Len() > j.d.throttleLimit {
		j.d.log.Debug("[Worker %d] throttling, %d parts waiting to be written", w.id, j.queue.Len())
		if !sleep(ctx, j.d.timing.throttleSleep) {
			return
		}
	}
}
