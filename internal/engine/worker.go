package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// progressFlushBytes coalesces byte-count updates so the runner's event loop
// is not woken for every read.
const progressFlushBytes = 256 << 10

type eventKind int

const (
	evProgress eventKind = iota
	evDone
	evFailed
	evStopped
)

// workerEvent is the only message a chunk worker sends its runner. bytes is
// a delta since the previous event; attempts is the retries consumed so far.
type workerEvent struct {
	chunk    int
	kind     eventKind
	bytes    int64
	attempts int
	err      error
}

// chunkWorker downloads one byte range of a task. It retries transient
// failures with backoff, resumes mid-range after each failure so no byte is
// fetched twice, and reports coalesced progress deltas on the runner's event
// channel.
//
// Terminal events (evDone, evFailed, evStopped) are always delivered; the
// runner must keep draining the channel until every worker it started has
// sent one.
type chunkWorker struct {
	url     string
	chunk   ChunkState
	tr      Transport
	writer  *fileWriter
	policy  *RetryPolicy
	limiter *rate.Limiter
	timeout time.Duration
	bufSize int
	events  chan<- workerEvent

	attempts int
	progress int64 // bytes written across all attempts
	pending  int64 // bytes written but not yet reported
}

// run drives the worker to a terminal event. It must be called once, in its
// own goroutine.
func (w *chunkWorker) run(ctx context.Context) {
	w.attempts = w.chunk.Attempts
	w.progress = w.chunk.BytesDownloaded
	if w.bufSize <= 0 {
		w.bufSize = 32 << 10
	}
	buf := make([]byte, w.bufSize)

	for {
		err := w.attempt(ctx, buf)
		if err == nil {
			w.emit(evDone, nil)
			return
		}
		if ctx.Err() != nil {
			w.emit(evStopped, nil)
			return
		}

		delay, ok := w.policy.Next(err, w.attempts)
		if !ok {
			w.emit(evFailed, err)
			return
		}
		w.attempts++
		w.emit(evProgress, nil) // record the consumed retry before sleeping

		select {
		case <-ctx.Done():
			w.emit(evStopped, nil)
			return
		case <-time.After(delay):
		}
	}
}

// attempt performs one fetch pass over the remainder of the range, resuming
// from the current watermark raised by earlier attempts.
func (w *chunkWorker) attempt(ctx context.Context, buf []byte) error {
	start := w.chunk.Start + w.progress
	if w.chunk.End >= 0 && start >= w.chunk.End {
		return nil
	}

	actx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	body, err := w.tr.Fetch(actx, w.url, start, w.chunk.End)
	if err != nil {
		return err
	}
	defer body.Close()

	remaining := int64(-1)
	if w.chunk.End >= 0 {
		remaining = w.chunk.End - start
	}

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			p := buf[:n]
			if remaining >= 0 && int64(len(p)) > remaining {
				// Server delivered past the requested range; drop the excess.
				p = p[:remaining]
			}
			if len(p) > 0 {
				if err := w.throttle(actx, len(p)); err != nil {
					return w.classify(err)
				}
				if err := w.writer.WriteAt(p, w.chunk.Start+w.progress); err != nil {
					return err
				}
				w.progress += int64(len(p))
				w.pending += int64(len(p))
				if remaining >= 0 {
					remaining -= int64(len(p))
				}
				if w.pending >= progressFlushBytes {
					w.emit(evProgress, nil)
				}
			}
			if remaining == 0 {
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if remaining <= 0 {
					return nil
				}
				return &TransportError{
					Kind: TransportReset,
					URL:  w.url,
					Err:  fmt.Errorf("stream ended %d bytes early: %w", remaining, io.ErrUnexpectedEOF),
				}
			}
			return w.classify(rerr)
		}
	}
}

// throttle charges n bytes against the shared task limiter, splitting the
// charge when it exceeds the configured burst.
func (w *chunkWorker) throttle(ctx context.Context, n int) error {
	if w.limiter == nil {
		return nil
	}
	for n > 0 {
		step := n
		if b := w.limiter.Burst(); step > b {
			step = b
		}
		if err := w.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// classify wraps raw mid-stream failures into the transport taxonomy.
// Errors already classified pass through, as do context cancellations, which
// run turns into a stop instead of a retry.
func (w *chunkWorker) classify(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Kind: TransportTimeout, URL: w.url, Err: err}
	default:
		return &TransportError{Kind: TransportReset, URL: w.url, Err: err}
	}
}

// emit sends an event carrying any unreported byte delta and the current
// retry count.
func (w *chunkWorker) emit(kind eventKind, err error) {
	w.events <- workerEvent{
		chunk:    w.chunk.Index,
		kind:     kind,
		bytes:    w.pending,
		attempts: w.attempts,
		err:      err,
	}
	w.pending = 0
}
