// Package fetch implements the C5 Segmented Fetcher: N parallel chunk
// workers writing into fixed ".partN" files, per-chunk retry, resume
// from on-disk part sizes, and the merge step that assembles the final
// file. It is grounded on the teacher's internal/downloader/concurrent.go
// worker shape (buffer sizing, retry-with-backoff loop, 100ms-scale
// polling) adapted from that file's work-stealing/WriteAt model onto the
// fixed-chunk/.partN-file contract spec.md §4.5 requires.
package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vfaronov/httpheader"

	"github.com/surge-downloader/surge/internal/applog"
	"github.com/surge-downloader/surge/internal/dlerror"
	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/transport"
)

const (
	baseBufferSize    = 64 * 1024
	bigBufferSize     = 256 * 1024
	bigChunkThreshold = 8 * 1024 * 1024

	chunkMaxAttempts = 3
	chunkRetryBase   = 500 * time.Millisecond

	mergeBufferSize = 1 * 1024 * 1024

	progressPollInterval = 100 * time.Millisecond
)

// Outcome is the aggregate result of a segmented fetch attempt, used by
// the Engine to decide whether to merge, downgrade, halve connections,
// or fall through to whole-download retry (§4.5 "Outcome routing").
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRangeUnsupported
	OutcomeThrottled
	OutcomeAborted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRangeUnsupported:
		return "range_unsupported"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// Result is the return value of Run.
type Result struct {
	Outcome Outcome
	Err     error
}

// Fetcher runs segmented downloads for records whose chunk vector is
// already sized to the desired connection count (the Engine owns that
// decision; see internal/engine).
type Fetcher struct {
	Session *transport.Session
	Handles *transport.Registry
	log     zerolog.Logger
}

// New constructs a Fetcher bound to a session and handle registry.
func New(sess *transport.Session, handles *transport.Registry) *Fetcher {
	return &Fetcher{Session: sess, Handles: handles, log: applog.For("fetch")}
}

// PartPath returns the on-disk path of chunk i's part file for a given
// final destination path.
func PartPath(finalPath string, i int) string {
	return fmt.Sprintf("%s.part%d", finalPath, i)
}

// workerLimiter implements the §5 rate-limiting algorithm for a single
// chunk worker: after each read of n bytes, sleep the positive
// difference between the time the read "should" have taken at the cap
// and the time actually elapsed since the last read.
type workerLimiter struct {
	limitBytesPerSec int64
	last             time.Time
}

func newWorkerLimiter(limit int64) *workerLimiter {
	return &workerLimiter{limitBytesPerSec: limit, last: time.Now()}
}

func (l *workerLimiter) throttle(n int) {
	if l == nil || l.limitBytesPerSec <= 0 {
		return
	}
	targetMs := float64(n) * 1000 / float64(l.limitBytesPerSec)
	elapsedMs := float64(time.Since(l.last).Milliseconds())
	if sleep := targetMs - elapsedMs; sleep > 0 {
		time.Sleep(time.Duration(sleep) * time.Millisecond)
	}
	l.last = time.Now()
}

// Limiter exposes the per-worker throttle to callers outside this
// package, so the Engine's single-stream path applies the same §5
// rate-limiting shape as a segmented chunk worker.
type Limiter struct{ inner *workerLimiter }

// NewLimiter constructs a Limiter capped at limitBytesPerSec (0 or
// negative disables throttling).
func NewLimiter(limitBytesPerSec int64) *Limiter {
	return &Limiter{inner: newWorkerLimiter(limitBytesPerSec)}
}

// Throttle sleeps as needed after a read of n bytes.
func (l *Limiter) Throttle(n int) { l.inner.throttle(n) }

// perChunkLimit divides an aggregate bytes-per-second cap across n
// active workers, with a floor of 1 KiB/s per chunk (§5).
func perChunkLimit(total int64, n int) int64 {
	if total <= 0 || n <= 0 {
		return 0
	}
	share := total / int64(n)
	if share < 1024 {
		share = 1024
	}
	return share
}

// Run executes the segmented fetch for rec's current chunk vector: it
// resumes from any existing .partN files, runs one worker per
// incomplete chunk, aggregates outcomes, and merges on full success.
// finalPath is the destination file; referer/headers are applied to
// every chunk request.
func (f *Fetcher) Run(ctx context.Context, rec *record.Record, finalPath, referer string, headers map[string]string, bytesPerSecond int64) Result {
	if err := f.resumeFromDisk(rec, finalPath); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	chunks := rec.Chunks()
	n := len(chunks)
	limit := perChunkLimit(bytesPerSecond, n)

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go f.reportSpeed(progressCtx, rec)

	type chunkOutcome struct {
		idx     int
		outcome Outcome
		err     error
	}
	results := make(chan chunkOutcome, n)
	var wg sync.WaitGroup

	for i, c := range chunks {
		if c.Completed() {
			results <- chunkOutcome{idx: i, outcome: OutcomeSuccess}
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcome, err := f.runChunk(ctx, rec, idx, finalPath, referer, headers, newWorkerLimiter(limit))
			results <- chunkOutcome{idx: idx, outcome: outcome, err: err}
		}(i)
	}

	go func() {
		wg.Wait()
	}()

	outcomes := make([]Outcome, n)
	var firstErr error
	for i := 0; i < n; i++ {
		r := <-results
		outcomes[r.idx] = r.outcome
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}

	return f.route(ctx, rec, finalPath, outcomes, firstErr)
}

// route implements the §4.5 "Outcome routing from the aggregated
// result" table.
func (f *Fetcher) route(ctx context.Context, rec *record.Record, finalPath string, outcomes []Outcome, firstErr error) Result {
	var anyRangeUnsupported, anyThrottled, anyAborted, anyFailed, allSuccess bool
	allSuccess = true
	for _, o := range outcomes {
		switch o {
		case OutcomeRangeUnsupported:
			anyRangeUnsupported = true
			allSuccess = false
		case OutcomeThrottled:
			anyThrottled = true
			allSuccess = false
		case OutcomeAborted:
			anyAborted = true
			allSuccess = false
		case OutcomeFailed:
			anyFailed = true
			allSuccess = false
		default:
		}
	}

	switch {
	case allSuccess:
		if err := f.merge(rec, finalPath); err != nil {
			return Result{Outcome: OutcomeFailed, Err: err}
		}
		return Result{Outcome: OutcomeSuccess}
	case anyRangeUnsupported:
		f.deleteParts(rec, finalPath)
		rec.InitialiseChunks(rec.TotalSize(), 1)
		return Result{Outcome: OutcomeRangeUnsupported}
	case anyThrottled && len(outcomes) > 1:
		f.deleteParts(rec, finalPath)
		return Result{Outcome: OutcomeThrottled}
	case anyAborted:
		// Pause/Cancel: keep parts, exit without error.
		return Result{Outcome: OutcomeAborted}
	case anyFailed:
		return Result{Outcome: OutcomeFailed, Err: firstErr}
	default:
		return Result{Outcome: OutcomeFailed, Err: firstErr}
	}
}

func (f *Fetcher) deleteParts(rec *record.Record, finalPath string) {
	for i := range rec.Chunks() {
		_ = os.Remove(PartPath(finalPath, i))
	}
}

// resumeFromDisk implements the §4.5 "Resume from on-disk .part files"
// algorithm: oversized parts are corrupt and restarted, exact-size parts
// are marked completed, and short parts resume from their byte count.
func (f *Fetcher) resumeFromDisk(rec *record.Record, finalPath string) error {
	chunks := rec.Chunks()
	updated := make([]record.Chunk, len(chunks))
	copy(updated, chunks)

	for i, c := range chunks {
		path := PartPath(finalPath, i)
		info, err := os.Stat(path)
		if err != nil {
			updated[i].Current = c.Start
			continue
		}
		chunkLen := c.Size()
		switch {
		case info.Size() > chunkLen:
			_ = os.Remove(path)
			updated[i].Current = c.Start
		case info.Size() == chunkLen:
			updated[i].Current = c.End + 1
		default:
			updated[i].Current = c.Start + info.Size()
		}
	}
	rec.SetChunks(updated, rec.TotalSize())
	return nil
}

// runChunk executes the retry ladder for one chunk: up to
// chunkMaxAttempts attempts, with Throttled delays scaling linearly in
// the attempt number and other retryable outcomes scaling
// exponentially. Success, RangeUnsupported, and Aborted short-circuit
// the ladder (§4.5).
func (f *Fetcher) runChunk(ctx context.Context, rec *record.Record, idx int, finalPath, referer string, headers map[string]string, limiter *workerLimiter) (Outcome, error) {
	var lastErr error
	var lastOutcome Outcome
	for attempt := 0; attempt < chunkMaxAttempts; attempt++ {
		if attempt > 0 {
			// attempt-1 is the just-failed attempt's 0-based index, so the
			// first retry waits retryDelay(_, 0) and the second waits
			// retryDelay(_, 1) (§4.5 scenario 5: 500ms, 1000ms).
			time.Sleep(retryDelay(lastOutcome, attempt-1))
		}
		outcome, err := f.attemptChunk(ctx, rec, idx, finalPath, referer, headers, limiter)
		lastErr = err
		lastOutcome = outcome
		switch outcome {
		case OutcomeSuccess, OutcomeRangeUnsupported, OutcomeAborted:
			return outcome, err
		}
	}
	// Ladder exhausted: preserve the last retryable outcome (e.g. Throttled)
	// rather than collapsing it to Failed, so route's anyThrottled branch
	// and the Engine's halve-connections handler can still fire.
	return lastOutcome, lastErr
}

// retryDelay is kept as a free function (rather than inlined) so the
// ladder's backoff formula is unit-testable in isolation. failedAttempt is
// the 0-based index of the attempt that just failed.
func retryDelay(last Outcome, failedAttempt int) time.Duration {
	if last == OutcomeThrottled {
		return chunkRetryBase * time.Duration(failedAttempt+1)
	}
	return chunkRetryBase * time.Duration(1<<uint(failedAttempt))
}

func (f *Fetcher) attemptChunk(ctx context.Context, rec *record.Record, idx int, finalPath, referer string, headers map[string]string, limiter *workerLimiter) (Outcome, error) {
	chunks := rec.Chunks()
	if idx < 0 || idx >= len(chunks) {
		return OutcomeFailed, fmt.Errorf("chunk index %d out of range", idx)
	}
	c := chunks[idx]
	if c.Completed() {
		return OutcomeSuccess, nil
	}

	if status := rec.Status(); status == record.StatusPaused || status == record.StatusCancelled {
		return OutcomeAborted, nil
	}

	path := PartPath(finalPath, idx)
	resumeOffset := c.Current - c.Start
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return OutcomeFailed, dlerror.New(dlerror.KindDiskFull, 0, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return OutcomeFailed, dlerror.New(dlerror.KindDiskFull, 0, err)
	}
	defer file.Close()

	if resumeOffset > 0 {
		info, statErr := file.Stat()
		if statErr != nil || info.Size() < resumeOffset {
			// The part file was (re)created empty but a non-zero resume
			// offset was expected: writing at this offset would leave a
			// silent gap of zero bytes. Fail rather than corrupt data.
			return OutcomeFailed, dlerror.New(dlerror.KindDiskFull, 0, fmt.Errorf("part file %s missing expected resume bytes", path))
		}
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", c.Current, c.End)
	handle, err := f.Session.Open(ctx, rec.URL(), referer, headers, rangeHeader)
	if err != nil {
		return OutcomeFailed, err
	}
	if f.Handles != nil {
		f.Handles.Track(rec.ID, handle)
	}
	defer func() {
		if f.Handles != nil {
			f.Handles.Untrack(rec.ID, handle)
		}
		_ = handle.Close()
	}()

	switch handle.Status() {
	case 206:
		cr := httpheader.ContentRange(handle.Headers())
		if cr.Start != c.Current {
			return OutcomeFailed, dlerror.New(dlerror.KindRangeMismatch, 206, nil)
		}
	case 416:
		return OutcomeRangeUnsupported, dlerror.New(dlerror.KindRangeUnsupported, 416, nil)
	case 429, 503:
		return OutcomeThrottled, dlerror.New(dlerror.KindHTTPServer, handle.Status(), nil)
	case 200:
		return OutcomeRangeUnsupported, dlerror.New(dlerror.KindRangeUnsupported, 200, nil)
	default:
		if dlerror.IsFatalHTTPStatus(handle.Status()) {
			return OutcomeFailed, dlerror.New(dlerror.KindHTTPClient, handle.Status(), nil)
		}
		return OutcomeFailed, dlerror.New(dlerror.KindHTTPServer, handle.Status(), nil)
	}

	bufSize := baseBufferSize
	if c.Size() >= bigChunkThreshold {
		bufSize = bigBufferSize
	}
	buf := make([]byte, bufSize)

	rangeLen := c.End - c.Current + 1
	var written int64
	current := c.Current

	for written < rangeLen {
		if status := rec.Status(); status == record.StatusPaused || status == record.StatusCancelled {
			return OutcomeAborted, nil
		}
		n, readErr := handle.Read(buf)
		if n > 0 {
			if _, werr := file.WriteAt(buf[:n], current-c.Start); werr != nil {
				return OutcomeFailed, dlerror.New(dlerror.KindDiskFull, 0, werr)
			}
			current += int64(n)
			written += int64(n)
			rec.UpdateChunk(idx, current)
			limiter.throttle(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return OutcomeFailed, dlerror.New(dlerror.KindTransport, 0, readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return OutcomeFailed, dlerror.New(dlerror.KindDiskFull, 0, err)
	}
	if written != rangeLen {
		return OutcomeFailed, dlerror.New(dlerror.KindTransport, 0, fmt.Errorf("short read: got %d of %d bytes", written, rangeLen))
	}
	return OutcomeSuccess, nil
}

// merge concatenates every .partN file into finalPath in order, then
// verifies the result's size against the record's declared total
// (§4.5.1).
func (f *Fetcher) merge(rec *record.Record, finalPath string) error {
	chunks := rec.Chunks()
	out, err := os.Create(finalPath)
	if err != nil {
		return dlerror.New(dlerror.KindMerge, 0, err)
	}

	buf := make([]byte, mergeBufferSize)
	for i := range chunks {
		partPath := PartPath(finalPath, i)
		if err := appendFile(out, partPath, buf); err != nil {
			out.Close()
			_ = os.Remove(finalPath)
			return dlerror.New(dlerror.KindMerge, 0, err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(finalPath)
		return dlerror.New(dlerror.KindMerge, 0, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(finalPath)
		return dlerror.New(dlerror.KindMerge, 0, err)
	}

	total := rec.TotalSize()
	if total > 0 {
		info, err := os.Stat(finalPath)
		if err != nil || info.Size() != total {
			_ = os.Remove(finalPath)
			f.deleteParts(rec, finalPath)
			return dlerror.New(dlerror.KindSizeMismatch, 0, err)
		}
	}

	for i := range chunks {
		_ = os.Remove(PartPath(finalPath, i))
	}
	return nil
}

func appendFile(dst *os.File, path string, buf []byte) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.CopyBuffer(dst, src, buf)
	return err
}

// reportSpeed samples aggregate downloaded bytes every
// progressPollInterval and folds the observed throughput into the
// record's EMA speed, so the Engine can surface live speed while chunk
// workers are in flight (§4.5 "Result aggregation").
func (f *Fetcher) reportSpeed(ctx context.Context, rec *record.Record) {
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()
	last := rec.DownloadedSize()
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			cur := rec.DownloadedSize()
			elapsed := now.Sub(lastAt).Seconds()
			if elapsed > 0 {
				rec.SetSpeedSample(float64(cur-last) / elapsed)
			}
			last = cur
			lastAt = now
		}
	}
}
