// Package engine implements the C6 Download Engine: per-download
// intake, the probe-to-strategy decision, the iterative whole-download
// retry loop, mirror failover, and the single-stream fallback path. It
// is grounded on the teacher's internal/downloader/manager.go
// (TUIDownload orchestration shape) and internal/downloader/queue.go's
// WorkerPool running-set pattern, generalised onto the Record/Chunk/
// Transport/Fetcher contracts built in the sibling packages.
package engine

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vfaronov/httpheader"

	"github.com/surge-downloader/surge/internal/applog"
	"github.com/surge-downloader/surge/internal/dlerror"
	"github.com/surge-downloader/surge/internal/fetch"
	"github.com/surge-downloader/surge/internal/fileutil"
	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/store"
	"github.com/surge-downloader/surge/internal/transport"
	"github.com/surge-downloader/surge/internal/urlutil"
)

const (
	minChunkSpan      = 512 * 1024
	smallFileCeiling  = 1024 * 1024
	maxDownloadRetries = 5
	baseDownloadRetryMs = 2000
	downloadRetryCapExponent = 4
	fixedThrottleRetryDelay = 5 * time.Second
	removeWaitTimeout = 5 * time.Second
	waitFinishPollInterval = 50 * time.Millisecond
)

// Config holds the Engine's tunable defaults, mirroring the shape of
// the teacher's RuntimeConfig (accessor methods with built-in
// fallbacks rather than a zero-value struct silently meaning "off").
type Config struct {
	MaxConnections     int
	MaxRetries         int
	UserAgent          string
	ProxyURL           string
	SkipTLSVerify      bool
	BytesPerSecond     int64
	SequentialDownload bool
	CategoryOverrides  map[string]string
	HelperHostPatterns []string
}

func (c Config) maxConnections() int {
	if c.MaxConnections <= 0 {
		return 8
	}
	if c.MaxConnections > 8 {
		return 8
	}
	return c.MaxConnections
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return maxDownloadRetries
	}
	return c.MaxRetries
}

// Outcome is the terminal result of one Start invocation, reported to
// the completion callback exactly once per download (§7 "Propagation
// policy").
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAborted
	OutcomeError
)

// CompletionFunc is invoked exactly once when a download reaches a
// terminal outcome (Completed, or a fatal/exhausted-retry Error). It is
// not invoked for Pause/Cancel, which are user-directed, not terminal
// in the sense this callback reports.
type CompletionFunc func(rec *record.Record, outcome Outcome)

// HelperAdapter is the out-of-scope external-helper contract (§6.4);
// the Engine never branches on concrete type beyond IsExternalHelper.
type HelperAdapter interface {
	Start(ctx context.Context, rec *record.Record) error
	Pause(id int64)
	Cancel(id int64)
	WaitFinish(id int64, timeout time.Duration) bool
}

// Engine owns the set of live Download Records, the running-task guard
// (P5), the shared transport session, and the segmented fetcher. All
// public methods are safe for concurrent use.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	store *store.Store

	session *transport.Session
	handles *transport.Registry
	fetcher *fetch.Fetcher

	helper HelperAdapter
	onDone CompletionFunc

	mu        sync.Mutex
	records   map[int64]*record.Record
	running   map[int64]struct{}
	mirrorIdx map[int64]int
}

// New constructs an Engine bound to st, loading any previously
// persisted records (with Downloading remapped to Paused by the
// store). cfg.MaxConnections/MaxRetries/etc. supply defaults for newly
// added downloads.
func New(st *store.Store, cfg Config) *Engine {
	sess, err := transport.NewSession(transport.Options{
		UserAgent:     cfg.UserAgent,
		ProxyURL:      cfg.ProxyURL,
		SkipTLSVerify: cfg.SkipTLSVerify,
	})
	if err != nil {
		// NewSession only fails on a malformed ProxyURL; an Engine with an
		// unusable proxy can still serve everything else, so fall back to
		// the zero-value Options rather than failing construction.
		sess, _ = transport.NewSession(transport.Options{})
	}
	handles := transport.NewRegistry()
	e := &Engine{
		cfg:       cfg,
		log:       applog.For("engine"),
		store:     st,
		session:   sess,
		handles:   handles,
		fetcher:   fetch.New(sess, handles),
		records:   make(map[int64]*record.Record),
		running:   make(map[int64]struct{}),
		mirrorIdx: make(map[int64]int),
	}
	for _, rec := range st.Load() {
		e.records[rec.ID] = rec
	}
	return e
}

// SetHelper wires the external-helper adapter used for URLs matching
// cfg.HelperHostPatterns. Optional; nil means no URL is ever delegated.
func (e *Engine) SetHelper(h HelperAdapter) { e.helper = h }

// OnComplete registers the callback invoked on every terminal outcome.
func (e *Engine) OnComplete(fn CompletionFunc) { e.onDone = fn }

// Records returns a snapshot slice of every known record, store order
// not guaranteed.
func (e *Engine) Records() []*record.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*record.Record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r)
	}
	return out
}

// Get returns the record for id, or nil if unknown.
func (e *Engine) Get(id int64) *record.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[id]
}

// AdmitQueued implements the Queue Scheduler's admission algorithm: holding
// the running-set lock once (avoiding the TOCTOU a count-then-act pair
// across two locks would allow), count records already Downloading and,
// while under maxConcurrent, promote Queued records, oldest first, to
// Start. Called by the scheduler on every completion and on its 1 Hz tick.
func (e *Engine) AdmitQueued(maxConcurrent int) {
	e.mu.Lock()
	active := len(e.running)
	queued := make([]*record.Record, 0)
	for _, rec := range e.records {
		if rec.Status() != record.StatusQueued {
			continue
		}
		if _, isRunning := e.running[rec.ID]; isRunning {
			continue
		}
		queued = append(queued, rec)
	}
	e.mu.Unlock()

	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt().Before(queued[j].CreatedAt())
	})

	for _, rec := range queued {
		if active >= maxConcurrent {
			return
		}
		if err := e.Start(rec.ID); err == nil {
			active++
		}
	}
}

func (e *Engine) isHelperURL(rawURL string) bool {
	for _, pat := range e.cfg.HelperHostPatterns {
		if pat != "" && containsFold(rawURL, pat) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := []byte(haystack), []byte(needle)
	toLower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + 32
		}
		return b
	}
	for i := range hl {
		if i+len(nl) > len(hl) {
			break
		}
		match := true
		for j := range nl {
			if toLower(hl[i+j]) != toLower(nl[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Add validates rawURL, allocates a new id, derives filename/category,
// persists the record and returns it. saveDir defaults to the current
// working directory if empty. The record starts Queued; call Start to
// run it, or let the Scheduler promote it.
func (e *Engine) Add(rawURL, saveDir, referer string, headers map[string]string, mirrors []string) (*record.Record, error) {
	if err := urlutil.Validate(rawURL); err != nil {
		return nil, dlerror.New(dlerror.KindValidation, 0, err)
	}
	if saveDir == "" {
		saveDir = "."
	}
	id := e.store.NextID()
	filename := urlutil.DeriveFilename(rawURL, id)
	category := urlutil.Classify(filename, e.cfg.CategoryOverrides)

	rec := record.New(id, rawURL, filename, saveDir, e.cfg.maxRetries())
	if referer == "" {
		referer = urlutil.Origin(rawURL)
	}
	rec.SetReferer(referer)
	rec.SetHeaders(headers)
	rec.SetCategory(category)
	rec.SetMirrors(mirrors)
	if e.isHelperURL(rawURL) {
		rec.SetExternalHelper(true)
	}

	e.mu.Lock()
	e.records[id] = rec
	e.mu.Unlock()

	e.store.UpsertDownload(rec)
	if err := e.store.Flush(); err != nil {
		e.log.Warn().Err(err).Int64("id", id).Msg("failed to persist new download")
	}
	return rec, nil
}

// Start begins (or resumes) the fetch task for id. Double-start is a
// no-op, enforcing P5 (at most one active fetch task per record).
func (e *Engine) Start(id int64) error {
	rec := e.Get(id)
	if rec == nil {
		return fmt.Errorf("unknown download %d", id)
	}

	e.mu.Lock()
	if _, active := e.running[id]; active {
		e.mu.Unlock()
		return nil
	}
	e.running[id] = struct{}{}
	e.mu.Unlock()

	go e.run(rec)
	return nil
}

// StartAll starts every record not already running.
func (e *Engine) StartAll() {
	for _, rec := range e.Records() {
		_ = e.Start(rec.ID)
	}
}

// Pause transitions id to Paused and closes its in-flight transport
// handles so read loops unblock (P11).
func (e *Engine) Pause(id int64) {
	rec := e.Get(id)
	if rec == nil {
		return
	}
	rec.SetStatus(record.StatusPaused)
	e.handles.CloseAll(id)
	if rec.IsExternalHelper() && e.helper != nil {
		e.helper.Pause(id)
	}
	e.store.UpsertDownload(rec)
	_ = e.store.Flush()
}

// PauseAll pauses every currently running record.
func (e *Engine) PauseAll() {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Pause(id)
	}
}

// Resume restarts a record from {Paused, Error, Queued, Cancelled}. It
// is a no-op from Completed or Downloading.
func (e *Engine) Resume(id int64) error {
	rec := e.Get(id)
	if rec == nil {
		return fmt.Errorf("unknown download %d", id)
	}
	switch rec.Status() {
	case record.StatusPaused, record.StatusError, record.StatusQueued, record.StatusCancelled:
	default:
		return nil
	}
	rec.SetErrorMessage("")
	rec.ResetRetry()
	return e.Start(id)
}

// Cancel transitions id to Cancelled and closes its transport handles.
func (e *Engine) Cancel(id int64) {
	rec := e.Get(id)
	if rec == nil {
		return
	}
	rec.SetStatus(record.StatusCancelled)
	e.handles.CloseAll(id)
	if rec.IsExternalHelper() && e.helper != nil {
		e.helper.Cancel(id)
	}
	e.store.UpsertDownload(rec)
	_ = e.store.Flush()
}

// CancelAll cancels every running record.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Cancel(id)
	}
}

// WaitFinish blocks until id is no longer in the running set or until
// timeout elapses, polling every 50 ms (§5 "Suspension points").
func (e *Engine) WaitFinish(id int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		_, active := e.running[id]
		e.mu.Unlock()
		if !active {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(waitFinishPollInterval)
	}
}

// Remove cancels id if active, waits up to 5 s for its task to exit,
// erases it from the registry, and optionally deletes the final file
// and every .partN sibling.
func (e *Engine) Remove(id int64, deleteFile bool) error {
	rec := e.Get(id)
	if rec == nil {
		return fmt.Errorf("unknown download %d", id)
	}

	e.mu.Lock()
	_, active := e.running[id]
	e.mu.Unlock()
	if active {
		e.Cancel(id)
		e.WaitFinish(id, removeWaitTimeout)
	}

	e.mu.Lock()
	delete(e.records, id)
	delete(e.mirrorIdx, id)
	e.mu.Unlock()

	e.store.DeleteDownload(id)
	if err := e.store.Flush(); err != nil {
		e.log.Warn().Err(err).Int64("id", id).Msg("failed to persist removal")
	}

	if deleteFile {
		finalPath := filepath.Join(rec.SavePath(), rec.Filename())
		_ = os.Remove(finalPath)
		for i := range rec.Chunks() {
			_ = os.Remove(fetch.PartPath(finalPath, i))
		}
	}
	return nil
}

// run drives one record from Queued/Paused through to a terminal
// outcome, implementing the §4.6 iterative whole-download retry loop.
// It always clears the running-set entry on return so Start can be
// invoked again.
func (e *Engine) run(rec *record.Record) {
	defer func() {
		e.mu.Lock()
		delete(e.running, rec.ID)
		e.mu.Unlock()
	}()

	if rec.IsExternalHelper() {
		e.runHelper(rec)
		return
	}

	rec.SetStatus(record.StatusDownloading)
	ctx := context.Background()

	for {
		outcome, derr := e.attempt(ctx, rec)

		switch outcome {
		case OutcomeCompleted:
			e.finalizeCategory(rec)
			rec.SetStatus(record.StatusCompleted)
			rec.ResetRetry()
			e.store.UpsertDownload(rec)
			_ = e.store.Flush()
			e.report(rec, OutcomeCompleted)
			return
		case OutcomeAborted:
			// Pause/Cancel already set the terminal status; nothing to
			// persist beyond what Pause/Cancel already did.
			return
		}

		var derrTyped *dlerror.Error
		if de, ok := derr.(*dlerror.Error); ok {
			derrTyped = de
		}

		if derrTyped != nil && !derrTyped.Retryable() {
			e.fail(rec, derrTyped)
			return
		}
		if !rec.ShouldRetry() {
			if derrTyped == nil {
				derrTyped = dlerror.New(dlerror.KindTransport, 0, derr)
			}
			e.fail(rec, derrTyped)
			return
		}

		rec.IncrementRetry()
		delay := downloadRetryDelay(derrTyped, rec.RetryCount())
		e.store.UpsertDownload(rec)
		_ = e.store.Flush()

		time.Sleep(delay)
		if rec.Status() == record.StatusPaused || rec.Status() == record.StatusCancelled {
			return
		}
		rec.SetStatus(record.StatusDownloading)
	}
}

// finalizeCategory runs the C1 content-sniffing fallback on a freshly
// completed download: when the URL gave no usable extension (the
// record is still sitting in the catch-all category), sniff the
// merged file's leading bytes and reclassify if the sniffed kind maps
// to one of the built-in categories. It also runs the post-merge
// archive/program sanity check and logs (never fails the download) on
// a mismatch, since a download whose bytes don't match its claimed
// category usually means the source mislabeled it, not that the
// transfer is corrupt.
func (e *Engine) finalizeCategory(rec *record.Record) {
	finalPath := filepath.Join(rec.SavePath(), rec.Filename())
	if rec.Category() == urlutil.DefaultCategories()[0] {
		if cat, ok := fileutil.SniffCategory(finalPath); ok {
			rec.SetCategory(cat)
		}
	}
	if !fileutil.VerifyArchiveKind(finalPath, rec.Category()) {
		e.log.Warn().Int64("id", rec.ID).Str("category", rec.Category()).Msg("merged file does not sniff as its category's kind")
	}
}

func (e *Engine) fail(rec *record.Record, derr *dlerror.Error) {
	rec.SetStatus(record.StatusError)
	rec.SetErrorMessage(derr.Message)
	e.store.UpsertDownload(rec)
	_ = e.store.Flush()
	e.report(rec, OutcomeError)
}

func (e *Engine) report(rec *record.Record, outcome Outcome) {
	if e.onDone != nil {
		e.onDone(rec, outcome)
	}
}

// downloadRetryDelay implements §4.6's whole-download backoff: base ·
// 2^min(retryCount,4) capped near 32s, except HTTP 429 which always
// waits a fixed 5s regardless of attempt number.
func downloadRetryDelay(derr *dlerror.Error, retryCount int) time.Duration {
	if derr != nil && derr.Kind == dlerror.KindHTTPServer && derr.Status == 429 {
		return fixedThrottleRetryDelay
	}
	exp := retryCount
	if exp > downloadRetryCapExponent {
		exp = downloadRetryCapExponent
	}
	ms := float64(baseDownloadRetryMs) * math.Pow(2, float64(exp))
	return time.Duration(ms) * time.Millisecond
}

// attempt runs one whole-download attempt: probe, strategy choice,
// mirror failover across candidates, and dispatch to the segmented or
// single-stream path. It returns OutcomeCompleted/OutcomeAborted on a
// terminal result for this attempt, or an error for the caller's retry
// loop to classify.
func (e *Engine) attempt(ctx context.Context, rec *record.Record) (Outcome, error) {
	candidates := append([]string{rec.URL()}, rec.Mirrors()...)
	e.mu.Lock()
	startIdx := e.mirrorIdx[rec.ID]
	e.mu.Unlock()
	if startIdx >= len(candidates) {
		startIdx = 0
	}

	var lastErr error
	for offset := 0; offset < len(candidates); offset++ {
		idx := (startIdx + offset) % len(candidates)
		url := candidates[idx]
		rec.SetURL(url)

		outcome, err := e.attemptOnCurrentURL(ctx, rec)
		if outcome == OutcomeCompleted || outcome == OutcomeAborted {
			return outcome, nil
		}
		lastErr = err

		if de, ok := err.(*dlerror.Error); ok && len(candidates) > 1 {
			switch de.Kind {
			case dlerror.KindTransport, dlerror.KindHTTPServer:
				e.mu.Lock()
				e.mirrorIdx[rec.ID] = (idx + 1) % len(candidates)
				e.mu.Unlock()
				continue
			}
		}
		break
	}
	return OutcomeError, lastErr
}

// attemptOnCurrentURL probes rec.URL(), decides connection count, and
// dispatches to the segmented fetcher or the single-stream path,
// including the in-attempt downgrade/halve transitions of §4.5's
// outcome-routing table (which are not whole-download retries).
func (e *Engine) attemptOnCurrentURL(ctx context.Context, rec *record.Record) (Outcome, error) {
	referer := rec.Referer()
	headers := rec.Headers()

	probe, err := e.session.Probe(ctx, rec.URL(), referer, headers)
	if err != nil {
		return OutcomeError, err
	}
	if probe.Total > 0 {
		rec.SetTotalSize(probe.Total)
	}

	finalPath := filepath.Join(rec.SavePath(), rec.Filename())
	connections := e.chooseConnections(probe)
	e.reconcileChunks(rec, probe.Total, connections)

	for {
		if rec.Status() == record.StatusPaused || rec.Status() == record.StatusCancelled {
			return OutcomeAborted, nil
		}

		if len(rec.Chunks()) <= 1 {
			return e.runSingleStream(ctx, rec, finalPath, referer, headers)
		}

		res := e.fetcher.Run(ctx, rec, finalPath, referer, headers, e.cfg.BytesPerSecond)
		switch res.Outcome {
		case fetch.OutcomeSuccess:
			return OutcomeCompleted, nil
		case fetch.OutcomeAborted:
			return OutcomeAborted, nil
		case fetch.OutcomeRangeUnsupported:
			// rec has already been reinitialised to a single chunk by the
			// fetcher; loop around into the single-stream branch above.
			continue
		case fetch.OutcomeThrottled:
			chunks := rec.Chunks()
			half := len(chunks) / 2
			if half < 1 {
				half = 1
			}
			rec.InitialiseChunks(rec.TotalSize(), half)
			continue
		default:
			return OutcomeError, res.Err
		}
	}
}

// chooseConnections implements §4.6 step 2: clamp to [1,8], cap by
// total_size/512KiB, force 1 when the size or range support is
// unknown, when SequentialDownload is set, or when total < 1 MiB.
func (e *Engine) chooseConnections(probe *transport.ProbeResult) int {
	if e.cfg.SequentialDownload || !probe.RangeSupport || probe.Total <= 0 {
		return 1
	}
	if probe.Total < smallFileCeiling {
		return 1
	}
	n := e.cfg.maxConnections()
	if sizeCap := int(probe.Total / minChunkSpan); sizeCap < n {
		n = sizeCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// reconcileChunks reuses rec's existing chunk vector when its shape
// already matches the chosen strategy and declared size, else
// reinitialises it (§4.6 step 3).
func (e *Engine) reconcileChunks(rec *record.Record, total int64, connections int) {
	existing := rec.Chunks()
	if len(existing) == connections && rec.TotalSize() == total && total > 0 {
		return
	}
	if total <= 0 {
		// Size is unknown: keep whatever single chunk exists so an
		// in-progress streaming download is not reset, otherwise start a
		// single open-ended chunk.
		if len(existing) == 1 {
			return
		}
		rec.InitialiseChunks(0, 1)
		return
	}
	rec.InitialiseChunks(total, connections)
}

// runSingleStream implements §4.6's single-stream path: resume via a
// ranged GET when a partial file already exists on disk, otherwise
// fetch from zero. Errors are returned for the caller's whole-download
// retry loop to classify.
func (e *Engine) runSingleStream(ctx context.Context, rec *record.Record, finalPath, referer string, headers map[string]string) (Outcome, error) {
	var resumeFrom int64
	if info, err := os.Stat(finalPath); err == nil && rec.TotalSize() > 0 && info.Size() < rec.TotalSize() {
		resumeFrom = info.Size()
	}

	rangeHeader := ""
	if resumeFrom > 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-", resumeFrom)
	}

	handle, err := e.session.Open(ctx, rec.URL(), referer, headers, rangeHeader)
	if err != nil {
		return OutcomeError, err
	}
	e.handles.Track(rec.ID, handle)
	defer func() {
		e.handles.Untrack(rec.ID, handle)
		_ = handle.Close()
	}()

	if resumeFrom > 0 {
		if handle.Status() != 206 || httpheader.ContentRange(handle.Headers()).Start != resumeFrom {
			// Server ignored the Range request, or its Content-Range start
			// disagrees with ours: restart from zero rather than append
			// misaligned bytes (§4.6 "on mismatch, restart from zero").
			resumeFrom = 0
			e.handles.Untrack(rec.ID, handle)
			_ = handle.Close()
			fresh, err := e.session.Open(ctx, rec.URL(), referer, headers, "")
			if err != nil {
				return OutcomeError, err
			}
			handle = fresh
			e.handles.Track(rec.ID, handle)
		}
	}

	if resumeFrom == 0 && handle.Status() != 200 && handle.Status() != 206 {
		if dlerror.IsFatalHTTPStatus(handle.Status()) {
			return OutcomeError, dlerror.New(dlerror.KindHTTPClient, handle.Status(), nil)
		}
		return OutcomeError, dlerror.New(dlerror.KindHTTPServer, handle.Status(), nil)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return OutcomeError, dlerror.New(dlerror.KindDiskFull, 0, err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom == 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(finalPath, flags, 0o644)
	if err != nil {
		return OutcomeError, dlerror.New(dlerror.KindDiskFull, 0, err)
	}
	defer file.Close()

	if _, err := file.Seek(resumeFrom, io.SeekStart); err != nil {
		return OutcomeError, dlerror.New(dlerror.KindDiskFull, 0, err)
	}

	limiter := fetch.NewLimiter(e.cfg.BytesPerSecond)
	buf := make([]byte, 64*1024)
	written := resumeFrom
	rec.UpdateChunk(0, written)

	for {
		if rec.Status() == record.StatusPaused || rec.Status() == record.StatusCancelled {
			return OutcomeAborted, nil
		}
		n, readErr := handle.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return OutcomeError, dlerror.New(dlerror.KindDiskFull, 0, werr)
			}
			written += int64(n)
			rec.UpdateChunk(0, written)
			limiter.Throttle(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return OutcomeError, dlerror.New(dlerror.KindTransport, 0, readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return OutcomeError, dlerror.New(dlerror.KindDiskFull, 0, err)
	}
	if rec.TotalSize() > 0 && written != rec.TotalSize() {
		return OutcomeError, dlerror.New(dlerror.KindSizeMismatch, 0, fmt.Errorf("got %d of %d bytes", written, rec.TotalSize()))
	}
	rec.SetTotalSize(written)
	return OutcomeCompleted, nil
}

func (e *Engine) runHelper(rec *record.Record) {
	if e.helper == nil {
		e.fail(rec, dlerror.New(dlerror.KindTransport, 0, fmt.Errorf("no external helper configured")))
		return
	}
	rec.SetStatus(record.StatusDownloading)
	if err := e.helper.Start(context.Background(), rec); err != nil {
		e.fail(rec, dlerror.New(dlerror.KindTransport, 0, err))
		return
	}
	if s := rec.Status(); s == record.StatusPaused || s == record.StatusCancelled {
		return
	}
	rec.SetStatus(record.StatusCompleted)
	e.store.UpsertDownload(rec)
	_ = e.store.Flush()
	e.report(rec, OutcomeCompleted)
}
