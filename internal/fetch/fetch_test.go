package fetch

import (
	"context"
	"crypto/sha256"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/testutil"
	"github.com/surge-downloader/surge/internal/transport"
)

func newFetcher(t *testing.T) *Fetcher {
	sess, err := transport.NewSession(transport.Options{})
	require.NoError(t, err)
	return New(sess, transport.NewRegistry())
}

func TestRunSegmentedFourChunksMerges(t *testing.T) {
	const size = 10 * 1024 * 1024
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(size), testutil.WithRandomData(true))
	defer srv.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")

	r := record.New(1, srv.URL(), "out.bin", dir, 5)
	r.InitialiseChunks(size, 4)
	r.SetStatus(record.StatusDownloading)

	f := newFetcher(t)
	res := f.Run(context.Background(), r, final, "", nil, 0)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	info, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size())

	for i := 0; i < 4; i++ {
		_, err := os.Stat(PartPath(final, i))
		assert.True(t, os.IsNotExist(err), "part file should be deleted after merge")
	}
}

func TestRunSegmentedResumesFromPartialPartFile(t *testing.T) {
	const size = 4 * 1024 * 1024
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(size))
	defer srv.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")

	r := record.New(1, srv.URL(), "out.bin", dir, 5)
	r.InitialiseChunks(size, 2)
	r.SetStatus(record.StatusDownloading)

	// Simulate a prior partial download of chunk 0.
	chunk0 := r.Chunks()[0]
	half := chunk0.Size() / 2
	require.NoError(t, os.WriteFile(PartPath(final, 0), make([]byte, half), 0o644))

	f := newFetcher(t)
	res := f.Run(context.Background(), r, final, "", nil, 0)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	info, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size())
}

func TestRunSegmentedDowngradesOnRangeUnsupported(t *testing.T) {
	const size = 1 * 1024 * 1024
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(size), testutil.WithRangeSupport(false))
	defer srv.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")

	r := record.New(1, srv.URL(), "out.bin", dir, 5)
	r.InitialiseChunks(size, 4)
	r.SetStatus(record.StatusDownloading)

	f := newFetcher(t)
	res := f.Run(context.Background(), r, final, "", nil, 0)
	assert.Equal(t, OutcomeRangeUnsupported, res.Outcome)
	assert.Len(t, r.Chunks(), 1, "record should be reinitialised to a single chunk")

	for i := 0; i < 4; i++ {
		_, err := os.Stat(PartPath(final, i))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRunSegmentedThrottleThenSucceedsOnRetry(t *testing.T) {
	var calls atomic.Int64
	srv := testutil.NewMockServerT(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-0/1")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")
	r := record.New(1, srv.URL(), "out.bin", dir, 5)
	r.InitialiseChunks(1, 1)
	r.SetStatus(record.StatusDownloading)

	f := newFetcher(t)
	res := f.Run(context.Background(), r, final, "", nil, 0)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestRetryDelayIndexedByFailedAttempt(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, retryDelay(OutcomeThrottled, 0))
	assert.Equal(t, 1000*time.Millisecond, retryDelay(OutcomeThrottled, 1))
	assert.Equal(t, 500*time.Millisecond, retryDelay(OutcomeFailed, 0))
	assert.Equal(t, 1000*time.Millisecond, retryDelay(OutcomeFailed, 1))
}

func TestRunSegmentedPersistentThrottleSurfacesThrottled(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")
	r := record.New(1, srv.URL(), "out.bin", dir, 5)
	r.InitialiseChunks(4, 4)
	r.SetStatus(record.StatusDownloading)

	f := newFetcher(t)
	res := f.Run(context.Background(), r, final, "", nil, 0)
	assert.Equal(t, OutcomeThrottled, res.Outcome, "persistent 503s on every chunk must surface as Throttled, not Failed, so the Engine halves connections instead of falling to whole-download retry")

	for i := 0; i < 4; i++ {
		_, err := os.Stat(PartPath(final, i))
		assert.True(t, os.IsNotExist(err), "parts should be deleted on the throttled downgrade path")
	}
}

func TestMergeVerifiesSizeAndDeletesOnMismatch(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.bin")

	r := record.New(1, "http://example.com/x", "out.bin", dir, 5)
	r.InitialiseChunks(100, 2)

	require.NoError(t, os.WriteFile(PartPath(final, 0), make([]byte, 40), 0o644))
	require.NoError(t, os.WriteFile(PartPath(final, 1), make([]byte, 40), 0o644))

	f := newFetcher(t)
	err := f.merge(r, final)
	require.Error(t, err)

	_, statErr := os.Stat(final)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(PartPath(final, 0))
	assert.True(t, os.IsNotExist(statErr))
}

func TestByteForByteResumeMatchesOracle(t *testing.T) {
	const size = 3 * 1024 * 1024
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(size), testutil.WithRandomData(true))
	defer srv.Close()

	dir := t.TempDir()
	oracle := filepath.Join(dir, "oracle.bin")
	rOracle := record.New(1, srv.URL(), "oracle.bin", dir, 5)
	rOracle.InitialiseChunks(size, 3)
	f := newFetcher(t)
	res := f.Run(context.Background(), rOracle, oracle, "", nil, 0)
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	resumed := filepath.Join(dir, "resumed.bin")
	rResumed := record.New(2, srv.URL(), "resumed.bin", dir, 5)
	rResumed.InitialiseChunks(size, 3)
	chunk0 := rResumed.Chunks()[0]
	require.NoError(t, os.WriteFile(PartPath(resumed, 0), make([]byte, chunk0.Size()/2), 0o644))
	res2 := f.Run(context.Background(), rResumed, resumed, "", nil, 0)
	require.NoError(t, res2.Err)
	require.Equal(t, OutcomeSuccess, res2.Outcome)

	a, err := os.ReadFile(oracle)
	require.NoError(t, err)
	b, err := os.ReadFile(resumed)
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(a), sha256.Sum256(b))
}
