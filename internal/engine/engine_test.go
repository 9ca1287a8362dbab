package engine

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/store"
	"github.com/surge-downloader/surge/internal/testutil"
)

func newTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	return New(st, Config{MaxRetries: 2})
}

func TestAddAllocatesMonotonicIDs(t *testing.T) {
	e := newTestEngine(t)
	r1, err := e.Add("http://example.com/a.bin", t.TempDir(), "", nil, nil)
	require.NoError(t, err)
	r2, err := e.Add("http://example.com/b.bin", t.TempDir(), "", nil, nil)
	require.NoError(t, err)
	assert.Less(t, r1.ID, r2.ID)
}

func TestAddRejectsInvalidURL(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Add("javascript:alert(1)", t.TempDir(), "", nil, nil)
	require.Error(t, err)
}

func TestStartSingleStreamSmallFile(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(500_000), testutil.WithRangeSupport(false))
	defer srv.Close()

	dir := t.TempDir()
	e := newTestEngine(t)
	rec, err := e.Add(srv.URL()+"/f.bin", dir, "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(rec.ID))
	require.True(t, e.WaitFinish(rec.ID, 10*time.Second))

	assert.Equal(t, record.StatusCompleted, rec.Status())
	info, err := os.Stat(filepath.Join(dir, rec.Filename()))
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), info.Size())
}

func TestStartSegmentedLargeFile(t *testing.T) {
	const size = 10 * 1024 * 1024
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(size), testutil.WithRangeSupport(true))
	defer srv.Close()

	dir := t.TempDir()
	e := newTestEngine(t)
	rec, err := e.Add(srv.URL()+"/f.bin", dir, "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(rec.ID))
	require.True(t, e.WaitFinish(rec.ID, 20*time.Second))

	assert.Equal(t, record.StatusCompleted, rec.Status())
	info, err := os.Stat(filepath.Join(dir, rec.Filename()))
	require.NoError(t, err)
	assert.Equal(t, int64(size), info.Size())
}

func TestFatal404NeverRetries(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	rec, err := e.Add(srv.URL()+"/missing.bin", t.TempDir(), "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(rec.ID))
	require.True(t, e.WaitFinish(rec.ID, 5*time.Second))

	assert.Equal(t, record.StatusError, rec.Status())
	assert.Equal(t, 0, rec.RetryCount())
	assert.Contains(t, rec.ErrorMessage(), "404")
}

func TestDoubleStartIsNoOp(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(2*1024*1024), testutil.WithLatency(50*time.Millisecond))
	defer srv.Close()

	e := newTestEngine(t)
	rec, err := e.Add(srv.URL()+"/f.bin", t.TempDir(), "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(rec.ID))
	require.NoError(t, e.Start(rec.ID)) // must not panic or start a second task
	require.True(t, e.WaitFinish(rec.ID, 10*time.Second))
	assert.Equal(t, record.StatusCompleted, rec.Status())
}

func TestPauseThenResumeCompletes(t *testing.T) {
	const size = 4 * 1024 * 1024
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(size), testutil.WithRangeSupport(true), testutil.WithByteLatency(2*time.Microsecond))
	defer srv.Close()

	dir := t.TempDir()
	e := newTestEngine(t)
	rec, err := e.Add(srv.URL()+"/f.bin", dir, "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(rec.ID))
	time.Sleep(20 * time.Millisecond)
	e.Pause(rec.ID)
	require.True(t, e.WaitFinish(rec.ID, 5*time.Second))
	assert.Equal(t, record.StatusPaused, rec.Status())

	require.NoError(t, e.Resume(rec.ID))
	require.True(t, e.WaitFinish(rec.ID, 20*time.Second))
	assert.Equal(t, record.StatusCompleted, rec.Status())
}

func TestRemoveDeletesFile(t *testing.T) {
	srv := testutil.NewMockServerT(t, testutil.WithFileSize(100_000), testutil.WithRangeSupport(false))
	defer srv.Close()

	dir := t.TempDir()
	e := newTestEngine(t)
	rec, err := e.Add(srv.URL()+"/f.bin", dir, "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(rec.ID))
	require.True(t, e.WaitFinish(rec.ID, 5*time.Second))

	finalPath := filepath.Join(dir, rec.Filename())
	require.NoError(t, e.Remove(rec.ID, true))
	_, statErr := os.Stat(finalPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Nil(t, e.Get(rec.ID))
}
