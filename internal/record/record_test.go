package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialiseChunksCoversWholeRange(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 5)
	r.InitialiseChunks(1000, 4)

	chunks := r.Chunks()
	require.Len(t, chunks, 4)

	var covered int64
	for i, c := range chunks {
		assert.Equal(t, c.Current, c.Start)
		covered += c.Size()
		if i > 0 {
			assert.Equal(t, chunks[i-1].End+1, c.Start, "chunks must be contiguous")
		}
	}
	assert.Equal(t, int64(1000), covered)
	assert.Equal(t, int64(999), chunks[len(chunks)-1].End)
}

func TestInitialiseChunksMoreChunksThanBytes(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 5)
	r.InitialiseChunks(2, 8)

	chunks := r.Chunks()
	var covered int64
	for _, c := range chunks {
		covered += c.Size()
	}
	assert.Equal(t, int64(2), covered)
}

func TestUpdateChunkRecomputesDownloadedSize(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 5)
	r.InitialiseChunks(300, 3)

	r.UpdateChunk(0, 100) // chunk 0 fully done (0-99)
	r.UpdateChunk(1, 150) // chunk 1 half done (100-199)

	assert.Equal(t, int64(150), r.DownloadedSize())
	assert.False(t, r.AllChunksCompleted())

	r.UpdateChunk(1, 200)
	r.UpdateChunk(2, 300)
	assert.True(t, r.AllChunksCompleted())
	assert.Equal(t, int64(300), r.DownloadedSize())
}

func TestProgressOverrideTakesPrecedence(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 5)
	r.InitialiseChunks(1000, 1)
	r.UpdateChunk(0, 100)
	assert.Equal(t, int64(100), r.DownloadedSize())

	r.SetProgressOverride(500)
	assert.Equal(t, int64(500), r.DownloadedSize())

	r.SetProgressOverride(-1)
	assert.Equal(t, int64(100), r.DownloadedSize())
}

func TestRetryBackoffIsCappedAndMonotonic(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 10)

	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		d := r.IncrementRetry()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60*time.Second)
		prev = d
	}
	assert.Equal(t, 60*time.Second, prev)
}

func TestShouldRetryRespectsMaxRetries(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 2)
	assert.True(t, r.ShouldRetry())
	r.IncrementRetry()
	assert.True(t, r.ShouldRetry())
	r.IncrementRetry()
	assert.False(t, r.ShouldRetry())

	r.ResetRetry()
	assert.True(t, r.ShouldRetry())
	assert.Equal(t, 0, r.RetryCount())
}

func TestSpeedEMAWarmupThenSmooths(t *testing.T) {
	r := New(1, "http://example.com/a", "a.bin", "/tmp/a.bin", 5)
	r.SetSpeedSample(100)
	assert.Equal(t, float64(100), r.Speed())
	r.SetSpeedSample(200)
	assert.InDelta(t, 150, r.Speed(), 0.01)
	r.SetSpeedSample(300)
	assert.InDelta(t, 200, r.Speed(), 0.01)

	before := r.Speed()
	r.SetSpeedSample(1000)
	assert.Greater(t, r.Speed(), before)
	assert.Less(t, r.Speed(), float64(1000))
}

func TestFromSnapshotRemapsDownloadingToPaused(t *testing.T) {
	r := New(42, "http://example.com/a", "a.bin", "/tmp/a.bin", 5)
	r.InitialiseChunks(100, 2)
	r.SetStatus(StatusDownloading)

	snap := r.ToSnapshot()
	assert.Equal(t, StatusDownloading, snap.Status)

	loaded := FromSnapshot(snap)
	assert.Equal(t, StatusPaused, loaded.Status())
	assert.Equal(t, r.TotalSize(), loaded.TotalSize())
}
