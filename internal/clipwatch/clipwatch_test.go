package clipwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatcherDeduplicatesAndValidates(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	w := New(func(rawURL string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rawURL)
		return nil
	}, 20*time.Millisecond)

	var clip string
	var clipMu sync.Mutex
	w.read = func() (string, error) {
		clipMu.Lock()
		defer clipMu.Unlock()
		return clip, nil
	}
	setClip := func(v string) {
		clipMu.Lock()
		defer clipMu.Unlock()
		clip = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	defer cancel()

	setClip("not a url")
	time.Sleep(60 * time.Millisecond)
	setClip("https://example.com/file.zip")
	time.Sleep(60 * time.Millisecond)
	setClip("https://example.com/file.zip")
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"https://example.com/file.zip"}, seen)
}

func TestWatcherStopEndsLoop(t *testing.T) {
	calls := 0
	var mu sync.Mutex

	w := New(func(rawURL string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, 10*time.Millisecond)
	w.read = func() (string, error) { return "https://example.com/a", nil }

	w.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, calls, "no further sink calls after Stop")
}
