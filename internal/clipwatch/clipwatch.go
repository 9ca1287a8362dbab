// Package clipwatch implements the optional clipboard URL watcher
// referenced by the teacher's internal/config/settings.go
// GeneralSettings.ClipboardMonitor field, a setting the spec.md
// distillation dropped. It polls the system clipboard on a timer and
// feeds validated candidate URLs into the same intake Sink the Local
// HTTP Ingress uses, never touching the engine directly.
package clipwatch

import (
	"context"
	"time"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"

	"github.com/surge-downloader/surge/internal/applog"
	"github.com/surge-downloader/surge/internal/urlutil"
)

const defaultPollInterval = 2 * time.Second

// Sink is the URL intake callback, satisfied by the Engine's Add (or a
// thin wrapper around it that also calls Start).
type Sink func(rawURL string) error

// Watcher polls the clipboard and forwards newly seen, validated URLs
// to Sink. It never blocks the caller: Start launches its own goroutine
// and Stop cancels it.
type Watcher struct {
	sink         Sink
	pollInterval time.Duration
	log          zerolog.Logger
	read         func() (string, error)

	cancel context.CancelFunc
}

// New constructs a Watcher. pollInterval <= 0 uses the 2s default.
func New(sink Sink, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Watcher{
		sink:         sink,
		pollInterval: pollInterval,
		log:          applog.For("clipwatch"),
		read:         clipboard.ReadAll,
	}
}

// Start begins polling in a background goroutine. Calling Start twice
// without an intervening Stop replaces the previous loop's cancel
// function, so Stop no longer reaches the old goroutine, which keeps
// polling until the context passed to the earlier Start is cancelled;
// callers are expected to Stop before Start.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(ctx)
}

// Stop ends the polling loop. Safe to call on a Watcher that was never
// started.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastSeen string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text, err := w.read()
			if err != nil || text == "" || text == lastSeen {
				continue
			}
			lastSeen = text
			if urlutil.Validate(text) != nil {
				continue
			}
			if err := w.sink(text); err != nil {
				w.log.Debug().Err(err).Str("url", text).Msg("clipboard candidate rejected by sink")
			}
		}
	}
}
