// Package scheduler implements the C7 Queue Scheduler: bounded-concurrency
// admission of Queued records and an optional daily time window that
// starts and stops the queue automatically. It is grounded on the
// teacher's internal/downloader/queue.go (the maxDownloads running-set
// bound that caps concurrent active downloads) and on Tanq16-danzo's
// internal/scheduler/scheduler.go (a ticking worker pool detached from
// the caller via its own goroutine and WaitGroup), generalized onto the
// admission algorithm and time-window semantics the engine requires.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surge-downloader/surge/internal/applog"
)

// EndOfWindowAction is an advisory signal emitted when the schedule's
// stop_at boundary fires. The scheduler itself never hibernates or exits
// the process; the host decides how (or whether) to act on it.
type EndOfWindowAction string

const (
	ActionHangUp   EndOfWindowAction = "hang_up"
	ActionExitApp  EndOfWindowAction = "exit_app"
	ActionShutdown EndOfWindowAction = "shutdown"
)

const tickInterval = 1 * time.Second

// Admitter is the subset of the Engine the scheduler needs: the bounded
// admission algorithm and a way to pause everything when a window closes
// with the hang_up action.
type Admitter interface {
	AdmitQueued(maxConcurrent int)
	PauseAll()
}

// clockTime is a wall-clock hour:minute used for the schedule window,
// compared against time.Now() in the scheduler's local timezone.
type clockTime struct {
	hour, minute int
}

func parseClockTime(s string) (clockTime, error) {
	var ct clockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.hour, &ct.minute); err != nil {
		return clockTime{}, fmt.Errorf("invalid time %q, want HH:MM: %w", s, err)
	}
	if ct.hour < 0 || ct.hour > 23 || ct.minute < 0 || ct.minute > 59 {
		return clockTime{}, fmt.Errorf("invalid time %q, hour/minute out of range", s)
	}
	return ct, nil
}

func (c clockTime) matches(t time.Time) bool {
	return t.Hour() == c.hour && t.Minute() == c.minute
}

// Scheduler owns queue_running, max_concurrent, and the optional
// start_at/stop_at window. Safe for concurrent use.
type Scheduler struct {
	engine Admitter
	log    zerolog.Logger

	mu            sync.Mutex
	running       bool
	maxConcurrent int
	startAt       *clockTime
	stopAt        *clockTime
	endAction     EndOfWindowAction
	lastStartFire time.Time
	lastStopFire  time.Time

	onWindowEnd func(EndOfWindowAction)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler bound to engine, with the queue running and
// admitting up to maxConcurrent downloads by default (matching the
// teacher's always-on worker pool; call StopQueue to toggle
// queue_running off).
func New(engine Admitter, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		engine:        engine,
		log:           applog.For("scheduler"),
		running:       true,
		maxConcurrent: maxConcurrent,
	}
}

// SetMaxConcurrent updates max_concurrent; takes effect on the next tick.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
}

// SetWindow configures the daily start_at/stop_at boundaries ("HH:MM",
// local time) and the advisory action fired when stop_at is reached.
// Pass empty strings to clear a previously configured window.
func (s *Scheduler) SetWindow(startAt, stopAt string, action EndOfWindowAction) error {
	var start, stop *clockTime
	if startAt != "" {
		ct, err := parseClockTime(startAt)
		if err != nil {
			return err
		}
		start = &ct
	}
	if stopAt != "" {
		ct, err := parseClockTime(stopAt)
		if err != nil {
			return err
		}
		stop = &ct
	}
	s.mu.Lock()
	s.startAt = start
	s.stopAt = stop
	s.endAction = action
	s.mu.Unlock()
	return nil
}

// OnWindowEnd registers the callback invoked synchronously on the tick
// goroutine when stop_at fires.
func (s *Scheduler) OnWindowEnd(fn func(EndOfWindowAction)) {
	s.mu.Lock()
	s.onWindowEnd = fn
	s.mu.Unlock()
}

// StartQueue sets queue_running true, allowing the next tick (or an
// explicit ProcessQueue call) to admit Queued records again.
func (s *Scheduler) StartQueue() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

// StopQueue sets queue_running false. Downloads already admitted keep
// running; only new admission stops.
func (s *Scheduler) StopQueue() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning reports the current queue_running value.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ProcessQueue runs one admission pass immediately, independent of the
// 1 Hz tick. Called on every download completion per spec.
func (s *Scheduler) ProcessQueue() {
	s.mu.Lock()
	running := s.running
	max := s.maxConcurrent
	s.mu.Unlock()
	if !running {
		return
	}
	s.engine.AdmitQueued(max)
}

// Run starts the 1 Hz tick goroutine. It returns immediately; call Stop
// to halt it. Calling Run twice without an intervening Stop is a no-op.
func (s *Scheduler) Run() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop halts the tick goroutine and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkWindow(now)
			s.ProcessQueue()
		}
	}
}

// checkWindow implements the per-minute edge trigger: start_at/stop_at
// fire at most once for any given minute value, even though the ticker
// samples every second.
func (s *Scheduler) checkWindow(now time.Time) {
	s.mu.Lock()
	start, stop, action := s.startAt, s.stopAt, s.endAction
	lastStart, lastStop := s.lastStartFire, s.lastStopFire
	s.mu.Unlock()

	if start != nil && start.matches(now) && !sameMinute(lastStart, now) {
		s.mu.Lock()
		s.running = true
		s.lastStartFire = now
		s.mu.Unlock()
		s.log.Info().Msg("schedule window opened, queue running")
	}

	if stop != nil && stop.matches(now) && !sameMinute(lastStop, now) {
		s.mu.Lock()
		s.running = false
		s.lastStopFire = now
		cb := s.onWindowEnd
		s.mu.Unlock()
		s.log.Info().Str("action", string(action)).Msg("schedule window closed")
		if action == ActionHangUp {
			s.engine.PauseAll()
		}
		if cb != nil {
			cb(action)
		}
	}
}

func sameMinute(a, b time.Time) bool {
	return !a.IsZero() && a.Year() == b.Year() && a.YearDay() == b.YearDay() && a.Hour() == b.Hour() && a.Minute() == b.Minute()
}
