package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	mu         sync.Mutex
	admitCalls []int
	pauseCalls int
}

func (f *fakeAdmitter) AdmitQueued(maxConcurrent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admitCalls = append(f.admitCalls, maxConcurrent)
}

func (f *fakeAdmitter) PauseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
}

func (f *fakeAdmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.admitCalls)
}

func (f *fakeAdmitter) pauses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauseCalls
}

func TestProcessQueueAdmitsWhenRunning(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 3)
	s.ProcessQueue()
	assert.Equal(t, 1, fa.calls())
	assert.Equal(t, []int{3}, fa.admitCalls)
}

func TestProcessQueueSkipsWhenStopped(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 3)
	s.StopQueue()
	s.ProcessQueue()
	assert.Equal(t, 0, fa.calls())
	assert.False(t, s.IsRunning())
}

func TestStartQueueResumesAdmission(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 1)
	s.StopQueue()
	s.StartQueue()
	assert.True(t, s.IsRunning())
	s.ProcessQueue()
	assert.Equal(t, 1, fa.calls())
}

func TestSetMaxConcurrentClampsToOne(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 5)
	s.SetMaxConcurrent(0)
	s.ProcessQueue()
	assert.Equal(t, []int{1}, fa.admitCalls)
}

func TestSetWindowRejectsMalformedTime(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 1)
	err := s.SetWindow("25:99", "", ActionHangUp)
	require.Error(t, err)
}

func TestCheckWindowStopFiresHangUpAndCallback(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 1)
	require.NoError(t, s.SetWindow("", "10:30", ActionHangUp))

	var fired EndOfWindowAction
	s.OnWindowEnd(func(a EndOfWindowAction) { fired = a })

	now := time.Date(2026, 8, 3, 10, 30, 15, 0, time.Local)
	s.checkWindow(now)

	assert.False(t, s.IsRunning())
	assert.Equal(t, 1, fa.pauses())
	assert.Equal(t, ActionHangUp, fired)
}

func TestCheckWindowStopEdgeTriggersOncePerMinute(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 1)
	require.NoError(t, s.SetWindow("", "10:30", ActionShutdown))

	var fireCount int
	s.OnWindowEnd(func(EndOfWindowAction) { fireCount++ })

	base := time.Date(2026, 8, 3, 10, 30, 0, 0, time.Local)
	s.checkWindow(base)
	s.checkWindow(base.Add(30 * time.Second))
	s.checkWindow(base.Add(59 * time.Second))

	assert.Equal(t, 1, fireCount, "stop_at must fire exactly once within the same minute")
	assert.Equal(t, 0, fa.pauses(), "hang_up was not the configured action")
}

func TestCheckWindowStartReopensQueue(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 1)
	s.StopQueue()
	require.NoError(t, s.SetWindow("09:00", "", ActionHangUp))

	now := time.Date(2026, 8, 3, 9, 0, 5, 0, time.Local)
	s.checkWindow(now)
	assert.True(t, s.IsRunning())
}

func TestRunAndStopTickLoop(t *testing.T) {
	fa := &fakeAdmitter{}
	s := New(fa, 2)
	s.Run()
	time.Sleep(1200 * time.Millisecond)
	s.Stop()
	assert.GreaterOrEqual(t, fa.calls(), 1)
}
