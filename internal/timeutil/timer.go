package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Timer wraps a [time.Timer] with explicit state tracking. Unlike the
// standard timer, a Timer can always be asked whether it is running,
// stopped or expired, and how much time is left; Stop guarantees the
// callback never runs afterwards.
type Timer struct {
	// startTime is the timestamp when the timer was started.
	startTime time.Time
	// duration is the total duration the timer should run.
	duration time.Duration
	// state is the current state of the timer.
	state TimerState
	// stopTime is the timestamp when the timer was stopped (if applicable).
	stopTime time.Time

	// callback is the function to execute when the timer expires.
	callback func()
	// callbackExecuted tracks whether the callback has been executed.
	callbackExecuted bool
	// mu protects concurrent access to all mutable fields.
	mu sync.Mutex
	// realTimer is the actual time.Timer that runs in the background.
	realTimer *time.Timer
}

// AfterFunc creates a new Timer with the given duration and callback.
// The timer is started immediately and the callback is executed in its
// own goroutine when it expires.
func AfterFunc(duration time.Duration, f func()) *Timer {
	t := &Timer{
		startTime: time.Now(),
		duration:  duration,
		state:     TimerStateRunning,
		callback:  f,
	}
	t.armUnsafe(duration)
	return t
}

// State returns the current timer state in a thread-safe manner.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer's duration.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Elapsed returns the time elapsed since the timer started.
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedUnsafe()
}

// elapsedUnsafe computes the elapsed duration without locking.
// Caller must hold the mutex.
func (t *Timer) elapsedUnsafe() time.Duration {
	switch t.state {
	case TimerStateRunning:
		return time.Since(t.startTime)
	case TimerStateStopped, TimerStateExpired:
		if !t.stopTime.IsZero() {
			return t.stopTime.Sub(t.startTime)
		}
		return t.duration
	}
	return t.duration
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TimerStateStopped {
		return 0
	}
	left := t.duration - t.elapsedUnsafe()
	if left < 0 {
		return 0
	}
	return left
}

// Expired returns true if the timer has expired.
func (t *Timer) Expired() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TimerStateExpired:
		return true
	case TimerStateStopped:
		return false
	}
	return time.Since(t.startTime) >= t.duration
}

// Stop stops the timer. If Stop returns true the callback is guaranteed
// not to run.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}

	t.stopTime = time.Now()
	t.state = TimerStateStopped
	t.callback = nil

	if t.realTimer != nil {
		t.realTimer.Stop()
		t.realTimer = nil
	}
	return true
}

// Reset restarts the timer with a new duration, starting from now.
// The callback is preserved and will execute when the new duration expires.
func (t *Timer) Reset(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.duration = duration
	t.state = TimerStateRunning
	t.stopTime = time.Time{}
	t.callbackExecuted = false

	if t.realTimer != nil {
		t.realTimer.Stop()
		t.realTimer = nil
	}
	t.armUnsafe(duration)
}

// armUnsafe starts the backing time.Timer. Caller must hold the mutex.
func (t *Timer) armUnsafe(duration time.Duration) {
	if t.callback == nil {
		return
	}
	if duration <= 0 {
		duration = 1
	}

	t.realTimer = time.AfterFunc(duration, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.state == TimerStateRunning && !t.callbackExecuted {
			t.state = TimerStateExpired
			t.stopTime = time.Now()
			t.callbackExecuted = true
			if callback := t.callback; callback != nil {
				go callback()
			}
		}
	})
}

// Backoff yields exponentially increasing retransmission intervals.
// Each call to Next doubles the interval, capped at the configured
// maximum; a zero cap means the interval grows without bound.
type Backoff struct {
	interval time.Duration
	cap      time.Duration
}

// NewBackoff creates a backoff starting at initial, capped at cap.
func NewBackoff(initial, cap time.Duration) *Backoff {
	return &Backoff{interval: initial, cap: cap}
}

// Current returns the interval the next firing should wait for.
func (b *Backoff) Current() time.Duration {
	return b.interval
}

// Next doubles the interval, applies the cap and returns the new value.
func (b *Backoff) Next() time.Duration {
	b.interval *= 2
	if b.cap > 0 && b.interval > b.cap {
		b.interval = b.cap
	}
	return b.interval
}
