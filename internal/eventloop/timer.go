package eventloop

import "time"

// Timer is a one-shot timer whose callback runs on the loop goroutine.
//
// All methods must be called from the loop goroutine. A callback is never
// executed after [Timer.Stop] or [Timer.Reset] returned, even if the
// underlying runtime timer had already fired.
type Timer struct {
	loop     *Loop
	fn       func()
	duration time.Duration
	deadline time.Time
	rt       *time.Timer
	gen      uint64
	active   bool
}

// AfterFunc starts a timer that calls fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tmr := &Timer{loop: l, fn: fn}
	tmr.start(d)
	return tmr
}

func (t *Timer) start(d time.Duration) {
	t.gen++
	gen := t.gen
	t.duration = d
	t.deadline = time.Now().Add(d)
	t.active = true
	t.rt = time.AfterFunc(d, func() {
		t.loop.Post(func() { t.fire(gen) })
	})
}

func (t *Timer) fire(gen uint64) {
	if !t.active || t.gen != gen {
		return
	}
	t.active = false
	t.fn()
}

// Stop cancels the timer. It reports whether the timer was active.
// Stop on a nil timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || !t.active {
		return false
	}
	t.active = false
	t.gen++
	t.rt.Stop()
	return true
}

// Reset restarts the timer with a new duration counting from now.
func (t *Timer) Reset(d time.Duration) {
	if t.rt != nil {
		t.rt.Stop()
	}
	t.start(d)
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool { return t != nil && t.active }

// Duration returns the duration the timer was last started with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return t.duration
}

// Deadline returns the time when the timer expires.
func (t *Timer) Deadline() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.deadline
}

// Left returns the time remaining until the timer expires, 0 if it is not active.
func (t *Timer) Left() time.Duration {
	if !t.Active() {
		return 0
	}
	return max(time.Until(t.deadline), 0)
}
