package eventloop_test

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/ghettovoice/sipproxy/internal/eventloop"
)

func TestTimer_Fire(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		start := time.Now()
		var firedAt time.Time
		l.Post(func() {
			l.AfterFunc(500*time.Millisecond, func() { firedAt = time.Now() })
		})

		time.Sleep(time.Second)
		synctest.Wait()

		var got time.Duration
		l.Do(t.Context(), func() { got = firedAt.Sub(start) }) //nolint:errcheck
		if got != 500*time.Millisecond {
			t.Fatalf("timer fired after %v, want %v", got, 500*time.Millisecond)
		}
	})
}

func TestTimer_StopDiscardsQueuedExpiry(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		fired := 0
		l.Post(func() {
			tmr := l.AfterFunc(0, func() { fired++ })
			// the expiry of a zero timer may already be queued behind this task
			time.Sleep(time.Millisecond)
			if !tmr.Stop() {
				t.Error("tmr.Stop() = false, want true")
			}
			if tmr.Stop() {
				t.Error("second tmr.Stop() = true, want false")
			}
		})

		time.Sleep(time.Second)
		synctest.Wait()

		l.Do(t.Context(), func() { //nolint:errcheck
			if fired != 0 {
				t.Errorf("stopped timer fired %d times, want 0", fired)
			}
		})
	})
}

func TestTimer_Reset(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l, stop := startLoop()
		defer stop()

		start := time.Now()
		var fires []time.Duration
		l.Post(func() {
			var tmr *eventloop.Timer
			tmr = l.AfterFunc(100*time.Millisecond, func() {
				fires = append(fires, time.Since(start))
				if len(fires) < 3 {
					tmr.Reset(2 * tmr.Duration())
				}
			})
		})

		time.Sleep(time.Second)
		synctest.Wait()

		l.Do(t.Context(), func() { //nolint:errcheck
			want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}
			if len(fires) != len(want) {
				t.Fatalf("timer fired %d times, want %d", len(fires), len(want))
			}
			for i := range want {
				if fires[i] != want[i] {
					t.Errorf("fire #%d at %v, want %v", i, fires[i], want[i])
				}
			}
		})
	})
}

func TestTimer_Nil(t *testing.T) {
	t.Parallel()

	var tmr *eventloop.Timer
	if tmr.Stop() || tmr.Active() || tmr.Duration() != 0 || tmr.Left() != 0 {
		t.Fatal("nil timer methods must be no-ops")
	}
}
