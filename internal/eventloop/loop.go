// Package eventloop implements the single goroutine that serializes all
// transaction and routing state changes.
//
// Work is submitted with [Loop.Post] from any goroutine and executed in
// submission order. Timers created with [Loop.AfterFunc] deliver their expiry
// through the same queue, so stopping a timer from a loop task is race-free:
// an expiry that was already queued is discarded.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/log"
)

// ErrLoopClosed is returned when work is submitted to a closed loop.
const ErrLoopClosed errorutil.Error = "event loop closed"

// Options are the loop options.
type Options struct {
	// Log is the logger used to report recovered task panics.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Loop is a FIFO task queue drained by a single goroutine.
// The zero value is not usable, use [New].
type Loop struct {
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a new loop. Call [Loop.Run] to start processing.
func New(opts *Options) *Loop {
	return &Loop{
		log:  opts.log(),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post enqueues fn for execution on the loop goroutine.
// It reports false when the loop is already closed, fn is dropped in this case.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do enqueues fn and waits until it has been executed.
// It must not be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return errtrace.Wrap(ErrLoopClosed)
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		return errtrace.Wrap(ErrLoopClosed)
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

// Run drains the queue until ctx is done or [Loop.Close] is called.
// Tasks still queued at that moment are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.shutdown()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.quit:
				return nil
			default:
			}
			l.exec(ctx, fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		case <-l.quit:
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) exec(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.LogAttrs(ctx, slog.LevelError, "event loop task panicked",
				slog.Any("error", fmt.Errorf("panic: %v", r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	fn()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
}

// Close stops the loop. It is safe to call Close multiple times and from any goroutine,
// including the loop itself.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.shutdown()
		close(l.quit)
	})
}

// Done returns a channel that is closed after [Loop.Run] returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
