package supervisor

// loop.go contains the single-threaded task queue every supervisor state
// transition runs on.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs posted tasks one at a time on the goroutine calling Run.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

// NewLoop returns an idle loop.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It never blocks, so tasks may post
// further tasks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a delayed task created by PostDelayed.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// Cancel prevents the task from running. Cancelling a timer whose task is
// already queued still suppresses it.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.t.Stop()
}

// PostDelayed queues fn to run on the loop after d.
func (l *Loop) PostDelayed(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return timer
}

// Quit makes Run return once the running task completes. Tasks still queued
// are dropped.
func (l *Loop) Quit() {
	l.once.Do(func() { close(l.quit) })
}

// Run processes tasks until Quit is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fn, ok := l.next()
		if ok {
			fn()
			continue
		}

		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}
