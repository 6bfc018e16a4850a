// Package runloop provides the single-threaded cooperative executor the
// streaming core runs on. Timers, fetch completions and sink callbacks are
// all funneled through one loop, so component state never needs locking and
// invariants hold between suspension points.
package runloop

import (
	"sync"
	"time"
)

// Executor serializes work onto one logical thread.
type Executor interface {
	// Post enqueues fn to run on the loop.
	Post(fn func())
	// After schedules fn to run on the loop after d. The returned timer can
	// be canceled; a canceled timer never runs its body.
	After(d time.Duration, fn func()) *Timer
}

// Timer is a cancelable scheduled task.
type Timer struct {
	canceled bool
	stop     func() bool
}

// Cancel prevents the timer body from running. Safe to call from the loop
// at any time, including after the timer fired.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.canceled = true
	if t.stop != nil {
		t.stop()
	}
}

// Loop is the production executor: a single goroutine draining a task
// queue.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	wg     sync.WaitGroup
}

// New starts a loop.
func New() *Loop {
	l := &Loop{}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed && len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		task()
	}
}

// Post enqueues fn. Posts after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
}

// After schedules fn on the loop after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.canceled {
				fn()
			}
		})
	})
	t.stop = timer.Stop
	return t
}

// Close drains pending tasks and stops the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
	l.wg.Wait()
}

// Manual is a test executor: posted tasks queue until RunAll, timers fire
// only when explicitly advanced.
type Manual struct {
	tasks  []func()
	timers []*manualTimer
	now    time.Duration
}

type manualTimer struct {
	at       time.Duration
	fn       func()
	timer    *Timer
	fired    bool
	canceled bool
}

// NewManual creates a manual executor.
func NewManual() *Manual {
	return &Manual{}
}

// Post enqueues fn.
func (m *Manual) Post(fn func()) {
	m.tasks = append(m.tasks, fn)
}

// After schedules fn at the current virtual time plus d.
func (m *Manual) After(d time.Duration, fn func()) *Timer {
	mt := &manualTimer{at: m.now + d, fn: fn}
	t := &Timer{stop: func() bool {
		mt.canceled = true
		return true
	}}
	mt.timer = t
	m.timers = append(m.timers, mt)
	return t
}

// RunAll drains the task queue, including tasks posted while draining.
func (m *Manual) RunAll() {
	for len(m.tasks) > 0 {
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		task()
	}
}

// Advance moves virtual time forward by d, draining the queue and firing due
// timers in due order, each at its own virtual time; timers armed along the
// way fire too when they fall due within d.
func (m *Manual) Advance(d time.Duration) {
	end := m.now + d
	for {
		m.RunAll()
		var next *manualTimer
		for _, mt := range m.timers {
			if mt.fired || mt.canceled || mt.timer.canceled || mt.at > end {
				continue
			}
			if next == nil || mt.at < next.at {
				next = mt
			}
		}
		if next == nil {
			break
		}
		m.now = next.at
		next.fired = true
		next.fn()
	}
	m.now = end
}

// PendingTimers counts timers that have not fired or been canceled.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, mt := range m.timers {
		if !mt.fired && !mt.canceled && !mt.timer.canceled {
			n++
		}
	}
	return n
}
