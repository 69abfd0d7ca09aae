// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import "time"

// Loop is a single-goroutine executor: a FIFO of closures drained by one
// background goroutine. Every Engine registered against a Demultiplexer
// shares that demultiplexer's Loop, which is what gives the engines their
// "lock-free internally" property (spec.md §5) — all mutation of engine
// state happens inside a closure run on the Loop, never concurrently with
// another closure.
//
// Loop generalizes the select-over-channels pattern of a single forwarding
// goroutine (one reader channel, one ticker channel) to an arbitrary number
// of event sources by giving every event source the same entrypoint: post a
// closure. Timers post their own continuation when they fire instead of
// being selected on directly, so one Loop can back any number of engines
// and timers without the select statement growing with connection count.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

// NewLoop starts a new Loop. Callers must call Close when finished with
// every Demultiplexer/Engine backed by this Loop.
func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			// Drain any already-queued work before exiting so a Close
			// racing with a final Post does not strand it.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the Loop goroutine. Safe to call from any
// goroutine, including from within a closure already running on the Loop
// (used for the "next scheduler tick" continuation in spec.md §4.3's
// _end_send). Post never blocks the Loop goroutine itself; it may block a
// caller briefly if the queue is momentarily full.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// afterFuncTimer cancels the underlying time.Timer. Loop.AfterFunc returns
// one of these so STmin waits can be cancelled if a connection closes
// mid-wait.
type afterFuncTimer struct{ t *time.Timer }

func (a *afterFuncTimer) Stop() bool { return a.t.Stop() }

// AfterFunc schedules fn to run on the Loop goroutine after d elapses. It
// is the one suspension point spec.md §5 allows beyond frame delivery: the
// STmin timer between consecutive frames.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *afterFuncTimer {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return &afterFuncTimer{t: t}
}

// Close stops accepting new closures and lets the goroutine drain
// already-queued work before exiting.
func (l *Loop) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}
