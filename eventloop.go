package pollconn

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/golang/glog"
)

// EventLoop is the single cooperative scheduler of one Connection. It is
// the only component that reads the transport, and every callback in the
// package (operation completions, subscription handlers, deferred calls,
// timers) runs synchronously inside Iterate.
type EventLoop struct {
	conn      *Connection
	batchSize int

	iterMu   sync.Mutex
	state    atomic.Uint32
	stopOnce sync.Once
	stopCh   chan struct{}
	wake     chan struct{}

	mu       sync.Mutex
	deferred *queue.Queue
	timers   []*Timer
}

// NewEventLoop creates the loop driving conn and attaches it, so conn can
// enforce stop-before-close ordering.
func NewEventLoop(conn *Connection) *EventLoop {
	l := &EventLoop{
		conn:      conn,
		batchSize: conn.options.BatchSize,
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		deferred:  queue.New(),
	}
	conn.attach(l)
	return l
}

func (l *EventLoop) Connection() *Connection {
	return l.conn
}

func (l *EventLoop) State() LoopState {
	return LoopState(l.state.Load())
}

// Iterate runs one bounded unit of work: due deferred calls and timers, then
// up to the batch size of received frames. With block set and nothing to
// do, it parks until a frame arrives, a timer falls due, work is posted, the
// loop is asked to stop or ctx is done.
//
// Iterate returns OutcomeError with ErrLoopBusy when called while another
// iteration is running, including from inside one of its callbacks.
func (l *EventLoop) Iterate(ctx context.Context, block bool) (Outcome, error) {
	if l.stopRequested() {
		l.state.Store(uint32(LoopStopped))
		return OutcomeStopRequested, nil
	}
	if !l.iterMu.TryLock() {
		return OutcomeError, ErrLoopBusy
	}
	defer l.iterMu.Unlock()

	l.state.Store(uint32(LoopIterating))
	defer func() {
		if l.stopRequested() {
			l.state.Store(uint32(LoopStopped))
		} else {
			l.state.Store(uint32(LoopIdle))
		}
	}()

	progressed, err := l.dispatch(ctx)
	for {
		if err != nil {
			return OutcomeError, err
		}
		if l.stopRequested() {
			return OutcomeStopRequested, nil
		}
		if progressed || !block {
			return OutcomeProgressMade, nil
		}
		if err := l.park(ctx); err != nil {
			return OutcomeError, err
		}
		if l.stopRequested() {
			return OutcomeStopRequested, nil
		}
		progressed, err = l.dispatch(ctx)
	}
}

// park waits for anything that could let dispatch progress. Wakeups can be
// spurious; the caller dispatches again and parks once more if idle.
func (l *EventLoop) park(ctx context.Context) error {
	var timeout <-chan time.Time
	if deadline, ok := l.nextDeadline(); ok {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-l.stopCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.conn.transport.Readable():
	case <-l.wake:
	case <-timeout:
	}
	return nil
}

func (l *EventLoop) dispatch(ctx context.Context) (bool, error) {
	progressed := false

	for _, fn := range l.takeDeferred() {
		fn()
		progressed = true
	}
	for _, t := range l.takeDue(time.Now()) {
		t.fn()
		progressed = true
	}

	tr := l.conn.transport
	for i := 0; i < l.batchSize; i++ {
		if l.stopRequested() || l.conn.State().IsTerminal() || !tr.RecvReady() {
			break
		}
		raw, err := tr.Read()
		if err != nil {
			return true, l.conn.transportFailed(err)
		}
		if raw == nil {
			break
		}
		progressed = true
		if err := l.conn.process(ctx, raw); err != nil {
			return true, err
		}
	}

	if !progressed && !l.stopRequested() && l.conn.State().IsTerminal() && !l.hasScheduled() {
		return false, l.conn.Err()
	}
	return progressed, nil
}

// Run iterates until the loop is stopped (nil) or an iteration fails.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		outcome, err := l.Iterate(ctx, true)
		switch outcome {
		case OutcomeStopRequested:
			return nil
		case OutcomeError:
			return err
		}
	}
}

// RequestStop marks the loop for termination. The next Iterate, or the one
// currently parked, returns OutcomeStopRequested without further I/O.
// It is safe to call from any goroutine and more than once.
func (l *EventLoop) RequestStop() {
	l.stopOnce.Do(func() {
		glog.V(1).Infof("[conn %s] loop stop requested", l.conn.id)
		close(l.stopCh)
	})
}

// Stop requests a stop and waits for an in-flight iteration to return.
// It must not be called from a loop callback.
func (l *EventLoop) Stop() {
	l.RequestStop()
	l.iterMu.Lock()
	l.state.Store(uint32(LoopStopped))
	l.iterMu.Unlock()
}

func (l *EventLoop) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// Post schedules fn to run at the start of the next iteration. It is safe
// to call from any goroutine and wakes a parked iteration.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	l.deferred.Add(fn)
	l.mu.Unlock()
	l.signal()
}

// takeDeferred pops only what was queued before this iteration, so a
// callback that posts again runs on the next one.
func (l *EventLoop) takeDeferred() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.deferred.Length()
	fns := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		fns = append(fns, l.deferred.Remove().(func()))
	}
	return fns
}

func (l *EventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a one-shot callback run by the loop once its deadline passes.
type Timer struct {
	loop *EventLoop
	when time.Time
	fn   func()
}

// AfterFunc schedules fn to run in the first iteration at least d from now.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, when: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	l.timers = append(l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Stop cancels t. It reports false if t already ran or was stopped.
func (t *Timer) Stop() bool {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, other := range l.timers {
		if other == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (l *EventLoop) takeDue(now time.Time) []*Timer {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []*Timer
	kept := l.timers[:0]
	for _, t := range l.timers {
		if !t.when.After(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	clear(l.timers[len(kept):])
	l.timers = kept
	slices.SortStableFunc(due, func(a, b *Timer) int { return a.when.Compare(b.when) })
	return due
}

func (l *EventLoop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next time.Time
	for _, t := range l.timers {
		if next.IsZero() || t.when.Before(next) {
			next = t.when
		}
	}
	return next, !next.IsZero()
}

func (l *EventLoop) hasScheduled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers) > 0 || l.deferred.Length() > 0
}
