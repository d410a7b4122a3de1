package pollconn

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// inbox buffers frames handed over by a transport's receive goroutine until
// the event loop reads them. A full inbox fails the transport rather than
// dropping a frame: a lost reply would leave its operation running forever.
type inbox struct {
	mu       sync.Mutex
	frames   *queue.Queue
	limit    int
	err      error
	readable chan struct{}
}

func newInbox(limit int) *inbox {
	return &inbox{
		frames:   queue.New(),
		limit:    limit,
		readable: make(chan struct{}, 1),
	}
}

func (b *inbox) push(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return false
	}
	if b.limit > 0 && b.frames.Length() >= b.limit {
		b.err = fmt.Errorf("%w: inbox overflow after %d frames", ErrTransport, b.limit)
		b.signal()
		return false
	}

	b.frames.Add(data)
	b.signal()
	return true
}

// fail records the error Read reports once buffered frames are drained.
// Only the first failure is kept.
func (b *inbox) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err == nil {
		b.err = err
	}
	b.signal()
}

func (b *inbox) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames.Length() > 0 || b.err != nil
}

func (b *inbox) pop() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frames.Length() > 0 {
		return b.frames.Remove().([]byte), nil
	}
	return nil, b.err
}

func (b *inbox) signal() {
	select {
	case b.readable <- struct{}{}:
	default:
	}
}
