package pollconn

import (
	"context"
	"io"
	"sync"
)

// PipeTransport is one end of an in-memory, frame-preserving duplex pipe.
type PipeTransport struct {
	in   *inbox
	peer *PipeTransport

	mu     sync.RWMutex
	closed bool
}

// NewPipe returns two connected ends. Frames sent on one are read on the other.
func NewPipe(opts ...Option) (*PipeTransport, *PipeTransport) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	a := &PipeTransport{in: newInbox(options.MsgBufferSize)}
	b := &PipeTransport{in: newInbox(options.MsgBufferSize)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeTransport) Send(data []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrTransportClosed
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	if !p.peer.in.push(frame) {
		return ErrTransportClosed
	}
	return nil
}

func (p *PipeTransport) RecvReady() bool {
	return p.in.ready()
}

func (p *PipeTransport) Read() ([]byte, error) {
	return p.in.pop()
}

// ReadContext blocks until a frame arrives, the pipe fails or ctx is done.
func (p *PipeTransport) ReadContext(ctx context.Context) ([]byte, error) {
	for {
		if p.in.ready() {
			return p.in.pop()
		}
		select {
		case <-p.in.readable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *PipeTransport) Readable() <-chan struct{} {
	return p.in.readable
}

// Close shuts this end down; the peer reads io.EOF after draining.
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.in.fail(ErrTransportClosed)
	p.peer.in.fail(io.EOF)
	return nil
}
