package pollconn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockTransport implements Transport with scripted server behaviour
type MockTransport struct {
	mu      sync.Mutex
	in      *inbox
	sent    []Request
	closed  bool
	sendErr error
	respond func(req Request) []Frame
	codec   JSONCodec
}

func NewMockTransport(respond func(req Request) []Frame) *MockTransport {
	return &MockTransport{
		in:      newInbox(0),
		respond: respond,
	}
}

func (m *MockTransport) Send(data []byte) error {
	req, err := m.codec.DecodeRequest(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, req)
	respond := m.respond
	m.mu.Unlock()

	if respond != nil {
		m.Deliver(respond(req)...)
	}
	return nil
}

func (m *MockTransport) RecvReady() bool {
	return m.in.ready()
}

func (m *MockTransport) Read() ([]byte, error) {
	return m.in.pop()
}

func (m *MockTransport) Readable() <-chan struct{} {
	return m.in.readable
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.in.fail(ErrTransportClosed)
	}
	return nil
}

// Deliver queues frames as if the server had sent them
func (m *MockTransport) Deliver(frames ...Frame) {
	for _, f := range frames {
		data, err := m.codec.EncodeFrame(f)
		if err != nil {
			panic(err)
		}
		m.in.push(data)
	}
}

func (m *MockTransport) DeliverRaw(data []byte) {
	m.in.push(data)
}

// Fail makes Read return err once buffered frames are consumed
func (m *MockTransport) Fail(err error) {
	m.in.fail(err)
}

func (m *MockTransport) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockTransport) Sent() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Request, len(m.sent))
	copy(result, m.sent)
	return result
}

func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// acceptHello answers the handshake and nothing else
func acceptHello(req Request) []Frame {
	if req.Name == RequestHello {
		return []Frame{{Kind: FrameHelloAck}}
	}
	return nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newReadyConn opens a connection over a mock transport and completes the handshake
func newReadyConn(t *testing.T, respond func(req Request) []Frame, opts ...Option) (*Connection, *EventLoop, *MockTransport) {
	t.Helper()

	mock := NewMockTransport(respond)
	conn, err := Open(mock, Proplist{"application.name": "pollconn-test"}, opts...)
	if err != nil {
		t.Fatalf("Failed to open connection: %v", err)
	}
	loop := NewEventLoop(conn)

	if err := NewOperationWaiter(loop).WaitReady(testContext(t)); err != nil {
		t.Fatalf("Expected connection to become ready, got: %v", err)
	}
	return conn, loop, mock
}

// frameEnd is the server side of a transport in the fake servers below
type frameEnd interface {
	ReadContext(ctx context.Context) ([]byte, error)
	Send(data []byte) error
}

// serveFake answers requests read from end with handle until end fails or ctx is done.
// It returns a channel that is closed when the server exits and a push function for events.
func serveFake(ctx context.Context, t *testing.T, end frameEnd, handle func(req Request) []Frame) (<-chan struct{}, func(Frame)) {
	t.Helper()

	var codec JSONCodec
	var sendMu sync.Mutex
	send := func(f Frame) {
		data, err := codec.EncodeFrame(f)
		if err != nil {
			t.Errorf("encode frame: %v", err)
			return
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := end.Send(data); err != nil && !errors.Is(err, ErrTransportClosed) {
			t.Logf("fake server send: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			data, err := end.ReadContext(ctx)
			if err != nil {
				return
			}
			req, err := codec.DecodeRequest(data)
			if err != nil {
				t.Errorf("fake server decode: %v", err)
				return
			}
			for _, f := range handle(req) {
				send(f)
			}
		}
	}()
	return done, send
}
