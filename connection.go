// Package pollconn correlates asynchronous server replies with client
// requests on connections driven by a single cooperative event loop.
//
// A Connection owns its transport and tracks outstanding operations, an
// EventLoop is the only thing that reads from the transport, and an
// OperationWaiter turns "drive the loop until this operation resolves" into
// a blocking call. Server pushes that answer no request are delivered to a
// SubscriptionRegistry from the same loop.
package pollconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// Connection is a client connection to a stateful server.
//
// Every method except State, Err, ID and Close is meant for the goroutine
// that drives the connection's EventLoop.
type Connection struct {
	id        string
	transport Transport
	codec     Codec
	options   Options
	registry  *SubscriptionRegistry

	mu      sync.RWMutex
	state   ConnectionState
	err     error
	nextID  uint32
	pending map[uint32]*PendingOperation
	order   *queue.Queue
	loop    *EventLoop
}

// Open takes ownership of t, sends the handshake and returns a Connection
// in state Connecting. It does not wait for the server: handshake progress
// is made by EventLoop iterations.
func Open(t Transport, props Proplist, opts ...Option) (*Connection, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	c := &Connection{
		id:        ulid.Make().String(),
		transport: t,
		codec:     options.Codec,
		options:   options,
		registry:  NewSubscriptionRegistry(),
		state:     StateConnecting,
		nextID:    handshakeID + 1,
		pending:   make(map[uint32]*PendingOperation),
		order:     queue.New(),
	}

	hello, err := c.codec.Encode(Request{ID: handshakeID, Name: RequestHello, Parameters: props.parameters()})
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := t.Send(hello); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: send hello: %v", ErrTransport, err)
	}

	glog.V(1).Infof("[conn %s] connecting", c.id)
	return c, nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the reason the connection left Ready, or nil.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Registry returns the registry server pushes are dispatched to.
func (c *Connection) Registry() *SubscriptionRegistry {
	return c.registry
}

// Issue encodes and sends a request. It fails with ErrNotReady, without
// creating an operation, unless the connection is Ready.
func (c *Connection) Issue(name RequestName, params map[string]any) (*PendingOperation, error) {
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection is %s", ErrNotReady, state)
	}

	id := c.nextID
	c.nextID++
	data, err := c.codec.Encode(Request{ID: id, Name: name, Parameters: params})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	op := newPendingOperation(id, name)
	c.pending[id] = op
	c.order.Add(op)
	c.mu.Unlock()

	if err := c.transport.Send(data); err != nil {
		err = fmt.Errorf("%w: send %s: %v", ErrTransport, name, err)
		c.fail(StateFailed, err)
		return nil, err
	}

	glog.V(2).Infof("[conn %s] -> %s #%d", c.id, name, id)
	return op, nil
}

// Subscribe registers h locally and asks the server to start pushing the
// given categories. The returned operation completes with the server's ack.
func (c *Connection) Subscribe(categories []Category, h EventHandler) (*PendingOperation, SubscriptionID, error) {
	if state := c.State(); state != StateReady {
		return nil, 0, fmt.Errorf("%w: connection is %s", ErrNotReady, state)
	}

	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = string(cat)
	}

	id := c.registry.Subscribe(categories, h)
	op, err := c.Issue(RequestSubscribe, map[string]any{"categories": names})
	if err != nil {
		c.registry.Unsubscribe(id)
		return nil, 0, err
	}
	return op, id, nil
}

// Outstanding returns the operations still awaiting a reply, in issue order.
func (c *Connection) Outstanding() []*PendingOperation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make([]*PendingOperation, 0, c.order.Length())
	for i := 0; i < c.order.Length(); i++ {
		op := c.order.Get(i).(*PendingOperation)
		if op.State() == OpRunning {
			ops = append(ops, op)
		}
	}
	return ops
}

// Close cancels every outstanding operation, then releases the transport.
// When an EventLoop is attached it must have been asked to stop first;
// otherwise Close returns ErrTeardownOrder and changes nothing. Close waits
// for an iteration still in flight, so like EventLoop.Stop it must not be
// called from a loop callback.
func (c *Connection) Close() error {
	c.mu.RLock()
	state, loop := c.state, c.loop
	c.mu.RUnlock()

	if state == StateClosed {
		return nil
	}
	if loop != nil {
		if !loop.stopRequested() {
			return ErrTeardownOrder
		}
		// The iteration may still be inside dispatch, reading the transport
		loop.iterMu.Lock()
		defer loop.iterMu.Unlock()
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}

	prev := c.state
	c.state = StateClosed
	if c.err == nil {
		c.err = ErrConnectionClosed
	}
	ops := c.drainLocked()
	c.mu.Unlock()

	for _, op := range ops {
		op.cancel(ErrOperationCancelled)
	}

	err := c.transport.Close()
	glog.V(1).Infof("[conn %s] closed from %s, %d operations cancelled", c.id, prev, len(ops))
	c.notifyState(StateClosed)

	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrTransport, err)
	}
	return nil
}

func (c *Connection) attach(l *EventLoop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop = l
}

// process handles one received frame. A non-nil error means the connection
// has just left Ready or Connecting for good.
func (c *Connection) process(ctx context.Context, raw []byte) error {
	f, err := c.codec.Decode(raw)
	if err != nil {
		return c.violation(err)
	}

	switch f.Kind {
	case FrameHelloAck:
		c.mu.Lock()
		if c.state != StateConnecting {
			state := c.state
			c.mu.Unlock()
			return c.violation(fmt.Errorf("hello-ack while %s", state))
		}
		c.state = StateReady
		c.mu.Unlock()
		glog.V(1).Infof("[conn %s] ready", c.id)
		c.notifyState(StateReady)

	case FrameReject:
		if state := c.State(); state != StateConnecting {
			return c.violation(fmt.Errorf("reject while %s", state))
		}
		err := fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Message)
		c.fail(StateFailed, err)
		return err

	case FrameReply, FrameError:
		c.mu.Lock()
		op, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			return c.violation(fmt.Errorf("%s for unknown operation #%d", f.Kind, f.ID))
		}

		glog.V(2).Infof("[conn %s] <- %s #%d", c.id, f.Kind, f.ID)
		if f.Kind == FrameReply {
			op.complete(f.Value)
		} else {
			op.fail(&ServerError{Op: op.name, Message: f.Message})
		}

		c.mu.Lock()
		c.pruneLocked()
		c.mu.Unlock()

	case FrameEvent:
		glog.V(2).Infof("[conn %s] <- event %s (%d bytes)", c.id, f.Category, len(f.Payload))
		c.registry.notify(ctx, Event{Category: f.Category, Payload: f.Payload}, c.options.OnError)

	case FrameTerminate:
		if state := c.State(); state == StateConnecting {
			err := fmt.Errorf("%w: peer terminated during handshake", ErrTransport)
			c.fail(StateFailed, err)
			return err
		}
		glog.V(1).Infof("[conn %s] peer terminated", c.id)
		c.fail(StateTerminated, ErrConnectionTerminated)
	}
	return nil
}

// transportFailed maps a transport read failure onto the state machine.
func (c *Connection) transportFailed(err error) error {
	if errors.Is(err, io.EOF) && c.State() == StateReady {
		c.fail(StateTerminated, ErrConnectionTerminated)
		return ErrConnectionTerminated
	}
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.fail(StateFailed, err)
	return err
}

func (c *Connection) violation(cause error) error {
	err := fmt.Errorf("%w: %v", ErrProtocolViolation, cause)
	c.fail(StateFailed, err)
	return err
}

// fail moves the connection into a terminal state and fails every
// outstanding operation with err. Later calls are ignored.
func (c *Connection) fail(next ConnectionState, err error) {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.err = err
	ops := c.drainLocked()
	c.mu.Unlock()

	if next == StateFailed {
		glog.Warningf("[conn %s] failed from %s: %v", c.id, prev, err)
	}
	for _, op := range ops {
		op.fail(err)
	}
	c.notifyState(next)
}

// drainLocked forgets every operation and returns those still running, in
// issue order.
func (c *Connection) drainLocked() []*PendingOperation {
	ops := make([]*PendingOperation, 0, c.order.Length())
	for c.order.Length() > 0 {
		op := c.order.Remove().(*PendingOperation)
		if op.State() == OpRunning {
			ops = append(ops, op)
		}
	}
	clear(c.pending)
	return ops
}

func (c *Connection) pruneLocked() {
	for c.order.Length() > 0 && c.order.Peek().(*PendingOperation).State().IsTerminal() {
		c.order.Remove()
	}
}

func (c *Connection) notifyState(state ConnectionState) {
	if c.options.OnStateChange != nil {
		c.options.OnStateChange(c, state)
	}
}
