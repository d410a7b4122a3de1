package pollconn

import (
	"context"
	"errors"
	"fmt"
)

// OperationWaiter presents a blocking "wait for result" call on top of an
// EventLoop. It keeps no state of its own: an operation's terminal state is
// the only completion signal, so nothing can be observed half-done.
//
// While waiting, unrelated callbacks (subscriptions, other operations on the
// same connection) run inside the same iterations.
type OperationWaiter struct {
	loop *EventLoop
}

func NewOperationWaiter(loop *EventLoop) *OperationWaiter {
	return &OperationWaiter{loop: loop}
}

// Wait drives the loop until op is terminal and returns its value.
// There is no iteration bound; ctx bounds the wall time.
func (w *OperationWaiter) Wait(ctx context.Context, op *PendingOperation) ([]byte, error) {
	for {
		switch op.State() {
		case OpDone:
			return op.Result()
		case OpCancelled, OpFailed:
			return nil, op.Err()
		}

		outcome, err := w.loop.Iterate(ctx, true)
		if op.State().IsTerminal() {
			continue
		}

		switch outcome {
		case OutcomeError:
			return nil, loopError(err)
		case OutcomeStopRequested:
			return nil, fmt.Errorf("%w: %s #%d", ErrOperationAbandoned, op.Name(), op.ID())
		}
	}
}

// WaitReady drives the loop until the handshake completes.
func (w *OperationWaiter) WaitReady(ctx context.Context) error {
	conn := w.loop.Connection()
	for {
		switch state := conn.State(); {
		case state == StateReady:
			return nil
		case state.IsTerminal():
			return conn.Err()
		}

		outcome, err := w.loop.Iterate(ctx, true)
		if conn.State() != StateConnecting {
			continue
		}

		switch outcome {
		case OutcomeError:
			return loopError(err)
		case OutcomeStopRequested:
			return fmt.Errorf("%w: handshake", ErrOperationAbandoned)
		}
	}
}

// Call issues a request and waits for its reply.
func (w *OperationWaiter) Call(ctx context.Context, name RequestName, params map[string]any) ([]byte, error) {
	op, err := w.loop.Connection().Issue(name, params)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx, op)
}

func loopError(err error) error {
	switch {
	case err == nil:
		return ErrTransport
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrLoopBusy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
