package pollconn

import "sync"

// PendingOperation is one request awaiting its server reply.
//
// Its result slot is written exactly once, by the Connection that issued
// it, while the state leaves Running. Readers only see the slot after that.
type PendingOperation struct {
	id   uint32
	name RequestName

	mu         sync.Mutex
	state      OperationState
	value      []byte
	err        error
	onComplete []func(*PendingOperation)
}

func newPendingOperation(id uint32, name RequestName) *PendingOperation {
	return &PendingOperation{id: id, name: name, state: OpRunning}
}

// ID returns the correlation id the request was sent with.
func (op *PendingOperation) ID() uint32 {
	return op.id
}

func (op *PendingOperation) Name() RequestName {
	return op.name
}

func (op *PendingOperation) State() OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Result returns the reply value of a Done operation, the failure of a
// Cancelled or Failed one, and ErrOperationRunning otherwise.
func (op *PendingOperation) Result() ([]byte, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	switch op.state {
	case OpRunning:
		return nil, ErrOperationRunning
	case OpDone:
		return op.value, nil
	default:
		return nil, op.err
	}
}

// Err returns why the operation was cancelled or failed.
func (op *PendingOperation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// OnComplete registers fn to run once the operation turns terminal. It runs
// on the loop goroutine, or immediately if the operation already finished.
func (op *PendingOperation) OnComplete(fn func(*PendingOperation)) {
	op.mu.Lock()
	if op.state == OpRunning {
		op.onComplete = append(op.onComplete, fn)
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()
	fn(op)
}

func (op *PendingOperation) complete(value []byte) bool {
	return op.finish(OpDone, value, nil)
}

func (op *PendingOperation) cancel(err error) bool {
	return op.finish(OpCancelled, nil, err)
}

func (op *PendingOperation) fail(err error) bool {
	return op.finish(OpFailed, nil, err)
}

func (op *PendingOperation) finish(state OperationState, value []byte, err error) bool {
	op.mu.Lock()
	if op.state != OpRunning {
		op.mu.Unlock()
		return false
	}
	op.state = state
	op.value = value
	op.err = err
	callbacks := op.onComplete
	op.onComplete = nil
	op.mu.Unlock()

	for _, fn := range callbacks {
		fn(op)
	}
	return true
}
