package pollconn

// ConnectionState is the lifecycle position of a Connection.
type ConnectionState uint8

const (
	StateConnecting ConnectionState = iota
	StateReady
	StateFailed
	StateTerminated
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateTerminated:
		return "Terminated"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no request can ever be issued again.
func (s ConnectionState) IsTerminal() bool {
	return s == StateFailed || s == StateTerminated || s == StateClosed
}

// OperationState is the completion state of a PendingOperation.
type OperationState uint8

const (
	OpRunning OperationState = iota
	OpDone
	OpCancelled
	OpFailed
)

func (s OperationState) String() string {
	switch s {
	case OpRunning:
		return "Running"
	case OpDone:
		return "Done"
	case OpCancelled:
		return "Cancelled"
	case OpFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s OperationState) IsTerminal() bool {
	return s != OpRunning
}

// LoopState is the run state of an EventLoop.
type LoopState uint8

const (
	LoopIdle LoopState = iota
	LoopIterating
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "Idle"
	case LoopIterating:
		return "Iterating"
	case LoopStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Outcome is the result of one EventLoop iteration.
type Outcome uint8

const (
	OutcomeProgressMade Outcome = iota
	OutcomeError
	OutcomeStopRequested
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProgressMade:
		return "ProgressMade"
	case OutcomeError:
		return "Error"
	case OutcomeStopRequested:
		return "StopRequested"
	default:
		return "Unknown"
	}
}
