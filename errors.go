package pollconn

import (
	"errors"
	"fmt"
)

var (
	ErrTransport          = errors.New("transport error")
	ErrNotReady           = errors.New("connection not ready")
	ErrOperationCancelled = errors.New("operation cancelled")
	ErrOperationAbandoned = errors.New("operation abandoned")
	ErrProtocolViolation  = errors.New("protocol violation")

	ErrConnectionTerminated = errors.New("connection terminated by peer")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrHandshakeRejected    = errors.New("handshake rejected")
	ErrTeardownOrder        = errors.New("close called before the event loop was stopped")
	ErrLoopBusy             = errors.New("event loop is already iterating")
	ErrOperationRunning     = errors.New("operation still running")
	ErrUnsupportedTarget    = errors.New("unsupported target")

	ErrServiceNotStarted     = errors.New("service not started")
	ErrServiceAlreadyStarted = errors.New("service already started")

	ErrTransportClosed       = errors.New("transport closed")
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrPublishFailed         = errors.New("failed to publish frame")
	ErrSubscribeFailed       = errors.New("failed to subscribe to channel")
)

// ServerError is the failure a server reported for one operation.
type ServerError struct {
	Op      RequestName
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server refused %s: %s", e.Op, e.Message)
}
