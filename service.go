package pollconn

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// Service is the long-lived owner of one Connection and its EventLoop. Its
// Shutdown is the only teardown path: stop issuing, stop the loop, cancel
// what is outstanding, release the transport.
type Service struct {
	conn   *Connection
	loop   *EventLoop
	waiter *OperationWaiter

	mu       sync.RWMutex
	started  bool
	shutdown bool
}

// NewService takes ownership of conn and creates the loop driving it.
func NewService(conn *Connection) *Service {
	loop := NewEventLoop(conn)
	return &Service{
		conn:   conn,
		loop:   loop,
		waiter: NewOperationWaiter(loop),
	}
}

// NewServiceFromConfig dials cfg.Target and wraps the connection.
func NewServiceFromConfig(ctx context.Context, cfg *Config) (*Service, error) {
	conn, err := Dial(ctx, cfg.Target, cfg.Properties, cfg.Options()...)
	if err != nil {
		return nil, err
	}
	return NewService(conn), nil
}

func (s *Service) Connection() *Connection {
	return s.conn
}

func (s *Service) Loop() *EventLoop {
	return s.loop
}

// Start drives the loop until the handshake completes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.RLock()
	started, shutdown := s.started, s.shutdown
	s.mu.RUnlock()

	if started {
		return ErrServiceAlreadyStarted
	}
	if shutdown {
		return ErrConnectionClosed
	}

	if d := s.conn.options.HandshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := s.waiter.WaitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	glog.V(1).Infof("[conn %s] service started", s.conn.id)
	return nil
}

// Call issues a request and drives the loop until it resolves.
func (s *Service) Call(ctx context.Context, name RequestName, params map[string]any) ([]byte, error) {
	if !s.IsRunning() {
		return nil, ErrServiceNotStarted
	}
	return s.waiter.Call(ctx, name, params)
}

// Subscribe registers h and waits for the server to acknowledge it.
func (s *Service) Subscribe(ctx context.Context, categories []Category, h EventHandler) (SubscriptionID, error) {
	if !s.IsRunning() {
		return 0, ErrServiceNotStarted
	}

	op, id, err := s.conn.Subscribe(categories, h)
	if err != nil {
		return 0, err
	}
	if _, err := s.waiter.Wait(ctx, op); err != nil {
		s.conn.registry.Unsubscribe(id)
		return 0, err
	}
	return id, nil
}

// Run drives the loop for subscriptions until Shutdown or a failure.
func (s *Service) Run(ctx context.Context) error {
	if !s.IsRunning() {
		return ErrServiceNotStarted
	}
	return s.loop.Run(ctx)
}

// IsRunning returns true once Start succeeded and until Shutdown
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.shutdown
}

// Shutdown tears the service down in order. It may be called from any
// goroutine except a loop callback, and more than once.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.loop.Stop()
	outstanding := len(s.conn.Outstanding())
	if err := s.conn.Close(); err != nil {
		return err
	}

	glog.V(1).Infof("[conn %s] service shut down, %d operations cancelled", s.conn.id, outstanding)
	return nil
}
