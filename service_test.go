package pollconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// audioServer answers like a small audio server: a default sink, a volume
// and subscription acks.
func audioServer(req Request) []Frame {
	switch req.Name {
	case RequestHello:
		if req.Parameters["application.name"] == "" {
			return []Frame{{Kind: FrameReject, Message: "missing application.name"}}
		}
		return []Frame{{Kind: FrameHelloAck}}
	case RequestSubscribe:
		return []Frame{{Kind: FrameReply, ID: req.ID}}
	case "get-default-device":
		return []Frame{{Kind: FrameReply, ID: req.ID, Value: []byte(defaultSink)}}
	case "get-volume":
		return []Frame{{Kind: FrameReply, ID: req.ID, Value: []byte("65536")}}
	default:
		return []Frame{{Kind: FrameError, ID: req.ID, Message: "unknown command " + string(req.Name)}}
	}
}

func newPipeService(t *testing.T, opts ...Option) (*Service, func(Frame), <-chan struct{}) {
	t.Helper()

	client, server := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done, push := serveFake(ctx, t, server, audioServer)

	conn, err := Open(client, Proplist{"application.name": "volume-ctl"}, opts...)
	if err != nil {
		t.Fatalf("Failed to open connection: %v", err)
	}
	return NewService(conn), push, done
}

func TestServiceStartAndCall(t *testing.T) {
	svc, _, _ := newPipeService(t)
	defer svc.Shutdown()
	ctx := testContext(t)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}
	if !svc.IsRunning() {
		t.Fatal("Expected service to be running")
	}

	value, err := svc.Call(ctx, "get-default-device", nil)
	if err != nil {
		t.Fatalf("Expected reply, got: %v", err)
	}
	assert.Equal(t, string(value), defaultSink)

	_, err = svc.Call(ctx, "suspend-sink", nil)
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("Expected ServerError, got: %v", err)
	}
	assert.Equal(t, svc.Connection().State(), StateReady)
}

func TestServiceCallBeforeStart(t *testing.T) {
	svc, _, _ := newPipeService(t)
	defer svc.Shutdown()

	if _, err := svc.Call(context.Background(), "get-volume", nil); err != ErrServiceNotStarted {
		t.Fatalf("Expected ErrServiceNotStarted, got: %v", err)
	}
	if err := svc.Run(context.Background()); err != ErrServiceNotStarted {
		t.Fatalf("Expected ErrServiceNotStarted from Run, got: %v", err)
	}
}

func TestServiceStartTwice(t *testing.T) {
	svc, _, _ := newPipeService(t)
	defer svc.Shutdown()

	if err := svc.Start(testContext(t)); err != nil {
		t.Fatalf("Failed to start service first time: %v", err)
	}
	if err := svc.Start(testContext(t)); err != ErrServiceAlreadyStarted {
		t.Fatalf("Expected ErrServiceAlreadyStarted, got: %v", err)
	}
}

func TestServiceHandshakeRejected(t *testing.T) {
	client, server := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveFake(ctx, t, server, audioServer)

	conn, err := Open(client, Proplist{"application.name": ""})
	if err != nil {
		t.Fatalf("Failed to open connection: %v", err)
	}
	svc := NewService(conn)
	defer svc.Shutdown()

	if err := svc.Start(testContext(t)); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Expected ErrHandshakeRejected, got: %v", err)
	}
	assert.Equal(t, svc.IsRunning(), false)
}

func TestServiceHandshakeTimeout(t *testing.T) {
	client, _ := NewPipe()
	conn, err := Open(client, Proplist{"application.name": "volume-ctl"}, WithHandshakeTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to open connection: %v", err)
	}
	svc := NewService(conn)
	defer svc.Shutdown()

	if err := svc.Start(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got: %v", err)
	}
}

func TestServiceSubscribeAndRun(t *testing.T) {
	svc, push, _ := newPipeService(t)
	ctx := testContext(t)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	received := make(chan Event, 4)
	_, err := svc.Subscribe(ctx, []Category{"change"}, func(ctx context.Context, ev Event) error {
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Expected subscribe ack, got: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	push(Frame{Kind: FrameEvent, Category: "change", Payload: []byte("sink#0 volume")})

	select {
	case ev := <-received:
		assert.Equal(t, string(ev.Payload), "sink#0 volume")
	case <-time.After(2 * time.Second):
		t.Fatal("Expected pushed event to reach the subscription")
	}

	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Failed to shutdown service: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Expected Run to return nil after Shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after Shutdown")
	}

	assert.Equal(t, svc.IsRunning(), false)
	assert.Equal(t, svc.Connection().State(), StateClosed)
	assert.Equal(t, svc.Loop().State(), LoopStopped)
}

func TestServiceShutdownCancelsOutstanding(t *testing.T) {
	svc, _, done := newPipeService(t)
	if err := svc.Start(testContext(t)); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	// The server answers on its own goroutine, but nothing reads the
	// replies until the loop iterates again, so both stay Running.
	first, _ := svc.Connection().Issue("get-volume", nil)
	second, _ := svc.Connection().Issue("get-volume", nil)

	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Failed to shutdown service: %v", err)
	}
	assert.Equal(t, first.State(), OpCancelled)
	assert.Equal(t, second.State(), OpCancelled)

	// The closed pipe ends the fake server
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected server to observe the closed transport")
	}

	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Expected second Shutdown to be a no-op, got: %v", err)
	}
	if _, err := svc.Call(context.Background(), "get-volume", nil); err != ErrServiceNotStarted {
		t.Fatalf("Expected ErrServiceNotStarted after Shutdown, got: %v", err)
	}
}

func TestDialUnsupportedTarget(t *testing.T) {
	for _, target := range []string{"pulse://localhost", "valkey://localhost:6379", "::not a url"} {
		if _, err := Dial(context.Background(), target, nil); !errors.Is(err, ErrUnsupportedTarget) {
			t.Fatalf("Expected ErrUnsupportedTarget for %q, got: %v", target, err)
		}
	}
}

func TestPipeOverflowFailsTransport(t *testing.T) {
	client, server := NewPipe(WithMsgBufferSize(2))

	for i := 0; i < 2; i++ {
		if err := server.Send([]byte("frame")); err != nil {
			t.Fatalf("Expected send %d to succeed, got: %v", i, err)
		}
	}
	if err := server.Send([]byte("frame")); err == nil {
		t.Fatal("Expected send into a full inbox to fail")
	}

	for i := 0; i < 2; i++ {
		if _, err := client.Read(); err != nil {
			t.Fatalf("Expected buffered frame %d, got: %v", i, err)
		}
	}
	if _, err := client.Read(); !errors.Is(err, ErrTransport) {
		t.Fatalf("Expected overflow to surface as ErrTransport, got: %v", err)
	}
}
