package pollconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWebSocketServer serves audioServer over websocket. Every accepted
// connection is handed to accepted so a test can hang up on the client.
func newWebSocketServer(t *testing.T, accepted chan<- *WebSocketTransport) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		end := NewWebSocketTransport(conn)
		if accepted != nil {
			accepted <- end
		}
		done, _ := serveFake(ctx, t, end, audioServer)
		<-done
		end.Close()
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketServiceCall(t *testing.T) {
	target := newWebSocketServer(t, nil)
	ctx := testContext(t)

	conn, err := Dial(ctx, target, Proplist{"application.name": "volume-ctl"})
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", target, err)
	}
	svc := NewService(conn)
	defer svc.Shutdown()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	value, err := svc.Call(ctx, "get-volume", nil)
	if err != nil {
		t.Fatalf("Expected reply, got: %v", err)
	}
	assert.Equal(t, string(value), "65536")

	value, err = svc.Call(ctx, "get-default-device", nil)
	if err != nil {
		t.Fatalf("Expected reply, got: %v", err)
	}
	assert.Equal(t, string(value), defaultSink)
}

func TestWebSocketServerHangup(t *testing.T) {
	accepted := make(chan *WebSocketTransport, 1)
	target := newWebSocketServer(t, accepted)
	ctx := testContext(t)

	conn, err := Dial(ctx, target, Proplist{"application.name": "volume-ctl"})
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", target, err)
	}
	loop := NewEventLoop(conn)
	waiter := NewOperationWaiter(loop)
	if err := waiter.WaitReady(ctx); err != nil {
		t.Fatalf("Expected connection to become ready, got: %v", err)
	}

	var server *WebSocketTransport
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected server to accept the connection")
	}

	server.Close()

	err = loop.Run(ctx)
	if !errors.Is(err, ErrConnectionTerminated) {
		t.Fatalf("Expected ErrConnectionTerminated, got: %v", err)
	}
	assert.Equal(t, conn.State(), StateTerminated)

	if _, err := conn.Issue("get-volume", nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady after hangup, got: %v", err)
	}

	loop.Stop()
	if err := conn.Close(); err != nil {
		t.Fatalf("Failed to close connection: %v", err)
	}
	assert.Equal(t, conn.State(), StateClosed)
}

func TestDialWebSocketRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	if _, err := Dial(testContext(t), target, nil); !errors.Is(err, ErrTransport) {
		t.Fatalf("Expected ErrTransport, got: %v", err)
	}
}
