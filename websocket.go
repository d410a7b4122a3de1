package pollconn

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocketTransport carries one frame per binary websocket message.
type WebSocketTransport struct {
	conn *websocket.Conn
	in   *inbox

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// DialWebSocket connects to url and wraps the connection.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}
	return NewWebSocketTransport(conn, opts...), nil
}

// NewWebSocketTransport takes ownership of conn and starts reading from it.
func NewWebSocketTransport(conn *websocket.Conn, opts ...Option) *WebSocketTransport {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	w := &WebSocketTransport{
		conn: conn,
		in:   newInbox(options.MsgBufferSize),
		done: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocketTransport) readLoop() {
	defer close(w.done)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.in.fail(io.EOF)
			} else {
				w.in.fail(fmt.Errorf("%w: %v", ErrTransport, err))
			}
			return
		}
		if !w.in.push(data) {
			glog.Warningf("websocket %s: frame not buffered, transport failed", w.conn.RemoteAddr())
			w.conn.Close()
			return
		}
	}
}

func (w *WebSocketTransport) Send(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	select {
	case <-w.done:
		return ErrTransportClosed
	default:
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WebSocketTransport) RecvReady() bool {
	return w.in.ready()
}

func (w *WebSocketTransport) Read() ([]byte, error) {
	return w.in.pop()
}

// ReadContext blocks until a frame arrives, the transport fails or ctx is done.
func (w *WebSocketTransport) ReadContext(ctx context.Context) ([]byte, error) {
	for {
		if w.in.ready() {
			return w.in.pop()
		}
		select {
		case <-w.in.readable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *WebSocketTransport) Readable() <-chan struct{} {
	return w.in.readable
}

// Close sends a normal closure and releases the connection; idempotent.
func (w *WebSocketTransport) Close() error {
	var err error
	w.once.Do(func() {
		w.in.fail(ErrTransportClosed)

		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		w.writeMu.Unlock()

		err = w.conn.Close()
		<-w.done
	})
	return err
}
