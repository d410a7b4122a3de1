package pollconn

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// ErrorHandler is a user-provided callback for subscription handler failures
type ErrorHandler func(ctx context.Context, event Event, err error)

// StateCallback observes connection state transitions on the loop goroutine
type StateCallback func(conn *Connection, state ConnectionState)

type Option func(*Options)

type Options struct {
	MsgBufferSize    int
	BatchSize        int
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReplyChannel     string
	Codec            Codec
	OnError          ErrorHandler
	OnStateChange    StateCallback
}

func defaultOptions() Options {
	return Options{
		MsgBufferSize:    1024,
		BatchSize:        64,
		SubscribeTimeout: 5 * time.Second,
		Codec:            JSONCodec{},
		OnError: func(ctx context.Context, event Event, err error) {
			glog.Warningf("event %s: handler failed: %v", event.Category, err)
		},
	}
}

// WithMsgBufferSize bounds how many received frames a transport buffers
// before the loop reads them. Overflow fails the transport.
func WithMsgBufferSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.MsgBufferSize = size
		}
	}
}

// WithBatchSize bounds how many frames one loop iteration processes.
func WithBatchSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.BatchSize = size
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = d
	}
}

// WithSubscribeTimeout bounds how long a valkey transport waits for its reply
// subscription before the first frame is published.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SubscribeTimeout = d
		}
	}
}

func WithReplyChannel(channel string) Option {
	return func(o *Options) {
		o.ReplyChannel = channel
	}
}

func WithCodec(codec Codec) Option {
	return func(o *Options) {
		if codec != nil {
			o.Codec = codec
		}
	}
}

func WithOnError(handler ErrorHandler) Option {
	return func(o *Options) {
		o.OnError = handler
	}
}

func WithStateCallback(cb StateCallback) Option {
	return func(o *Options) {
		o.OnStateChange = cb
	}
}
