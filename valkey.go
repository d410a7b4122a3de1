package pollconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/valkey-io/valkey-go"
)

// ValkeyEnvelope is what a ValkeyTransport publishes on the request channel.
// Servers answer by publishing bare frames on ReplyTo.
type ValkeyEnvelope struct {
	ReplyTo string `json:"reply_to"`
	Frame   []byte `json:"frame"`
}

// ValkeyTransport carries frames over valkey pub/sub: requests are published
// on a shared request channel, replies and events arrive on a reply channel
// private to this transport.
type ValkeyTransport struct {
	client         valkey.Client
	requestChannel string
	replyChannel   string
	ctx            context.Context
	cancel         context.CancelFunc
	in             *inbox
	gate           *publishGate
	mu             sync.RWMutex
	connected      bool
	subscribed     chan struct{}
	subscribeOnce  sync.Once
	once           sync.Once
	options        Options
}

// publishGate holds frames sent before the reply subscription is confirmed,
// so a reply can never race ahead of it, and publishes them in order once
// it opens.
type publishGate struct {
	mu      sync.Mutex
	open    bool
	err     error
	backlog [][]byte
	publish func([]byte) error
}

func (g *publishGate) send(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	if !g.open {
		frame := make([]byte, len(data))
		copy(frame, data)
		g.backlog = append(g.backlog, frame)
		return nil
	}
	return g.publish(data)
}

// release opens the gate and flushes the backlog. It returns the first
// publish failure, after which every send fails.
func (g *publishGate) release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.open = true
	backlog := g.backlog
	g.backlog = nil
	for _, data := range backlog {
		if err := g.publish(data); err != nil {
			g.err = err
			return err
		}
	}
	return nil
}

func (g *publishGate) abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err == nil {
		g.err = err
	}
	g.backlog = nil
}

// Send publishes data, or queues it until the reply subscription is live.
// It never waits for the subscription.
func (v *ValkeyTransport) Send(data []byte) error {
	v.mu.RLock()
	connected := v.connected
	v.mu.RUnlock()

	if !connected {
		return ErrTransportNotConnected
	}
	return v.gate.send(data)
}

func (v *ValkeyTransport) publish(data []byte) error {
	msg, err := json.Marshal(ValkeyEnvelope{ReplyTo: v.replyChannel, Frame: data})
	if err != nil {
		return err
	}

	cmd := v.client.B().Publish().Channel(v.requestChannel).Message(string(msg)).Build()
	if err := v.client.Do(v.ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// awaitSubscription opens the gate once the reply channel is confirmed. A
// subscription that is not confirmed within SubscribeTimeout fails the
// transport.
func (v *ValkeyTransport) awaitSubscription() {
	timer := time.NewTimer(v.options.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-v.subscribed:
		if err := v.gate.release(); err != nil {
			glog.Warningf("valkey %s: queued frames not published: %v", v.replyChannel, err)
			v.in.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		}
	case <-v.ctx.Done():
		v.gate.abort(ErrTransportClosed)
	case <-timer.C:
		err := fmt.Errorf("%w: %s not confirmed within %s", ErrSubscribeFailed, v.replyChannel, v.options.SubscribeTimeout)
		glog.Warningf("valkey: %v", err)
		v.gate.abort(err)
		v.in.fail(fmt.Errorf("%w: %v", ErrTransport, err))
	}
}

func (v *ValkeyTransport) RecvReady() bool {
	return v.in.ready()
}

func (v *ValkeyTransport) Read() ([]byte, error) {
	return v.in.pop()
}

func (v *ValkeyTransport) Readable() <-chan struct{} {
	return v.in.readable
}

// ReplyChannel returns the channel servers must publish replies on.
func (v *ValkeyTransport) ReplyChannel() string {
	return v.replyChannel
}

// subscriptionLoop keeps the reply subscription alive until Close
func (v *ValkeyTransport) subscriptionLoop() {
	retryDelay := 100 * time.Millisecond
	maxRetryDelay := 30 * time.Second
	subscriber := v.client.B().Subscribe().Channel(v.replyChannel).Build()
	ctx := valkey.WithOnSubscriptionHook(v.ctx, v.handleSubscription)

	for {
		if v.shouldStop() {
			return
		}

		// Receive blocks until the subscription ends or fails
		err := v.client.Receive(ctx, subscriber, v.handleMessage)

		if v.shouldStop() {
			return
		}

		if err != nil {
			glog.Warningf("valkey %s: receive failed, retrying in %s: %v", v.replyChannel, retryDelay, err)
			time.Sleep(retryDelay)
			retryDelay *= 2
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			continue
		}

		retryDelay = 100 * time.Millisecond
		time.Sleep(100 * time.Millisecond)
	}
}

func (v *ValkeyTransport) handleSubscription(s valkey.PubSubSubscription) {
	if s.Kind == "subscribe" && s.Channel == v.replyChannel {
		v.subscribeOnce.Do(func() {
			glog.V(1).Infof("valkey %s: subscribed", v.replyChannel)
			close(v.subscribed)
		})
	}
}

// handleMessage buffers one frame for the event loop
func (v *ValkeyTransport) handleMessage(msg valkey.PubSubMessage) {
	if msg.Channel != v.replyChannel {
		return
	}
	if !v.in.push([]byte(msg.Message)) {
		glog.Warningf("valkey %s: frame not buffered, transport failed", v.replyChannel)
	}
}

// Close shuts down the valkey transport and cleans up resources. The
// context is cancelled first so an in-flight publish gives up at once.
func (v *ValkeyTransport) Close() error {
	v.once.Do(func() {
		v.cancel()

		v.mu.Lock()
		v.connected = false
		v.mu.Unlock()

		v.in.fail(ErrTransportClosed)
		v.client.Close()
	})
	return nil
}

func (v *ValkeyTransport) shouldStop() bool {
	select {
	case <-v.ctx.Done():
		return true
	default:
		return false
	}
}

// NewValkeyClient creates a new valkey client with common configuration
func NewValkeyClient(address string, options ...valkey.ClientOption) (valkey.Client, error) {
	var clientOption valkey.ClientOption
	if len(options) > 0 {
		clientOption = options[0]
	}
	if len(clientOption.InitAddress) == 0 {
		clientOption.InitAddress = []string{address}
	}

	return valkey.NewClient(clientOption)
}

// NewValkeyTransport subscribes to a fresh reply channel and publishes
// frames on requestChannel. The transport owns client.
func NewValkeyTransport(client valkey.Client, requestChannel string, opts ...Option) *ValkeyTransport {
	ctx, cancel := context.WithCancel(context.Background())

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	replyChannel := options.ReplyChannel
	if replyChannel == "" {
		replyChannel = requestChannel + ".reply." + ulid.Make().String()
	}

	v := &ValkeyTransport{
		client:         client,
		requestChannel: requestChannel,
		replyChannel:   replyChannel,
		ctx:            ctx,
		cancel:         cancel,
		in:             newInbox(options.MsgBufferSize),
		connected:      true,
		subscribed:     make(chan struct{}),
		options:        options,
	}
	v.gate = &publishGate{publish: v.publish}
	go v.subscriptionLoop()
	go v.awaitSubscription()
	return v
}
