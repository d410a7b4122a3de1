package pollconn

import "context"

type RequestName string

const (
	RequestHello     RequestName = "hello"
	RequestSubscribe RequestName = "subscribe"
)

// handshakeID is reserved for the hello request; issued requests count up from 1.
const handshakeID uint32 = 0

// Request represents one client-issued call
type Request struct {
	ID         uint32
	Name       RequestName
	Parameters map[string]any
}

// Proplist describes the client to the server during the handshake.
type Proplist map[string]string

func (p Proplist) parameters() map[string]any {
	params := make(map[string]any, len(p))
	for k, v := range p {
		params[k] = v
	}
	return params
}

// Category names a class of server-pushed events.
type Category string

// Event is one unsolicited server push.
type Event struct {
	Category Category
	Payload  []byte
}

// EventHandler defines the function signature for processing a pushed event
type EventHandler func(ctx context.Context, event Event) error
