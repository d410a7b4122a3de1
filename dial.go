package pollconn

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/valkey-io/valkey-go"
)

// Dial resolves target to a transport and opens a Connection over it.
//
//	valkey://[user:pass@]host:port/<request-channel>
//	ws://host:port/path, wss://host:port/path
func Dial(ctx context.Context, target string, props Proplist, opts ...Option) (*Connection, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTarget, err)
	}

	var t Transport
	switch u.Scheme {
	case "valkey", "redis":
		t, err = dialValkey(u, opts...)
	case "ws", "wss":
		t, err = DialWebSocket(ctx, target, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, target)
	}
	if err != nil {
		return nil, err
	}
	return Open(t, props, opts...)
}

func dialValkey(u *url.URL, opts ...Option) (Transport, error) {
	channel := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || channel == "" {
		return nil, fmt.Errorf("%w: valkey target needs host and request channel", ErrUnsupportedTarget)
	}

	option := valkey.ClientOption{InitAddress: []string{u.Host}}
	if u.User != nil {
		option.Username = u.User.Username()
		option.Password, _ = u.User.Password()
	}

	client, err := NewValkeyClient(u.Host, option)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return NewValkeyTransport(client, channel, opts...), nil
}
