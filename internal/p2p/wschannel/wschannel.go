// Package wschannel adapts a coder/websocket connection into the
// p2p.Channel capability the Direct Transfer Engine's sender and receiver
// run over, standing in for a WebRTC DataChannel until one is wired in —
// the state machines never see the difference.
package wschannel

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/dropgate/dropgate/internal/p2p"
)

// Channel wraps a *websocket.Conn as a p2p.Channel. Every chunk/control
// frame of the v2 protocol is sent as a single binary websocket message, so
// message boundaries double as frame boundaries — no length-prefixing
// needed.
type Channel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// New wraps an already-established websocket connection (either the dial
// side or the accept side — both behave identically once open).
func New(conn *websocket.Conn) *Channel {
	return &Channel{conn: conn}
}

var _ p2p.Channel = (*Channel)(nil)

func (c *Channel) Send(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return p2p.ErrChannelClosed
	}

	return nil
}

func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	msgType, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, p2p.ErrChannelClosed
	}

	if msgType != websocket.MessageBinary {
		// The v2 protocol never sends text frames; one from a misbehaving
		// peer comes back as a nil frame. The engine's control-receive loops
		// skip it as undecodable; in the sender's handshake or negotiation,
		// or in place of a chunk's data frame, it fails the session.
		return nil, nil
	}

	return data, nil
}

// BufferedAmount is not exposed by coder/websocket, which writes
// synchronously per call; report zero so the sender's buffer-drain wait
// never blocks on a signal this transport can't provide.
func (c *Channel) BufferedAmount() int64 { return 0 }

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	return c.conn.Close(websocket.StatusNormalClosure, "transfer complete")
}

// DialListener implements p2p.Listener by dialing the same signalling URL
// again on every Accept call. The reference broker pairs exactly two
// connections per share code and then forgets the code, so re-dialing is
// how a host re-registers itself to observe whichever dialer the broker
// pairs it with next, including a replacement dialer.
type DialListener struct {
	URL string
}

func (d DialListener) Accept(ctx context.Context) (p2p.Channel, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: dialing signalling broker: %w", err)
	}

	return New(conn), nil
}

var _ p2p.Listener = DialListener{}
