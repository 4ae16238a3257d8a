package p2p

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by Recv once the channel has been closed and
// drained.
var ErrChannelClosed = errors.New("p2p: channel closed")

// Channel abstracts the reliable, in-order, checksum-verified data channel
// the transfer engine runs over (normally WebRTC). Frames are opaque;
// control messages and binary chunk frames share the same Send/Recv path —
// a chunk header is followed immediately by one binary frame — so the
// caller interleaves both without the interface needing to know which is
// which.
type Channel interface {
	// Send writes one frame. Implementations must preserve ordering
	// relative to other Send calls from the same goroutine.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks for the next frame, returning ErrChannelClosed once the
	// remote end has closed and no frames remain buffered.
	Recv(ctx context.Context) ([]byte, error)

	// BufferedAmount reports bytes queued for send but not yet flushed to
	// the network, backing the buffer-based flow control watermarks.
	BufferedAmount() int64

	// Close tears down the channel. Idempotent.
	Close() error
}

// Listener yields successive incoming channels for a single hosted share
// code. The reference signalling broker (internal/signalbroker) pairs
// exactly two connections per code and then forgets the code, so a host
// that wants to observe a later dialer, to apply the connection
// replacement rule, re-registers by calling Accept again rather than
// accepting on a long-lived socket.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
}
