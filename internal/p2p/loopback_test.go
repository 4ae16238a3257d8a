package p2p

import (
	"context"
	"sync"
)

// loopbackChannel is an in-memory Channel test double connecting two
// endpoints via buffered Go channels, standing in for the WebRTC data
// channel the production engine runs over.
type loopbackChannel struct {
	out    chan []byte
	in     chan []byte
	mu     sync.Mutex
	closed bool
}

func newLoopbackPair() (*loopbackChannel, *loopbackChannel) {
	a := make(chan []byte, 256)
	b := make(chan []byte, 256)

	return &loopbackChannel{out: a, in: b}, &loopbackChannel{out: b, in: a}
}

func (c *loopbackChannel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case c.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *loopbackChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.in:
		if !ok {
			return nil, ErrChannelClosed
		}

		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *loopbackChannel) BufferedAmount() int64 { return 0 }

func (c *loopbackChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.out)

	return nil
}
