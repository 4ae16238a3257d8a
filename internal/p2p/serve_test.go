package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueListener is a Listener test double fed by explicit push calls,
// letting a test control exactly when and in what order dialers arrive.
type queueListener struct {
	events chan queueEvent
}

type queueEvent struct {
	ch  Channel
	err error
}

func newQueueListener() *queueListener {
	return &queueListener{events: make(chan queueEvent, 8)}
}

func (q *queueListener) push(ch Channel, err error) {
	q.events <- queueEvent{ch: ch, err: err}
}

func (q *queueListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ev := <-q.events:
		return ev.ch, ev.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSender_Serve_RejectsIntruderDuringActiveTransfer(t *testing.T) {
	payload := make([]byte, 2*1024*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	src := &memSource{name: "movie.mp4", mime: "video/mp4", data: payload}
	sink := newMemSink(int64(len(payload)))

	cfg := DefaultConfig()
	cfg.ChunkSize = 32 * 1024
	cfg.MaxUnackedChunks = 4

	chA, chPeerA := newLoopbackPair()

	listener := newQueueListener()
	listener.push(chA, nil)

	sender := NewSender(cfg, SenderHooks{
		OnError: func(err error) { t.Errorf("sender reported unexpected error: %v", err) },
	}, nil)

	// The intruder dials in once the legitimate transfer has delivered its
	// first chunk, and the receiver holds that transfer open until the
	// intruder has been turned away, so the dial always lands while the
	// transfer is in progress.
	chIntruder, chIntruderPeer := newLoopbackPair()
	intruderRejected := make(chan struct{})

	var intruderOnce sync.Once

	receiver := NewReceiver(cfg, ReceiverHooks{
		OnProgress: func(received, total int64) {
			intruderOnce.Do(func() {
				listener.push(chIntruder, nil)
				<-intruderRejected
			})
		},
		OnError: func(err error) { t.Errorf("receiver reported unexpected error: %v", err) },
	}, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveErrCh := make(chan error, 1)
	receiverErrCh := make(chan error, 1)

	go func() { serveErrCh <- sender.Serve(ctx, listener, src) }()
	go func() { receiverErrCh <- receiver.Run(ctx, chPeerA, sink) }()

	frame, err := chIntruderPeer.Recv(ctx)
	require.NoError(t, err)

	msgType, rawPayload, err := decodeMessage(frame)
	require.NoError(t, err)
	require.Equal(t, MsgError, msgType)

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(rawPayload, &errPayload))
	assert.Equal(t, "Transfer already in progress.", errPayload.Message)

	// The intruder's channel is then closed by the sender.
	_, err = chIntruderPeer.Recv(ctx)
	assert.ErrorIs(t, err, ErrChannelClosed)
	close(intruderRejected)

	var serveErr, receiverErr error

	for i := 0; i < 2; i++ {
		select {
		case serveErr = <-serveErrCh:
		case receiverErr = <-receiverErrCh:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for the legitimate transfer to complete")
		}
	}

	assert.NoError(t, serveErr)
	assert.NoError(t, receiverErr)
	assert.Equal(t, payload, sink.Bytes())
}

func TestSender_Serve_ReplacesDeadConnection(t *testing.T) {
	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	src := &memSource{name: "note.txt", mime: "text/plain", data: payload}
	sink := newMemSink(int64(len(payload)))

	cfg := DefaultConfig()
	cfg.ChunkSize = 8 * 1024
	cfg.HandshakeTimeout = 200 * time.Millisecond

	// The first dialer's peer disappears immediately: its side of the
	// loopback pair is closed before the sender ever reads from it, so the
	// sender's own reads and writes against this channel start failing
	// right away, a detectably dead connection.
	chDead, chDeadPeer := newLoopbackPair()
	require.NoError(t, chDeadPeer.Close())

	chLive, chLivePeer := newLoopbackPair()

	listener := newQueueListener()
	listener.push(chDead, nil)

	sender := NewSender(cfg, SenderHooks{
		OnError: func(error) {}, // the dead first connection is expected to fail
	}, nil)

	receiver := NewReceiver(cfg, ReceiverHooks{
		OnError: func(err error) { t.Errorf("receiver reported unexpected error: %v", err) },
	}, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveErrCh := make(chan error, 1)
	receiverErrCh := make(chan error, 1)

	go func() { serveErrCh <- sender.Serve(ctx, listener, src) }()

	// Give Serve a chance to notice the dead connection before the
	// replacement dials in.
	time.Sleep(50 * time.Millisecond)

	listener.push(chLive, nil)
	go func() { receiverErrCh <- receiver.Run(ctx, chLivePeer, sink) }()

	var serveErr, receiverErr error

	for i := 0; i < 2; i++ {
		select {
		case serveErr = <-serveErrCh:
		case receiverErr = <-receiverErrCh:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for the replacement transfer to complete")
		}
	}

	assert.NoError(t, serveErr)
	assert.NoError(t, receiverErr)
	assert.Equal(t, payload, sink.Bytes())
	assert.Equal(t, SenderClosed, sender.State())
}
