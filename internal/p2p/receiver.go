package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropgate/dropgate/internal/dropgateerrors"
)

// ReceiverHooks are the caller-supplied session callbacks. OnProgress fires
// after every chunk written; of OnComplete, OnError and OnCancel, at most
// one fires, and at most once, per session. OnMeta is invoked once
// metadata negotiation completes; in
// "preview mode" the caller inspects it and calls Receiver.Accept to send
// ready{} explicitly, otherwise AutoAccept sends it immediately.
type ReceiverHooks struct {
	OnMeta     func(MetaPayload)
	OnProgress func(received, total int64)
	OnComplete func()
	OnError    func(error)
	OnCancel   func(CancelledInfo)
}

// Receiver drives the receiving side of a single Direct Transfer session.
type Receiver struct {
	cfg       Config
	logger    *slog.Logger
	fsm       *receiverFSM
	hooks     ReceiverHooks
	guard     onceGuard
	autoReady bool
	readyCh   chan struct{}
	mu        sync.Mutex
}

// NewReceiver constructs a Receiver in the initializing state. autoReady
// selects auto mode (immediate ready{} on meta) vs. preview mode (caller
// calls Accept explicitly).
func NewReceiver(cfg Config, hooks ReceiverHooks, autoReady bool, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Receiver{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		fsm:       newReceiverFSM(),
		hooks:     hooks,
		autoReady: autoReady,
		readyCh:   make(chan struct{}, 1),
	}
}

func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fsm.Current()
}

// Run drives the handshake, metadata negotiation, chunked receive, and
// end-of-stream handshake over ch, writing received bytes to sink. It is
// the single owner of ch for the duration of the call.
func (r *Receiver) Run(ctx context.Context, ch Channel, sink Sink) error {
	r.mu.Lock()
	if err := r.fsm.mustTransition(ReceiverConnecting); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	meta, sessionID, err := r.handshakeAndNegotiate(ctx, ch)
	if err != nil {
		return r.fail(ch, err)
	}

	if r.autoReady {
		if err := r.sendReady(ctx, ch); err != nil {
			return r.fail(ch, err)
		}
	} else {
		select {
		case <-r.readyCh:
		case <-ctx.Done():
			return r.fail(ch, ctx.Err())
		}

		if err := r.sendReady(ctx, ch); err != nil {
			return r.fail(ch, err)
		}
	}

	r.mu.Lock()
	err = r.fsm.mustTransition(ReceiverTransferring)
	r.mu.Unlock()

	if err != nil {
		return r.fail(ch, err)
	}

	if err := r.receiveChunks(ctx, ch, sink, sessionID, meta.Size); err != nil {
		return r.fail(ch, err)
	}

	r.mu.Lock()
	r.fsm.mustTransition(ReceiverCompleted)
	r.mu.Unlock()

	r.guard.fireOnce(func() {
		if r.hooks.OnComplete != nil {
			r.hooks.OnComplete()
		}
	})

	r.mu.Lock()
	r.fsm.mustTransition(ReceiverClosed)
	r.mu.Unlock()

	return nil
}

// Accept is called by the caller in preview mode once it has inspected the
// metadata delivered via ReceiverHooks.OnMeta, to explicitly admit the
// transfer.
func (r *Receiver) Accept() {
	select {
	case r.readyCh <- struct{}{}:
	default:
	}
}

func (r *Receiver) handshakeAndNegotiate(ctx context.Context, ch Channel) (MetaPayload, string, error) {
	sessionID := uuid.NewString()

	hello, err := encodeMessage(MsgHello, HelloPayload{ProtocolVersion: ProtocolVersion, SessionID: sessionID})
	if err != nil {
		return MetaPayload{}, "", err
	}

	if err := ch.Send(ctx, hello); err != nil {
		return MetaPayload{}, "", dropgateerrors.Network("sending hello: %v", err)
	}

	r.mu.Lock()
	err = r.fsm.mustTransition(ReceiverNegotiating)
	r.mu.Unlock()

	if err != nil {
		return MetaPayload{}, "", err
	}

	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			return MetaPayload{}, "", dropgateerrors.Network("waiting for meta: %v", err)
		}

		msgType, payload, err := decodeMessage(frame)
		if err != nil {
			continue
		}

		switch msgType {
		case MsgHello:
			// Sender's hello may arrive before or interleaved with ours;
			// nothing further to validate here since we don't strictly
			// enforce v1/v2 on the receiving side; compatibility handling
			// is sender-driven.
			continue
		case MsgMeta:
			var meta MetaPayload
			if err := json.Unmarshal(payload, &meta); err != nil {
				return MetaPayload{}, "", dropgateerrors.Protocol("decoding meta: %v", err)
			}

			if r.hooks.OnMeta != nil {
				r.hooks.OnMeta(meta)
			}

			return meta, meta.SessionID, nil
		default:
			continue
		}
	}
}

func (r *Receiver) sendReady(ctx context.Context, ch Channel) error {
	ready, err := encodeMessage(MsgReady, struct{}{})
	if err != nil {
		return err
	}

	if err := ch.Send(ctx, ready); err != nil {
		return dropgateerrors.Network("sending ready: %v", err)
	}

	return nil
}

// errWatchdogExpired distinguishes watchdog expiry from a channel failure
// inside receiveChunks.
var errWatchdogExpired = errors.New("p2p: watchdog expired")

func (r *Receiver) receiveChunks(ctx context.Context, ch Channel, sink Sink, sessionID string, total int64) error {
	var received int64
	nextSeq := 0

	type recvResult struct {
		frame []byte
		err   error
	}

	// A single long-lived reader owns ch.Recv for the whole transfer,
	// mirroring the sender's control-receive goroutine. It exits once the
	// channel fails or readCtx is cancelled on return from this function.
	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	frames := make(chan recvResult)

	go func() {
		for {
			frame, err := ch.Recv(readCtx)

			select {
			case frames <- recvResult{frame: frame, err: err}:
			case <-readCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	watchdog := time.NewTimer(r.cfg.WatchdogTimeout)
	defer watchdog.Stop()

	// nextFrame races the reader against the watchdog; any received data
	// (binary or control) resets the timer.
	nextFrame := func() ([]byte, error) {
		select {
		case res := <-frames:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(r.cfg.WatchdogTimeout)

			return res.frame, res.err
		case <-watchdog.C:
			return nil, errWatchdogExpired
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for {
		frame, err := nextFrame()
		if err != nil {
			if errors.Is(err, errWatchdogExpired) {
				return dropgateerrors.Network("watchdog expired waiting for peer data")
			}

			if ctx.Err() != nil {
				return err
			}

			// A raw close while transferring without a preceding
			// cancelled{} is a peer-side cancel, not a crash.
			r.mu.Lock()
			r.fsm.transition(ReceiverCancelled)
			r.mu.Unlock()

			r.guard.fireOnce(func() {
				if r.hooks.OnCancel != nil {
					r.hooks.OnCancel(CancelledInfo{CancelledBy: "sender"})
				}
			})

			return dropgateerrors.Abort("channel closed during transfer")
		}

		msgType, payload, err := decodeMessage(frame)
		if err != nil {
			// Not a control frame — nothing but chunk data should ever
			// fail to decode as JSON here if headers always precede data.
			continue
		}

		switch msgType {
		case MsgChunk:
			var hdr ChunkHeader
			if err := json.Unmarshal(payload, &hdr); err != nil {
				return dropgateerrors.Protocol("decoding chunk header: %v", err)
			}

			if hdr.Seq != nextSeq {
				return dropgateerrors.Protocol("chunk sequence gap: expected %d, got %d", nextSeq, hdr.Seq)
			}

			dataFrame, err := nextFrame()
			if err != nil {
				return dropgateerrors.Network("waiting for chunk data: %v", err)
			}

			if len(dataFrame) != hdr.Size {
				return dropgateerrors.Protocol("chunk size mismatch: header said %d, got %d bytes", hdr.Size, len(dataFrame))
			}

			if _, err := sink.WriteAt(dataFrame, hdr.Offset); err != nil {
				return dropgateerrors.Network("writing chunk to sink: %v", err)
			}

			received += int64(len(dataFrame))
			nextSeq++

			if r.hooks.OnProgress != nil {
				r.hooks.OnProgress(received, hdr.Total)
			}

			ack, err := encodeMessage(MsgChunkAck, ChunkAckPayload{Seq: hdr.Seq, Received: received})
			if err != nil {
				return err
			}

			if err := ch.Send(ctx, ack); err != nil {
				return dropgateerrors.Network("sending chunk ack: %v", err)
			}

		case MsgEnd:
			if received != total {
				errMsg, _ := encodeMessage(MsgError, ErrorPayload{Message: "incomplete transfer"})
				_ = ch.Send(ctx, errMsg)

				return dropgateerrors.Protocol("end received but only %d of %d bytes received", received, total)
			}

			endAck, err := encodeMessage(MsgEndAck, EndAckPayload{Received: received, Total: total})
			if err != nil {
				return err
			}

			return ch.Send(ctx, endAck)

		case MsgPing:
			pong, err := encodeMessage(MsgPong, struct{}{})
			if err == nil {
				_ = ch.Send(ctx, pong)
			}

		case MsgMeta:
			// A meta for a different session is a crossed wire: tell the
			// peer and ignore it. A duplicate of our own session is ignored
			// silently.
			var meta MetaPayload
			if json.Unmarshal(payload, &meta) == nil && meta.SessionID != sessionID {
				errMsg, encErr := encodeMessage(MsgError, ErrorPayload{Message: "session mismatch"})
				if encErr == nil {
					_ = ch.Send(ctx, errMsg)
				}
			}

		case MsgCancelled:
			r.mu.Lock()
			r.fsm.transition(ReceiverCancelled)
			r.mu.Unlock()

			r.guard.fireOnce(func() {
				if r.hooks.OnCancel != nil {
					r.hooks.OnCancel(CancelledInfo{CancelledBy: "sender"})
				}
			})

			return dropgateerrors.Abort("sender cancelled the transfer")

		case MsgError:
			var e ErrorPayload
			_ = json.Unmarshal(payload, &e)

			return dropgateerrors.Protocol("peer reported error: %s", e.Message)
		}
	}
}

func (r *Receiver) fail(ch Channel, cause error) error {
	if errors.Is(cause, dropgateerrors.ErrAbort) {
		return cause
	}

	if msg, encErr := encodeMessage(MsgError, ErrorPayload{Message: cause.Error()}); encErr == nil {
		_ = ch.Send(context.Background(), msg)
	}

	r.guard.fireOnce(func() {
		if r.hooks.OnError != nil {
			r.hooks.OnError(cause)
		}
	})

	return cause
}

// Cancel transitions the receiver to cancelled and notifies the peer best
// effort.
func (r *Receiver) Cancel(ch Channel, reason string) {
	r.mu.Lock()
	r.fsm.transition(ReceiverCancelled)
	r.mu.Unlock()

	if msg, err := encodeMessage(MsgCancelled, CancelledPayload{Reason: reason}); err == nil && ch != nil {
		_ = ch.Send(context.Background(), msg)
	}

	r.guard.fireOnce(func() {
		if r.hooks.OnCancel != nil {
			r.hooks.OnCancel(CancelledInfo{CancelledBy: "self"})
		}
	})
}
