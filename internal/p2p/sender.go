package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dropgate/dropgate/internal/dropgateerrors"
)

// CancelledInfo is delivered to OnCancel, which fires at most once per
// session.
type CancelledInfo struct {
	CancelledBy string // "self", "sender" or "receiver"
}

// SenderHooks are the caller-supplied session callbacks. OnProgress fires
// after every chunk sent; of OnComplete, OnError and OnCancel, at most one
// fires, and at most once, per session.
type SenderHooks struct {
	OnProgress func(sent, total int64)
	OnComplete func()
	OnError    func(error)
	OnCancel   func(CancelledInfo)
}

// Sender drives the sending side of a single Direct Transfer session. One
// Sender is used for exactly one transfer; construct a fresh one to send
// again.
type Sender struct {
	cfg    Config
	logger *slog.Logger
	fsm    *senderFSM
	hooks  SenderHooks
	guard  onceGuard
	mu     sync.Mutex // guards fsm against the control-receive goroutine
}

// NewSender constructs a Sender in the initializing state.
func NewSender(cfg Config, hooks SenderHooks, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		cfg:    cfg.withDefaults(),
		logger: logger,
		fsm:    newSenderFSM(),
		hooks:  hooks,
	}
}

// State returns the current FSM state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fsm.Current()
}

// Listen marks the sender as registered with the signalling broker and
// ready to accept one incoming connection. Callers typically call this
// immediately after GenerateUniqueShareCode succeeds.
func (s *Sender) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fsm.mustTransition(SenderListening)
}

// Serve hosts one share code for its whole lifetime, running Run over the
// first channel l yields and applying the connection replacement rule to
// every later one: a dial arriving while the current transfer is
// still running is an intruder — told the transfer is already in progress
// and closed — while a dial arriving after the current connection has gone
// dead (its Run already returned without completing) discards it, resets
// the sequence counters, and takes the new dialer over instead. Serve
// returns once a Run ends successfully or ctx is done.
func (s *Sender) Serve(ctx context.Context, l Listener, src Source) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ch, err := l.Accept(ctx)
	if err != nil {
		return err
	}

	done := s.runAsync(ctx, ch, src) // non-nil while a transfer is running

	type acceptResult struct {
		ch  Channel
		err error
	}

	// At most one Accept is outstanding at a time, so every dialer it yields
	// reaches this loop instead of an abandoned channel.
	acceptCh := make(chan acceptResult, 1)
	acceptPending := false

	for {
		if !acceptPending {
			acceptPending = true

			go func() {
				ch, err := l.Accept(ctx)
				acceptCh <- acceptResult{ch: ch, err: err}
			}()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case runErr := <-done:
			if runErr == nil {
				// The hosted session completed; nothing is left to host.
				return nil
			}

			// The connection died before the transfer finished. Keep the
			// share code open for a replacement dialer instead of failing
			// the whole session.
			s.logger.Info("p2p connection ended before completion, awaiting a replacement dialer", slog.String("error", runErr.Error()))

			done = nil

		case res := <-acceptCh:
			acceptPending = false

			if res.err != nil {
				// Pairing attempt timed out; try again.
				continue
			}

			if done != nil {
				s.logger.Info("rejecting p2p dialer: transfer already in progress")
				s.rejectIntruder(ctx, res.ch)
				continue
			}

			s.logger.Info("accepting p2p dialer to replace a dead connection")
			s.resetForReplacement()
			done = s.runAsync(ctx, res.ch, src)
		}
	}
}

func (s *Sender) runAsync(ctx context.Context, ch Channel, src Source) chan error {
	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx, ch, src)
	}()

	return done
}

// resetForReplacement discards the finished FSM and callback guard of a
// dead connection so the replacement dialer starts clean from listening,
// with sequence counters effectively back at zero.
func (s *Sender) resetForReplacement() {
	s.mu.Lock()
	s.fsm = newSenderFSM()
	_ = s.fsm.mustTransition(SenderListening)
	s.guard = onceGuard{}
	s.mu.Unlock()
}

// rejectIntruder tells ch a transfer is already underway and closes it.
func (s *Sender) rejectIntruder(ctx context.Context, ch Channel) {
	if msg, err := encodeMessage(MsgError, ErrorPayload{Message: "Transfer already in progress."}); err == nil {
		_ = ch.Send(ctx, msg)
	}

	_ = ch.Close()
}

// Run drives the handshake, metadata negotiation, chunked transfer, and
// end-of-stream handshake over ch for src, blocking until completion,
// cancellation, or a fatal error. It is the single owner of ch for the
// duration of the call — no other goroutine should read or write ch.
func (s *Sender) Run(ctx context.Context, ch Channel, src Source) error {
	if s.State() != SenderListening {
		return fmt.Errorf("p2p: Run called outside listening state (got %s)", s.State())
	}

	sessionID := uuid.NewString()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	if err := s.handshake(ctx, ch, sessionID); err != nil {
		return s.fail(ch, err)
	}

	if err := s.negotiate(ctx, ch, sessionID, src); err != nil {
		return s.fail(ch, err)
	}

	var bg errgroup.Group

	bg.Go(func() error {
		s.runHeartbeat(hbCtx, ch)
		return nil
	})

	acks := make(chan ChunkAckPayload, s.cfg.MaxUnackedChunks)
	endAcks := make(chan EndAckPayload, 1)

	// workCtx is cancelled either by the caller or by receiveControl upon
	// an incoming cancelled{} from the peer, stopping the send loop
	// promptly instead of letting it run to the ack-timeout deadlock guard.
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	bg.Go(func() error {
		return s.receiveControl(workCtx, cancelWork, ch, acks, endAcks)
	})

	err := s.transfer(workCtx, ch, src, acks)
	if err == nil {
		err = s.finish(workCtx, ch, src.Size(), endAcks)
	}

	stopHeartbeat()
	cancelWork()

	if ctrlErr := bg.Wait(); ctrlErr != nil {
		err = ctrlErr
	}

	if err != nil {
		if cancelErr := s.convertCloseToCancel(err); cancelErr != nil {
			return cancelErr
		}

		return s.fail(ch, err)
	}

	s.mu.Lock()
	s.fsm.mustTransition(SenderCompleted)
	s.mu.Unlock()

	s.guard.fireOnce(func() {
		if s.hooks.OnComplete != nil {
			s.hooks.OnComplete()
		}
	})

	s.mu.Lock()
	s.fsm.mustTransition(SenderClosed)
	s.mu.Unlock()

	return nil
}

func (s *Sender) handshake(ctx context.Context, ch Channel, sessionID string) error {
	s.mu.Lock()
	if err := s.fsm.mustTransition(SenderHandshaking); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	hello, err := encodeMessage(MsgHello, HelloPayload{ProtocolVersion: ProtocolVersion, SessionID: sessionID})
	if err != nil {
		return err
	}

	if err := ch.Send(ctx, hello); err != nil {
		return dropgateerrors.Network("sending hello: %v", err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	frame, err := ch.Recv(hctx)
	if err != nil {
		// Timeout waiting for the peer's hello means a v1 peer; proceed
		// in compatibility mode rather than failing.
		s.logger.Info("no hello received within handshake window, assuming v1 peer")
		return nil
	}

	msgType, payload, err := decodeMessage(frame)
	if err != nil {
		return dropgateerrors.Protocol("decoding peer hello: %v", err)
	}

	if msgType != MsgHello {
		return dropgateerrors.Protocol("expected hello, got %s", msgType)
	}

	var peerHello HelloPayload
	if err := json.Unmarshal(payload, &peerHello); err != nil {
		return dropgateerrors.Protocol("decoding hello payload: %v", err)
	}

	if peerHello.ProtocolVersion != ProtocolVersion {
		return dropgateerrors.Protocol("protocol version mismatch: got %d, want %d", peerHello.ProtocolVersion, ProtocolVersion)
	}

	return nil
}

func (s *Sender) negotiate(ctx context.Context, ch Channel, sessionID string, src Source) error {
	s.mu.Lock()
	if err := s.fsm.mustTransition(SenderNegotiating); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	meta, err := encodeMessage(MsgMeta, MetaPayload{SessionID: sessionID, Name: src.Name(), Size: src.Size(), MIME: src.MIME()})
	if err != nil {
		return err
	}

	if err := ch.Send(ctx, meta); err != nil {
		return dropgateerrors.Network("sending meta: %v", err)
	}

	frame, err := ch.Recv(ctx)
	if err != nil {
		return dropgateerrors.Network("waiting for ready: %v", err)
	}

	msgType, _, err := decodeMessage(frame)
	if err != nil {
		return dropgateerrors.Protocol("decoding ready: %v", err)
	}

	if msgType != MsgReady {
		return dropgateerrors.Protocol("expected ready, got %s", msgType)
	}

	s.mu.Lock()
	err = s.fsm.mustTransition(SenderTransferring)
	s.mu.Unlock()

	return err
}

func (s *Sender) transfer(ctx context.Context, ch Channel, src Source, acks chan ChunkAckPayload) error {
	total := src.Size()
	buf := make([]byte, s.cfg.ChunkSize)
	unacked := make(map[int]struct{})

	var seq int
	var offset int64

	for offset < total {
		n, err := src.ReadAt(buf, offset)
		if n == 0 && err != nil {
			return fmt.Errorf("p2p: reading source at offset %d: %w", offset, err)
		}

		if err := s.waitForBufferDrain(ctx, ch); err != nil {
			return err
		}

		if err := s.waitForWindow(ctx, unacked, acks); err != nil {
			return err
		}

		header, err := encodeMessage(MsgChunk, ChunkHeader{Seq: seq, Offset: offset, Size: n, Total: total})
		if err != nil {
			return err
		}

		if err := ch.Send(ctx, header); err != nil {
			return dropgateerrors.Network("sending chunk header: %v", err)
		}

		if err := ch.Send(ctx, buf[:n]); err != nil {
			return dropgateerrors.Network("sending chunk data: %v", err)
		}

		unacked[seq] = struct{}{}

		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress(offset+int64(n), total)
		}

		seq++
		offset += int64(n)
	}

	return s.drainWindow(ctx, unacked, acks)
}

// receiveControl is the single reader goroutine for the transfer+finish
// phases, demultiplexing chunk_ack, end_ack, pong and cancelled/error
// frames arriving from the peer. Only one goroutine ever calls ch.Recv at
// a time, keeping this the sole owner of inbound traffic while the main
// goroutine owns all sends.
func (s *Sender) receiveControl(ctx context.Context, cancelWork context.CancelFunc, ch Channel, acks chan<- ChunkAckPayload, endAcks chan<- EndAckPayload) error {
	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			// A raw close while transferring or finishing, without a
			// preceding cancelled{}, is a receiver-initiated cancel, not a
			// crash. A close while awaiting the end ack is left to finish()
			// to wait out its grace window.
			s.mu.Lock()
			st := s.fsm.Current()
			converted := (st == SenderTransferring || st == SenderFinishing) && s.fsm.transition(SenderCancelled)
			s.mu.Unlock()

			if !converted {
				return nil
			}

			s.guard.fireOnce(func() {
				if s.hooks.OnCancel != nil {
					s.hooks.OnCancel(CancelledInfo{CancelledBy: "receiver"})
				}
			})

			cancelWork()

			return dropgateerrors.Abort("channel closed during transfer")
		}

		msgType, payload, err := decodeMessage(frame)
		if err != nil {
			continue
		}

		switch msgType {
		case MsgChunkAck:
			var ack ChunkAckPayload
			if json.Unmarshal(payload, &ack) == nil {
				select {
				case acks <- ack:
				case <-ctx.Done():
					return nil
				}
			}
		case MsgEndAck:
			var ack EndAckPayload
			if json.Unmarshal(payload, &ack) == nil {
				select {
				case endAcks <- ack:
				case <-ctx.Done():
					return nil
				}
			}
		case MsgCancelled:
			s.mu.Lock()
			s.fsm.transition(SenderCancelled)
			s.mu.Unlock()

			s.guard.fireOnce(func() {
				if s.hooks.OnCancel != nil {
					s.hooks.OnCancel(CancelledInfo{CancelledBy: "receiver"})
				}
			})

			cancelWork()

			return dropgateerrors.Abort("peer cancelled the transfer")
		case MsgPong, MsgPing:
			// liveness only; nothing to do here.
		}
	}
}

func (s *Sender) waitForWindow(ctx context.Context, unacked map[int]struct{}, acks <-chan ChunkAckPayload) error {
	if len(unacked) < s.cfg.MaxUnackedChunks {
		return nil
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-acks:
		delete(unacked, ack.Seq)
		return nil
	case <-timer.C:
		// The timeout is a deadlock guard, not a failure. Proceed and let
		// eventual acks/end-ack reconcile the window.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) drainWindow(ctx context.Context, unacked map[int]struct{}, acks <-chan ChunkAckPayload) error {
	for len(unacked) > 0 {
		select {
		case ack := <-acks:
			delete(unacked, ack.Seq)
		case <-time.After(s.cfg.AckTimeout):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *Sender) waitForBufferDrain(ctx context.Context, ch Channel) error {
	if ch.BufferedAmount() < s.cfg.BufferHighWaterMark {
		return nil
	}

	deadline := time.Now().Add(s.cfg.BufferPollInterval)

	for ch.BufferedAmount() > s.cfg.BufferLowWaterMark {
		if time.Now().After(deadline) {
			return nil
		}

		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *Sender) finish(ctx context.Context, ch Channel, total int64, endAcks <-chan EndAckPayload) error {
	s.mu.Lock()
	if err := s.fsm.mustTransition(SenderFinishing); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	backoff := s.cfg.EndAckTimeout

	for attempt := 0; attempt <= s.cfg.EndAckRetries; attempt++ {
		end, err := encodeMessage(MsgEnd, EndPayload{Attempt: attempt})
		if err != nil {
			return err
		}

		if err := ch.Send(ctx, end); err != nil {
			return dropgateerrors.Network("sending end: %v", err)
		}

		if attempt == 0 {
			s.mu.Lock()
			if err := s.fsm.mustTransition(SenderAwaitingAck); err != nil {
				s.mu.Unlock()
				return err
			}
			s.mu.Unlock()
		}

		select {
		case ack := <-endAcks:
			if ack.Received >= total {
				return nil
			}
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * s.cfg.EndAckBackoffFactor)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return dropgateerrors.Network("end-of-stream acknowledgement never arrived")
}

func (s *Sender) runHeartbeat(ctx context.Context, ch Channel) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg, err := encodeMessage(MsgPing, PingPayload{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}

			_ = ch.Send(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// convertCloseToCancel maps a channel failure that happened while
// transferring or finishing, with no cancelled{} received first, to a
// receiver-initiated cancel. It returns nil when the error is not that
// case, leaving the caller to report it as a failure.
func (s *Sender) convertCloseToCancel(cause error) error {
	if !errors.Is(cause, dropgateerrors.ErrNetwork) {
		return nil
	}

	s.mu.Lock()
	st := s.fsm.Current()
	converted := (st == SenderTransferring || st == SenderFinishing) && s.fsm.transition(SenderCancelled)
	s.mu.Unlock()

	if !converted {
		return nil
	}

	s.guard.fireOnce(func() {
		if s.hooks.OnCancel != nil {
			s.hooks.OnCancel(CancelledInfo{CancelledBy: "receiver"})
		}
	})

	return dropgateerrors.Abort("channel closed during transfer")
}

// fail sends a best-effort error to the peer and invokes onError exactly
// once. The peer hears about the failure before the teardown, when the
// channel still works. Cancellations pass through untouched: the peer was
// already told via cancelled{} and onCancel has already fired.
func (s *Sender) fail(ch Channel, cause error) error {
	if errors.Is(cause, dropgateerrors.ErrAbort) {
		return cause
	}

	if msg, encErr := encodeMessage(MsgError, ErrorPayload{Message: cause.Error()}); encErr == nil {
		_ = ch.Send(context.Background(), msg)
	}

	s.guard.fireOnce(func() {
		if s.hooks.OnError != nil {
			s.hooks.OnError(cause)
		}
	})

	return cause
}

// Cancel transitions the sender to cancelled, notifies the peer best
// effort, and fires onCancel exactly once with cancelledBy "self".
func (s *Sender) Cancel(ch Channel, reason string) {
	s.mu.Lock()
	s.fsm.transition(SenderCancelled)
	s.mu.Unlock()

	if msg, err := encodeMessage(MsgCancelled, CancelledPayload{Reason: reason}); err == nil && ch != nil {
		_ = ch.Send(context.Background(), msg)
	}

	s.guard.fireOnce(func() {
		if s.hooks.OnCancel != nil {
			s.hooks.OnCancel(CancelledInfo{CancelledBy: "self"})
		}
	})
}
