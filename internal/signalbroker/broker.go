// Package signalbroker is a reference implementation of a peer-ID
// rendezvous broker: it pairs two share-code holders and then gets out of
// the way, relaying opaque
// binary frames between them without ever looking inside the Direct
// Transfer Engine's protocol. It exists so the engine in internal/p2p can
// be exercised end-to-end without a real signalling deployment; it is not
// the production signalling server.
package signalbroker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// DefaultPairTimeout bounds how long the first peer to arrive at a share
// code waits for its counterpart before the connection is dropped.
const DefaultPairTimeout = 2 * time.Minute

// Broker pairs websocket connections by share code and relays frames
// between each pair. The zero value is not usable; construct with New.
type Broker struct {
	logger      *slog.Logger
	pairTimeout time.Duration

	mu      sync.Mutex
	waiting map[string]chan *websocket.Conn
}

// New constructs a Broker. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		logger:      logger,
		pairTimeout: DefaultPairTimeout,
		waiting:     make(map[string]chan *websocket.Conn),
	}
}

// Router mounts the broker's single endpoint onto a chi router: a sender
// and a receiver both dial GET /ws/{code} with the same share code and are
// relayed to each other once both have arrived.
func (b *Broker) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/{code}", b.handleConnect)

	return r
}

func (b *Broker) handleConnect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		http.Error(w, "missing share code", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("signalbroker: accept failed", slog.String("error", err.Error()))
		return
	}

	peer, first := b.rendezvous(code, conn)
	if !first {
		// The first arrival relays the pair; a second relay would put two
		// concurrent readers on each connection.
		return
	}

	if peer == nil {
		conn.Close(websocket.StatusPolicyViolation, "no counterpart arrived before the pairing window closed")

		return
	}

	b.logger.Info("signalbroker: pair established", slog.String("code", code))

	if err := relay(context.Background(), conn, peer); err != nil {
		b.logger.Debug("signalbroker: relay ended", slog.String("code", code), slog.String("error", err.Error()))
	}
}

// rendezvous blocks the first arrival for a code until a second connection
// shows up (or the pairing window expires) and returns that counterpart, or
// nil if none arrived. The second arrival hands its connection to the first
// and returns immediately with a nil peer; the first arrival owns the pair.
func (b *Broker) rendezvous(code string, conn *websocket.Conn) (peer *websocket.Conn, first bool) {
	b.mu.Lock()

	if waiter, ok := b.waiting[code]; ok {
		delete(b.waiting, code)
		b.mu.Unlock()

		waiter <- conn

		return nil, false
	}

	handoff := make(chan *websocket.Conn, 1)
	b.waiting[code] = handoff
	b.mu.Unlock()

	select {
	case partner := <-handoff:
		return partner, true
	case <-time.After(b.pairTimeout):
		b.mu.Lock()
		if b.waiting[code] == handoff {
			delete(b.waiting, code)
		}
		b.mu.Unlock()

		// A partner may have claimed the entry between the timer firing and
		// the lock; honor the pairing rather than stranding it.
		select {
		case partner := <-handoff:
			return partner, true
		default:
			return nil, true
		}
	}
}

// relay pumps binary frames in both directions until either side closes or
// errors, at which point both connections are torn down.
func relay(ctx context.Context, a, b *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pump(ctx, a, b) })
	g.Go(func() error { return pump(ctx, b, a) })

	err := g.Wait()

	a.Close(websocket.StatusNormalClosure, "relay ended")
	b.Close(websocket.StatusNormalClosure, "relay ended")

	return err
}

func pump(ctx context.Context, from, to *websocket.Conn) error {
	for {
		msgType, data, err := from.Read(ctx)
		if err != nil {
			return err
		}

		if err := to.Write(ctx, msgType, data); err != nil {
			return err
		}
	}
}
