package signalbroker

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*httptest.Server, *Broker) {
	t.Helper()

	b := New(slog.New(slog.DiscardHandler))
	b.pairTimeout = 2 * time.Second

	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)

	return srv, b
}

func wsURL(srv *httptest.Server, code string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + code
}

func TestBroker_PairsAndRelaysFrames(t *testing.T) {
	srv, _ := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA, _, err := websocket.Dial(ctx, wsURL(srv, "WXYZ-1234"), nil)
	require.NoError(t, err)
	defer connA.Close(websocket.StatusNormalClosure, "")

	connB, _, err := websocket.Dial(ctx, wsURL(srv, "WXYZ-1234"), nil)
	require.NoError(t, err)
	defer connB.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, connA.Write(ctx, websocket.MessageBinary, []byte("hello from a")))

	msgType, data, err := connB.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, msgType)
	assert.Equal(t, "hello from a", string(data))

	require.NoError(t, connB.Write(ctx, websocket.MessageBinary, []byte("hello from b")))

	_, data, err = connA.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello from b", string(data))
}

func TestBroker_DifferentCodesDoNotCrossConnect(t *testing.T) {
	srv, _ := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA, _, err := websocket.Dial(ctx, wsURL(srv, "AAAA-0001"), nil)
	require.NoError(t, err)
	defer connA.Close(websocket.StatusNormalClosure, "")

	readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer readCancel()

	_, _, err = connA.Read(readCtx)
	assert.Error(t, err, "expected no peer to arrive on a distinct code within the deadline")
}

func TestBroker_FirstArrivalTimesOutWithoutCounterpart(t *testing.T) {
	b := New(slog.New(slog.DiscardHandler))
	b.pairTimeout = 100 * time.Millisecond

	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "LONE-9999"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	assert.Error(t, err)
}
