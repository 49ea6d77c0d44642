package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoUpstream spins up an httptest WebSocket server that echoes every
// text frame it receives back verbatim — a stand-in for an upstream
// exchange's control channel.
func newEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if conn.Write(r.Context(), typ, data) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnection_ConnectsAndReceivesMessages(t *testing.T) {
	srv := newEchoUpstream(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	received := make(chan []byte, 1)
	conn := NewConnection(url, func(data []byte) { received <- data })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	defer conn.Stop()

	require.Eventually(t, func() bool { return conn.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Send(ctx, map[string]string{"method": "SUBSCRIBE"}))

	select {
	case data := <-received:
		assert.Contains(t, string(data), "SUBSCRIBE")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestConnection_SendWithoutConnectionFails(t *testing.T) {
	conn := NewConnection("ws://127.0.0.1:1/no-such-server", func([]byte) {})
	err := conn.Send(context.Background(), map[string]string{"a": "b"})
	assert.Error(t, err)
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}
