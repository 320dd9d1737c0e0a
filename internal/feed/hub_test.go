package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func clientCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func TestHubBroadcastDeliversToClient(t *testing.T) {
	h := NewHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return clientCount(h) == 1 },
		time.Second, 10*time.Millisecond)

	h.Broadcast(TradeEvent{
		EventID:  "ev-1",
		Symbol:   "ACME",
		TradeID:  7,
		Quantity: 3,
		Price:    "42",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev TradeEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "ACME", ev.Symbol)
	require.Equal(t, int64(7), ev.TradeID)
}

// A connection whose writes fail must be dropped by the broadcast loop
// without disturbing healthy clients. The failing connection is registered
// without read or ping pumps so only the broadcast path can remove it.
func TestHubDropsFailedWriterOnBroadcast(t *testing.T) {
	h := NewHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	serverSide := make(chan *websocket.Conn, 1)
	rawSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	defer rawSrv.Close()

	dialHub(t, rawSrv)
	dead := <-serverSide
	h.register <- dead
	require.NoError(t, dead.UnderlyingConn().Close())

	alive := dialHub(t, srv)
	require.Eventually(t, func() bool { return clientCount(h) == 2 },
		time.Second, 10*time.Millisecond)

	h.Broadcast(TradeEvent{EventID: "ev-2", Symbol: "ACME", TradeID: 9, Price: "10"})

	// The healthy client still receives the event.
	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := alive.ReadMessage()
	require.NoError(t, err)
	var ev TradeEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, int64(9), ev.TradeID)

	// The failed writer is removed from the client set.
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.clients[dead]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
