package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/testutil"
)

// echoTwice answers every request with two identical pong replies.
func echoTwice(t *testing.T) string {
	t.Helper()
	var upgrader websocket.Upgrader
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wc.Close()
		for {
			_, data, err := wc.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			b, _ := json.Marshal(protocol.Reply{Status: protocol.StatusDone, Msg: "pong", RequestID: req.RequestID})
			for range 2 {
				if err := wc.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func TestClient_RepeatedReplyDoesNotStallReader(t *testing.T) {
	url := echoTwice(t)
	c, err := Dial(callCtx(t), url, WithRequestIDs(testutil.NewSequenceIDGenerator("req")))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	for i := 0; i < 5; i++ {
		reply, err := c.Call(callCtx(t), "ping", nil)
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, "pong", reply.Msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}
