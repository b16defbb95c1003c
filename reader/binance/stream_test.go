package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkPriceBoardLookupRequiresEverySymbol(t *testing.T) {
	board := NewMarkPriceBoard("")
	now := time.Now().UnixMilli()
	raw := []byte(`[{"e":"markPriceUpdate","E":` + itoa(now) + `,"s":"BTCUSDT","p":"60000","i":"59999","P":"0","r":"0.0001","T":0}]`)
	require.NoError(t, board.handleMessage(raw))

	_, ok := board.Lookup([]string{"BTCUSDT", "ETHUSDT"}, time.Minute)
	assert.False(t, ok)

	out, ok := board.Lookup([]string{"btcusdt"}, time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 60000, out["BTCUSDT"].MarkPrice, 1e-9)

	_, ok = board.Lookup([]string{"BTCUSDT"}, -time.Second)
	assert.False(t, ok, "samples older than maxAge are ignored")
}

func TestMarkPriceBoardRejectsMalformedPayload(t *testing.T) {
	board := NewMarkPriceBoard("")
	assert.Error(t, board.handleMessage([]byte(`{"not":"an array"}`)))
	assert.Equal(t, 0, board.Len())
}

func TestNewMarkPriceBoardEndpoint(t *testing.T) {
	assert.Equal(t, "wss://fstream.binance.com/ws/!markPrice@arr@1s", NewMarkPriceBoard("").endpoint)
	assert.Equal(t, "ws://x/ws/!markPrice@arr@1s", NewMarkPriceBoard("ws://x/ws/").endpoint)
}

func TestMarkPriceBoardRunConsumesStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		now := itoa(time.Now().UnixMilli())
		msg := `[{"e":"markPriceUpdate","E":` + now + `,"s":"ETHUSDT","p":"3000","i":"3000","P":"0","r":"-0.007","T":0}]`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	board := NewMarkPriceBoard("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		board.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return board.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
