package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finalKline = `{"e":"kline","E":1700000060000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"100.0","c":"101.5","h":"102","l":"99.5","v":"12.3","x":true}}`

func TestParseKlineMessage(t *testing.T) {
	bar, ok, err := parseKlineMessage([]byte(finalKline), "btcusdt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), bar.OpenTime)
	assert.True(t, bar.Close.Equal(decimal.RequireFromString("101.5")))
	assert.True(t, bar.High.Equal(decimal.RequireFromString("102")))
	assert.True(t, bar.IsFinal)

	combined := `{"stream":"btcusdt@kline_1m","data":` + strings.Replace(finalKline, `"x":true`, `"x":false`, 1) + `}`
	bar, ok, err = parseKlineMessage([]byte(combined), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, bar.IsFinal)

	_, ok, err = parseKlineMessage([]byte(`{"e":"trade","s":"BTCUSDT"}`), "BTCUSDT")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = parseKlineMessage([]byte(finalKline), "ETHUSDT")
	assert.NoError(t, err)
	assert.False(t, ok, "other symbol")

	_, _, err = parseKlineMessage([]byte(strings.Replace(finalKline, `"c":"101.5"`, `"c":"0"`, 1)), "BTCUSDT")
	assert.Error(t, err)

	_, _, err = parseKlineMessage([]byte("not json"), "BTCUSDT")
	assert.Error(t, err)
}

func newKlineServer(t *testing.T, messages []string) (*httptest.Server, chan string) {
	t.Helper()
	paths := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	t.Cleanup(srv.Close)
	return srv, paths
}

func TestKlineStreamDeliversBarsThenReportsClose(t *testing.T) {
	srv, paths := newKlineServer(t, []string{`{"result":null,"id":1}`, finalKline, "garbage", finalKline})

	stream, err := NewKlineStream(StreamConfig{
		BaseURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:   "BTCUSDT",
		Interval: "1m",
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bars, errs, err := stream.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/ws/btcusdt@kline_1m", <-paths)

	var got int
	for bar := range bars {
		assert.True(t, bar.Close.Equal(decimal.RequireFromString("101.5")))
		got++
	}
	assert.Equal(t, 2, got)

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrStreamClosed), "err = %v", err)
	case <-ctx.Done():
		t.Fatalf("no terminal error reported")
	}
}

func TestKlineStreamDialFailure(t *testing.T) {
	stream, err := NewKlineStream(StreamConfig{BaseURL: "ws://127.0.0.1:1", Symbol: "BTCUSDT"}, nil)
	require.NoError(t, err)
	_, _, err = stream.Subscribe(context.Background())
	assert.Error(t, err)

	_, err = NewKlineStream(StreamConfig{}, nil)
	assert.Error(t, err)
}
