package stubs

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradedesk/internal/store"
)

func newServer(t *testing.T) (*Backend, *httptest.Server) {
	b := New(Options{Heartbeat: time.Hour})
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv
}

func post(t *testing.T, url string, body string, headers map[string]string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTyped_InjectsType(t *testing.T) {
	raw, err := typed("alert", store.Signal{ID: "a1", Symbol: "NVDA"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "alert", m["type"])
	assert.Equal(t, "a1", m["id"])

	_, err = typed("bad", []int{1})
	assert.Error(t, err)
}

func TestTradeActions_EnforceLifecycle(t *testing.T) {
	b, srv := newServer(t)
	tr := b.PutTrade(store.Trade{ID: "t1", Symbol: "AMD", Shares: 100})

	resp := post(t, srv.URL+"/api/bot/trades/t1/close", `{}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/api/bot/trades/t1/confirm", `{"half_size":true}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got, ok := b.Trade(tr.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusOpen, got.Status)
	assert.Equal(t, 50, got.Shares)

	resp = post(t, srv.URL+"/api/bot/trades/nope/confirm", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitTrade_Idempotent(t *testing.T) {
	b, srv := newServer(t)
	body := `{"symbol":"nvda","direction":"long","entry":"120","stop":"118","target":"125"}`
	h := map[string]string{"Idempotency-Key": "k1"}

	var first, second struct {
		TradeID string `json:"trade_id"`
	}
	resp := post(t, srv.URL+"/api/trades", body, h)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))

	resp = post(t, srv.URL+"/api/trades", body, h)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))

	assert.Equal(t, first.TradeID, second.TradeID)
	tr, ok := b.Trade(first.TradeID)
	require.True(t, ok)
	assert.Equal(t, "NVDA", tr.Symbol)
	assert.Equal(t, store.StatusPending, tr.Status)
}

func TestFail_InjectsStatus(t *testing.T) {
	b, srv := newServer(t)
	b.Fail("bot_status", http.StatusServiceUnavailable)

	resp, err := http.Get(srv.URL + "/api/bot/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, b.Hits("bot_status"))

	b.Fail("bot_status", 0)
	resp, err = http.Get(srv.URL + "/api/bot/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPassedAlertsHidden(t *testing.T) {
	b, srv := newServer(t)
	b.AddAlert(store.Signal{ID: "a1", Symbol: "NVDA"})
	b.AddAlert(store.Signal{ID: "a2", Symbol: "AMD"})
	post(t, srv.URL+"/api/alerts/a1/pass", `{}`, nil)

	resp, err := http.Get(srv.URL + "/api/alerts")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Alerts []store.Signal `json:"alerts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, "a2", out.Alerts[0].ID)
}

func readEvents(t *testing.T, sc *bufio.Scanner, n int) []WireEvent {
	var out []WireEvent
	var cur WireEvent
	for len(out) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			out = append(out, cur)
			cur = WireEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, out, n)
	return out
}

func TestStream_ResumesFromLastEventID(t *testing.T) {
	b, srv := newServer(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		b.AddAlert(store.Signal{ID: id, Symbol: "NVDA"})
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stream/alerts", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	evs := readEvents(t, bufio.NewScanner(resp.Body), 3)
	assert.Equal(t, "connected", evs[0].Type)
	assert.Equal(t, "2", evs[1].ID)
	assert.Equal(t, "3", evs[2].ID)
	assert.Contains(t, string(evs[2].Data), `"a3"`)
}

func TestStream_HistoryBounded(t *testing.T) {
	s := NewStream("x", time.Hour, 2)
	for i := 0; i < 5; i++ {
		_, err := s.Broadcast("alert", map[string]int{"n": i})
		require.NoError(t, err)
	}
	all := s.since("")
	require.Len(t, all, 2)
	assert.Equal(t, "4", all[0].ID)
	assert.Len(t, s.since("4"), 1)
}

func TestQuoteHub_SubscribeAndPong(t *testing.T) {
	b, srv := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/quotes"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readType := func() map[string]any {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	assert.Equal(t, "connected", readType()["type"])
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
	assert.Equal(t, "pong", readType()["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","symbols":["nvda"]}`)))
	require.Eventually(t, func() bool {
		subs := b.Quotes.Subscriptions()
		return len(subs) == 1 && subs[0] == "NVDA"
	}, 2*time.Second, 5*time.Millisecond)

	b.Quotes.Publish(store.Quote{Symbol: "AMD", Last: 1})
	b.Quotes.Publish(store.Quote{Symbol: "NVDA", Last: 120.5})
	m := readType()
	assert.Equal(t, "quote", m["type"])
	assert.Equal(t, "NVDA", m["symbol"])
}

func TestSeed_FromFixtureFile(t *testing.T) {
	f, err := LoadFixture("../../fixtures/desk.json")
	require.NoError(t, err)
	b, srv := newServer(t)
	b.Seed(f)

	resp, err := http.Get(srv.URL + "/api/bot/trades")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap store.TradeSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "NVDA", snap.Pending[0].Symbol)
	require.Len(t, snap.Closed, 1)
	assert.Equal(t, "-125", snap.Closed[0].RealizedPnl.String())

	resp2, err := http.Get(srv.URL + "/api/alerts")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var alerts struct {
		Alerts []store.Signal `json:"alerts"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&alerts))
	require.Len(t, alerts.Alerts, 2)
	assert.Equal(t, "A-1002", alerts.Alerts[0].ID)

	_, err = LoadFixture("../../fixtures/missing.json")
	assert.Error(t, err)
}
