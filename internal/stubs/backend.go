// Package stubs is an in-memory trading backend used by the demo runner and
// by integration tests. It serves the REST snapshots, the two SSE streams and
// the duplex quote socket the client talks to.
package stubs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

type Options struct {
	Heartbeat    time.Duration
	HistoryLimit int
	// ChatReply produces the assistant reply for /api/chat. Defaults to an echo.
	ChatReply func(message string) string
}

type Backend struct {
	Alerts *Stream
	Bot    *Stream
	Quotes *QuoteHub

	chatReply func(string) string
	router    chi.Router

	mu          sync.Mutex
	bot         store.BotStatus
	alerts      []store.Signal
	passed      map[string]bool
	trades      map[string]*store.Trade
	tradeOrder  []string
	coaching    []store.Notice
	priceAlerts []store.Notice
	fills       []Fill
	market      store.MarketContext
	earnings    []store.EarningsEvent
	idem        map[string]string
	chats       []ChatMessage
	failures    map[string]int
	hits        map[string]int
}

// ChatMessage is one /api/chat request as received.
type ChatMessage struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func New(opts Options) *Backend {
	if opts.ChatReply == nil {
		opts.ChatReply = func(m string) string { return "echo: " + m }
	}
	b := &Backend{
		Alerts:    NewStream("alerts", opts.Heartbeat, opts.HistoryLimit),
		Bot:       NewStream("bot", opts.Heartbeat, opts.HistoryLimit),
		Quotes:    NewQuoteHub(),
		chatReply: opts.ChatReply,
		bot:       store.BotStatus{Mode: store.ModeConfirmation},
		passed:    map[string]bool{},
		trades:    map[string]*store.Trade{},
		idem:      map[string]string{},
		failures:  map[string]int{},
		hits:      map[string]int{},
	}
	b.router = b.routes()
	return b
}

func (b *Backend) Handler() http.Handler { return b.router }

func (b *Backend) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/bot/status", b.guard("bot_status", b.getBotStatus))
		r.Get("/bot/trades", b.guard("bot_trades", b.getBotTrades))
		r.Post("/bot/trades/{id}/confirm", b.guard("trade_confirm", b.tradeAction(store.StatusPending, store.StatusOpen)))
		r.Post("/bot/trades/{id}/reject", b.guard("trade_reject", b.tradeAction(store.StatusPending, store.StatusRejected)))
		r.Post("/bot/trades/{id}/close", b.guard("trade_close", b.tradeAction(store.StatusOpen, store.StatusClosed)))
		r.Post("/bot/mode", b.guard("bot_mode", b.postMode))
		r.Post("/bot/start", b.guard("bot_start", b.setRunning(true)))
		r.Post("/bot/stop", b.guard("bot_stop", b.setRunning(false)))

		r.Get("/alerts", b.guard("alerts", b.getAlerts))
		r.Get("/alerts/coaching", b.guard("coaching", b.getNotices("alerts", func() []store.Notice { return b.coaching })))
		r.Post("/alerts/{id}/pass", b.guard("alert_pass", b.passAlert))
		r.Get("/price-alerts/check", b.guard("price_alerts", b.getNotices("triggered", func() []store.Notice { return b.priceAlerts })))
		r.Get("/orders/fills", b.guard("order_fills", b.getFills))
		r.Get("/market/context", b.guard("market_context", b.getMarket))
		r.Get("/earnings", b.guard("earnings", b.getEarnings))

		r.Post("/trades", b.guard("trade_submit", b.submitTrade))
		r.Post("/chat", b.guard("chat", b.chat))

		r.Get("/stream/alerts", b.Alerts.ServeHTTP)
		r.Get("/stream/bot", b.Bot.ServeHTTP)
	})
	r.Get("/ws/quotes", b.Quotes.ServeHTTP)
	return r
}

// Fail makes every later request to route answer with status. Zero clears it.
func (b *Backend) Fail(route string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.failures, route)
		return
	}
	b.failures[route] = status
}

// Hits returns how many requests route has received.
func (b *Backend) Hits(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

func (b *Backend) guard(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hits[route]++
		status := b.failures[route]
		b.mu.Unlock()
		if status != 0 {
			observ.Debug("stub_injected_failure", map[string]any{"route": route, "status": status})
			writeError(w, status, "injected failure")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (b *Backend) getBotStatus(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	st := b.bot
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (b *Backend) snapshotLocked() store.TradeSnapshot {
	snap := store.TradeSnapshot{Pending: []store.Trade{}, Open: []store.Trade{}, Closed: []store.Trade{}}
	for _, id := range b.tradeOrder {
		t := *b.trades[id]
		switch t.Status {
		case store.StatusPending:
			snap.Pending = append(snap.Pending, t)
		case store.StatusOpen:
			snap.Open = append(snap.Open, t)
		default:
			snap.Closed = append(snap.Closed, t)
		}
	}
	stats := b.bot.DailyStats
	snap.DailyStats = &stats
	return snap
}

func (b *Backend) getBotTrades(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	snap := b.snapshotLocked()
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, snap)
}

func (b *Backend) tradeAction(from, to store.TradeStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			HalfSize bool `json:"half_size"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		t, ok := b.trades[id]
		if !ok {
			b.mu.Unlock()
			writeError(w, http.StatusNotFound, "unknown trade")
			return
		}
		if t.Status != from {
			cur := t.Status
			b.mu.Unlock()
			writeError(w, http.StatusConflict, fmt.Sprintf("trade is %s", cur))
			return
		}
		t.Status = to
		if body.HalfSize && to == store.StatusOpen && t.Shares > 1 {
			t.Shares /= 2
		}
		switch to {
		case store.StatusOpen:
			b.bot.DailyStats.TradesExecuted++
		case store.StatusClosed:
			t.CloseReason = "manual"
		}
		out := *t
		b.mu.Unlock()

		b.broadcastTrade(out)
		writeJSON(w, http.StatusOK, out)
	}
}

func (b *Backend) postMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode store.BotMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	switch body.Mode {
	case store.ModeAutonomous, store.ModeConfirmation, store.ModePaused:
	default:
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}
	b.mu.Lock()
	b.bot.Mode = body.Mode
	st := b.bot
	b.mu.Unlock()
	b.broadcastStatus(st)
	writeJSON(w, http.StatusOK, st)
}

func (b *Backend) setRunning(running bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		b.bot.Running = running
		st := b.bot
		b.mu.Unlock()
		b.broadcastStatus(st)
		writeJSON(w, http.StatusOK, st)
	}
}

func (b *Backend) getAlerts(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	out := make([]store.Signal, 0, len(b.alerts))
	for i := len(b.alerts) - 1; i >= 0; i-- {
		if !b.passed[b.alerts[i].ID] {
			out = append(out, b.alerts[i])
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (b *Backend) passAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	b.passed[id] = true
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "passed"})
}

func (b *Backend) getNotices(key string, src func() []store.Notice) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		out := append([]store.Notice{}, src()...)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{key: out})
	}
}

func (b *Backend) getFills(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	out := append([]Fill{}, b.fills...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"fills": out})
}

func (b *Backend) getMarket(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	mc := b.market
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, mc)
}

func (b *Backend) getEarnings(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	out := append([]store.EarningsEvent{}, b.earnings...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"earnings": out})
}

type tradeRequest struct {
	Symbol    string          `json:"symbol"`
	Direction store.Direction `json:"direction"`
	Entry     decimal.Decimal `json:"entry"`
	Stop      decimal.Decimal `json:"stop"`
	Target    decimal.Decimal `json:"target"`
	HalfSize  bool            `json:"half_size"`
	AlertID   string          `json:"alert_id"`
}

// submitTrade creates a pending trade. A repeated Idempotency-Key returns
// the trade created by the first request.
func (b *Backend) submitTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	key := r.Header.Get("Idempotency-Key")

	b.mu.Lock()
	if id, ok := b.idem[key]; ok && key != "" {
		st := b.trades[id].Status
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"trade_id": id, "status": st})
		return
	}
	shares := 100
	if req.HalfSize {
		shares = 50
	}
	t := store.Trade{
		ID:           "T-" + uuid.NewString()[:8],
		Symbol:       store.NormalizeSymbol(req.Symbol),
		Direction:    req.Direction,
		Status:       store.StatusPending,
		EntryPrice:   req.Entry,
		StopPrice:    req.Stop,
		TargetPrices: []decimal.Decimal{req.Target},
		Shares:       shares,
		RiskAmount:   req.Entry.Sub(req.Stop).Abs().Mul(decimal.NewFromInt(int64(shares))),
		Explanation:  "user submitted",
		CreatedAt:    time.Now().UTC(),
	}
	b.putTradeLocked(t)
	if key != "" {
		b.idem[key] = t.ID
	}
	b.mu.Unlock()

	b.broadcastTrade(t)
	writeJSON(w, http.StatusCreated, map[string]any{"trade_id": t.ID, "status": t.Status})
}

func (b *Backend) chat(w http.ResponseWriter, r *http.Request) {
	var msg ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	b.mu.Lock()
	b.chats = append(b.chats, msg)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"reply": b.chatReply(msg.Message)})
}

// Chats returns the chat messages received so far.
func (b *Backend) Chats() []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatMessage(nil), b.chats...)
}

func (b *Backend) broadcastTrade(t store.Trade) {
	if _, err := b.Bot.Broadcast("trade_update", map[string]any{"trade_id": t.ID, "status": t.Status}); err != nil {
		observ.Warn("stub_broadcast_failed", map[string]any{"error": err})
	}
}

func (b *Backend) broadcastStatus(st store.BotStatus) {
	if _, err := b.Bot.Broadcast("bot_status", st); err != nil {
		observ.Warn("stub_broadcast_failed", map[string]any{"error": err})
	}
}

func (b *Backend) putTradeLocked(t store.Trade) {
	if _, ok := b.trades[t.ID]; !ok {
		b.tradeOrder = append(b.tradeOrder, t.ID)
	}
	b.trades[t.ID] = &t
}

// AddAlert records a signal and pushes it on the alert stream.
func (b *Backend) AddAlert(sig store.Signal) store.Signal {
	if sig.ID == "" {
		sig.ID = "A-" + uuid.NewString()[:8]
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.alerts = append(b.alerts, sig)
	b.mu.Unlock()
	if _, err := b.Alerts.Broadcast("alert", sig); err != nil {
		observ.Warn("stub_broadcast_failed", map[string]any{"error": err})
	}
	return sig
}

// PutTrade inserts or replaces a trade and announces the change.
func (b *Backend) PutTrade(t store.Trade) store.Trade {
	if t.ID == "" {
		t.ID = "T-" + uuid.NewString()[:8]
	}
	if t.Status == "" {
		t.Status = store.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.putTradeLocked(t)
	b.mu.Unlock()
	b.broadcastTrade(t)
	return t
}

// SetTradeStatus moves a trade without any transition check, the way a
// broker-side close or an expiry would.
func (b *Backend) SetTradeStatus(id string, status store.TradeStatus) bool {
	b.mu.Lock()
	t, ok := b.trades[id]
	if ok {
		t.Status = status
	}
	var out store.Trade
	if ok {
		out = *t
	}
	b.mu.Unlock()
	if ok {
		b.broadcastTrade(out)
	}
	return ok
}

func (b *Backend) Trade(id string) (store.Trade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trades[id]
	if !ok {
		return store.Trade{}, false
	}
	return *t, true
}

func (b *Backend) SetBotStatus(st store.BotStatus) {
	b.mu.Lock()
	b.bot = st
	b.mu.Unlock()
	b.broadcastStatus(st)
}

func (b *Backend) AddCoaching(n store.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coaching = append(b.coaching, n)
}

func (b *Backend) AddPriceAlert(n store.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priceAlerts = append(b.priceAlerts, n)
}

func (b *Backend) AddFill(f Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills = append(b.fills, f)
}

func (b *Backend) SetMarket(mc store.MarketContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.market = mc
}

func (b *Backend) SetEarnings(events []store.EarningsEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.earnings = append([]store.EarningsEvent(nil), events...)
	sort.Slice(b.earnings, func(i, j int) bool { return b.earnings[i].Date.Before(b.earnings[j].Date) })
}

// Seed loads a fixture. Alerts and trades are broadcast as if they had just
// arrived.
func (b *Backend) Seed(f Fixture) {
	b.SetBotStatus(f.Bot)
	for _, a := range f.Alerts {
		b.AddAlert(a)
	}
	for _, t := range f.Trades {
		b.PutTrade(t)
	}
	for _, n := range f.Coaching {
		b.AddCoaching(n)
	}
	for _, n := range f.PriceAlerts {
		b.AddPriceAlert(n)
	}
	for _, fl := range f.Fills {
		b.AddFill(fl)
	}
	b.SetMarket(f.Market)
	b.SetEarnings(f.Earnings)
}
