package session

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
	"github.com/Rajchodisetti/tradedesk/internal/transport"
)

const (
	FeedQuotes transport.FeedID = "quotes"
	FeedAlerts transport.FeedID = "alerts"
	FeedBot    transport.FeedID = "bot"
)

type subscription struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

func (s *Session) openFeeds(m *mount) error {
	feeds := []struct {
		id  transport.FeedID
		cfg config.Feed
	}{
		{FeedQuotes, s.cfg.Feeds.Quotes},
		{FeedAlerts, s.cfg.Feeds.Alerts},
		{FeedBot, s.cfg.Feeds.Bot},
	}
	for _, f := range feeds {
		if !f.cfg.Enabled {
			continue
		}
		kind := transport.Kind(f.cfg.Kind)
		feed := transport.Feed{ID: f.id, Kind: kind, URL: feedURL(s.cfg.Backend.BaseURL, f.cfg.Path, kind)}
		if f.id == FeedQuotes {
			feed.OnOpen = s.resubscribe
		}
		observ.SetFeedHealth(string(f.id), observ.FeedDown)
		h, err := s.mgr.Open(m.ctx, feed,
			func(msg transport.Message) { s.route(m, msg) },
			func(id transport.FeedID, st transport.State) { feedState(id, st) },
		)
		if err != nil {
			return err
		}
		m.handles = append(m.handles, h)
		if f.id == FeedQuotes {
			m.quotes.Store(h)
		}
	}
	return nil
}

func feedURL(base, path string, kind transport.Kind) string {
	u := strings.TrimRight(base, "/") + path
	if kind == transport.KindWebSocket {
		switch {
		case strings.HasPrefix(u, "https://"):
			u = "wss://" + strings.TrimPrefix(u, "https://")
		case strings.HasPrefix(u, "http://"):
			u = "ws://" + strings.TrimPrefix(u, "http://")
		}
	}
	return u
}

func feedState(id transport.FeedID, st transport.State) {
	level := observ.FeedDown
	switch st {
	case transport.StateOpen:
		level = observ.FeedUp
	case transport.StateDegraded:
		level = observ.FeedDegraded
	}
	observ.SetFeedHealth(string(id), level)
	observ.Log("feed_state", map[string]any{"feed": string(id), "state": st.String()})
}

// route turns one feed message into a store mutation.
func (s *Session) route(m *mount, msg transport.Message) {
	switch msg.Type {
	case "alert":
		var sig store.Signal
		if !decode(msg, &sig) {
			return
		}
		sig.Symbol = store.NormalizeSymbol(sig.Symbol)
		s.submit(m, func(st *store.Store) { st.ApplySignal(sig) })
		s.ensureQuote(m, sig.Symbol)
	case "bot_trades":
		var snap store.TradeSnapshot
		if !decode(msg, &snap) {
			return
		}
		s.submit(m, func(st *store.Store) { st.ApplyTradeSnapshot(snap) })
	case "bot_status":
		var bs store.BotStatus
		if !decode(msg, &bs) {
			return
		}
		s.submit(m, func(st *store.Store) { st.ApplyBotStatus(bs) })
	case "quote":
		var q store.Quote
		if !decode(msg, &q) {
			return
		}
		s.submit(m, func(st *store.Store) { st.ApplyQuote(q) })
	case "trade_update":
		// the event only names the trade; the snapshot is authoritative
		m.polls.RunNow(PollBotTrades)
	default:
		observ.Debug("feed_message_ignored", map[string]any{"feed": string(msg.Feed), "type": msg.Type})
	}
}

func decode(msg transport.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		observ.IncCounter("session_decode_errors_total", map[string]string{"type": msg.Type})
		observ.Warn("feed_decode_failed", map[string]any{"feed": string(msg.Feed), "type": msg.Type, "error": err})
		return false
	}
	return true
}

// resubscribe runs on every quote feed (re)connect.
func (s *Session) resubscribe(send func([]byte) error) error {
	symbols := s.quoteSymbols()
	if len(symbols) == 0 {
		return nil
	}
	payload, err := json.Marshal(subscription{Action: "subscribe", Symbols: symbols})
	if err != nil {
		return err
	}
	return send(payload)
}

// quoteSymbols is every symbol worth a live quote: configured ones, live
// signals, active trades and anything subscribed so far.
func (s *Session) quoteSymbols() []string {
	v := s.View()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	add := func(sym string) {
		if sym = store.NormalizeSymbol(sym); sym != "" {
			s.subscribed[sym] = true
		}
	}
	for _, sym := range s.cfg.Feeds.Quotes.Symbols {
		add(sym)
	}
	for _, sym := range v.Symbols() {
		add(sym)
	}
	for _, t := range v.Pending {
		add(t.Symbol)
	}
	for _, t := range v.Open {
		add(t.Symbol)
	}
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ensureQuote subscribes the quote feed to symbol the first time it is seen.
func (s *Session) ensureQuote(m *mount, symbol string) {
	if symbol == "" {
		return
	}
	s.subMu.Lock()
	known := s.subscribed[symbol]
	s.subscribed[symbol] = true
	s.subMu.Unlock()
	if known {
		return
	}
	h := m.quotes.Load()
	if h == nil {
		return
	}
	payload, err := json.Marshal(subscription{Action: "subscribe", Symbols: []string{symbol}})
	if err != nil {
		return
	}
	m.goAsync(func(ctx context.Context) {
		if err := h.Send(ctx, payload); err != nil {
			// picked up by resubscribe on the next connect
			observ.Debug("quote_subscribe_deferred", map[string]any{"symbol": symbol, "error": err})
		}
	})
}
