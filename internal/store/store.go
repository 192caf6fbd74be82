package store

import (
	"sort"
	"strings"
)

// Store is the canonical client state. It is deliberately not safe for
// concurrent use: exactly one goroutine (the session loop) owns it and every
// producer reaches it through that owner.
type Store struct {
	capacity int
	signals  []Signal // arrival order, oldest first
	present  map[string]struct{}
	seen     *idRing

	trades     map[string]*tradeEntry
	tradeOrder []string
	tradeGen   uint64 // bumps on every authoritative trade snapshot
	nextToken  uint64

	bot        *BotStatus
	tradeStats *DailyStats // carried by trade snapshots, kept apart from bot
	quotes     map[string]Quote
	market *MarketContext

	noticeCap  int
	notices    []Notice
	noticeSeen *idRing

	version uint64
}

type tradeEntry struct {
	trade      Trade
	optimistic *optimisticMark
}

type optimisticMark struct {
	from  TradeStatus
	to    TradeStatus
	token uint64
}

// Token identifies one optimistic transition so a later rollback can tell
// whether it still owns the mark.
type Token uint64

// New creates a store whose signal buffer holds at most capacity entries.
func New(capacity, noticeCapacity int) *Store {
	if capacity <= 0 {
		capacity = 50
	}
	if noticeCapacity <= 0 {
		noticeCapacity = 100
	}
	seenLimit := capacity * 4
	if seenLimit < 200 {
		seenLimit = 200
	}
	return &Store{
		capacity:   capacity,
		present:    make(map[string]struct{}),
		seen:       newIDRing(seenLimit),
		trades:     make(map[string]*tradeEntry),
		quotes:     make(map[string]Quote),
		noticeCap:  noticeCapacity,
		noticeSeen: newIDRing(noticeCapacity * 4),
	}
}

// Capacity returns the signal buffer bound.
func (s *Store) Capacity() int { return s.capacity }

// Version increases on every mutation that changes visible state.
func (s *Store) Version() uint64 { return s.version }

// ApplySignal inserts sig unless its ID was already seen. It reports whether
// this was a new insert; redelivery, even after dismissal or eviction, is a no-op.
func (s *Store) ApplySignal(sig Signal) bool {
	if sig.ID == "" {
		return false
	}
	if s.seen.has(sig.ID) {
		return false
	}
	sig.Symbol = NormalizeSymbol(sig.Symbol)
	s.seen.add(sig.ID)
	s.signals = append(s.signals, sig)
	s.present[sig.ID] = struct{}{}

	for len(s.signals) > s.capacity {
		delete(s.present, s.signals[0].ID)
		s.signals = s.signals[1:]
	}
	s.version++
	return true
}

// Dismiss removes a signal locally. Dismissing an absent signal is a no-op.
func (s *Store) Dismiss(signalID string) bool {
	if _, ok := s.present[signalID]; !ok {
		return false
	}
	for i := range s.signals {
		if s.signals[i].ID == signalID {
			s.signals = append(s.signals[:i:i], s.signals[i+1:]...)
			break
		}
	}
	delete(s.present, signalID)
	s.version++
	return true
}

// Pass is a user "not interested" removal; locally identical to Dismiss.
func (s *Store) Pass(signalID string) bool {
	return s.Dismiss(signalID)
}

// Signal looks up a buffered signal by ID.
func (s *Store) Signal(id string) (Signal, bool) {
	if _, ok := s.present[id]; !ok {
		return Signal{}, false
	}
	for _, sig := range s.signals {
		if sig.ID == id {
			return sig, true
		}
	}
	return Signal{}, false
}

// Signals returns buffered signals newest first.
func (s *Store) Signals() []Signal {
	out := make([]Signal, len(s.signals))
	for i, sig := range s.signals {
		out[len(s.signals)-1-i] = sig
	}
	return out
}

// ApplyTradeSnapshot replaces all trades with the authoritative set. Every
// outstanding optimistic mark is discarded, whatever the snapshot says.
func (s *Store) ApplyTradeSnapshot(snap TradeSnapshot) {
	trades := make(map[string]*tradeEntry)
	order := make([]string, 0, len(snap.Pending)+len(snap.Open)+len(snap.Closed))
	for _, t := range snap.All() {
		if t.ID == "" || !t.Status.Valid() {
			continue
		}
		if _, dup := trades[t.ID]; dup {
			continue
		}
		t.Symbol = NormalizeSymbol(t.Symbol)
		t.Optimistic = false
		trades[t.ID] = &tradeEntry{trade: t}
		order = append(order, t.ID)
	}
	s.trades = trades
	s.tradeOrder = order
	s.tradeGen++

	if snap.DailyStats != nil {
		ds := *snap.DailyStats
		s.tradeStats = &ds
	}
	s.version++
}

// ApplyBotStatus replaces the bot status wholesale.
func (s *Store) ApplyBotStatus(status BotStatus) {
	st := status
	s.bot = &st
	s.version++
}

// BotStatus returns the last authoritative status, if any.
func (s *Store) BotStatus() (BotStatus, bool) {
	if s.bot == nil {
		return BotStatus{}, false
	}
	return *s.bot, true
}

// OptimisticTransition moves a trade from -> to immediately and tags it as
// optimistic. The next authoritative snapshot supersedes it unconditionally.
func (s *Store) OptimisticTransition(tradeID string, from, to TradeStatus) (Token, error) {
	e, ok := s.trades[tradeID]
	if !ok {
		return 0, ErrUnknownTrade
	}
	if e.optimistic != nil {
		return 0, ErrOptimisticPending
	}
	if e.trade.Status != from {
		if e.trade.Status.IsTerminal() {
			return 0, ErrTerminal
		}
		return 0, ErrStatusMismatch
	}
	if err := CheckTransition(from, to); err != nil {
		return 0, err
	}
	s.nextToken++
	e.optimistic = &optimisticMark{from: from, to: to, token: s.nextToken}
	s.version++
	return Token(s.nextToken), nil
}

// Rollback discards an optimistic transition after an explicit backend
// failure. It is a no-op when a snapshot already superseded the mark.
func (s *Store) Rollback(tradeID string, tok Token) bool {
	e, ok := s.trades[tradeID]
	if !ok || e.optimistic == nil || e.optimistic.token != uint64(tok) {
		return false
	}
	e.optimistic = nil
	s.version++
	return true
}

// Trade returns the visible state of one trade.
func (s *Store) Trade(id string) (Trade, bool) {
	e, ok := s.trades[id]
	if !ok {
		return Trade{}, false
	}
	return e.visible(), true
}

// PendingFor returns the oldest pending trade for symbol.
func (s *Store) PendingFor(symbol string) (Trade, bool) {
	symbol = NormalizeSymbol(symbol)
	for _, id := range s.tradeOrder {
		t := s.trades[id].visible()
		if t.Symbol == symbol && t.Status == StatusPending {
			return t, true
		}
	}
	return Trade{}, false
}

// OpenFor returns the first open trade for symbol.
func (s *Store) OpenFor(symbol string) (Trade, bool) {
	symbol = NormalizeSymbol(symbol)
	for _, id := range s.tradeOrder {
		t := s.trades[id].visible()
		if t.Symbol == symbol && t.Status == StatusOpen {
			return t, true
		}
	}
	return Trade{}, false
}

func (e *tradeEntry) visible() Trade {
	t := e.trade
	if e.optimistic != nil {
		t.Status = e.optimistic.to
		t.Optimistic = true
	}
	return t
}

// ApplyQuote records the latest quote for a symbol. Quotes are display-only.
func (s *Store) ApplyQuote(q Quote) {
	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Symbol == "" {
		return
	}
	s.quotes[q.Symbol] = q
	s.version++
}

// ApplyNotice inserts a notice unless (kind, id) was already seen.
func (s *Store) ApplyNotice(n Notice) bool {
	if n.ID == "" {
		return false
	}
	key := string(n.Kind) + ":" + n.ID
	if s.noticeSeen.has(key) {
		return false
	}
	s.noticeSeen.add(key)
	n.Symbol = NormalizeSymbol(n.Symbol)
	s.notices = append(s.notices, n)
	if len(s.notices) > s.noticeCap {
		s.notices = s.notices[len(s.notices)-s.noticeCap:]
	}
	s.version++
	return true
}

// ApplyMarketContext replaces the market context snapshot, keeping the
// earnings list when the incoming payload has none.
func (s *Store) ApplyMarketContext(mc MarketContext) {
	if mc.Earnings == nil && s.market != nil {
		mc.Earnings = s.market.Earnings
	}
	s.market = &mc
	s.version++
}

// ApplyEarnings replaces the earnings calendar.
func (s *Store) ApplyEarnings(events []EarningsEvent) {
	if s.market == nil {
		s.market = &MarketContext{}
	}
	s.market.Earnings = append([]EarningsEvent(nil), events...)
	s.version++
}

// View is an immutable copy of the store handed to readers.
type View struct {
	Version uint64
	Signals []Signal // newest first
	Pending []Trade
	Open    []Trade
	Closed  []Trade // closed, rejected and cancelled
	Bot     *BotStatus
	// TradeStats are the daily stats from the last trade snapshot.
	TradeStats *DailyStats
	Quotes     map[string]Quote
	Notices []Notice // newest first
	Market  *MarketContext
}

// View snapshots the current state.
func (s *Store) View() View {
	v := View{
		Version: s.version,
		Signals: s.Signals(),
		Quotes:  make(map[string]Quote, len(s.quotes)),
	}
	for _, id := range s.tradeOrder {
		t := s.trades[id].visible()
		switch t.Status {
		case StatusPending:
			v.Pending = append(v.Pending, t)
		case StatusOpen:
			v.Open = append(v.Open, t)
		default:
			v.Closed = append(v.Closed, t)
		}
	}
	if s.bot != nil {
		b := *s.bot
		v.Bot = &b
	}
	if s.tradeStats != nil {
		ds := *s.tradeStats
		v.TradeStats = &ds
	}
	for k, q := range s.quotes {
		v.Quotes[k] = q
	}
	v.Notices = make([]Notice, len(s.notices))
	for i, n := range s.notices {
		v.Notices[len(s.notices)-1-i] = n
	}
	if s.market != nil {
		m := *s.market
		m.Earnings = append([]EarningsEvent(nil), s.market.Earnings...)
		v.Market = &m
	}
	return v
}

// DailyStats prefers the stats that arrived with the trades and falls back
// to the bot status.
func (v View) DailyStats() (DailyStats, bool) {
	if v.TradeStats != nil {
		return *v.TradeStats, true
	}
	if v.Bot != nil {
		return v.Bot.DailyStats, true
	}
	return DailyStats{}, false
}

// Trades returns every visible trade in the view, pending first.
func (v View) Trades() []Trade {
	out := make([]Trade, 0, len(v.Pending)+len(v.Open)+len(v.Closed))
	out = append(out, v.Pending...)
	out = append(out, v.Open...)
	out = append(out, v.Closed...)
	return out
}

// SignalsFor returns the view's signals for symbol, newest first.
func (v View) SignalsFor(symbol string) []Signal {
	symbol = NormalizeSymbol(symbol)
	var out []Signal
	for _, s := range v.Signals {
		if s.Symbol == symbol {
			out = append(out, s)
		}
	}
	return out
}

// Symbols returns the distinct symbols of buffered signals, sorted.
func (v View) Symbols() []string {
	set := map[string]struct{}{}
	for _, s := range v.Signals {
		set[s.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeSymbol upper-cases and trims a ticker, dropping a leading '$'.
func NormalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.TrimPrefix(symbol, "$")
	return strings.ToUpper(symbol)
}

// idRing is a bounded FIFO set of IDs.
type idRing struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newIDRing(limit int) *idRing {
	return &idRing{limit: limit, set: make(map[string]struct{}, limit)}
}

func (r *idRing) has(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *idRing) add(id string) {
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.order) > r.limit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
}
