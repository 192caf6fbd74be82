// Package notify decides which store changes deserve the user's attention
// and delivers them to toast, sound and Slack sinks.
package notify

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

type EventKind string

const (
	EventSignal        EventKind = "signal"
	EventTradePending  EventKind = "trade_pending"
	EventTradeOpened   EventKind = "trade_opened"
	EventTradeClosed   EventKind = "trade_closed"
	EventTradeRejected EventKind = "trade_rejected"
	EventDailyLimit    EventKind = "daily_limit"
	EventNotice        EventKind = "notice"
	EventActionFailed  EventKind = "action_failed"
)

// Event is one toast, optionally with the audible cue.
type Event struct {
	Kind     EventKind
	Key      string
	Title    string
	Body     string
	Symbol   string
	Priority store.Priority
	Sound    bool
	Duration time.Duration
	At       time.Time
}

// Sink receives gated events. Implementations must not block for long.
type Sink interface {
	Notify(Event)
}

// Sinks fans an event out to several sinks.
type Sinks []Sink

func (s Sinks) Notify(ev Event) {
	for _, sink := range s {
		sink.Notify(ev)
	}
}

type Config struct {
	ToastMaxChars   int
	ToastDuration   time.Duration
	Sound           bool
	SoundsPerMinute float64
	ToastsPerMinute float64
	NotifiedLimit   int
}

func ConfigFrom(n config.Notify) Config {
	return Config{
		ToastMaxChars:   n.ToastMaxChars,
		ToastDuration:   config.Seconds(n.ToastDurationSec),
		Sound:           n.Sound,
		SoundsPerMinute: n.SoundsPerMinute,
		ToastsPerMinute: n.ToastsPerMinute,
	}
}

// Gate turns consecutive store views into events. Each signal, trade status
// and notice notifies at most once.
type Gate struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	notified map[string]struct{}
	order    []string
	toasts   *rate.Limiter
	sounds   *rate.Limiter
}

func NewGate(cfg Config) *Gate {
	if cfg.ToastMaxChars <= 0 {
		cfg.ToastMaxChars = 140
	}
	if cfg.ToastDuration <= 0 {
		cfg.ToastDuration = 6 * time.Second
	}
	if cfg.NotifiedLimit <= 0 {
		cfg.NotifiedLimit = 1000
	}
	return &Gate{
		cfg:      cfg,
		now:      time.Now,
		notified: make(map[string]struct{}),
		toasts:   perMinute(cfg.ToastsPerMinute),
		sounds:   perMinute(cfg.SoundsPerMinute),
	}
}

func perMinute(n float64) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(n)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(n/60), burst)
}

// OnStoreDiff returns the events caused by moving from prev to next.
func (g *Gate) OnStoreDiff(prev, next store.View) []Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Event
	out = append(out, g.signalEvents(prev, next)...)
	out = append(out, g.tradeEvents(prev, next)...)
	out = append(out, g.botEvents(prev, next)...)
	out = append(out, g.noticeEvents(prev, next)...)

	kept := out[:0]
	for _, ev := range out {
		if ev.Priority != store.PriorityCritical && !g.toasts.AllowN(g.now(), 1) {
			observ.IncCounter("notify_toasts_dropped_total", map[string]string{"kind": string(ev.Kind)})
			continue
		}
		if ev.Sound && !g.sounds.AllowN(g.now(), 1) {
			ev.Sound = false
		}
		kept = append(kept, ev)
		observ.IncCounter("notify_events_total", map[string]string{"kind": string(ev.Kind)})
	}
	return kept
}

// ActionFailed builds the recoverable-error toast for a failed backend call.
func (g *Gate) ActionFailed(action, symbol string, err error) Event {
	return g.event(EventActionFailed, "", store.PriorityHigh, symbol,
		"Action failed", fmt.Sprintf("%s %s: %v", action, symbol, err))
}

func (g *Gate) signalEvents(prev, next store.View) []Event {
	had := make(map[string]struct{}, len(prev.Signals))
	for _, s := range prev.Signals {
		had[s.ID] = struct{}{}
	}
	var out []Event
	// oldest first so toasts arrive in feed order
	for i := len(next.Signals) - 1; i >= 0; i-- {
		s := next.Signals[i]
		if _, ok := had[s.ID]; ok {
			continue
		}
		if !g.mark("signal:" + s.ID) {
			continue
		}
		title := fmt.Sprintf("%s %s %s", s.Symbol, s.Direction, s.SetupType)
		body := s.Summary
		if body == "" {
			body = fmt.Sprintf("trigger %.2f stop %.2f target %.2f (R:R %.1f)", s.Trigger, s.Stop, s.Target, s.RiskReward)
		}
		ev := g.event(EventSignal, s.ID, s.Priority, s.Symbol, title, body)
		ev.Sound = g.cfg.Sound && s.Priority == store.PriorityCritical
		out = append(out, ev)
	}
	return out
}

func (g *Gate) tradeEvents(prev, next store.View) []Event {
	before := make(map[string]store.TradeStatus)
	for _, t := range prev.Trades() {
		before[t.ID] = t.Status
	}
	var out []Event
	for _, t := range next.Trades() {
		if t.Optimistic {
			continue
		}
		was, existed := before[t.ID]
		if existed && was == t.Status {
			continue
		}
		var ev Event
		switch {
		case t.Status == store.StatusPending:
			ev = g.event(EventTradePending, t.ID, store.PriorityHigh, t.Symbol,
				fmt.Sprintf("%s %s awaiting confirmation", t.Symbol, t.Direction),
				fmt.Sprintf("%d sh @ %s, stop %s. %s", t.Shares, t.EntryPrice.StringFixed(2), t.StopPrice.StringFixed(2), t.Explanation))
		case t.Status == store.StatusOpen && existed && was == store.StatusPending:
			ev = g.event(EventTradeOpened, t.ID, store.PriorityMedium, t.Symbol,
				fmt.Sprintf("%s %s opened", t.Symbol, t.Direction),
				fmt.Sprintf("%d sh @ %s", t.Shares, t.EntryPrice.StringFixed(2)))
		case t.Status == store.StatusClosed && existed:
			body := fmt.Sprintf("realized %s", t.RealizedPnl.StringFixed(2))
			if t.CloseReason != "" {
				body += " (" + t.CloseReason + ")"
			}
			ev = g.event(EventTradeClosed, t.ID, store.PriorityMedium, t.Symbol,
				fmt.Sprintf("%s closed", t.Symbol), body)
		case (t.Status == store.StatusRejected || t.Status == store.StatusCancelled) && existed:
			ev = g.event(EventTradeRejected, t.ID, store.PriorityLow, t.Symbol,
				fmt.Sprintf("%s %s", t.Symbol, t.Status), t.CloseReason)
		default:
			continue
		}
		if !g.mark("trade:" + t.ID + ":" + string(t.Status)) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// botEvents raises the daily limit toast once per day, whichever payload
// reports it first.
func (g *Gate) botEvents(_, next store.View) []Event {
	var hit *store.DailyStats
	if next.TradeStats != nil && next.TradeStats.LimitHit {
		hit = next.TradeStats
	} else if next.Bot != nil && next.Bot.DailyStats.LimitHit {
		hit = &next.Bot.DailyStats
	}
	if hit == nil {
		return nil
	}
	day := g.now().Format("2006-01-02")
	if !g.mark("daily_limit:" + day) {
		return nil
	}
	return []Event{g.event(EventDailyLimit, day, store.PriorityHigh, "",
		"Daily loss limit hit",
		fmt.Sprintf("net P&L %s, bot halted for the day", hit.NetPnl.StringFixed(2)))}
}

func (g *Gate) noticeEvents(prev, next store.View) []Event {
	had := make(map[string]struct{}, len(prev.Notices))
	for _, n := range prev.Notices {
		had[string(n.Kind)+":"+n.ID] = struct{}{}
	}
	var out []Event
	for i := len(next.Notices) - 1; i >= 0; i-- {
		n := next.Notices[i]
		key := string(n.Kind) + ":" + n.ID
		if _, ok := had[key]; ok {
			continue
		}
		if !g.mark("notice:" + key) {
			continue
		}
		pri := n.Priority
		if pri == "" {
			pri = store.PriorityLow
		}
		title := noticeTitle(n)
		out = append(out, g.event(EventNotice, n.ID, pri, n.Symbol, title, n.Message))
	}
	return out
}

func noticeTitle(n store.Notice) string {
	var t string
	switch n.Kind {
	case store.NoticeCoaching:
		t = "Coaching"
	case store.NoticePriceAlert:
		t = "Price alert"
	case store.NoticeFill:
		t = "Order filled"
	default:
		t = string(n.Kind)
	}
	if n.Symbol != "" {
		t += " " + n.Symbol
	}
	return t
}

func (g *Gate) event(kind EventKind, key string, pri store.Priority, symbol, title, body string) Event {
	return Event{
		Kind:     kind,
		Key:      key,
		Title:    title,
		Body:     Truncate(body, g.cfg.ToastMaxChars),
		Symbol:   symbol,
		Priority: pri,
		Duration: g.cfg.ToastDuration,
		At:       g.now(),
	}
}

// mark records key and reports whether it was new.
func (g *Gate) mark(key string) bool {
	if _, ok := g.notified[key]; ok {
		return false
	}
	g.notified[key] = struct{}{}
	g.order = append(g.order, key)
	for len(g.order) > g.cfg.NotifiedLimit {
		delete(g.notified, g.order[0])
		g.order = g.order[1:]
	}
	return true
}

// Truncate shortens s to at most max runes, ending with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}
