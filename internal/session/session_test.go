package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradedesk/internal/backend"
	"github.com/Rajchodisetti/tradedesk/internal/command"
	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/notify"
	"github.com/Rajchodisetti/tradedesk/internal/store"
	"github.com/Rajchodisetti/tradedesk/internal/stubs"
	"github.com/Rajchodisetti/tradedesk/internal/transport"
)

const wait = 3 * time.Second
const tick = 10 * time.Millisecond

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind notify.EventKind, symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind && (symbol == "" || ev.Symbol == symbol) {
			n++
		}
	}
	return n
}

func testConfig(base string) config.Root {
	cfg := config.Default()
	cfg.Backend.BaseURL = base
	cfg.Backend.TimeoutMs = 2000
	cfg.Polls.PhaseGapMs = 5
	cfg.Transport.ReconnectDelayMs = 50
	cfg.Transport.HeartbeatSeconds = 5
	cfg.Transport.StaleAfterSeconds = 10
	cfg.Notify.ToastsPerMinute = 1000
	return cfg
}

func startSession(t *testing.T) (*stubs.Backend, *Session, *recorder) {
	t.Helper()
	return startSessionWith(t, nil)
}

func startSessionWith(t *testing.T, tune func(*config.Root)) (*stubs.Backend, *Session, *recorder) {
	t.Helper()
	b := stubs.New(stubs.Options{Heartbeat: time.Second})
	srv := httptest.NewServer(b.Handler())
	rec := &recorder{}
	cfg := testConfig(srv.URL)
	if tune != nil {
		tune(&cfg)
	}
	s := New(Options{
		Config:  cfg,
		Backend: backend.NewWithURL(srv.URL, 2*time.Second),
		Sink:    rec,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return b, s, rec
}

func nvdaSignal() store.Signal {
	return store.Signal{ID: "a1", Symbol: "NVDA", Direction: store.Long, Priority: store.PriorityCritical,
		SetupType: "orb", Price: 119.5, Trigger: 120, Stop: 118, Target: 125, RiskReward: 2.5}
}

// seed puts a live NVDA signal and a pending NVDA bot trade in front of the session.
func seed(t *testing.T, b *stubs.Backend, s *Session) {
	t.Helper()
	b.AddAlert(nvdaSignal())
	b.PutTrade(store.Trade{ID: "t1", Symbol: "NVDA", Direction: store.Long, Shares: 100,
		EntryPrice: decimal.NewFromInt(120), StopPrice: decimal.NewFromInt(118)})
	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Signals) == 1 && len(v.Pending) == 1
	}, wait, tick)
}

func TestSession_StreamedAlertNotifiesOnce(t *testing.T) {
	b, s, rec := startSession(t)

	sig := nvdaSignal()
	sig.Symbol = "nvda"
	b.AddAlert(sig)
	require.Eventually(t, func() bool { return len(s.View().Signals) == 1 }, wait, tick)
	assert.Equal(t, "NVDA", s.View().Signals[0].Symbol)

	_, err := b.Alerts.Broadcast("alert", nvdaSignal())
	require.NoError(t, err)
	b.AddAlert(store.Signal{ID: "a2", Symbol: "AMD", Priority: store.PriorityLow})
	require.Eventually(t, func() bool { return len(s.View().Signals) == 2 }, wait, tick)

	assert.Equal(t, 1, rec.count(notify.EventSignal, "NVDA"))
	assert.Equal(t, 1, rec.count(notify.EventSignal, "AMD"))
}

func TestSession_FeedsOpen(t *testing.T) {
	_, s, _ := startSession(t)
	require.Eventually(t, func() bool {
		states := s.FeedStates()
		if len(states) != 3 {
			return false
		}
		for _, st := range states {
			if st != transport.StateOpen {
				return false
			}
		}
		return true
	}, wait, tick)
}

func TestSession_ExecuteConfirmsPendingTrade(t *testing.T) {
	b, s, _ := startSession(t)
	seed(t, b, s)

	reply, err := s.Submit(context.Background(), "take NVDA")
	require.NoError(t, err)
	assert.Equal(t, command.Execute, reply.Intent.Kind)
	assert.Contains(t, reply.Text, "Confirmed NVDA long")

	tr, ok := b.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, store.StatusOpen, tr.Status)
	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Open) == 1 && !v.Open[0].Optimistic
	}, wait, tick)
}

func TestSession_HalfSizeConfirm(t *testing.T) {
	b, s, _ := startSession(t)
	seed(t, b, s)

	reply, err := s.Submit(context.Background(), "half size NVDA")
	require.NoError(t, err)
	assert.Equal(t, command.HalfSize, reply.Intent.Kind)
	assert.Contains(t, reply.Text, "at half size")

	tr, _ := b.Trade("t1")
	assert.Equal(t, 50, tr.Shares)
}

func TestSession_FailedConfirmRollsBack(t *testing.T) {
	b, s, rec := startSession(t)
	seed(t, b, s)
	b.Fail("trade_confirm", http.StatusInternalServerError)

	reply, err := s.Submit(context.Background(), "take NVDA")
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, reply.Text, "Could not confirm NVDA")

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Pending) == 1 && !v.Pending[0].Optimistic && len(v.Open) == 0
	}, wait, tick)
	assert.Equal(t, 1, rec.count(notify.EventActionFailed, "NVDA"))
}

func TestSession_ExecuteWithoutPendingSubmits(t *testing.T) {
	b, s, _ := startSession(t)
	b.AddAlert(nvdaSignal())
	require.Eventually(t, func() bool { return len(s.View().Signals) == 1 }, wait, tick)

	reply, err := s.Submit(context.Background(), "buy NVDA")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Submitted NVDA long")

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Pending) == 1 && v.Pending[0].Symbol == "NVDA"
	}, wait, tick)
	assert.True(t, s.View().Pending[0].EntryPrice.Equal(decimal.NewFromInt(120)))
}

func TestSession_UnresolvedSymbolGoesToChat(t *testing.T) {
	b, s, _ := startSession(t)
	b.AddAlert(nvdaSignal())
	require.Eventually(t, func() bool { return len(s.View().Signals) == 1 }, wait, tick)

	reply, err := s.Submit(context.Background(), "take ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, command.PlainChat, reply.Intent.Kind)
	assert.Equal(t, "echo: take ZZZZ", reply.Text)

	chats := b.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, s.ID, chats[0].SessionID)
	assert.Zero(t, b.Hits("trade_submit"))
}

func TestSession_TickerExpandsAndIsRemembered(t *testing.T) {
	b, s, _ := startSession(t)

	reply, err := s.Submit(context.Background(), "AMD")
	require.NoError(t, err)
	assert.Equal(t, command.PlainChat, reply.Intent.Kind)
	require.Len(t, b.Chats(), 1)
	assert.Contains(t, b.Chats()[0].Message, "AMD")

	recent, err := s.Recent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, recent)
}

func TestSession_PassRejectsPendingTrade(t *testing.T) {
	b, s, _ := startSession(t)
	seed(t, b, s)

	reply, err := s.Submit(context.Background(), "pass on NVDA")
	require.NoError(t, err)
	assert.Equal(t, command.Pass, reply.Intent.Kind)
	assert.Contains(t, reply.Text, "rejected pending trade t1")

	assert.Empty(t, s.View().Signals)
	tr, _ := b.Trade("t1")
	assert.Equal(t, store.StatusRejected, tr.Status)
	require.Eventually(t, func() bool { return b.Hits("alert_pass") == 1 }, wait, tick)
}

func TestSession_StopBotWaitsForStatus(t *testing.T) {
	b, s, _ := startSession(t)
	b.SetBotStatus(store.BotStatus{Running: true, Mode: store.ModeConfirmation})
	require.Eventually(t, func() bool {
		v := s.View()
		return v.Bot != nil && v.Bot.Running
	}, wait, tick)

	reply, err := s.Submit(context.Background(), "pause the bot please")
	require.NoError(t, err)
	assert.Equal(t, command.StopBot, reply.Intent.Kind)
	assert.Contains(t, reply.Text, "requested")

	require.Eventually(t, func() bool {
		v := s.View()
		return v.Bot != nil && !v.Bot.Running
	}, wait, tick)
}

func TestSession_BotControlFailure(t *testing.T) {
	b, s, rec := startSession(t)
	b.Fail("bot_start", http.StatusServiceUnavailable)

	reply, err := s.Submit(context.Background(), "start the bot")
	require.Error(t, err)
	assert.Contains(t, reply.Text, "Could not start bot")
	assert.Equal(t, 1, rec.count(notify.EventActionFailed, ""))
}

func openTrade(t *testing.T, b *stubs.Backend, s *Session) {
	t.Helper()
	b.PutTrade(store.Trade{ID: "t9", Symbol: "AMD", Direction: store.Short, Status: store.StatusOpen, Shares: 100,
		EntryPrice: decimal.NewFromInt(102), StopPrice: decimal.NewFromInt(104)})
	require.Eventually(t, func() bool { return len(s.View().Open) == 1 }, wait, tick)
}

func TestSession_CloseTrade(t *testing.T) {
	b, s, _ := startSession(t)
	openTrade(t, b, s)

	reply, err := s.CloseTrade(context.Background(), "t9")
	require.NoError(t, err)
	assert.Contains(t, reply, "Closing AMD short")

	tr, _ := b.Trade("t9")
	assert.Equal(t, store.StatusClosed, tr.Status)
	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Closed) == 1 && !v.Closed[0].Optimistic && v.Closed[0].CloseReason == "manual"
	}, wait, tick)

	recent, err := s.Recent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, recent)
}

func TestSession_CloseTradeRollsBackOnConflict(t *testing.T) {
	b, s, rec := startSession(t)
	openTrade(t, b, s)
	b.Fail("trade_close", http.StatusConflict)

	reply, err := s.CloseTrade(context.Background(), "t9")
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "Could not close AMD (backend returned 409).", reply)

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Open) == 1 && !v.Open[0].Optimistic && len(v.Closed) == 0
	}, wait, tick)
	assert.Equal(t, 1, rec.count(notify.EventActionFailed, "AMD"))
}

func TestSession_CloseTradeRequiresOpen(t *testing.T) {
	b, s, _ := startSession(t)
	seed(t, b, s)

	reply, err := s.CloseTrade(context.Background(), "t1")
	require.ErrorIs(t, err, store.ErrStatusMismatch)
	assert.Contains(t, reply, "pending")

	reply, err = s.CloseTrade(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "No trade nope.", reply)
	assert.Zero(t, b.Hits("trade_close"))
}

func TestSession_SetModeShownAfterStatusFetch(t *testing.T) {
	b, s, _ := startSessionWith(t, func(c *config.Root) {
		c.Feeds.Bot.Enabled = false // status arrives by poll only
		c.Polls.BotStatusSeconds = 3600
	})
	mode := func() store.BotMode {
		if v := s.View(); v.Bot != nil {
			return v.Bot.Mode
		}
		return ""
	}
	refreshed := func(want store.BotMode) func() bool {
		return func() bool {
			s.mounted().polls.RunNow(PollBotStatus)
			return mode() == want
		}
	}
	b.SetBotStatus(store.BotStatus{Running: true, Mode: store.ModeConfirmation})
	require.Eventually(t, refreshed(store.ModeConfirmation), wait, tick)

	b.Fail("bot_status", http.StatusServiceUnavailable)
	before := b.Hits("bot_status")
	reply, err := s.SetMode(context.Background(), store.ModePaused)
	require.NoError(t, err)
	assert.Equal(t, "Mode paused requested; status will refresh shortly.", reply)
	assert.Equal(t, 1, b.Hits("bot_mode"))

	require.Eventually(t, func() bool {
		s.mounted().polls.RunNow(PollBotStatus)
		return b.Hits("bot_status") > before
	}, wait, tick)
	assert.Equal(t, store.ModeConfirmation, mode(), "no local mode change before the status fetch succeeds")

	b.Fail("bot_status", 0)
	require.Eventually(t, refreshed(store.ModePaused), wait, tick)
}

func TestSession_SetModeRejectsUnknownMode(t *testing.T) {
	b, s, _ := startSession(t)
	reply, err := s.SetMode(context.Background(), "turbo")
	require.NoError(t, err)
	assert.Contains(t, reply, `Unknown mode "turbo"`)
	assert.Zero(t, b.Hits("bot_mode"))
}

func TestSession_QuotesFollowSignals(t *testing.T) {
	b, s, _ := startSession(t)
	b.AddAlert(nvdaSignal())

	require.Eventually(t, func() bool {
		for _, sym := range b.Quotes.Subscriptions() {
			if sym == "NVDA" {
				return true
			}
		}
		return false
	}, wait, tick)

	b.Quotes.Publish(store.Quote{Symbol: "NVDA", Last: 121.25})
	require.Eventually(t, func() bool {
		q, ok := s.View().Quotes["NVDA"]
		return ok && q.Last == 121.25
	}, wait, tick)
}

func TestSession_PollsFillNoticesAndMarket(t *testing.T) {
	b := stubs.New(stubs.Options{Heartbeat: time.Second})
	b.AddCoaching(store.Notice{ID: "c1", Message: "third loss today, size down"})
	b.AddFill(stubs.Fill{ID: "f1", Symbol: "AMD", Side: "buy", Qty: 10, Price: 100})
	b.SetMarket(store.MarketContext{Regime: "risk_on", VIX: 14})
	b.SetEarnings([]store.EarningsEvent{{Symbol: "NVDA", Date: time.Now().Add(48 * time.Hour), Timing: "amc"}})
	b.Fail("price_alerts", http.StatusInternalServerError)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	rec := &recorder{}
	s := New(Options{Config: testConfig(srv.URL), Backend: backend.NewWithURL(srv.URL, 2*time.Second), Sink: rec})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Notices) == 2 && v.Market != nil && len(v.Market.Earnings) == 1
	}, wait, tick)
	assert.Equal(t, "risk_on", s.View().Market.Regime)
	assert.Equal(t, 2, rec.count(notify.EventNotice, ""))
	assert.GreaterOrEqual(t, b.Hits("price_alerts"), 1)
	assert.True(t, s.Running())
}

func TestSession_CloseDropsLateMutations(t *testing.T) {
	_, s, _ := startSession(t)
	old := s.mounted()
	require.NotNil(t, old)
	s.Close()

	_, err := s.Submit(context.Background(), "take NVDA")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, s.Start(context.Background()))
	var ran atomic.Bool
	assert.False(t, s.submit(old, func(*store.Store) { ran.Store(true) }))
	// a completion that raced Close and got queued anyway
	s.ops <- op{gen: old.gen, fn: func(*store.Store) { ran.Store(true) }}

	// ops are applied in order, so once this runs the stale one has been seen
	require.NoError(t, s.exec(context.Background(), s.mounted(), func(*store.Store) {}))
	assert.False(t, ran.Load())
}

func TestSession_StartTwice(t *testing.T) {
	_, s, _ := startSession(t)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestFormatTrades(t *testing.T) {
	assert.Equal(t, "No bot trades yet.", FormatTrades(store.View{}))

	v := store.View{
		Pending: []store.Trade{{ID: "t1", Symbol: "NVDA", Direction: store.Long, Shares: 100,
			EntryPrice: decimal.NewFromInt(120), StopPrice: decimal.NewFromInt(118)}},
		Closed: []store.Trade{{ID: "t0", Symbol: "AMD", Direction: store.Short, Shares: 50, Status: store.StatusClosed,
			RealizedPnl: decimal.NewFromFloat(42.5)}},
		Bot: &store.BotStatus{DailyStats: store.DailyStats{TradesExecuted: 1, TradesWon: 1, NetPnl: decimal.NewFromFloat(42.5)}},
	}
	out := FormatTrades(v)
	assert.Contains(t, out, "Pending (1):\n  t1 NVDA long 100 sh @ 120.00 stop 118.00")
	assert.Contains(t, out, "realized 42.50")
	assert.Contains(t, out, "Today: 1 trades, 1W/0L, net 42.50")
	assert.NotContains(t, out, "Open (")
}

func TestPollJobs_ThreeColdStartPhases(t *testing.T) {
	s := New(Options{Config: config.Default(), Backend: backend.NewWithURL("http://127.0.0.1:1", time.Second)})
	phases := map[string]int{}
	for _, j := range s.pollJobs(nil) {
		phases[j.key] = j.phase
		assert.Positive(t, j.every, j.key)
	}
	assert.Equal(t, map[string]int{
		PollCoaching:      0,
		PollPriceAlerts:   0,
		PollBotStatus:     1,
		PollBotTrades:     1,
		PollOrderFills:    1,
		PollMarketContext: 2,
		PollEarnings:      2,
	}, phases)
}

func TestMemoryRecent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRecent(3)
	for _, sym := range []string{"nvda", "AMD", "TSLA", "NVDA", "AAPL", ""} {
		require.NoError(t, r.Add(ctx, sym))
	}
	got, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "NVDA", "TSLA"}, got)
}

func TestFeedURL(t *testing.T) {
	assert.Equal(t, "ws://h:1/ws/quotes", feedURL("http://h:1/", "/ws/quotes", transport.KindWebSocket))
	assert.Equal(t, "wss://h/ws", feedURL("https://h", "/ws", transport.KindWebSocket))
	assert.Equal(t, "http://h/api/stream/alerts", feedURL("http://h", "/api/stream/alerts", transport.KindSSE))
}
