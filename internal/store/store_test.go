package store

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sig(id, symbol string) Signal {
	return Signal{ID: id, Symbol: symbol, Direction: Long, Priority: PriorityHigh, SetupType: "orb"}
}

func TestApplySignal_DuplicateIsNoop(t *testing.T) {
	s := New(50, 0)

	assert.True(t, s.ApplySignal(sig("a1", "nvda")))
	assert.False(t, s.ApplySignal(sig("a1", "NVDA")))

	signals := s.Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, "NVDA", signals[0].Symbol)
}

func TestApplySignal_RejectsEmptyID(t *testing.T) {
	s := New(5, 0)
	assert.False(t, s.ApplySignal(sig("", "AMD")))
	assert.Empty(t, s.Signals())
}

func TestApplySignal_EvictsOldestBeyondCapacity(t *testing.T) {
	const capacity = 10
	s := New(capacity, 0)

	for i := 0; i < capacity+7; i++ {
		require.True(t, s.ApplySignal(sig(fmt.Sprintf("s%d", i), "AMD")))
	}

	signals := s.Signals()
	require.Len(t, signals, capacity)
	// newest first, and exactly the most recent N by arrival
	for i, got := range signals {
		assert.Equal(t, fmt.Sprintf("s%d", capacity+6-i), got.ID)
	}
}

func TestApplySignal_EvictedIDStaysSeen(t *testing.T) {
	s := New(2, 0)
	s.ApplySignal(sig("x", "A"))
	s.ApplySignal(sig("y", "B"))
	s.ApplySignal(sig("z", "C"))

	assert.False(t, s.ApplySignal(sig("x", "A")), "evicted id must not re-insert")
	assert.Len(t, s.Signals(), 2)
}

func TestDismissAndPass_Idempotent(t *testing.T) {
	s := New(10, 0)
	s.ApplySignal(sig("a", "NVDA"))
	s.ApplySignal(sig("b", "AMD"))

	assert.True(t, s.Dismiss("a"))
	assert.False(t, s.Dismiss("a"))
	assert.True(t, s.Pass("b"))
	assert.False(t, s.Pass("b"))
	assert.Empty(t, s.Signals())

	// redelivery after dismissal does not resurrect the signal
	assert.False(t, s.ApplySignal(sig("a", "NVDA")))
}

func pendingSnapshot(ids ...string) TradeSnapshot {
	var snap TradeSnapshot
	for _, id := range ids {
		snap.Pending = append(snap.Pending, Trade{
			ID: id, Symbol: "nvda", Direction: Long, Status: StatusPending,
			EntryPrice: decimal.NewFromFloat(120.5), Shares: 10,
		})
	}
	return snap
}

func TestOptimisticTransition_AppliesImmediately(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(pendingSnapshot("t1"))

	_, err := s.OptimisticTransition("t1", StatusPending, StatusOpen)
	require.NoError(t, err)

	tr, ok := s.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, tr.Status)
	assert.True(t, tr.Optimistic)

	v := s.View()
	assert.Empty(t, v.Pending)
	require.Len(t, v.Open, 1)
}

func TestOptimisticTransition_AuthoritativeWins(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(pendingSnapshot("t1"))

	_, err := s.OptimisticTransition("t1", StatusPending, StatusOpen)
	require.NoError(t, err)

	s.ApplyTradeSnapshot(TradeSnapshot{Closed: []Trade{{ID: "t1", Symbol: "NVDA", Status: StatusRejected}}})

	tr, ok := s.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, StatusRejected, tr.Status)
	assert.False(t, tr.Optimistic)
}

func TestOptimisticTransition_OneOutstandingPerTrade(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(pendingSnapshot("t1"))

	_, err := s.OptimisticTransition("t1", StatusPending, StatusOpen)
	require.NoError(t, err)
	_, err = s.OptimisticTransition("t1", StatusPending, StatusRejected)
	assert.ErrorIs(t, err, ErrOptimisticPending)
}

func TestOptimisticTransition_TerminalNeverMoves(t *testing.T) {
	for _, terminal := range []TradeStatus{StatusClosed, StatusRejected, StatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			s := New(10, 0)
			s.ApplyTradeSnapshot(TradeSnapshot{Closed: []Trade{{ID: "t1", Symbol: "AMD", Status: terminal}}})

			for _, to := range []TradeStatus{StatusPending, StatusOpen, StatusClosed, StatusRejected, StatusCancelled} {
				_, err := s.OptimisticTransition("t1", terminal, to)
				assert.ErrorIs(t, err, ErrTerminal)
			}
			tr, _ := s.Trade("t1")
			assert.Equal(t, terminal, tr.Status)
		})
	}
}

func TestOptimisticTransition_RejectsBackwardAndMismatch(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(TradeSnapshot{Open: []Trade{{ID: "o1", Symbol: "AMD", Status: StatusOpen}}})

	_, err := s.OptimisticTransition("o1", StatusOpen, StatusPending)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = s.OptimisticTransition("o1", StatusPending, StatusOpen)
	assert.ErrorIs(t, err, ErrStatusMismatch)

	_, err = s.OptimisticTransition("missing", StatusPending, StatusOpen)
	assert.ErrorIs(t, err, ErrUnknownTrade)
}

func TestRollback_OnlyOwnMark(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(pendingSnapshot("t1"))

	tok, err := s.OptimisticTransition("t1", StatusPending, StatusOpen)
	require.NoError(t, err)
	assert.False(t, s.Rollback("t1", tok+1))
	assert.True(t, s.Rollback("t1", tok))

	tr, _ := s.Trade("t1")
	assert.Equal(t, StatusPending, tr.Status)
	assert.False(t, tr.Optimistic)

	// superseded by a snapshot: rollback is a no-op
	tok, err = s.OptimisticTransition("t1", StatusPending, StatusOpen)
	require.NoError(t, err)
	s.ApplyTradeSnapshot(TradeSnapshot{Open: []Trade{{ID: "t1", Symbol: "NVDA", Status: StatusOpen}}})
	assert.False(t, s.Rollback("t1", tok))
	tr, _ = s.Trade("t1")
	assert.Equal(t, StatusOpen, tr.Status)
}

func TestApplyTradeSnapshot_BackwardMoveAccepted(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(TradeSnapshot{Closed: []Trade{{ID: "t1", Symbol: "AMD", Status: StatusClosed}}})
	s.ApplyTradeSnapshot(TradeSnapshot{Open: []Trade{{ID: "t1", Symbol: "AMD", Status: StatusOpen}}})

	tr, ok := s.Trade("t1")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, tr.Status)
}

func TestApplyTradeSnapshot_ReplacesWholesale(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(pendingSnapshot("t1", "t2"))
	s.ApplyTradeSnapshot(pendingSnapshot("t3"))

	_, ok := s.Trade("t1")
	assert.False(t, ok)
	v := s.View()
	require.Len(t, v.Pending, 1)
	assert.Equal(t, "t3", v.Pending[0].ID)
}

func TestApplyTradeSnapshot_DailyStatsKeptApartFromBotStatus(t *testing.T) {
	s := New(10, 0)
	snap := pendingSnapshot("t1")
	snap.DailyStats = &DailyStats{TradesExecuted: 2}
	s.ApplyTradeSnapshot(snap)

	_, ok := s.BotStatus()
	assert.False(t, ok, "a trade snapshot must not invent a bot status")
	v := s.View()
	assert.Nil(t, v.Bot)
	require.NotNil(t, v.TradeStats)
	assert.Equal(t, 2, v.TradeStats.TradesExecuted)

	s.ApplyBotStatus(BotStatus{Running: true, Mode: ModeConfirmation,
		DailyStats: DailyStats{LimitHit: true, NetPnl: decimal.NewFromInt(-500)}})
	snap.DailyStats = &DailyStats{TradesExecuted: 3, NetPnl: decimal.NewFromInt(5)}
	s.ApplyTradeSnapshot(snap)

	bot, ok := s.BotStatus()
	require.True(t, ok)
	assert.Equal(t, ModeConfirmation, bot.Mode)
	assert.True(t, bot.DailyStats.LimitHit)
	assert.True(t, bot.DailyStats.NetPnl.Equal(decimal.NewFromInt(-500)))

	ds, ok := s.View().DailyStats()
	require.True(t, ok)
	assert.Equal(t, 3, ds.TradesExecuted)
}

func TestPendingFor(t *testing.T) {
	s := New(10, 0)
	s.ApplyTradeSnapshot(TradeSnapshot{
		Pending: []Trade{{ID: "p1", Symbol: "AMD", Status: StatusPending}},
		Open:    []Trade{{ID: "o1", Symbol: "NVDA", Status: StatusOpen}},
	})

	tr, ok := s.PendingFor("amd")
	require.True(t, ok)
	assert.Equal(t, "p1", tr.ID)

	_, ok = s.PendingFor("NVDA")
	assert.False(t, ok)
	tr, ok = s.OpenFor("nvda")
	require.True(t, ok)
	assert.Equal(t, "o1", tr.ID)
}

func TestApplyNotice_Dedup(t *testing.T) {
	s := New(10, 3)
	assert.True(t, s.ApplyNotice(Notice{ID: "1", Kind: NoticeFill, Message: "filled"}))
	assert.False(t, s.ApplyNotice(Notice{ID: "1", Kind: NoticeFill, Message: "filled"}))
	assert.True(t, s.ApplyNotice(Notice{ID: "1", Kind: NoticeCoaching, Message: "tip"}))

	for i := 2; i < 6; i++ {
		s.ApplyNotice(Notice{ID: fmt.Sprint(i), Kind: NoticeFill})
	}
	v := s.View()
	require.Len(t, v.Notices, 3)
	assert.Equal(t, "5", v.Notices[0].ID)
}

func TestMarketContextKeepsEarnings(t *testing.T) {
	s := New(10, 0)
	s.ApplyEarnings([]EarningsEvent{{Symbol: "NVDA", Timing: "amc"}})
	s.ApplyMarketContext(MarketContext{Regime: "risk_on", VIX: 14.2})

	v := s.View()
	require.NotNil(t, v.Market)
	assert.Equal(t, "risk_on", v.Market.Regime)
	assert.Len(t, v.Market.Earnings, 1)
}

func TestViewIsACopy(t *testing.T) {
	s := New(10, 0)
	s.ApplySignal(sig("a", "NVDA"))
	s.ApplyQuote(Quote{Symbol: "nvda", Last: 1})
	v := s.View()

	v.Signals[0].Symbol = "ZZZ"
	v.Quotes["NVDA"] = Quote{Symbol: "NVDA", Last: 99}

	got, _ := s.Signal("a")
	assert.Equal(t, "NVDA", got.Symbol)
	assert.Equal(t, 1.0, s.View().Quotes["NVDA"].Last)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to TradeStatus
		err      error
	}{
		{StatusPending, StatusOpen, nil},
		{StatusPending, StatusRejected, nil},
		{StatusPending, StatusCancelled, nil},
		{StatusOpen, StatusClosed, nil},
		{StatusPending, StatusClosed, ErrIllegalTransition},
		{StatusOpen, StatusRejected, ErrIllegalTransition},
		{StatusClosed, StatusOpen, ErrTerminal},
		{StatusRejected, StatusPending, ErrTerminal},
		{StatusCancelled, StatusOpen, ErrTerminal},
	}
	for _, tt := range tests {
		err := CheckTransition(tt.from, tt.to)
		if tt.err == nil {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, tt.err, "%s -> %s", tt.from, tt.to)
		}
	}
}
