package session

import (
	"context"

	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/poll"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

const (
	PollBotStatus     = "bot_status"
	PollBotTrades     = "bot_trades"
	PollCoaching      = "coaching"
	PollPriceAlerts   = "price_alerts"
	PollOrderFills    = "order_fills"
	PollMarketContext = "market_context"
	PollEarnings      = "earnings"
)

// Cold-start phases: cheap reads first, then anything that depends on the
// bot or broker, then the slow market-wide snapshots.
const (
	phaseCheap = iota
	phaseBot
	phaseMarket
)

type pollJob struct {
	key   string
	every int
	phase int
	fetch poll.FetchFunc
}

func (s *Session) schedulePolls(m *mount) error {
	for _, j := range s.pollJobs(m) {
		if err := m.polls.Schedule(j.key, config.Seconds(j.every), j.fetch, j.phase); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) pollJobs(m *mount) []pollJob {
	p := s.cfg.Polls
	return []pollJob{
		{PollCoaching, p.CoachingSeconds, phaseCheap, s.notices(m, s.api.Coaching)},
		{PollPriceAlerts, p.PriceAlertsSeconds, phaseCheap, s.notices(m, s.api.PriceAlerts)},
		{PollBotStatus, p.BotStatusSeconds, phaseBot, func(ctx context.Context) error {
			bs, err := s.api.BotStatus(ctx)
			if err != nil {
				return err
			}
			s.submit(m, func(st *store.Store) { st.ApplyBotStatus(bs) })
			return nil
		}},
		{PollBotTrades, p.BotTradesSeconds, phaseBot, func(ctx context.Context) error {
			snap, err := s.api.BotTrades(ctx)
			if err != nil {
				return err
			}
			s.submit(m, func(st *store.Store) { st.ApplyTradeSnapshot(snap) })
			return nil
		}},
		{PollOrderFills, p.OrderFillsSeconds, phaseBot, s.notices(m, s.api.OrderFills)},
		{PollMarketContext, p.MarketContextSeconds, phaseMarket, func(ctx context.Context) error {
			mc, err := s.api.MarketContext(ctx)
			if err != nil {
				return err
			}
			s.submit(m, func(st *store.Store) { st.ApplyMarketContext(mc) })
			return nil
		}},
		{PollEarnings, p.EarningsSeconds, phaseMarket, func(ctx context.Context) error {
			events, err := s.api.Earnings(ctx)
			if err != nil {
				return err
			}
			s.submit(m, func(st *store.Store) { st.ApplyEarnings(events) })
			return nil
		}},
	}
}

func (s *Session) notices(m *mount, fetch func(context.Context) ([]store.Notice, error)) poll.FetchFunc {
	return func(ctx context.Context) error {
		ns, err := fetch(ctx)
		if err != nil {
			return err
		}
		if len(ns) == 0 {
			return nil
		}
		s.submit(m, func(st *store.Store) {
			for _, n := range ns {
				st.ApplyNotice(n)
			}
		})
		return nil
	}
}
