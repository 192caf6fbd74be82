package stubs

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

var demoSetups = []string{"orb", "vwap_reclaim", "bull_flag", "gap_fill", "breakdown"}

// Demo drives synthetic market activity until ctx ends: a quote per symbol
// each tick, and every fourth tick a signal plus a pending bot trade.
func Demo(ctx context.Context, b *Backend, interval time.Duration, symbols []string, seed int64) {
	if len(symbols) == 0 || interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = 50 + rng.Float64()*250
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, s := range symbols {
			last := prices[s] * (1 + (rng.Float64()-0.5)/100)
			prices[s] = last
			b.Quotes.Publish(store.Quote{Symbol: s, Last: last, Bid: last - 0.01, Ask: last + 0.01})
		}
		if tick%4 != 0 {
			continue
		}

		sym := symbols[rng.Intn(len(symbols))]
		sig := demoSignal(rng, sym, prices[sym])
		b.AddAlert(sig)
		t := b.PutTrade(store.Trade{
			Symbol:       sym,
			Direction:    sig.Direction,
			EntryPrice:   decimal.NewFromFloat(sig.Trigger).Round(2),
			StopPrice:    decimal.NewFromFloat(sig.Stop).Round(2),
			TargetPrices: []decimal.Decimal{decimal.NewFromFloat(sig.Target).Round(2)},
			Shares:       100,
			Explanation:  fmt.Sprintf("%s on %s", sig.SetupType, sym),
		})
		observ.Debug("stub_demo_tick", map[string]any{"signal": sig.ID, "trade": t.ID, "symbol": sym})
	}
}

func demoSignal(rng *rand.Rand, symbol string, price float64) store.Signal {
	dir := store.Long
	sign := 1.0
	if rng.Intn(2) == 0 {
		dir = store.Short
		sign = -1
	}
	priorities := []store.Priority{store.PriorityCritical, store.PriorityHigh, store.PriorityMedium, store.PriorityLow}
	trigger := price * (1 + sign*0.002)
	stop := trigger * (1 - sign*0.01)
	target := trigger * (1 + sign*0.02)
	return store.Signal{
		Symbol:      symbol,
		Direction:   dir,
		Priority:    priorities[rng.Intn(len(priorities))],
		SetupType:   demoSetups[rng.Intn(len(demoSetups))],
		Price:       price,
		Trigger:     trigger,
		Stop:        stop,
		Target:      target,
		RiskReward:  2,
		Probability: 0.5 + rng.Float64()*0.3,
	}
}
