package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Signal is one scanner/live alert. ID is stable across redelivery.
type Signal struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Priority    Priority  `json:"priority"`
	SetupType   string    `json:"setup_type"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Price       float64   `json:"price"`
	Trigger     float64   `json:"trigger"`
	Stop        float64   `json:"stop"`
	Target      float64   `json:"target"`
	RiskReward  float64   `json:"risk_reward"`
	Probability float64   `json:"probability"`
}

type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusOpen      TradeStatus = "open"
	StatusClosed    TradeStatus = "closed"
	StatusRejected  TradeStatus = "rejected"
	StatusCancelled TradeStatus = "cancelled"
)

// Trade mirrors a backend-issued bot trade. The client never creates one.
type Trade struct {
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	Direction     Direction         `json:"direction"`
	Status        TradeStatus       `json:"status"`
	EntryPrice    decimal.Decimal   `json:"entry_price"`
	StopPrice     decimal.Decimal   `json:"stop_price"`
	TargetPrices  []decimal.Decimal `json:"target_prices"`
	Shares        int               `json:"shares"`
	RiskAmount    decimal.Decimal   `json:"risk_amount"`
	UnrealizedPnl decimal.Decimal   `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal   `json:"realized_pnl"`
	CloseReason   string            `json:"close_reason,omitempty"`
	Explanation   string            `json:"explanation,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`

	// Optimistic is set on views when Status reflects a local, unconfirmed transition.
	Optimistic bool `json:"-"`
}

type BotMode string

const (
	ModeAutonomous   BotMode = "autonomous"
	ModeConfirmation BotMode = "confirmation"
	ModePaused       BotMode = "paused"
)

func (m BotMode) Valid() bool {
	switch m {
	case ModeAutonomous, ModeConfirmation, ModePaused:
		return true
	}
	return false
}

type DailyStats struct {
	TradesExecuted int             `json:"trades_executed"`
	TradesWon      int             `json:"trades_won"`
	TradesLost     int             `json:"trades_lost"`
	GrossPnl       decimal.Decimal `json:"gross_pnl"`
	NetPnl         decimal.Decimal `json:"net_pnl"`
	LimitHit       bool            `json:"limit_hit"`
}

// BotStatus is always delivered as a full snapshot.
type BotStatus struct {
	Running    bool       `json:"running"`
	Mode       BotMode    `json:"mode"`
	DailyStats DailyStats `json:"daily_stats"`
}

// TradeSnapshot is the authoritative bot trades payload.
type TradeSnapshot struct {
	Pending    []Trade     `json:"pending"`
	Open       []Trade     `json:"open"`
	Closed     []Trade     `json:"closed"`
	DailyStats *DailyStats `json:"daily_stats,omitempty"`
}

// All flattens the snapshot collections, keeping backend order.
func (s TradeSnapshot) All() []Trade {
	out := make([]Trade, 0, len(s.Pending)+len(s.Open)+len(s.Closed))
	out = append(out, s.Pending...)
	out = append(out, s.Open...)
	out = append(out, s.Closed...)
	return out
}

type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	ChangePct float64   `json:"change_pct"`
	TS        time.Time `json:"ts_utc"`
}

type NoticeKind string

const (
	NoticeCoaching   NoticeKind = "coaching"
	NoticePriceAlert NoticeKind = "price_alert"
	NoticeFill       NoticeKind = "fill"
)

// Notice covers the smaller poll-fed event streams: coaching tips,
// triggered price alerts and order fills.
type Notice struct {
	ID        string     `json:"id"`
	Kind      NoticeKind `json:"kind"`
	Symbol    string     `json:"symbol,omitempty"`
	Message   string     `json:"message"`
	Priority  Priority   `json:"priority,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type EarningsEvent struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Timing string    `json:"timing"` // bmo | amc
}

type MarketContext struct {
	Regime    string          `json:"regime"`
	SPYChange float64         `json:"spy_change_pct"`
	VIX       float64         `json:"vix"`
	Earnings  []EarningsEvent `json:"earnings,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
