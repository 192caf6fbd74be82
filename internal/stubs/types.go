package stubs

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Rajchodisetti/tradedesk/internal/store"
)

// WireEvent is one SSE event. Data is a JSON object carrying a "type" field.
type WireEvent struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Fill matches the backend's order fill report.
type Fill struct {
	ID       string    `json:"id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Qty      int       `json:"qty"`
	Price    float64   `json:"price"`
	FilledAt time.Time `json:"filled_at"`
}

// Fixture is the seed state for a stub backend.
type Fixture struct {
	Bot         store.BotStatus       `json:"bot"`
	Alerts      []store.Signal        `json:"alerts"`
	Trades      []store.Trade         `json:"trades"`
	Coaching    []store.Notice        `json:"coaching"`
	PriceAlerts []store.Notice        `json:"price_alerts"`
	Fills       []Fill                `json:"fills"`
	Market      store.MarketContext   `json:"market"`
	Earnings    []store.EarningsEvent `json:"earnings"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (Fixture, error) {
	var f Fixture
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// typed marshals v as a JSON object and sets its "type" field.
func typed(typ string, v any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", typ, err)
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("%s payload must be an object: %w", typ, err)
		}
	}
	t, _ := json.Marshal(typ)
	fields["type"] = t
	return json.Marshal(fields)
}
