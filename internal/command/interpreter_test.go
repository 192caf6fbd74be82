package command

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradedesk/internal/store"
)

var live = []store.Signal{
	{ID: "a3", Symbol: "NVDA", Direction: store.Long, Priority: store.PriorityCritical},
	{ID: "a2", Symbol: "AMD", Direction: store.Short, Priority: store.PriorityHigh},
	{ID: "a1", Symbol: "NVDA", Direction: store.Long, Priority: store.PriorityLow},
}

func TestParse(t *testing.T) {
	tests := []struct {
		text   string
		kind   Kind
		symbol string
	}{
		{"take NVDA", Execute, "NVDA"},
		{"execute amd", Execute, "AMD"},
		{"Buy $NVDA now", Execute, "NVDA"},
		{"go long NVDA", Execute, "NVDA"},
		{"ok, take AMD", Execute, "AMD"},
		{"please execute on NVDA", Execute, "NVDA"},
		{"pass AMD", Pass, "AMD"},
		{"skip on nvda", Pass, "NVDA"},
		{"ignore AMD, it's extended", Pass, "AMD"},
		{"half size NVDA", HalfSize, "NVDA"},
		{"half-position on amd", HalfSize, "AMD"},
		{"go with half size please, AMD", HalfSize, "AMD"},
		{"show my trades", ShowTrades, ""},
		{"list open trades", ShowTrades, ""},
		{"what are my trades?", ShowTrades, ""},
		{"how are my open trades doing", ShowTrades, ""},
		{"stop the bot", StopBot, ""},
		{"pause the bot", StopBot, ""},
		{"pause the bot please", StopBot, ""},
		{"can you resume bot", StartBot, ""},
		{"start the bot", StartBot, ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := Parse(tt.text, live)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.symbol, got.Symbol)
			assert.Equal(t, tt.text, got.Raw)
			if tt.symbol != "" {
				require.NotNil(t, got.Signal)
				assert.Equal(t, tt.symbol, got.Signal.Symbol)
			}
		})
	}
}

func TestParse_UnresolvedSymbolFallsThrough(t *testing.T) {
	nvdaOnly := []store.Signal{{ID: "a1", Symbol: "NVDA"}}

	got := Parse("take ZZZZ", nvdaOnly)
	assert.Equal(t, PlainChat, got.Kind)
	assert.Equal(t, "take ZZZZ", got.Text)
	assert.Nil(t, got.Signal)

	got = Parse("pass TSLA", nvdaOnly)
	assert.Equal(t, PlainChat, got.Kind)

	got = Parse("take NVDA", nil)
	assert.Equal(t, PlainChat, got.Kind, "no live signals means nothing to execute")
}

func TestParse_ExecuteIsAnchored(t *testing.T) {
	got := Parse("should I take NVDA here?", live)
	assert.Equal(t, PlainChat, got.Kind)
}

func TestParse_HalfSizeFallbackToken(t *testing.T) {
	// first bare capitalized token wins, even when a later one would resolve
	got := Parse("I want half size", live)
	assert.Equal(t, PlainChat, got.Kind)

	got = Parse("half size", live)
	assert.Equal(t, PlainChat, got.Kind)

	got = Parse("AMD but half position", live)
	assert.Equal(t, HalfSize, got.Kind)
	assert.Equal(t, "AMD", got.Symbol)
}

func TestParse_NewestSignalWins(t *testing.T) {
	got := Parse("take NVDA", live)
	require.NotNil(t, got.Signal)
	assert.Equal(t, "a3", got.Signal.ID)
}

func TestParse_TickerOnlyExpands(t *testing.T) {
	got := Parse("  $TSLA ", live)
	assert.Equal(t, PlainChat, got.Kind)
	assert.Equal(t, "TSLA", got.Symbol)
	assert.Equal(t, fmt.Sprintf(AnalyzePrompt, "TSLA"), got.Text)

	got = Parse("tsla", live)
	assert.Equal(t, PlainChat, got.Kind)
	assert.Equal(t, "tsla", got.Text, "lower-case words are not tickers")
}

func TestParse_PlainChat(t *testing.T) {
	got := Parse("  what's the market doing today? ", live)
	assert.Equal(t, PlainChat, got.Kind)
	assert.Equal(t, "what's the market doing today?", got.Text)
	assert.Empty(t, got.Symbol)
}

func TestIntentString(t *testing.T) {
	assert.Equal(t, "execute(NVDA)", Intent{Kind: Execute, Symbol: "NVDA"}.String())
	assert.Equal(t, "stop_bot", Intent{Kind: StopBot}.String())
}
