// Package command turns free-form chat input into trading intents.
package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Rajchodisetti/tradedesk/internal/store"
)

type Kind string

const (
	Execute    Kind = "execute"
	HalfSize   Kind = "half_size"
	Pass       Kind = "pass"
	ShowTrades Kind = "show_trades"
	StopBot    Kind = "stop_bot"
	StartBot   Kind = "start_bot"
	PlainChat  Kind = "plain_chat"
)

// Intent is the interpreted form of one user message. Symbol and Signal are
// set only when the symbol resolved against a live signal, or for ticker
// analysis prompts.
type Intent struct {
	Kind   Kind
	Symbol string
	Signal *store.Signal
	Text   string // message forwarded to chat for PlainChat
	Raw    string
}

func (i Intent) String() string {
	if i.Symbol != "" {
		return fmt.Sprintf("%s(%s)", i.Kind, i.Symbol)
	}
	return string(i.Kind)
}

type builder func(text string, loc []int, signals []store.Signal) (Intent, bool)

type rule struct {
	name  string
	re    *regexp.Regexp
	build builder
}

const polite = `(?:(?:please|pls|ok|okay|yes|yeah|yep|sure)[\s,!.]+)*`

// Execute and pass must lead the message so a question like "should I take
// NVDA" never places or rejects a trade.
var (
	executeRe  = regexp.MustCompile(`(?i)^\s*` + polite + `(?:execute|take|buy|go\s+long)\s+(?:on\s+)?\$?([a-z]{1,5})\b`)
	passRe     = regexp.MustCompile(`(?i)^\s*` + polite + `(?:pass|skip|ignore)\s+(?:on\s+)?\$?([a-z]{1,5})\b`)
	halfRe     = regexp.MustCompile(`(?i)\bhalf[\s-]+(?:size|position)\b(?:\s+(?:on\s+)?\$?([a-z]{1,5})\b)?`)
	tradesRe   = regexp.MustCompile(`(?i)\b(?:show|list|what\s+are)\s+(?:me\s+)?(?:my\s+|the\s+)?(?:open\s+|pending\s+|closed\s+)?(?:bot\s+)?trades\b|\bmy\s+(?:open\s+|pending\s+)?trades\b`)
	stopBotRe  = regexp.MustCompile(`(?i)\b(?:stop|pause)\s+(?:the\s+)?bot\b`)
	startBotRe = regexp.MustCompile(`(?i)\b(?:start|resume)\s+(?:the\s+)?bot\b`)
	tickerRe   = regexp.MustCompile(`^\s*\$?([A-Z]{1,5})\s*$`)
	bareTicker = regexp.MustCompile(`\b[A-Z]{1,5}\b`)
)

// AnalyzePrompt is sent to chat when the user types a lone ticker.
const AnalyzePrompt = "Give me a quick analysis of %s: current setup, key levels, and whether any live signal is worth acting on."

// Interpreter evaluates its rules in order; the first that matches and
// builds an intent wins. Unmatched text becomes PlainChat.
type Interpreter struct {
	rules []rule
}

func New() *Interpreter {
	return &Interpreter{rules: []rule{
		{"execute", executeRe, symbolIntent(Execute)},
		{"pass", passRe, symbolIntent(Pass)},
		{"half_size", halfRe, halfSize},
		{"show_trades", tradesRe, fixed(ShowTrades)},
		{"stop_bot", stopBotRe, fixed(StopBot)},
		{"start_bot", startBotRe, fixed(StartBot)},
		{"ticker", tickerRe, analyzeTicker},
	}}
}

var defaultInterpreter = New()

// Parse interprets text with the default rule set.
func Parse(text string, signals []store.Signal) Intent {
	return defaultInterpreter.Parse(text, signals)
}

// Parse interprets text against the live signals (newest first).
func (in *Interpreter) Parse(text string, signals []store.Signal) Intent {
	trimmed := strings.TrimSpace(text)
	for _, r := range in.rules {
		loc := r.re.FindStringSubmatchIndex(trimmed)
		if loc == nil {
			continue
		}
		if intent, ok := r.build(trimmed, loc, signals); ok {
			intent.Raw = text
			return intent
		}
	}
	return Intent{Kind: PlainChat, Text: trimmed, Raw: text}
}

// resolve returns the newest signal whose symbol equals token exactly.
func resolve(token string, signals []store.Signal) (*store.Signal, bool) {
	sym := store.NormalizeSymbol(token)
	if sym == "" {
		return nil, false
	}
	for i := range signals {
		if signals[i].Symbol == sym {
			s := signals[i]
			return &s, true
		}
	}
	return nil, false
}

func group(text string, loc []int, n int) string {
	if len(loc) < 2*n+2 || loc[2*n] < 0 {
		return ""
	}
	return text[loc[2*n]:loc[2*n+1]]
}

func symbolIntent(kind Kind) builder {
	return func(text string, loc []int, signals []store.Signal) (Intent, bool) {
		sig, ok := resolve(group(text, loc, 1), signals)
		if !ok {
			return Intent{}, false
		}
		return Intent{Kind: kind, Symbol: sig.Symbol, Signal: sig}, true
	}
}

// halfSize takes the explicit symbol when it resolves, otherwise the first
// bare capitalized token left in the text.
func halfSize(text string, loc []int, signals []store.Signal) (Intent, bool) {
	if sig, ok := resolve(group(text, loc, 1), signals); ok {
		return Intent{Kind: HalfSize, Symbol: sig.Symbol, Signal: sig}, true
	}
	rest := text[:loc[0]] + " " + text[loc[1]:]
	token := bareTicker.FindString(rest)
	if token == "" {
		return Intent{}, false
	}
	sig, ok := resolve(token, signals)
	if !ok {
		return Intent{}, false
	}
	return Intent{Kind: HalfSize, Symbol: sig.Symbol, Signal: sig}, true
}

func fixed(kind Kind) builder {
	return func(string, []int, []store.Signal) (Intent, bool) {
		return Intent{Kind: kind}, true
	}
}

func analyzeTicker(text string, loc []int, _ []store.Signal) (Intent, bool) {
	sym := group(text, loc, 1)
	return Intent{Kind: PlainChat, Symbol: sym, Text: fmt.Sprintf(AnalyzePrompt, sym)}, true
}
