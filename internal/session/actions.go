package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/tradedesk/internal/backend"
	"github.com/Rajchodisetti/tradedesk/internal/command"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

// Reply is what the user sees after a submitted message.
type Reply struct {
	Intent command.Intent
	Text   string
}

// Submit interprets text against the live signals and carries out the
// resulting intent. Backend failures come back as an error alongside a
// user-facing reply; any optimistic change has been rolled back by then.
func (s *Session) Submit(ctx context.Context, text string) (Reply, error) {
	m := s.mounted()
	if m == nil {
		return Reply{}, ErrClosed
	}
	in := s.interp.Parse(text, s.View().Signals)
	observ.Log("command_intent", map[string]any{"session": s.ID, "intent": in.String()})
	observ.IncCounter("command_intents_total", map[string]string{"kind": string(in.Kind)})
	if in.Symbol != "" {
		if err := s.recent.Add(ctx, in.Symbol); err != nil {
			observ.Warn("recent_add_failed", map[string]any{"symbol": in.Symbol, "error": err})
		}
	}

	reply := Reply{Intent: in}
	var err error
	switch in.Kind {
	case command.Execute:
		reply.Text, err = s.execute(ctx, m, in, false)
	case command.HalfSize:
		reply.Text, err = s.execute(ctx, m, in, true)
	case command.Pass:
		reply.Text, err = s.pass(ctx, m, in)
	case command.ShowTrades:
		reply.Text = FormatTrades(s.View())
	case command.StopBot:
		reply.Text, err = s.botControl(ctx, m, false)
	case command.StartBot:
		reply.Text, err = s.botControl(ctx, m, true)
	default:
		reply.Text, err = s.chat(ctx, in)
	}
	return reply, err
}

// execute confirms the pending bot trade for the signal's symbol, or submits
// a new trade from the signal's levels when the bot has none pending.
func (s *Session) execute(ctx context.Context, m *mount, in command.Intent, half bool) (string, error) {
	sym := in.Symbol
	var (
		pending store.Trade
		found   bool
		tok     store.Token
		terr    error
	)
	if err := s.exec(ctx, m, func(st *store.Store) {
		if pending, found = st.PendingFor(sym); found {
			tok, terr = st.OptimisticTransition(pending.ID, store.StatusPending, store.StatusOpen)
		}
	}); err != nil {
		return "", err
	}

	if found {
		if terr != nil {
			return fmt.Sprintf("%s trade %s is already being updated.", sym, pending.ID), terr
		}
		if err := s.api.ConfirmTrade(ctx, pending.ID, half); err != nil {
			s.rollback(m, pending.ID, tok)
			return s.failed("confirm", sym, err)
		}
		m.polls.RunNow(PollBotTrades)
		return fmt.Sprintf("Confirmed %s %s%s.", sym, pending.Direction, sizeNote(half)), nil
	}

	if in.Signal == nil {
		return fmt.Sprintf("No live signal for %s.", sym), nil
	}
	ack, err := s.api.SubmitTrade(ctx, backend.RequestFromSignal(*in.Signal, half))
	if err != nil {
		return s.failed("submit", sym, err)
	}
	m.polls.RunNow(PollBotTrades)
	return fmt.Sprintf("Submitted %s %s%s, trade %s is %s.", sym, in.Signal.Direction, sizeNote(half), ack.TradeID, ack.Status), nil
}

func sizeNote(half bool) string {
	if half {
		return " at half size"
	}
	return ""
}

// pass drops the signal locally, rejects a pending bot trade on the same
// symbol and tells the backend in the background.
func (s *Session) pass(ctx context.Context, m *mount, in command.Intent) (string, error) {
	sym := in.Symbol
	var (
		pending store.Trade
		found   bool
		tok     store.Token
		terr    error
	)
	if err := s.exec(ctx, m, func(st *store.Store) {
		if in.Signal != nil {
			st.Pass(in.Signal.ID)
		}
		if pending, found = st.PendingFor(sym); found {
			tok, terr = st.OptimisticTransition(pending.ID, store.StatusPending, store.StatusRejected)
		}
	}); err != nil {
		return "", err
	}

	if in.Signal != nil {
		alertID := in.Signal.ID
		m.goAsync(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.api.PassAlert(ctx, alertID); err != nil {
				observ.Warn("alert_pass_failed", map[string]any{"alert": alertID, "error": err})
			}
		})
	}

	if !found {
		return fmt.Sprintf("Passed on %s.", sym), nil
	}
	if terr != nil {
		return fmt.Sprintf("Passed on %s; trade %s is already being updated.", sym, pending.ID), terr
	}
	if err := s.api.RejectTrade(ctx, pending.ID); err != nil {
		s.rollback(m, pending.ID, tok)
		return s.failed("reject", sym, err)
	}
	m.polls.RunNow(PollBotTrades)
	return fmt.Sprintf("Passed on %s and rejected pending trade %s.", sym, pending.ID), nil
}

// botControl never shows the new mode itself; it appears once the status
// poll confirms it.
func (s *Session) botControl(ctx context.Context, m *mount, start bool) (string, error) {
	call, action := s.api.StopBot, "stop"
	if start {
		call, action = s.api.StartBot, "start"
	}
	if err := call(ctx); err != nil {
		return s.failed(action+" bot", "", err)
	}
	m.polls.RunNow(PollBotStatus)
	return fmt.Sprintf("Bot %s requested; status will refresh shortly.", action), nil
}

// CloseTrade asks the backend to close an open trade. The trade shows as
// closed right away and reverts if the backend refuses.
func (s *Session) CloseTrade(ctx context.Context, tradeID string) (string, error) {
	m := s.mounted()
	if m == nil {
		return "", ErrClosed
	}
	var (
		tr   store.Trade
		ok   bool
		tok  store.Token
		terr error
	)
	if err := s.exec(ctx, m, func(st *store.Store) {
		if tr, ok = st.Trade(tradeID); ok {
			tok, terr = st.OptimisticTransition(tradeID, store.StatusOpen, store.StatusClosed)
		}
	}); err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("No trade %s.", tradeID), nil
	}
	if terr != nil {
		return fmt.Sprintf("Trade %s is %s and cannot be closed.", tradeID, tr.Status), terr
	}
	if err := s.recent.Add(ctx, tr.Symbol); err != nil {
		observ.Warn("recent_add_failed", map[string]any{"symbol": tr.Symbol, "error": err})
	}
	if err := s.api.CloseTrade(ctx, tradeID); err != nil {
		s.rollback(m, tradeID, tok)
		return s.failed("close", tr.Symbol, err)
	}
	m.polls.RunNow(PollBotTrades)
	return fmt.Sprintf("Closing %s %s (%s).", tr.Symbol, tr.Direction, tradeID), nil
}

// SetMode requests a bot mode change. Like start and stop, the new mode is
// shown only once the status poll reports it.
func (s *Session) SetMode(ctx context.Context, mode store.BotMode) (string, error) {
	m := s.mounted()
	if m == nil {
		return "", ErrClosed
	}
	if !mode.Valid() {
		return fmt.Sprintf("Unknown mode %q; use autonomous, confirmation or paused.", mode), nil
	}
	if err := s.api.SetMode(ctx, mode); err != nil {
		return s.failed("set mode "+string(mode), "", err)
	}
	m.polls.RunNow(PollBotStatus)
	return fmt.Sprintf("Mode %s requested; status will refresh shortly.", mode), nil
}

func (s *Session) chat(ctx context.Context, in command.Intent) (string, error) {
	reply, err := s.api.Chat(ctx, s.ID, in.Text)
	if err != nil {
		return s.failed("chat", in.Symbol, err)
	}
	return reply, nil
}

func (s *Session) rollback(m *mount, tradeID string, tok store.Token) {
	s.submit(m, func(st *store.Store) {
		if st.Rollback(tradeID, tok) {
			observ.Log("trade_rollback", map[string]any{"trade": tradeID})
		}
	})
}

// failed raises the recoverable error toast for a backend action.
func (s *Session) failed(action, symbol string, err error) (string, error) {
	observ.IncCounter("session_action_failures_total", map[string]string{"action": action})
	observ.Warn("trade_action_failed", map[string]any{"session": s.ID, "action": action, "symbol": symbol, "error": err})
	s.sink.Notify(s.gate.ActionFailed(action, symbol, err))
	target := action
	if symbol != "" {
		target += " " + symbol
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("Could not %s (backend returned %d).", target, apiErr.Status), err
	}
	return fmt.Sprintf("Could not %s: %v.", target, err), err
}

// FormatTrades renders the bot's trades and today's stats as plain text.
func FormatTrades(v store.View) string {
	var b strings.Builder
	section := func(title string, trades []store.Trade) {
		if len(trades) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", title, len(trades))
		for _, t := range trades {
			fmt.Fprintf(&b, "  %s %s %s %d sh @ %s stop %s", t.ID, t.Symbol, t.Direction, t.Shares,
				t.EntryPrice.StringFixed(2), t.StopPrice.StringFixed(2))
			switch {
			case t.Optimistic:
				b.WriteString(" (updating)")
			case t.Status == store.StatusOpen:
				fmt.Fprintf(&b, " unrealized %s", t.UnrealizedPnl.StringFixed(2))
			case t.Status == store.StatusClosed:
				fmt.Fprintf(&b, " realized %s", t.RealizedPnl.StringFixed(2))
			case t.Status != store.StatusPending:
				fmt.Fprintf(&b, " %s", t.Status)
			}
			b.WriteString("\n")
		}
	}
	section("Pending", v.Pending)
	section("Open", v.Open)
	section("Closed", v.Closed)
	if b.Len() == 0 {
		b.WriteString("No bot trades yet.\n")
	}
	if d, ok := v.DailyStats(); ok {
		fmt.Fprintf(&b, "Today: %d trades, %dW/%dL, net %s", d.TradesExecuted, d.TradesWon, d.TradesLost, d.NetPnl.StringFixed(2))
		if d.LimitHit {
			b.WriteString(" (daily limit hit)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
