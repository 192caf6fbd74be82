package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rajchodisetti/tradedesk/internal/session"
	"github.com/Rajchodisetti/tradedesk/internal/store"
	"github.com/Rajchodisetti/tradedesk/internal/transport"
)

var (
	replyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

const helpText = `Talk to the desk in plain English, e.g. "take NVDA", "half size AMD", "pass TSLA",
"show my trades", "pause the bot". A lone ticker asks for an analysis.
Local commands: /signals /trades /recent /feeds /close <trade-id> /mode <autonomous|confirmation|paused> /help /quit`

// chatLoop reads messages until the user quits or ctx ends.
func chatLoop(ctx context.Context, sess *session.Session) error {
	fmt.Println(dimStyle.Render(helpText))
	for ctx.Err() == nil {
		var text string
		err := survey.AskOne(&survey.Input{Message: "desk>"}, &text)
		if errors.Is(err, terminal.InterruptErr) {
			return nil
		}
		if err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") {
			if quit := localCommand(ctx, sess, text); quit {
				return nil
			}
			continue
		}

		reply, err := sess.Submit(ctx, text)
		printReply(reply.Text, err)
	}
	return nil
}

func localCommand(ctx context.Context, sess *session.Session, text string) bool {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/signals":
		fmt.Println(formatSignals(sess.View().Signals))
	case "/trades":
		fmt.Println(session.FormatTrades(sess.View()))
	case "/recent":
		recent, err := sess.Recent(ctx)
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			return false
		}
		fmt.Println(strings.Join(recent, " "))
	case "/feeds":
		states := sess.FeedStates()
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%-8s %s\n", id, states[transport.FeedID(id)])
		}
	case "/close":
		if len(fields) != 2 {
			fmt.Println(errStyle.Render("usage: /close <trade-id>"))
			return false
		}
		printReply(sess.CloseTrade(ctx, fields[1]))
	case "/mode":
		if len(fields) != 2 {
			fmt.Println(errStyle.Render("usage: /mode <autonomous|confirmation|paused>"))
			return false
		}
		printReply(sess.SetMode(ctx, store.BotMode(strings.ToLower(fields[1]))))
	default:
		fmt.Println(dimStyle.Render(helpText))
	}
	return false
}

func printReply(text string, err error) {
	switch {
	case err != nil && text == "":
		fmt.Println(errStyle.Render(err.Error()))
	case err != nil:
		fmt.Println(errStyle.Render(text))
	default:
		fmt.Println(replyStyle.Render(text))
	}
}

func formatSignals(signals []store.Signal) string {
	if len(signals) == 0 {
		return dimStyle.Render("no live signals")
	}
	var b strings.Builder
	for _, s := range signals {
		fmt.Fprintf(&b, "%s %-5s %-5s %-8s %-14s trigger %.2f stop %.2f target %.2f\n",
			s.CreatedAt.Local().Format("15:04:05"), s.Symbol, s.Direction, s.Priority, s.SetupType, s.Trigger, s.Stop, s.Target)
	}
	return strings.TrimRight(b.String(), "\n")
}
