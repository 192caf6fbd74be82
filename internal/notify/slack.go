package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type queuedEvent struct {
	ev        Event
	attempts  int
	nextRetry time.Time
}

// SlackMetrics mirrors the sink's prometheus counters for callers and tests.
type SlackMetrics struct {
	Sent          int64
	WebhookErrors int64
	RateLimited   int64
	Deduped       int64
	Dropped       int64
}

// SlackSink posts critical signals and trade lifecycle events to an
// incoming webhook. Delivery is asynchronous with bounded retries.
type SlackSink struct {
	cfg        config.Slack
	httpClient *http.Client
	queue      chan queuedEvent
	retryBase  time.Duration

	mu        sync.Mutex
	dedupe    map[string]time.Time
	global    *rate.Limiter
	perSymbol map[string]*rate.Limiter

	sent, webhookErrors, rateLimited, deduped, dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSlackSink(cfg config.Slack) *SlackSink {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 10
	}
	if cfg.RateLimitPerSymbolPerMin <= 0 {
		cfg.RateLimitPerSymbolPerMin = 3
	}
	if cfg.DedupeWindowSecs <= 0 {
		cfg.DedupeWindowSecs = 60
	}
	s := &SlackSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan queuedEvent, 256),
		retryBase:  time.Second,
		dedupe:     make(map[string]time.Time),
		global:     rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), cfg.RateLimitPerMin),
		perSymbol:  make(map[string]*rate.Limiter),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(2)
	go s.worker()
	go s.cleanup()
	return s
}

// Notify enqueues ev if it passes policy, dedupe and rate limits.
func (s *SlackSink) Notify(ev Event) {
	if !s.cfg.Enabled || s.cfg.WebhookURL == "" || !shouldPost(ev) {
		return
	}

	hash := eventHash(ev)
	now := time.Now()
	window := time.Duration(s.cfg.DedupeWindowSecs) * time.Second

	s.mu.Lock()
	if last, ok := s.dedupe[hash]; ok && now.Sub(last) < window {
		s.mu.Unlock()
		s.deduped.Add(1)
		observ.IncCounter("slack_deduped_total", nil)
		return
	}
	s.dedupe[hash] = now
	limited := !s.allowLocked(ev.Symbol, now)
	s.mu.Unlock()

	if limited {
		s.rateLimited.Add(1)
		observ.IncCounter("slack_rate_limited_total", nil)
		return
	}

	select {
	case s.queue <- queuedEvent{ev: ev, nextRetry: now}:
		observ.SetGauge("slack_queue_depth", float64(len(s.queue)), nil)
	default:
		s.dropped.Add(1)
		observ.IncCounter("slack_dropped_total", nil)
	}
}

func shouldPost(ev Event) bool {
	switch ev.Kind {
	case EventSignal:
		return ev.Priority == store.PriorityCritical
	case EventTradePending, EventTradeOpened, EventTradeClosed, EventDailyLimit:
		return true
	default:
		return false
	}
}

func eventHash(ev Event) string {
	data := fmt.Sprintf("%s:%s:%s:%s", ev.Kind, ev.Key, ev.Symbol, ev.Title)
	sum := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", sum)[:16]
}

func (s *SlackSink) allowLocked(symbol string, now time.Time) bool {
	var sym *rate.Limiter
	if symbol != "" {
		sym = s.perSymbol[symbol]
		if sym == nil {
			n := s.cfg.RateLimitPerSymbolPerMin
			sym = rate.NewLimiter(rate.Limit(float64(n)/60), n)
			s.perSymbol[symbol] = sym
		}
		if sym.TokensAt(now) < 1 {
			return false
		}
	}
	if !s.global.AllowN(now, 1) {
		return false
	}
	if sym != nil {
		sym.AllowN(now, 1)
	}
	return true
}

func (s *SlackSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case q := <-s.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-s.ctx.Done():
					t.Stop()
					return
				}
			}

			err := s.post(q.ev)
			if err == nil {
				s.sent.Add(1)
				observ.IncCounter("slack_sent_total", nil)
				continue
			}

			q.attempts++
			if q.attempts >= 3 {
				s.webhookErrors.Add(1)
				observ.IncCounter("slack_webhook_errors_total", nil)
				observ.Warn("slack_post_failed", map[string]any{"kind": string(q.ev.Kind), "error": err})
				continue
			}
			backoff := time.Duration(math.Pow(2, float64(q.attempts-1))) * s.retryBase
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			q.nextRetry = time.Now().Add(backoff + jitter)
			select {
			case s.queue <- q:
			default:
				s.dropped.Add(1)
				observ.IncCounter("slack_dropped_total", nil)
			}
		}
	}
}

func (s *SlackSink) post(ev Event) error {
	payload, err := json.Marshal(s.formatMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSink) formatMessage(ev Event) SlackMessage {
	emoji, color := "📈", "good"
	switch ev.Kind {
	case EventSignal:
		emoji, color = "🚨", "danger"
	case EventTradePending:
		emoji, color = "⏳", "warning"
	case EventTradeClosed:
		emoji = "✅"
	case EventDailyLimit:
		emoji, color = "🛑", "danger"
	}

	fields := []SlackField{
		{Title: "Event", Value: string(ev.Kind), Short: true},
		{Title: "Time", Value: ev.At.Format("15:04:05 MST"), Short: true},
	}
	if ev.Symbol != "" {
		fields = append(fields, SlackField{Title: "Symbol", Value: ev.Symbol, Short: true})
	}
	if ev.Body != "" {
		fields = append(fields, SlackField{Title: "Details", Value: ev.Body})
	}
	return SlackMessage{
		Channel:     s.cfg.ChannelDefault,
		Text:        fmt.Sprintf("%s %s", emoji, ev.Title),
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

func (s *SlackSink) cleanup() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			s.mu.Lock()
			for h, ts := range s.dedupe {
				if ts.Before(cutoff) {
					delete(s.dedupe, h)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the workers; queued events are discarded.
func (s *SlackSink) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *SlackSink) Metrics() SlackMetrics {
	return SlackMetrics{
		Sent:          s.sent.Load(),
		WebhookErrors: s.webhookErrors.Load(),
		RateLimited:   s.rateLimited.Load(),
		Deduped:       s.deduped.Load(),
		Dropped:       s.dropped.Load(),
	}
}
