package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Backend struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Feed describes one streaming endpoint. Kind is "ws" or "sse".
type Feed struct {
	Enabled bool     `yaml:"enabled"`
	Kind    string   `yaml:"kind"`
	Path    string   `yaml:"path"`
	Symbols []string `yaml:"symbols"` // quotes feed only
}

type Feeds struct {
	Quotes Feed `yaml:"quotes"`
	Alerts Feed `yaml:"alerts"`
	Bot    Feed `yaml:"bot"`
}

type Transport struct {
	HeartbeatSeconds  int    `yaml:"heartbeat_seconds"`
	StaleAfterSeconds int    `yaml:"stale_after_seconds"`
	ReconnectDelayMs  int    `yaml:"reconnect_delay_ms"`
	Backoff           string `yaml:"backoff"` // flat | exponential
	MaxDelayMs        int    `yaml:"max_delay_ms"`
	JitterMs          int    `yaml:"jitter_ms"`
	DialTimeoutMs     int    `yaml:"dial_timeout_ms"`
}

type Polls struct {
	BotStatusSeconds     int `yaml:"bot_status_seconds"`
	BotTradesSeconds     int `yaml:"bot_trades_seconds"`
	CoachingSeconds      int `yaml:"coaching_seconds"`
	PriceAlertsSeconds   int `yaml:"price_alerts_seconds"`
	OrderFillsSeconds    int `yaml:"order_fills_seconds"`
	MarketContextSeconds int `yaml:"market_context_seconds"`
	EarningsSeconds      int `yaml:"earnings_seconds"`
	PhaseGapMs           int `yaml:"phase_gap_ms"`
	TimeoutMs            int `yaml:"timeout_ms"`
}

type Store struct {
	SignalCapacity int `yaml:"signal_capacity"`
	NoticeCapacity int `yaml:"notice_capacity"`
}

type Notify struct {
	Console          bool    `yaml:"console"`
	Sound            bool    `yaml:"sound"`
	ToastMaxChars    int     `yaml:"toast_max_chars"`
	ToastDurationSec int     `yaml:"toast_duration_seconds"`
	SoundsPerMinute  float64 `yaml:"sounds_per_minute"`
	ToastsPerMinute  float64 `yaml:"toasts_per_minute"`
}

type Slack struct {
	Enabled                  bool   `yaml:"enabled"`
	WebhookURL               string `yaml:"webhook_url"`
	ChannelDefault           string `yaml:"channel_default"`
	RateLimitPerMin          int    `yaml:"rate_limit_per_min"`
	RateLimitPerSymbolPerMin int    `yaml:"rate_limit_per_symbol_per_min"`
	DedupeWindowSecs         int    `yaml:"dedupe_window_seconds"`
}

type Session struct {
	RecentLimit int    `yaml:"recent_limit"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	Backend   Backend   `yaml:"backend"`
	Feeds     Feeds     `yaml:"feeds"`
	Transport Transport `yaml:"transport"`
	Polls     Polls     `yaml:"polls"`
	Store     Store     `yaml:"store"`
	Notify    Notify    `yaml:"notify"`
	Slack     Slack     `yaml:"slack"`
	Session   Session   `yaml:"session"`
	Logging   Logging   `yaml:"logging"`
	Tracing   Tracing   `yaml:"tracing"`
	Metrics   Metrics   `yaml:"metrics"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, nil
}

// Default returns a config with every default filled in and all feeds enabled.
func Default() Root {
	c := Root{
		Feeds: Feeds{
			Quotes: Feed{Enabled: true},
			Alerts: Feed{Enabled: true},
			Bot:    Feed{Enabled: true},
		},
		Notify: Notify{Console: true, Sound: true},
	}
	c.applyDefaults()
	return c
}

// ApplyEnv overrides selected fields from the environment.
func (c *Root) ApplyEnv() {
	if v := os.Getenv("TRADEDESK_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("TRADEDESK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRADEDESK_REDIS_ADDR"); v != "" {
		c.Session.RedisAddr = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Slack.WebhookURL = v
		c.Slack.Enabled = true
	}
}

func (c *Root) applyDefaults() {
	// Backend defaults
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:8091"
	}
	if c.Backend.TimeoutMs == 0 {
		c.Backend.TimeoutMs = 10000
	}

	// Feed defaults
	if c.Feeds.Quotes.Kind == "" {
		c.Feeds.Quotes.Kind = "ws"
	}
	if c.Feeds.Quotes.Path == "" {
		c.Feeds.Quotes.Path = "/ws/quotes"
	}
	if c.Feeds.Alerts.Kind == "" {
		c.Feeds.Alerts.Kind = "sse"
	}
	if c.Feeds.Alerts.Path == "" {
		c.Feeds.Alerts.Path = "/api/stream/alerts"
	}
	if c.Feeds.Bot.Kind == "" {
		c.Feeds.Bot.Kind = "sse"
	}
	if c.Feeds.Bot.Path == "" {
		c.Feeds.Bot.Path = "/api/stream/bot"
	}

	// Transport defaults: proxies drop idle sockets around 30-60s
	if c.Transport.HeartbeatSeconds == 0 {
		c.Transport.HeartbeatSeconds = 25
	}
	if c.Transport.StaleAfterSeconds == 0 {
		c.Transport.StaleAfterSeconds = 2 * c.Transport.HeartbeatSeconds
	}
	if c.Transport.ReconnectDelayMs == 0 {
		c.Transport.ReconnectDelayMs = 3000
	}
	if c.Transport.Backoff == "" {
		c.Transport.Backoff = "flat"
	}
	if c.Transport.MaxDelayMs == 0 {
		c.Transport.MaxDelayMs = 30000
	}
	if c.Transport.DialTimeoutMs == 0 {
		c.Transport.DialTimeoutMs = 10000
	}

	// Poll defaults
	if c.Polls.BotStatusSeconds == 0 {
		c.Polls.BotStatusSeconds = 10
	}
	if c.Polls.BotTradesSeconds == 0 {
		c.Polls.BotTradesSeconds = 15
	}
	if c.Polls.CoachingSeconds == 0 {
		c.Polls.CoachingSeconds = 10
	}
	if c.Polls.PriceAlertsSeconds == 0 {
		c.Polls.PriceAlertsSeconds = 30
	}
	if c.Polls.OrderFillsSeconds == 0 {
		c.Polls.OrderFillsSeconds = 30
	}
	if c.Polls.MarketContextSeconds == 0 {
		c.Polls.MarketContextSeconds = 60
	}
	if c.Polls.EarningsSeconds == 0 {
		c.Polls.EarningsSeconds = 300
	}
	if c.Polls.PhaseGapMs == 0 {
		c.Polls.PhaseGapMs = 1500
	}
	if c.Polls.TimeoutMs == 0 {
		c.Polls.TimeoutMs = 8000
	}

	// Store defaults
	if c.Store.SignalCapacity == 0 {
		c.Store.SignalCapacity = 50
	}
	if c.Store.NoticeCapacity == 0 {
		c.Store.NoticeCapacity = 100
	}

	// Notification defaults
	if c.Notify.ToastMaxChars == 0 {
		c.Notify.ToastMaxChars = 140
	}
	if c.Notify.ToastDurationSec == 0 {
		c.Notify.ToastDurationSec = 6
	}
	if c.Notify.SoundsPerMinute == 0 {
		c.Notify.SoundsPerMinute = 12
	}
	if c.Notify.ToastsPerMinute == 0 {
		c.Notify.ToastsPerMinute = 30
	}

	// Slack defaults
	if c.Slack.RateLimitPerMin == 0 {
		c.Slack.RateLimitPerMin = 10
	}
	if c.Slack.RateLimitPerSymbolPerMin == 0 {
		c.Slack.RateLimitPerSymbolPerMin = 3
	}
	if c.Slack.DedupeWindowSecs == 0 {
		c.Slack.DedupeWindowSecs = 60
	}

	if c.Session.RecentLimit == 0 {
		c.Session.RecentLimit = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9095"
	}
}

// Seconds converts a config integer into a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a config integer into a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
