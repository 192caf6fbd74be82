package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Rajchodisetti/tradedesk/internal/config"
)

// FeedID names one logical stream (quotes, alerts, bot).
type FeedID string

// Kind selects the wire protocol of a feed.
type Kind string

const (
	KindWebSocket Kind = "ws"
	KindSSE       Kind = "sse"
)

// Duplex reports whether the client can write to the feed.
func (k Kind) Duplex() bool { return k == KindWebSocket }

// State is the lifecycle state of a feed handle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one application frame forwarded to the subscriber. Data is the
// complete JSON object as received; Type is its "type" discriminator.
type Message struct {
	Feed       FeedID
	Type       string
	ID         string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Feed describes what to connect to.
type Feed struct {
	ID   FeedID
	Kind Kind
	URL  string

	// OnOpen runs after every successful (re)connect of a duplex feed, before
	// any message is read. The quote feed uses it to resend subscriptions.
	OnOpen func(send func([]byte) error) error
}

// Frame is one raw unit read off a connection. SSE frames carry the event
// name and id fields; WebSocket frames carry only Data.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Conn is one live connection to a feed.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens connections. lastEventID is empty on first connect.
type Dialer interface {
	Dial(ctx context.Context, feed Feed, lastEventID string) (Conn, error)
}

var (
	ErrNotConnected = errors.New("feed not connected")
	ErrNotDuplex    = errors.New("feed is receive-only")
	ErrClosed       = errors.New("handle closed")
)

const (
	BackoffFlat        = "flat"
	BackoffExponential = "exponential"
)

// Config controls reconnect and liveness behaviour.
type Config struct {
	Heartbeat      time.Duration
	StaleAfter     time.Duration
	ReconnectDelay time.Duration
	Backoff        string
	MaxDelay       time.Duration
	Jitter         time.Duration
	DialTimeout    time.Duration
}

// ConfigFrom converts the YAML transport section.
func ConfigFrom(t config.Transport) Config {
	return Config{
		Heartbeat:      config.Seconds(t.HeartbeatSeconds),
		StaleAfter:     config.Seconds(t.StaleAfterSeconds),
		ReconnectDelay: config.Millis(t.ReconnectDelayMs),
		Backoff:        t.Backoff,
		MaxDelay:       config.Millis(t.MaxDelayMs),
		Jitter:         config.Millis(t.JitterMs),
		DialTimeout:    config.Millis(t.DialTimeoutMs),
	}
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 25 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.Heartbeat
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFlat
	}
	return c
}

// controlTypes are consumed by the manager and never forwarded.
var controlTypes = map[string]bool{
	"pong":      true,
	"heartbeat": true,
	"connected": true,
}

var pingFrame = []byte(`{"action":"ping"}`)
