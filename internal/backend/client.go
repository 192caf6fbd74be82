// Package backend is the REST client for the trading backend: snapshot
// reads for the poll scheduler and the outbound user actions.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(body))
}

type Client struct {
	http *resty.Client
	now  func() time.Time
}

func New(cfg config.Backend) *Client {
	return NewWithURL(cfg.BaseURL, config.Millis(cfg.TimeoutMs))
}

func NewWithURL(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New()
	c.SetBaseURL(strings.TrimRight(baseURL, "/"))
	c.SetTimeout(timeout)
	c.SetHeader("Accept", "application/json")
	return &Client{http: c, now: time.Now}
}

// do issues one request. route is a low-cardinality name for metrics and spans.
func (c *Client) do(ctx context.Context, route, method, path string, body, out any, headers map[string]string) (err error) {
	ctx, span := observ.StartSpan(ctx, "backend."+route,
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)
	defer func() { observ.EndSpan(span, err) }()

	start := time.Now()
	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	labels := map[string]string{"route": route}
	observ.RecordDuration("backend_request", time.Since(start), labels)
	if err != nil {
		observ.IncCounter("backend_errors_total", labels)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() {
		observ.IncCounter("backend_errors_total", labels)
		return &APIError{Method: method, Path: path, Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s: %w", route, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, route, path string, out any) error {
	return c.do(ctx, route, http.MethodGet, path, nil, out, nil)
}

func (c *Client) post(ctx context.Context, route, path string, body, out any) error {
	return c.do(ctx, route, http.MethodPost, path, body, out, nil)
}

func (c *Client) BotStatus(ctx context.Context) (store.BotStatus, error) {
	var st store.BotStatus
	err := c.get(ctx, "bot_status", "/api/bot/status", &st)
	return st, err
}

func (c *Client) BotTrades(ctx context.Context) (store.TradeSnapshot, error) {
	var snap store.TradeSnapshot
	err := c.get(ctx, "bot_trades", "/api/bot/trades", &snap)
	return snap, err
}

// RecentAlerts returns the backend's live signal buffer, newest first.
func (c *Client) RecentAlerts(ctx context.Context) ([]store.Signal, error) {
	var out struct {
		Alerts []store.Signal `json:"alerts"`
	}
	err := c.get(ctx, "alerts", "/api/alerts", &out)
	return out.Alerts, err
}

func (c *Client) Coaching(ctx context.Context) ([]store.Notice, error) {
	var out struct {
		Alerts []store.Notice `json:"alerts"`
	}
	if err := c.get(ctx, "coaching", "/api/alerts/coaching", &out); err != nil {
		return nil, err
	}
	return withKind(out.Alerts, store.NoticeCoaching), nil
}

func (c *Client) PriceAlerts(ctx context.Context) ([]store.Notice, error) {
	var out struct {
		Triggered []store.Notice `json:"triggered"`
	}
	if err := c.get(ctx, "price_alerts", "/api/price-alerts/check", &out); err != nil {
		return nil, err
	}
	return withKind(out.Triggered, store.NoticePriceAlert), nil
}

// Fill is one broker execution report.
type Fill struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Qty      int             `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filled_at"`
}

func (f Fill) Notice() store.Notice {
	verb := "bought"
	if strings.EqualFold(f.Side, "sell") {
		verb = "sold"
	}
	return store.Notice{
		ID:        f.ID,
		Kind:      store.NoticeFill,
		Symbol:    f.Symbol,
		Message:   fmt.Sprintf("%s %d %s @ %s", verb, f.Qty, store.NormalizeSymbol(f.Symbol), f.Price.StringFixed(2)),
		Priority:  store.PriorityMedium,
		CreatedAt: f.FilledAt,
	}
}

func (c *Client) OrderFills(ctx context.Context) ([]store.Notice, error) {
	var out struct {
		Fills []Fill `json:"fills"`
	}
	if err := c.get(ctx, "order_fills", "/api/orders/fills", &out); err != nil {
		return nil, err
	}
	notices := make([]store.Notice, 0, len(out.Fills))
	for _, f := range out.Fills {
		notices = append(notices, f.Notice())
	}
	return notices, nil
}

func (c *Client) MarketContext(ctx context.Context) (store.MarketContext, error) {
	var mc store.MarketContext
	err := c.get(ctx, "market_context", "/api/market/context", &mc)
	return mc, err
}

func (c *Client) Earnings(ctx context.Context) ([]store.EarningsEvent, error) {
	var out struct {
		Earnings []store.EarningsEvent `json:"earnings"`
	}
	err := c.get(ctx, "earnings", "/api/earnings", &out)
	return out.Earnings, err
}

func tradePath(id, action string) string {
	return "/api/bot/trades/" + url.PathEscape(id) + "/" + action
}

func (c *Client) ConfirmTrade(ctx context.Context, tradeID string, halfSize bool) error {
	return c.post(ctx, "trade_confirm", tradePath(tradeID, "confirm"), map[string]bool{"half_size": halfSize}, nil)
}

func (c *Client) RejectTrade(ctx context.Context, tradeID string) error {
	return c.post(ctx, "trade_reject", tradePath(tradeID, "reject"), struct{}{}, nil)
}

func (c *Client) CloseTrade(ctx context.Context, tradeID string) error {
	return c.post(ctx, "trade_close", tradePath(tradeID, "close"), struct{}{}, nil)
}

func (c *Client) SetMode(ctx context.Context, mode store.BotMode) error {
	return c.post(ctx, "bot_mode", "/api/bot/mode", map[string]store.BotMode{"mode": mode}, nil)
}

func (c *Client) StartBot(ctx context.Context) error {
	return c.post(ctx, "bot_start", "/api/bot/start", struct{}{}, nil)
}

func (c *Client) StopBot(ctx context.Context) error {
	return c.post(ctx, "bot_stop", "/api/bot/stop", struct{}{}, nil)
}

func (c *Client) PassAlert(ctx context.Context, alertID string) error {
	return c.post(ctx, "alert_pass", "/api/alerts/"+url.PathEscape(alertID)+"/pass", struct{}{}, nil)
}

// TradeRequest is a user-initiated trade built from a signal.
type TradeRequest struct {
	Symbol    string          `json:"symbol"`
	Direction store.Direction `json:"direction"`
	Entry     decimal.Decimal `json:"entry"`
	Stop      decimal.Decimal `json:"stop"`
	Target    decimal.Decimal `json:"target"`
	HalfSize  bool            `json:"half_size"`
	AlertID   string          `json:"alert_id,omitempty"`
}

// RequestFromSignal fills a trade request from a live signal's levels.
func RequestFromSignal(sig store.Signal, halfSize bool) TradeRequest {
	entry := sig.Trigger
	if entry == 0 {
		entry = sig.Price
	}
	return TradeRequest{
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Entry:     decimal.NewFromFloat(entry),
		Stop:      decimal.NewFromFloat(sig.Stop),
		Target:    decimal.NewFromFloat(sig.Target),
		HalfSize:  halfSize,
		AlertID:   sig.ID,
	}
}

type TradeAck struct {
	TradeID string            `json:"trade_id"`
	Status  store.TradeStatus `json:"status"`
}

// SubmitTrade posts a new trade. Repeats within the same minute carry the
// same Idempotency-Key so the backend can collapse them.
func (c *Client) SubmitTrade(ctx context.Context, req TradeRequest) (TradeAck, error) {
	var ack TradeAck
	key := IdempotencyKey(req.Symbol, req.Direction, req.HalfSize, c.now())
	err := c.do(ctx, "trade_submit", http.MethodPost, "/api/trades", req, &ack,
		map[string]string{"Idempotency-Key": key})
	return ack, err
}

// IdempotencyKey derives a stable key from the trade shape and minute bucket.
func IdempotencyKey(symbol string, dir store.Direction, halfSize bool, at time.Time) string {
	bucket := at.UTC().Truncate(time.Minute).Unix()
	data := fmt.Sprintf("%s-%s-%t-%d", store.NormalizeSymbol(symbol), dir, halfSize, bucket)
	sum := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", sum[:8])
}

// Chat forwards free text and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, sessionID, message string) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	err := c.post(ctx, "chat", "/api/chat", map[string]string{"session_id": sessionID, "message": message}, &out)
	return out.Reply, err
}

func withKind(ns []store.Notice, kind store.NoticeKind) []store.Notice {
	for i := range ns {
		ns[i].Kind = kind
	}
	return ns
}
