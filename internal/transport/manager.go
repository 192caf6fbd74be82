package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/tradedesk/internal/observ"
)

// Manager owns the live feed handles. At most one handle exists per feed;
// opening a feed again supersedes the previous handle.
type Manager struct {
	cfg     Config
	dialers map[Kind]Dialer

	mu      sync.Mutex
	handles map[FeedID]*Handle
}

// NewManager builds a manager. Missing dialers fall back to the network
// SSE and WebSocket implementations.
func NewManager(cfg Config, dialers map[Kind]Dialer) *Manager {
	cfg = cfg.withDefaults()
	ds := map[Kind]Dialer{
		KindSSE:       NewSSEDialer(cfg.DialTimeout),
		KindWebSocket: NewWSDialer(cfg.DialTimeout),
	}
	for k, d := range dialers {
		ds[k] = d
	}
	return &Manager{cfg: cfg, dialers: ds, handles: make(map[FeedID]*Handle)}
}

// Open starts connecting feed in the background and returns its handle.
// onMessage and onState are only invoked while the handle is current.
func (m *Manager) Open(ctx context.Context, feed Feed, onMessage func(Message), onState func(FeedID, State)) (*Handle, error) {
	d, ok := m.dialers[feed.Kind]
	if !ok {
		return nil, fmt.Errorf("no dialer for feed kind %q", feed.Kind)
	}
	if onMessage == nil {
		onMessage = func(Message) {}
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		feed:      feed,
		cfg:       m.cfg,
		dialer:    d,
		onMessage: onMessage,
		onState:   onState,
		gen:       1,
		state:     StateConnecting,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.handles[feed.ID]
	m.handles[feed.ID] = h
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
		observ.Log("feed_superseded", map[string]any{"feed": string(feed.ID)})
	}

	go h.run(hctx, h.gen)
	return h, nil
}

// Close closes h and forgets it.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	h.Close()
	m.mu.Lock()
	if m.handles[h.feed.ID] == h {
		delete(m.handles, h.feed.ID)
	}
	m.mu.Unlock()
}

// Send writes payload on a duplex feed.
func (m *Manager) Send(ctx context.Context, h *Handle, payload []byte) error {
	if h == nil {
		return ErrNotConnected
	}
	return h.Send(ctx, payload)
}

// CloseAll closes every handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.handles = make(map[FeedID]*Handle)
	m.mu.Unlock()
	for _, h := range hs {
		h.Close()
	}
}

// Active counts handles that currently hold a live connection.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if h.connected() {
			n++
		}
	}
	return n
}

// States reports the state of every current handle.
func (m *Manager) States() map[FeedID]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[FeedID]State, len(m.handles))
	for id, h := range m.handles {
		out[id] = h.State()
	}
	return out
}

// Handle is one opened feed. Its generation changes when it is closed, and
// any work started under an older generation is discarded.
type Handle struct {
	feed      Feed
	cfg       Config
	dialer    Dialer
	onMessage func(Message)
	onState   func(FeedID, State)

	mu          sync.RWMutex
	gen         uint64
	closed      bool
	conn        Conn
	state       State
	lastEventID string
	cancel      context.CancelFunc

	stateMu  sync.Mutex
	writeMu  sync.Mutex
	lastRecv atomic.Int64
	done     chan struct{}
}

// Feed returns the feed description.
func (h *Handle) Feed() Feed { return h.feed }

// Done is closed once the handle's connection loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the last published state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// LastEventID is the resume cursor for SSE feeds.
func (h *Handle) LastEventID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastEventID
}

// Close stops the handle. Pending reconnects are cancelled and late
// results of in-flight attempts are dropped.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.gen++
	conn := h.conn
	h.conn = nil
	h.state = StateClosed
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes payload to the live connection of a duplex feed.
func (h *Handle) Send(ctx context.Context, payload []byte) error {
	if !h.feed.Kind.Duplex() {
		return ErrNotDuplex
	}
	h.mu.RLock()
	conn, closed := h.conn, h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return h.write(ctx, conn, payload)
}

func (h *Handle) labels() map[string]string {
	return map[string]string{"feed": string(h.feed.ID)}
}

func (h *Handle) current(gen uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return gen == h.gen && !h.closed
}

func (h *Handle) connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

func (h *Handle) run(ctx context.Context, gen uint64) {
	defer close(h.done)

	failures := 0
	for {
		if !h.current(gen) || ctx.Err() != nil {
			return
		}
		h.setState(gen, StateConnecting)

		conn, err := h.dialer.Dial(ctx, h.feed, h.LastEventID())
		if err == nil {
			if !h.adopt(gen, conn) {
				_ = conn.Close()
				observ.IncCounter("feed_late_connects_dropped_total", h.labels())
				return
			}
			failures = 0
			observ.IncCounter("feed_connects_total", h.labels())
			err = h.serve(ctx, gen, conn)
			h.release(gen, conn)
		}

		if !h.current(gen) || ctx.Err() != nil {
			return
		}
		h.setState(gen, StateClosed)

		delay := h.cfg.delay(failures)
		failures++
		observ.IncCounter("feed_reconnects_total", h.labels())
		observ.Warn("feed_disconnected", map[string]any{
			"feed":        string(h.feed.ID),
			"error":       err,
			"retry_in_ms": delay.Milliseconds(),
		})

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// adopt installs conn unless the handle moved on while dialing.
func (h *Handle) adopt(gen uint64, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen || h.closed {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) release(gen uint64, conn Conn) {
	h.mu.Lock()
	if gen == h.gen && h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Handle) serve(ctx context.Context, gen uint64, conn Conn) error {
	h.touch()

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	if h.feed.Kind.Duplex() && h.feed.OnOpen != nil {
		send := func(p []byte) error { return h.write(sctx, conn, p) }
		if err := h.feed.OnOpen(send); err != nil {
			return fmt.Errorf("on-open hook: %w", err)
		}
	}
	h.setState(gen, StateOpen)

	if h.feed.Kind.Duplex() {
		go h.heartbeat(sctx, conn)
	}
	go h.watchdog(sctx, gen)

	for {
		f, err := conn.Read(sctx)
		if err != nil {
			return err
		}
		h.touch()
		if h.State() == StateDegraded {
			h.setState(gen, StateOpen)
		}
		h.handleFrame(gen, f)
	}
}

func (h *Handle) heartbeat(ctx context.Context, conn Conn) {
	t := time.NewTicker(h.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := h.write(ctx, conn, pingFrame); err != nil {
				observ.Warn("feed_ping_failed", map[string]any{"feed": string(h.feed.ID), "error": err})
				_ = conn.Close()
				return
			}
			observ.IncCounter("feed_pings_total", h.labels())
		}
	}
}

// watchdog degrades an open feed that has gone quiet.
func (h *Handle) watchdog(ctx context.Context, gen uint64) {
	every := h.cfg.StaleAfter / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, h.lastRecv.Load())
			if h.State() == StateOpen && time.Since(last) > h.cfg.StaleAfter {
				h.setState(gen, StateDegraded)
			}
		}
	}
}

func (h *Handle) touch() {
	h.lastRecv.Store(time.Now().UnixNano())
}

func (h *Handle) write(ctx context.Context, conn Conn, p []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.Write(ctx, p)
}

func (h *Handle) setState(gen uint64, s State) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	h.mu.Lock()
	if gen != h.gen || h.closed || h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()

	observ.Log("feed_state", map[string]any{"feed": string(h.feed.ID), "state": s.String()})

	h.mu.RLock()
	defer h.mu.RUnlock()
	if gen != h.gen || h.onState == nil {
		return
	}
	h.onState(h.feed.ID, s)
}

func (h *Handle) handleFrame(gen uint64, f Frame) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 {
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		observ.IncCounter("feed_bad_frames_total", h.labels())
		observ.Debug("feed_bad_frame", map[string]any{"feed": string(h.feed.ID), "error": err})
		return
	}
	typ := head.Type
	if typ == "" {
		typ = f.Event
	}

	h.mu.Lock()
	if gen == h.gen && f.ID != "" {
		h.lastEventID = f.ID
	}
	h.mu.Unlock()

	if typ == "" || controlTypes[typ] {
		return
	}

	msg := Message{
		Feed:       h.feed.ID,
		Type:       typ,
		ID:         f.ID,
		Data:       json.RawMessage(append([]byte(nil), data...)),
		ReceivedAt: time.Now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if gen != h.gen {
		return
	}
	h.onMessage(msg)
	observ.IncCounter("feed_messages_total", map[string]string{"feed": string(h.feed.ID), "type": typ})
}

// delay returns the wait before reconnect attempt number failures.
func (c Config) delay(failures int) time.Duration {
	d := c.ReconnectDelay
	if c.Backoff == BackoffExponential {
		for i := 0; i < failures && d < c.MaxDelay; i++ {
			d *= 2
		}
		if d > c.MaxDelay {
			d = c.MaxDelay
		}
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.Jitter)))
	}
	return d
}
