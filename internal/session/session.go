// Package session wires the store, feeds, polls, command interpreter and
// notification gate into one explicitly constructed client session.
//
// A Session owns a single writer goroutine per mount. Feeds, polls and
// commands never touch the store directly: they submit closures that the
// writer applies in arrival order. Closing the session bumps the mount
// generation so that anything still in flight from the old mount is dropped
// when it finally arrives.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradedesk/internal/backend"
	"github.com/Rajchodisetti/tradedesk/internal/command"
	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/notify"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/poll"
	"github.com/Rajchodisetti/tradedesk/internal/store"
	"github.com/Rajchodisetti/tradedesk/internal/transport"
)

var (
	ErrClosed  = errors.New("session is not running")
	ErrStarted = errors.New("session already started")
)

// Backend is the subset of the REST client a session needs.
type Backend interface {
	BotStatus(ctx context.Context) (store.BotStatus, error)
	BotTrades(ctx context.Context) (store.TradeSnapshot, error)
	Coaching(ctx context.Context) ([]store.Notice, error)
	PriceAlerts(ctx context.Context) ([]store.Notice, error)
	OrderFills(ctx context.Context) ([]store.Notice, error)
	MarketContext(ctx context.Context) (store.MarketContext, error)
	Earnings(ctx context.Context) ([]store.EarningsEvent, error)

	ConfirmTrade(ctx context.Context, tradeID string, halfSize bool) error
	RejectTrade(ctx context.Context, tradeID string) error
	CloseTrade(ctx context.Context, tradeID string) error
	SetMode(ctx context.Context, mode store.BotMode) error
	StartBot(ctx context.Context) error
	StopBot(ctx context.Context) error
	PassAlert(ctx context.Context, alertID string) error
	SubmitTrade(ctx context.Context, req backend.TradeRequest) (backend.TradeAck, error)
	Chat(ctx context.Context, sessionID, message string) (string, error)
}

type Options struct {
	Config  config.Root
	Backend Backend
	Sink    notify.Sink
	// Recent defaults to an in-memory list.
	Recent Recent
	// Dialers override the network dialers per feed kind (tests).
	Dialers map[transport.Kind]transport.Dialer
}

type Session struct {
	ID string

	cfg    config.Root
	api    Backend
	interp *command.Interpreter
	gate   *notify.Gate
	sink   notify.Sink
	recent Recent
	mgr    *transport.Manager

	st   *store.Store // owned by the writer goroutine of the current mount
	view atomic.Pointer[store.View]
	ops  chan op
	gen  atomic.Uint64

	mu  sync.Mutex
	cur *mount

	subMu      sync.Mutex
	subscribed map[string]bool
}

type op struct {
	gen     uint64
	fn      func(*store.Store)
	applied chan struct{} // closed after fn ran and the view was published
}

// mount is one Start..Close lifetime.
type mount struct {
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	loopDone chan struct{}
	polls    *poll.Scheduler
	handles  []*transport.Handle
	quotes   atomic.Pointer[transport.Handle]
	wg       sync.WaitGroup
}

func New(opts Options) *Session {
	cfg := opts.Config
	sink := opts.Sink
	if sink == nil {
		sink = notify.Sinks{}
	}
	recent := opts.Recent
	if recent == nil {
		recent = NewMemoryRecent(cfg.Session.RecentLimit)
	}
	s := &Session{
		ID:         uuid.NewString(),
		cfg:        cfg,
		api:        opts.Backend,
		interp:     command.New(),
		gate:       notify.NewGate(notify.ConfigFrom(cfg.Notify)),
		sink:       sink,
		recent:     recent,
		mgr:        transport.NewManager(transport.ConfigFrom(cfg.Transport), opts.Dialers),
		st:         store.New(cfg.Store.SignalCapacity, cfg.Store.NoticeCapacity),
		ops:        make(chan op, 256),
		subscribed: make(map[string]bool),
	}
	v := s.st.View()
	s.view.Store(&v)
	return s
}

// View returns the latest published store snapshot.
func (s *Session) View() store.View {
	return *s.view.Load()
}

// FeedStates reports the connection state of every open feed.
func (s *Session) FeedStates() map[transport.FeedID]transport.State {
	return s.mgr.States()
}

// Recent returns the recently referenced symbols, most recent first.
func (s *Session) Recent(ctx context.Context) ([]string, error) {
	return s.recent.List(ctx)
}

// Running reports whether the session is mounted.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Start mounts the session: it starts the writer, schedules polls and opens
// the feeds. A closed session may be started again; the store survives.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return ErrStarted
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &mount{
		gen:      s.gen.Add(1),
		ctx:      mctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		polls:    poll.New(config.Millis(s.cfg.Polls.PhaseGapMs), config.Millis(s.cfg.Polls.TimeoutMs)),
	}
	go s.loop(m)

	if err := s.schedulePolls(m); err != nil {
		s.teardown(m)
		return err
	}
	if err := s.openFeeds(m); err != nil {
		s.teardown(m)
		return err
	}
	m.polls.Start(mctx)
	s.cur = m
	observ.Log("session_started", map[string]any{"session": s.ID, "generation": m.gen})
	return nil
}

// Close unmounts the session. Late completions from this mount are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	m := s.cur
	s.cur = nil
	s.mu.Unlock()
	if m == nil {
		return
	}
	s.teardown(m)
	observ.Log("session_closed", map[string]any{"session": s.ID, "generation": m.gen})
}

func (s *Session) teardown(m *mount) {
	s.gen.Add(1)
	close(m.done)
	m.cancel()
	m.polls.Stop()
	for _, h := range m.handles {
		s.mgr.Close(h)
		observ.ForgetFeed(string(h.Feed().ID))
	}
	m.wg.Wait()
	<-m.loopDone
}

func (s *Session) mounted() *mount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Session) loop(m *mount) {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			return
		case o := <-s.ops:
			s.apply(o)
		}
	}
}

func (s *Session) apply(o op) {
	if o.gen != s.gen.Load() {
		observ.IncCounter("session_stale_mutations_total", nil)
		return
	}
	if o.applied != nil {
		defer close(o.applied)
	}
	before := s.st.Version()
	o.fn(s.st)
	if s.st.Version() == before {
		return
	}
	prev := s.view.Load()
	next := s.st.View()
	s.view.Store(&next)
	for _, ev := range s.gate.OnStoreDiff(*prev, next) {
		s.sink.Notify(ev)
	}
}

// submit queues fn for the writer of m. It reports false once m is closed.
func (s *Session) submit(m *mount, fn func(*store.Store)) bool {
	return s.send(m, op{gen: m.gen, fn: fn})
}

func (s *Session) send(m *mount, o op) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case s.ops <- o:
		return true
	case <-m.done:
		return false
	}
}

// exec runs fn on the writer and waits until its effect is visible in View.
func (s *Session) exec(ctx context.Context, m *mount, fn func(*store.Store)) error {
	applied := make(chan struct{})
	if !s.send(m, op{gen: m.gen, fn: fn, applied: applied}) {
		return ErrClosed
	}
	select {
	case <-applied:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goAsync runs fn on a goroutine that Close waits for.
func (m *mount) goAsync(fn func(ctx context.Context)) {
	select {
	case <-m.done:
		return
	default:
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}
