// Package poll runs the periodic REST snapshot fetches that back up (and for
// some data, replace) the streaming feeds.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Rajchodisetti/tradedesk/internal/observ"
)

// FetchFunc performs one poll. A returned error is logged and counted; it
// never cancels the schedule.
type FetchFunc func(ctx context.Context) error

var ErrStopped = errors.New("scheduler stopped")

type job struct {
	key      string
	interval time.Duration
	phase    int
	fetch    FetchFunc

	entry    cron.EntryID
	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
}

// Scheduler runs keyed fetches on fixed intervals. Runs of the same key never
// overlap; panics inside a fetch are recovered.
type Scheduler struct {
	cron     *cron.Cron
	phaseGap time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	timers  []*time.Timer
	wg      sync.WaitGroup
}

// New creates a scheduler. phaseGap separates cold-start phases; timeout
// bounds each individual fetch.
func New(phaseGap, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		phaseGap: phaseGap,
		timeout:  timeout,
		jobs:     make(map[string]*job),
	}
}

// Schedule registers fetch under key. Intervals below one second are
// rounded up. Scheduling after Start kicks the job off per its phase.
func (s *Scheduler) Schedule(key string, interval time.Duration, fetch FetchFunc, phase int) error {
	if key == "" || fetch == nil {
		return fmt.Errorf("poll: key and fetch are required")
	}
	if interval <= 0 {
		return fmt.Errorf("poll %s: interval must be positive", key)
	}
	if phase < 0 {
		phase = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, dup := s.jobs[key]; dup {
		return fmt.Errorf("poll %s: already scheduled", key)
	}
	j := &job{key: key, interval: interval, phase: phase, fetch: fetch}
	s.jobs[key] = j
	if s.started {
		s.activateLocked(j)
	}
	return nil
}

// Start begins all scheduled polls. Phase 0 runs immediately, phase n after
// n phase gaps.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		ja, jb := s.jobs[keys[a]], s.jobs[keys[b]]
		if ja.phase != jb.phase {
			return ja.phase < jb.phase
		}
		return ja.key < jb.key
	})
	for _, k := range keys {
		s.activateLocked(s.jobs[k])
	}
	s.cron.Start()
	observ.Log("poll_started", map[string]any{"jobs": len(keys)})
}

func (s *Scheduler) activateLocked(j *job) {
	id, err := s.cron.AddJob(fmt.Sprintf("@every %s", roundInterval(j.interval)), cron.FuncJob(func() { s.run(j) }))
	if err != nil {
		observ.Warn("poll_schedule_failed", map[string]any{"key": j.key, "error": err})
		return
	}
	j.entry = id

	if j.phase == 0 || s.phaseGap <= 0 {
		s.spawnLocked(j)
		return
	}
	delay := time.Duration(j.phase) * s.phaseGap
	s.timers = append(s.timers, time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.spawnLocked(j)
	}))
}

// RunNow triggers an out-of-band run of key. It reports whether key exists.
// A run already in flight for key makes this a no-op.
func (s *Scheduler) RunNow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	if s.started {
		s.spawnLocked(j)
	}
	return true
}

func (s *Scheduler) spawnLocked(j *job) {
	if s.stopped || !s.started {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(j)
	}()
}

// Stop cancels timers and in-flight fetches and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasStarted := s.started
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if wasStarted {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	observ.Log("poll_stopped", nil)
}

// Runs returns successful run count for key.
func (s *Scheduler) Runs(key string) int64 {
	if j := s.job(key); j != nil {
		return j.runs.Load()
	}
	return 0
}

// Failures returns failed run count for key.
func (s *Scheduler) Failures(key string) int64 {
	if j := s.job(key); j != nil {
		return j.failures.Load()
	}
	return 0
}

func (s *Scheduler) job(key string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[key]
}

func (s *Scheduler) run(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || ctx == nil || ctx.Err() != nil {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		observ.IncCounter("poll_skipped_total", map[string]string{"key": j.key})
		return
	}
	defer j.running.Store(false)

	labels := map[string]string{"key": j.key}
	start := time.Now()
	err := s.invoke(ctx, j)
	observ.RecordDuration("poll_duration", time.Since(start), labels)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.failures.Add(1)
		observ.IncCounter("poll_failures_total", labels)
		observ.Warn("poll_failed", map[string]any{"key": j.key, "error": err})
		return
	}
	j.runs.Add(1)
	observ.IncCounter("poll_runs_total", labels)
}

func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll %s panicked: %v", j.key, r)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return j.fetch(cctx)
}

func roundInterval(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// cronLogger routes robfig/cron's logging into observ.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	kv := pairs(keysAndValues)
	kv["detail"] = msg
	observ.Debug("cron", kv)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	kv := pairs(keysAndValues)
	kv["detail"] = msg
	kv["error"] = err
	observ.Warn("cron_error", kv)
}

func pairs(kv []interface{}) map[string]any {
	out := make(map[string]any, len(kv)/2+2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}
