package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradedesk"

// registry lazily creates one prometheus vector per metric name. The label
// names of the first call fix the vector's shape; later calls with a
// different label set are dropped.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
	}
	r.prom.MustRegister(collectors.NewGoCollector())
	return r
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) sameShape(name string, keys []string) bool {
	prev, ok := r.labels[name]
	if !ok {
		r.labels[name] = keys
		return true
	}
	if len(prev) != len(keys) {
		return false
	}
	for i := range prev {
		if prev[i] != keys[i] {
			return false
		}
	}
	return true
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := labelNames(labels)
	if !reg.sameShape(name, keys) {
		return
	}
	v, ok := reg.counters[name]
	if !ok {
		v = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, keys)
		if err := reg.prom.Register(v); err != nil {
			return
		}
		reg.counters[name] = v
	}
	v.With(labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := labelNames(labels)
	if !reg.sameShape(name, keys) {
		return
	}
	v, ok := reg.gauges[name]
	if !ok {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, keys)
		if err := reg.prom.Register(v); err != nil {
			return
		}
		reg.gauges[name] = v
	}
	v.With(labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := labelNames(labels)
	if !reg.sameShape(name, keys) {
		return
	}
	v, ok := reg.hist[name]
	if !ok {
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}, keys)
		if err := reg.prom.Register(v); err != nil {
			return
		}
		reg.hist[name] = v
	}
	v.With(labels).Observe(value)
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Feed health levels reported to HealthHandler.
const (
	FeedDown     = 0
	FeedDegraded = 1
	FeedUp       = 2
)

var (
	healthMu  sync.RWMutex
	feedLevel = map[string]int{}
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// SetFeedHealth records the health level of one feed.
func SetFeedHealth(feed string, level int) {
	healthMu.Lock()
	feedLevel[feed] = level
	healthMu.Unlock()
	SetGauge("feed_health", float64(level), map[string]string{"feed": feed})
}

// ForgetFeed removes a feed from health reporting (session teardown).
func ForgetFeed(feed string) {
	healthMu.Lock()
	delete(feedLevel, feed)
	healthMu.Unlock()
}

// HealthStatus represents overall client health
type HealthStatus struct {
	Status    string         `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Feeds     map[string]int `json:"feeds"`
}

// OverallHealth folds feed levels: all up is healthy, none up is failed
// (polling still runs, but there is no live data), anything else degraded.
func OverallHealth() (string, map[string]int) {
	healthMu.RLock()
	defer healthMu.RUnlock()
	feeds := make(map[string]int, len(feedLevel))
	up := 0
	for k, v := range feedLevel {
		feeds[k] = v
		if v == FeedUp {
			up++
		}
	}
	switch {
	case len(feeds) == 0 || up == len(feeds):
		return "healthy", feeds
	case up == 0:
		return "failed", feeds
	default:
		return "degraded", feeds
	}
}

// HealthHandler returns feed health as JSON
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, feeds := OverallHealth()
		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Feeds:     feeds,
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent // 206
		case "failed":
			statusCode = http.StatusServiceUnavailable // 503
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
