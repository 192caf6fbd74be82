package stubs

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradedesk/internal/observ"
)

// Stream is an SSE endpoint with a bounded replay history. Clients resuming
// with Last-Event-ID receive only what they missed.
type Stream struct {
	name      string
	heartbeat time.Duration
	limit     int

	mu      sync.RWMutex
	seq     int64
	history []WireEvent
	clients map[chan WireEvent]struct{}
}

func NewStream(name string, heartbeat time.Duration, historyLimit int) *Stream {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Stream{
		name:      name,
		heartbeat: heartbeat,
		limit:     historyLimit,
		clients:   make(map[chan WireEvent]struct{}),
	}
}

// Broadcast assigns the next event id, records the event and fans it out.
func (s *Stream) Broadcast(typ string, v any) (WireEvent, error) {
	data, err := typed(typ, v)
	if err != nil {
		return WireEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev := WireEvent{ID: strconv.FormatInt(s.seq, 10), Type: typ, Data: data}
	s.history = append(s.history, ev)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
			observ.Warn("stub_sse_drop", map[string]any{"stream": s.name, "id": ev.ID})
		}
	}
	return ev, nil
}

// Clients returns the number of connected subscribers.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// since returns history after lastID; everything when lastID is unknown.
func (s *Stream) since(lastID string) []WireEvent {
	start := 0
	if lastID != "" {
		for i, ev := range s.history {
			if ev.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	return append([]WireEvent(nil), s.history[start:]...)
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan WireEvent, 256)
	s.mu.Lock()
	backlog := s.since(r.Header.Get("Last-Event-ID"))
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, WireEvent{Type: "connected", Data: []byte(`{"type":"connected"}`)}); err != nil {
		return
	}
	for _, ev := range backlog {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			beat := fmt.Sprintf(`{"type":"heartbeat","ts":%q}`, time.Now().UTC().Format(time.RFC3339))
			if err := writeEvent(w, WireEvent{Type: "heartbeat", Data: []byte(beat)}); err != nil {
				return
			}
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev WireEvent) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	return err
}
