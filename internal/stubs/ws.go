package stubs

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/tradedesk/internal/store"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// QuoteHub is the duplex quote endpoint. Clients subscribe to symbols and
// get pongs for their pings.
type QuoteHub struct {
	mu      sync.RWMutex
	clients map[*quoteClient]struct{}
}

type quoteClient struct {
	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	symbols map[string]bool
}

func NewQuoteHub() *QuoteHub {
	return &QuoteHub{clients: make(map[*quoteClient]struct{})}
}

func (c *quoteClient) send(msg []byte) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
	}
}

func (c *quoteClient) wants(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbols[symbol]
}

func (h *QuoteHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	cl := &quoteClient{out: make(chan []byte, 256), done: make(chan struct{}), symbols: map[string]bool{}}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		close(cl.done)
	}()

	go func() {
		for {
			select {
			case msg := <-cl.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-cl.done:
				return
			}
		}
	}()

	cl.send([]byte(`{"type":"connected"}`))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Action  string   `json:"action"`
			Symbols []string `json:"symbols"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Action {
		case "ping":
			cl.send([]byte(`{"type":"pong"}`))
		case "subscribe", "unsubscribe":
			cl.mu.Lock()
			for _, s := range msg.Symbols {
				sym := store.NormalizeSymbol(s)
				if msg.Action == "subscribe" {
					cl.symbols[sym] = true
				} else {
					delete(cl.symbols, sym)
				}
			}
			cl.mu.Unlock()
		}
	}
}

// Publish sends q to every client subscribed to its symbol.
func (h *QuoteHub) Publish(q store.Quote) {
	q.Symbol = store.NormalizeSymbol(q.Symbol)
	if q.TS.IsZero() {
		q.TS = time.Now().UTC()
	}
	data, err := typed("quote", q)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if cl.wants(q.Symbol) {
			cl.send(data)
		}
	}
}

func (h *QuoteHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscriptions returns the union of subscribed symbols, sorted.
func (h *QuoteHub) Subscriptions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := map[string]bool{}
	for cl := range h.clients {
		cl.mu.Lock()
		for s := range cl.symbols {
			set[s] = true
		}
		cl.mu.Unlock()
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
