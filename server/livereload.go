package server

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Hub streams reload events to browsers over Server-Sent Events.
type Hub struct {
	mu        sync.RWMutex
	nextID    int
	clients   map[int]*hubClient
	closed    bool
	lastHash  string
	heartbeat time.Duration
	logger    *slog.Logger
}

type hubClient struct {
	id   int
	ch   chan string
	done chan struct{}
}

type reloadEvent struct {
	Hash  string `json:"hash,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewHub returns a hub sending a comment line every heartbeat to keep
// connections open.
func NewHub(heartbeat time.Duration, logger *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: map[int]*hubClient{}, heartbeat: heartbeat, logger: logger}
}

// ServeHTTP implements the SSE endpoint. A new client first receives the
// current hash so it can tell later reloads apart.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "livereload shutting down", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &hubClient{ch: make(chan string, 8), done: make(chan struct{})}
	h.mu.Lock()
	client.id = h.nextID
	h.nextID++
	h.clients[client.id] = client
	current := h.lastHash
	h.mu.Unlock()
	defer h.removeClient(client.id)

	bw := bufio.NewWriter(w)
	send := func(msg string) bool {
		if _, err := bw.WriteString(msg); err != nil {
			h.logger.Debug("livereload write", "error", err)
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	msg := ": connected\n\n"
	if current != "" {
		msg += formatEvent("", reloadEvent{Hash: current})
	}
	if !send(msg) {
		return
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case <-hb.C:
			if !send(": ping\n\n") {
				return
			}
		case msg := <-client.ch:
			if !send(msg) {
				return
			}
		}
	}
}

// Broadcast tells every client the site changed. Repeating the last hash is
// a no-op.
func (h *Hub) Broadcast(hash string) {
	h.mu.Lock()
	if h.closed || hash == "" || hash == h.lastHash {
		h.mu.Unlock()
		return
	}
	h.lastHash = hash
	h.mu.Unlock()
	h.send(formatEvent("", reloadEvent{Hash: hash}))
}

// BroadcastError tells every client the last run failed. Clients keep the
// stale page and show the message.
func (h *Hub) BroadcastError(message string) {
	h.send(formatEvent("build-error", reloadEvent{Error: message}))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects all clients and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = map[int]*hubClient{}
	h.mu.Unlock()
	for _, c := range clients {
		close(c.done)
	}
}

// send delivers msg to every client, dropping clients that fall behind.
func (h *Hub) send(msg string) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	snapshot := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range snapshot {
		select {
		case c.ch <- msg:
		default:
			dropped++
			h.removeClient(c.id)
		}
	}
	h.logger.Debug("livereload broadcast", "clients", len(snapshot), "dropped", dropped)
}

func (h *Hub) removeClient(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.done)
	}
}

func formatEvent(name string, ev reloadEvent) string {
	payload, _ := json.Marshal(ev)
	if name == "" {
		return "data: " + string(payload) + "\n\n"
	}
	return "event: " + name + "\ndata: " + string(payload) + "\n\n"
}

// reloadScript connects to the hub of the serving origin and reloads the
// page on every hash after the first one.
const reloadScript = `(() => {
  if (window.__ASSETPIPE_LR__) return;
  window.__ASSETPIPE_LR__ = true;
  function connect() {
    const es = new EventSource('/livereload');
    let current = null;
    es.onmessage = (e) => {
      try {
        const p = JSON.parse(e.data);
        if (current === null) { current = p.hash; return; }
        if (p.hash && p.hash !== current) { location.reload(); }
      } catch (_) {}
    };
    es.addEventListener('build-error', (e) => {
      try { console.error('[assetpipe] build failed: ' + JSON.parse(e.data).error); } catch (_) {}
    });
    es.onerror = () => { es.close(); setTimeout(connect, 2000); };
  }
  connect();
})();
`
