package broadcast

import (
	"sync"
	"sync/atomic"
)

// sendBuffer bounds how many events may queue for a slow connection before
// further events are dropped for it.
const sendBuffer = 64

// Transport delivers events to the connections registered for a session.
type Transport interface {
	Name() string
	// TrySend queues ev without blocking and reports whether any connection accepted it.
	TrySend(sessionID string, ev Event) bool
	Stats() TransportStats
}

// TransportStats describes one transport.
type TransportStats struct {
	Name        string `json:"name"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Sent        int64  `json:"sent"`
	Failed      int64  `json:"failed"`
}

type conn struct {
	events chan Event
}

// hub is the connection registry shared by both transports.
type hub struct {
	name string

	mu       sync.RWMutex
	sessions map[string]map[*conn]struct{}

	sent   atomic.Int64
	failed atomic.Int64
}

func newHub(name string) *hub {
	return &hub{name: name, sessions: make(map[string]map[*conn]struct{})}
}

func (h *hub) Name() string { return h.name }

func (h *hub) register(sessionID string) *conn {
	c := &conn{events: make(chan Event, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[*conn]struct{})
		h.sessions[sessionID] = set
	}
	set[c] = struct{}{}
	return c
}

func (h *hub) unregister(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.sessions, sessionID)
	}
}

func (h *hub) TrySend(sessionID string, ev Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for c := range h.sessions[sessionID] {
		select {
		case c.events <- ev:
			delivered = true
		default:
		}
	}
	if delivered {
		h.sent.Add(1)
	} else {
		h.failed.Add(1)
	}
	return delivered
}

func (h *hub) Stats() TransportStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := TransportStats{
		Name:     h.name,
		Sessions: len(h.sessions),
		Sent:     h.sent.Load(),
		Failed:   h.failed.Load(),
	}
	for _, set := range h.sessions {
		st.Connections += len(set)
	}
	return st
}

// Connected reports whether sessionID has at least one open connection.
func (h *hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}
