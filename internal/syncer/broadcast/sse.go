package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHeartbeat is the keep-alive interval for idle streams.
const DefaultHeartbeat = 15 * time.Second

// SSEHub is the primary transport: one server-sent event stream per connection.
type SSEHub struct {
	*hub
	heartbeat time.Duration
	logger    zerolog.Logger
}

// NewSSEHub creates the primary transport.
func NewSSEHub(logger zerolog.Logger) *SSEHub {
	return &SSEHub{hub: newHub("sse"), heartbeat: DefaultHeartbeat, logger: logger}
}

// ServeSession streams events for sessionID until the client goes away.
func (s *SSEHub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := s.register(sessionID)
	defer s.unregister(sessionID, c)
	s.logger.Debug().Str("session_id", sessionID).Msg("sse client connected")

	if err := writeSSE(w, newEvent(sessionID, EventConnected, map[string]string{"transport": s.name})); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Str("session_id", sessionID).Msg("sse client disconnected")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-c.events:
			if err := writeSSE(w, ev); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Type, data)
	return err
}
