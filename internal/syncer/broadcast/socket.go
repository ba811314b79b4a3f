package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// SocketHub is the fallback transport over WebSocket connections.
type SocketHub struct {
	*hub
	logger         zerolog.Logger
	originPatterns []string
}

// NewSocketHub creates the fallback transport. originPatterns follow
// websocket.AcceptOptions; empty allows same-origin only.
func NewSocketHub(logger zerolog.Logger, originPatterns ...string) *SocketHub {
	return &SocketHub{hub: newHub("websocket"), logger: logger, originPatterns: originPatterns}
}

// ServeSession upgrades the request and writes events for sessionID until
// either side closes. Client messages are discarded.
func (s *SocketHub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	c := s.register(sessionID)
	defer s.unregister(sessionID, c)
	s.logger.Debug().Str("session_id", sessionID).Msg("websocket client connected")

	ctx := ws.CloseRead(r.Context())
	if err := s.write(ctx, ws, newEvent(sessionID, EventConnected, map[string]string{"transport": s.name})); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-c.events:
			if err := s.write(ctx, ws, ev); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket write failed")
				return
			}
		}
	}
}

func (s *SocketHub) write(ctx context.Context, ws *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, ev)
}
