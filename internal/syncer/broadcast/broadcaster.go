package broadcast

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Observer is notified of every send attempt.
type Observer func(transport string, eventType EventType, delivered bool)

// Stats summarizes delivery across transports.
type Stats struct {
	Available       bool             `json:"available"`
	PreferredMethod string           `json:"preferredMethod"`
	Delivered       int64            `json:"delivered"`
	Dropped         int64            `json:"dropped"`
	Transports      []TransportStats `json:"transports"`
}

// Broadcaster sends events over its transports in priority order.
type Broadcaster struct {
	transports []Transport
	logger     zerolog.Logger
	observer   Observer

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New creates a broadcaster; transports are tried in the given order.
func New(logger zerolog.Logger, transports ...Transport) *Broadcaster {
	return &Broadcaster{transports: transports, logger: logger}
}

// SetObserver installs a delivery observer. Not safe for use after sends start.
func (b *Broadcaster) SetObserver(o Observer) { b.observer = o }

// SendEvent stamps and delivers an event. It never blocks on a slow observer;
// an event no transport accepts is dropped.
func (b *Broadcaster) SendEvent(sessionID string, t EventType, payload any) bool {
	if sessionID == "" {
		return false
	}
	ev := newEvent(sessionID, t, payload)
	for _, tr := range b.transports {
		if tr.TrySend(sessionID, ev) {
			b.delivered.Add(1)
			b.observe(tr.Name(), t, true)
			return true
		}
	}
	b.dropped.Add(1)
	b.observe("none", t, false)
	b.logger.Error().
		Str("session_id", sessionID).
		Str("event_type", string(t)).
		Str("event_id", ev.EventID).
		Msg("event not delivered, no open connection for session")
	return false
}

func (b *Broadcaster) observe(transport string, t EventType, delivered bool) {
	if b.observer != nil {
		b.observer(transport, t, delivered)
	}
}

// IsAvailable reports whether any transport is configured.
func (b *Broadcaster) IsAvailable() bool { return len(b.transports) > 0 }

// PreferredMethod returns the first transport that currently has connections,
// else the highest priority transport, else "none".
func (b *Broadcaster) PreferredMethod() string {
	if len(b.transports) == 0 {
		return "none"
	}
	for _, tr := range b.transports {
		if tr.Stats().Connections > 0 {
			return tr.Name()
		}
	}
	return b.transports[0].Name()
}

// Stats returns delivery counters and per-transport connection counts.
func (b *Broadcaster) Stats() Stats {
	st := Stats{
		Available:       b.IsAvailable(),
		PreferredMethod: b.PreferredMethod(),
		Delivered:       b.delivered.Load(),
		Dropped:         b.dropped.Load(),
		Transports:      make([]TransportStats, 0, len(b.transports)),
	}
	for _, tr := range b.transports {
		st.Transports = append(st.Transports, tr.Stats())
	}
	return st
}
