package bridge

import (
	"sync"

	"github.com/danmuck/bacbridge/internal/observability"
	"github.com/danmuck/bacbridge/internal/protocol/session"
)

// Listener receives unsolicited events in arrival order. Events that do not
// fit in the buffer are dropped.
type Listener struct {
	ch    chan session.Event
	owner *Session
	once  sync.Once
}

// Subscribe registers a listener. A buffer <= 0 uses the session default.
// Subscribing to a closed session returns an already closed listener.
func (s *Session) Subscribe(buffer int) *Listener {
	if buffer <= 0 {
		buffer = s.cfg.ListenerBuffer
	}
	l := &Listener{ch: make(chan session.Event, buffer), owner: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		l.shut()
		return l
	}
	s.listeners = append(s.listeners, l)
	return l
}

// Events is closed when the listener or its session is closed.
func (l *Listener) Events() <-chan session.Event {
	return l.ch
}

// Close detaches the listener from its session.
func (l *Listener) Close() {
	s := l.owner
	s.mu.Lock()
	for i, other := range s.listeners {
		if other == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	// shut under the lock so a concurrent broadcast never sends on a closed channel
	l.shut()
	s.mu.Unlock()
}

func (l *Listener) shut() {
	l.once.Do(func() { close(l.ch) })
}

func (s *Session) broadcast(ev session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		select {
		case l.ch <- ev:
		default:
			observability.RecordListenerDrop(s.id, ev.Kind())
			s.logger.Warn().Str("event", ev.Kind()).Msg("listener full, event dropped")
		}
	}
}
