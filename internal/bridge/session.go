// Package bridge is the caller-facing side of a protocol session.
//
// A Session owns three things:
// - the correlator that maps tracking ids and invoke ids to waiting callers
// - the worker goroutine that drives the engine
// - the pump goroutine that routes worker events to callers and listeners
//
// Replying operations block only their calling goroutine.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/logging"
	"github.com/danmuck/bacbridge/internal/observability"
	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/worker"
)

type Option func(*Session)

// WithTimeout overrides the per-request deadline from the session config.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.cfg.RequestTimeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithName sets a label used in logs alongside the session id.
func WithName(name string) Option {
	return func(s *Session) {
		s.name = name
	}
}

type Session struct {
	id     string
	name   string
	cfg    session.Config
	logger zerolog.Logger

	corr   *session.Correlator
	worker *worker.Worker
	cancel context.CancelFunc
	pumped chan struct{}

	mu        sync.Mutex
	listeners []*Listener
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open starts a session over eng. It returns once the engine is open, or
// the wrapped worker.ErrEngineInit when it could not be opened. The
// session outlives ctx cancellation; use Close to tear it down.
func Open(ctx context.Context, eng engine.Engine, cfg session.Config, opts ...Option) (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg.WithDefaults(),
		logger: logging.Component("bridge"),
		pumped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	s.logger = s.logger.With().Str("session", s.id).Str("name", s.name).Logger()

	s.corr = session.NewCorrelator(s.cfg.RequestTimeout)
	s.corr.SetObserver(s.observe)
	s.worker = worker.New(eng, s.cfg, s.logger, s.id)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if err := s.worker.Start(runCtx); err != nil {
		cancel()
		for ev := range s.worker.Events() {
			if fatal, ok := ev.(session.FatalError); ok {
				s.logger.Error().Err(fatal.Err).Msg(fatal.Message)
			}
		}
		<-s.worker.Done()
		s.corr.Dispose()
		s.closed.Store(true)
		close(s.pumped)
		return nil, err
	}
	go s.pump()
	s.logger.Info().
		Dur("tick", s.cfg.TickInterval).
		Dur("request_timeout", s.cfg.RequestTimeout).
		Msg("session open")
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Ready reports whether the session accepts requests.
func (s *Session) Ready() bool {
	if s.closed.Load() {
		return false
	}
	select {
	case <-s.worker.Done():
		return false
	default:
		return true
	}
}

// Pending returns a snapshot of requests still awaiting completion.
func (s *Session) Pending() []session.PendingSnapshot {
	return s.corr.List()
}

// Close stops the worker, fails every pending request with
// session.ErrSessionDisposed and closes all listeners. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.worker.Done()
		<-s.pumped
		n := s.corr.Dispose()
		observability.SetPending(s.id, 0)

		s.mu.Lock()
		listeners := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		for _, l := range listeners {
			l.shut()
		}
		s.logger.Info().Int("disposed", n).Msg("session closed")
	})
	return nil
}

func (s *Session) observe(o session.Outcome) {
	observability.RecordOutcome(s.id, o.Operation, o.State.String(), o.Elapsed)
	pending, _ := s.corr.Len()
	observability.SetPending(s.id, pending)
	if o.State == session.StateTimedOut {
		s.logger.Warn().Str("op", o.Operation).Dur("elapsed", o.Elapsed).Msg("request timed out")
	}
}

// pump routes worker events until the worker closes its event channel.
func (s *Session) pump() {
	defer close(s.pumped)
	for ev := range s.worker.Events() {
		s.route(ev)
	}
}

func (s *Session) route(ev session.Event) {
	switch e := ev.(type) {
	case session.SendConfirmation:
		if !s.corr.Link(e.TrackingID, e.InvokeID) && e.TrackingID != 0 {
			s.logger.Debug().Uint64("tracking_id", e.TrackingID).Uint8("invoke_id", e.InvokeID).Msg("confirmation for finished request")
		}
	case session.SendFailure:
		if e.TrackingID == 0 || !s.corr.FailTracking(e.TrackingID, e.Err) {
			s.logger.Warn().Err(e.Err).Str("op", e.Operation).Msg("send failed")
		}
	case session.LocalAck:
		s.corr.ResolveTracking(e.TrackingID, nil)
	case session.PropertyValueAck:
		s.resolve(ev, e.InvokeID, e.Value)
	case session.MultiPropertyAck:
		s.resolve(ev, e.InvokeID, e.Result)
	case session.RangeAck:
		s.resolve(ev, e.InvokeID, e.Result)
	case session.SimpleAck:
		s.resolve(ev, e.InvokeID, nil)
	case session.ServiceFailure:
		if !s.corr.Fail(e.InvokeID, e.Err) {
			s.logger.Debug().Err(e.Err).Uint8("invoke_id", e.InvokeID).Msg("unmatched service failure")
		}
	case session.LogRecord:
		s.logger.WithLevel(e.Level).Err(e.Err).Msg(e.Message)
	case session.FatalError:
		s.logger.Error().Err(e.Err).Msg(e.Message)
		s.broadcast(ev)
	default:
		if session.Unsolicited(ev) {
			s.broadcast(ev)
			return
		}
		s.logger.Warn().Str("event", ev.Kind()).Msg("unrouted event")
	}
}

// resolve completes the caller linked to invokeID. Acks for requests that
// already finished are dropped.
func (s *Session) resolve(ev session.Event, invokeID uint8, payload any) {
	if !s.corr.Resolve(invokeID, payload) {
		s.logger.Debug().Str("event", ev.Kind()).Uint8("invoke_id", invokeID).Msg("unmatched ack")
	}
}
