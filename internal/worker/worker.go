// Package worker owns the single goroutine that drives a native engine.
//
// Ownership boundary:
// - engine open/close and handler registration
// - fixed-period poll, dispatch and timer servicing
// - translation of request messages into engine calls
// - translation of engine callbacks into event messages
//
// Nothing outside the worker goroutine touches the engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/observability"
	"github.com/danmuck/bacbridge/internal/protocol/session"
)

var (
	ErrEngineInit     = errors.New("worker: engine initialization failed")
	ErrStopped        = errors.New("worker: stopped")
	ErrAlreadyStarted = errors.New("worker: already started")
)

type Worker struct {
	eng    engine.Engine
	cfg    session.Config
	logger zerolog.Logger
	label  string

	requests chan session.Request
	events   chan session.Event
	done     chan struct{}
	started  atomic.Bool

	// set on the worker goroutine before the first callback
	ctx context.Context
}

// New builds a worker. label tags metrics, typically the session id.
func New(eng engine.Engine, cfg session.Config, logger zerolog.Logger, label string) *Worker {
	cfg = cfg.WithDefaults()
	return &Worker{
		eng:      eng,
		cfg:      cfg,
		logger:   logger.With().Str("component", "worker").Logger(),
		label:    label,
		requests: make(chan session.Request, cfg.QueueSize),
		events:   make(chan session.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Start spawns the worker goroutine and waits for the engine to open. The
// worker runs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ready := make(chan error, 1)
	go w.run(ctx, ready)
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues req for the worker. Slices in req are copied.
func (w *Worker) Submit(ctx context.Context, req session.Request) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.requests <- session.Detach(req):
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is closed after the worker exits.
func (w *Worker) Events() <-chan session.Event {
	return w.events
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run(ctx context.Context, ready chan<- error) {
	defer close(w.done)
	defer close(w.events)
	w.ctx = ctx

	if err := w.eng.Open(); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrEngineInit, err)
		w.logger.Error().Err(err).Msg("engine open failed")
		w.events <- session.FatalError{Message: wrapped.Error(), Err: wrapped}
		ready <- wrapped
		return
	}
	defer func() {
		if err := w.eng.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("engine close failed")
		}
	}()

	reg, err := w.handlers()
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrEngineInit, err)
		w.events <- session.FatalError{Message: wrapped.Error(), Err: wrapped}
		ready <- wrapped
		return
	}
	w.eng.SetHandlers(reg)
	w.logger.Debug().
		Dur("tick", w.cfg.TickInterval).
		Dur("receive_timeout", w.cfg.ReceiveTimeout).
		Msg("worker started")
	ready <- nil

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("worker stopping")
			return
		case req := <-w.requests:
			w.handle(req)
		case now := <-ticker.C:
			w.tick(now.Sub(last))
			last = now
		}
	}
}

// tick polls for at most one datagram, dispatches it, then services engine
// timers whether or not a datagram arrived.
func (w *Worker) tick(elapsed time.Duration) {
	d, ok := w.eng.Receive(w.cfg.ReceiveTimeout)
	if ok {
		w.eng.Dispatch(d)
	}
	w.eng.TickTimers(elapsed)
	observability.RecordTick(w.label, ok)
}

func (w *Worker) emit(ev session.Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *Worker) diagnostic(level zerolog.Level, msg string, err error) {
	w.emit(session.LogRecord{Level: level, Message: msg, Err: err})
}
