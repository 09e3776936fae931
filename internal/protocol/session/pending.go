package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a pending request.
type State uint8

const (
	StateCreated State = iota
	StateAwaitingInvokeID
	StateAwaitingAck
	StateResolved
	StateTimedOut
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingInvokeID:
		return "awaiting-invoke-id"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed-out"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s >= StateResolved
}

// Result is the single completion value of a pending request.
type Result struct {
	Payload any
	Err     error
}

// PendingRequest tracks one request awaiting its reply. Fields other than
// the completion channel are owned by the Correlator.
type PendingRequest struct {
	TrackingID uint64
	Operation  string
	CreatedAt  time.Time
	Deadline   time.Time

	invokeID uint8
	linked   bool
	state    State
	timer    *time.Timer
	done     chan Result
	owner    *Correlator
}

// Done yields exactly one Result.
func (p *PendingRequest) Done() <-chan Result {
	return p.done
}

// Wait blocks until the request completes or ctx ends. When ctx ends first
// the request is abandoned and removed from the tables.
func (p *PendingRequest) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-p.done:
		return res.Payload, res.Err
	case <-ctx.Done():
		if p.owner != nil && p.owner.Abandon(p.TrackingID, ctx.Err()) {
			<-p.done
			return nil, ctx.Err()
		}
		res := <-p.done
		return res.Payload, res.Err
	}
}

// PendingSnapshot is a read-only view of one pending request.
type PendingSnapshot struct {
	TrackingID uint64    `json:"tracking_id"`
	Operation  string    `json:"operation"`
	State      string    `json:"state"`
	InvokeID   *uint8    `json:"invoke_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
}

// Outcome is reported to the observer once per completed request.
type Outcome struct {
	Operation string
	State     State
	Elapsed   time.Duration
}

// Correlator maps tracking ids to pending completions and invoke ids to
// tracking ids. Every pending request is completed exactly once.
type Correlator struct {
	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*PendingRequest
	byInvoke map[uint8]uint64
	disposed bool

	timeout  time.Duration
	now      func() time.Time
	observer func(Outcome)
}

func NewCorrelator(defaultTimeout time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultConfig().RequestTimeout
	}
	return &Correlator{
		pending:  make(map[uint64]*PendingRequest),
		byInvoke: make(map[uint8]uint64),
		timeout:  defaultTimeout,
		now:      time.Now,
	}
}

// SetObserver installs fn to be called after every completion, outside the
// correlator lock. It must be set before the first Register.
func (c *Correlator) SetObserver(fn func(Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// Register creates a pending request and arms its deadline. A timeout <= 0
// uses the correlator default.
func (c *Correlator) Register(operation string, timeout time.Duration) (*PendingRequest, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrSessionDisposed
	}
	c.nextID++
	now := c.now()
	p := &PendingRequest{
		TrackingID: c.nextID,
		Operation:  operation,
		CreatedAt:  now,
		Deadline:   now.Add(timeout),
		state:      StateCreated,
		done:       make(chan Result, 1),
		owner:      c,
	}
	id := p.TrackingID
	p.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	p.state = StateAwaitingInvokeID
	c.pending[id] = p
	return p, nil
}

// Link records the invoke id assigned to trackingID. A previous mapping for
// the same invoke id is replaced. It reports false when trackingID is no
// longer pending.
func (c *Correlator) Link(trackingID uint64, invokeID uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[trackingID]
	if !ok {
		return false
	}
	if p.linked && c.byInvoke[p.invokeID] == trackingID {
		delete(c.byInvoke, p.invokeID)
	}
	if prev, ok := c.byInvoke[invokeID]; ok && prev != trackingID {
		if stale, ok := c.pending[prev]; ok {
			stale.linked = false
		}
	}
	c.byInvoke[invokeID] = trackingID
	p.invokeID = invokeID
	p.linked = true
	p.state = StateAwaitingAck
	return true
}

// Resolve completes the request linked to invokeID with payload.
func (c *Correlator) Resolve(invokeID uint8, payload any) bool {
	return c.completeInvoke(invokeID, Result{Payload: payload}, StateResolved)
}

// Fail completes the request linked to invokeID with err.
func (c *Correlator) Fail(invokeID uint8, err error) bool {
	return c.completeInvoke(invokeID, Result{Err: err}, StateErrored)
}

// ResolveTracking completes trackingID directly, for requests the engine
// served without an invoke id.
func (c *Correlator) ResolveTracking(trackingID uint64, payload any) bool {
	return c.completeTracking(trackingID, Result{Payload: payload}, StateResolved)
}

// FailTracking completes trackingID with err, for sends the engine refused.
func (c *Correlator) FailTracking(trackingID uint64, err error) bool {
	return c.completeTracking(trackingID, Result{Err: err}, StateErrored)
}

// Abandon removes trackingID on behalf of a caller that stopped waiting.
func (c *Correlator) Abandon(trackingID uint64, err error) bool {
	return c.completeTracking(trackingID, Result{Err: err}, StateErrored)
}

func (c *Correlator) expire(trackingID uint64) {
	c.completeTracking(trackingID, Result{Err: ErrRequestTimeout}, StateTimedOut)
}

// Dispose completes every pending request with ErrSessionDisposed, clears
// both tables and rejects later registrations. It returns the number of
// requests it completed.
func (c *Correlator) Dispose() int {
	c.mu.Lock()
	c.disposed = true
	victims := make([]*PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		victims = append(victims, p)
	}
	c.pending = make(map[uint64]*PendingRequest)
	c.byInvoke = make(map[uint8]uint64)
	outcomes := make([]Outcome, 0, len(victims))
	for _, p := range victims {
		outcomes = append(outcomes, c.finishLocked(p, Result{Err: ErrSessionDisposed}, StateErrored))
	}
	obs := c.observer
	c.mu.Unlock()

	if obs != nil {
		for _, o := range outcomes {
			obs(o)
		}
	}
	return len(victims)
}

// Len returns the sizes of the tracking and invoke tables.
func (c *Correlator) Len() (pending, linked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.byInvoke)
}

// List returns a snapshot of pending requests ordered by tracking id.
func (c *Correlator) List() []PendingSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingSnapshot, 0, len(c.pending))
	for _, p := range c.pending {
		snap := PendingSnapshot{
			TrackingID: p.TrackingID,
			Operation:  p.Operation,
			State:      p.state.String(),
			CreatedAt:  p.CreatedAt,
			Deadline:   p.Deadline,
		}
		if p.linked {
			id := p.invokeID
			snap.InvokeID = &id
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TrackingID < out[j].TrackingID
	})
	return out
}

func (c *Correlator) completeInvoke(invokeID uint8, res Result, state State) bool {
	c.mu.Lock()
	trackingID, ok := c.byInvoke[invokeID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	return c.completeLocked(trackingID, res, state)
}

func (c *Correlator) completeTracking(trackingID uint64, res Result, state State) bool {
	c.mu.Lock()
	return c.completeLocked(trackingID, res, state)
}

// completeLocked is entered with c.mu held and releases it.
func (c *Correlator) completeLocked(trackingID uint64, res Result, state State) bool {
	p, ok := c.pending[trackingID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, trackingID)
	if p.linked && c.byInvoke[p.invokeID] == trackingID {
		delete(c.byInvoke, p.invokeID)
	}
	outcome := c.finishLocked(p, res, state)
	obs := c.observer
	c.mu.Unlock()

	if obs != nil {
		obs(outcome)
	}
	return true
}

func (c *Correlator) finishLocked(p *PendingRequest, res Result, state State) Outcome {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.state = state
	p.done <- res
	return Outcome{Operation: p.Operation, State: state, Elapsed: c.now().Sub(p.CreatedAt)}
}
