// Package session keeps exactly one usable messaging transport alive. The
// Supervisor reacts to the transport's lifecycle events, recreates the handle
// with a bounded, fixed-delay retry policy, and exposes a read-only status
// snapshot plus an explicit restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wagateway/internal/bus"
	"wagateway/internal/domain"
)

// State is the supervisor's position in the session lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateExhausted    State = "exhausted"
	StateStopped      State = "stopped"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 10 * time.Second
	defaultStaleReinitDelay     = 5 * time.Second
	destroyTimeout              = 10 * time.Second
)

// ErrStopped is returned by Restart once the supervisor has shut down.
var ErrStopped = errors.New("session supervisor stopped")

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Factory              domain.TransportFactory
	MaxReconnectAttempts int           // default 5
	ReconnectDelay       time.Duration // default 10s, fixed (no backoff)
	InitTimeout          time.Duration // stale-initialization guard; 0 disables it
	StaleReinitDelay     time.Duration // pause between a stale teardown and the fresh init; default 5s
	Bus                  *bus.EventBus // optional
	Logger               *slog.Logger
}

// Status is a point-in-time copy of the session state.
type Status struct {
	State                State     `json:"state"`
	Ready                bool      `json:"isReady"`
	ReconnectAttempts    int       `json:"reconnectAttempts"`
	MaxReconnectAttempts int       `json:"maxReconnectAttempts"`
	Generation           uint64    `json:"generation"`
	Reason               string    `json:"reason,omitempty"`
	Since                time.Time `json:"since"`
}

// Supervisor owns the transport handle. A single goroutine (run) is the only
// writer of the session state; everything else talks to it through cmds.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	cmds      chan command
	done      chan struct{}
	startOnce sync.Once

	mu       sync.RWMutex
	state    State
	attempts int
	gen      uint64
	handle   domain.Transport
	reason   string
	since    time.Time

	// Owned by the run goroutine.
	ctx         context.Context
	retryTimer  *time.Timer
	guardTimer  *time.Timer
	reinitTimer *time.Timer
}

type command interface{}

type (
	eventCmd struct {
		gen uint64
		ev  domain.Event
	}
	initFailedCmd struct {
		gen uint64
		err error
	}
	retryCmd      struct{ gen uint64 }
	guardCmd      struct{ gen uint64 }
	reinitCmd     struct{ gen uint64 }
	disconnectCmd struct {
		gen    uint64
		reason string
	}
	restartCmd struct{ reply chan struct{} }
)

// NewSupervisor creates a Supervisor. Call Start to create the first handle.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.StaleReinitDelay <= 0 {
		cfg.StaleReinitDelay = defaultStaleReinitDelay
	}
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session"),
		cmds:   make(chan command, 64),
		done:   make(chan struct{}),
		state:  StateInitializing,
		since:  time.Now(),
	}
}

// Start creates the first transport handle and begins processing lifecycle
// events. The supervisor runs until ctx is cancelled, then destroys the
// current handle.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx = ctx
		go s.run(ctx)
	})
}

// Done is closed after the supervisor has shut down.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of the session state. It has no side effects.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		State:                s.state,
		Ready:                s.state == StateReady,
		ReconnectAttempts:    s.attempts,
		MaxReconnectAttempts: s.cfg.MaxReconnectAttempts,
		Generation:           s.gen,
		Reason:               s.reason,
		Since:                s.since,
	}
}

// Lease returns the current handle and its generation if the session is
// ready. Callers must lease per operation and never cache the handle.
func (s *Supervisor) Lease() (domain.Transport, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady || s.handle == nil {
		return nil, 0, domain.ErrNotReady
	}
	return s.handle, s.gen, nil
}

// NotifyDisconnected reports that an operation against generation gen found
// the session closed. Notifications for replaced handles are ignored.
func (s *Supervisor) NotifyDisconnected(gen uint64, reason string) {
	s.post(disconnectCmd{gen: gen, reason: reason})
}

// Restart tears down the current handle, resets the attempt counter, and
// starts a fresh initialization. It returns once the reinitialization has
// been initiated; the outcome is observed through Status.
func (s *Supervisor) Restart(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case s.cmds <- restartCmd{reply: reply}:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) post(c command) {
	select {
	case s.cmds <- c:
	case <-s.done:
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	s.spawn("startup")
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case c := <-s.cmds:
			s.dispatch(c)
		}
	}
}

func (s *Supervisor) dispatch(c command) {
	switch c := c.(type) {
	case eventCmd:
		s.onEvent(c.gen, c.ev)
	case initFailedCmd:
		if c.gen == s.current() {
			s.onLoss(fmt.Sprintf("initialize failed: %v", c.err))
		}
	case retryCmd:
		s.onRetry(c.gen)
	case guardCmd:
		s.onGuard(c.gen)
	case reinitCmd:
		if c.gen == s.current() && s.currentHandle() == nil {
			s.spawn("reinitialize after stale initialization")
		}
	case disconnectCmd:
		if c.gen != s.current() {
			s.logger.Debug("ignoring disconnect for replaced handle", "generation", c.gen)
			return
		}
		if s.Status().State != StateReady {
			return
		}
		s.onLoss(c.reason)
	case restartCmd:
		s.stopTimers()
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.logger.Info("manual restart requested")
		s.spawn("manual restart")
		close(c.reply)
	}
}

func (s *Supervisor) onEvent(gen uint64, ev domain.Event) {
	// Acks are keyed by message id, so they stay meaningful after a handle swap.
	if a, ok := ev.(domain.Acked); ok {
		s.publish(bus.EventMessageAck, bus.AckUpdate{MessageID: a.MessageID, Level: a.Level})
		return
	}
	if gen != s.current() {
		s.logger.Debug("ignoring event from replaced handle", "generation", gen, "event", fmt.Sprintf("%T", ev))
		return
	}
	switch e := ev.(type) {
	case domain.Paired:
		s.logger.Info("pairing code received, scan it with the phone")
		s.publish(bus.EventSessionPairing, bus.Pairing{Code: e.Code})
	case domain.Ready:
		s.stopTimers()
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.transition(StateReady, "client ready")
	case domain.Disconnected:
		s.onLoss("disconnected: " + e.Reason)
	case domain.AuthFailed:
		s.onLoss("authentication failed: " + e.Message)
	}
}

// onLoss moves to Disconnected and evaluates the retry policy.
func (s *Supervisor) onLoss(reason string) {
	st := s.Status()
	switch {
	case st.State == StateExhausted:
		s.logger.Warn("session lost while exhausted, manual restart required", "reason", reason)
		return
	case s.retryTimer != nil:
		s.logger.Debug("retry already pending", "reason", reason)
		return
	}
	if s.guardTimer != nil {
		s.guardTimer.Stop()
		s.guardTimer = nil
	}
	s.transition(StateDisconnected, reason)

	if st.ReconnectAttempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Warn("max reconnect attempts reached, manual restart required",
			"attempts", st.ReconnectAttempts, "max", s.cfg.MaxReconnectAttempts)
		s.transition(StateExhausted, "max reconnect attempts reached")
		return
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	gen := s.gen
	s.mu.Unlock()

	s.logger.Info("scheduling reconnect", "attempt", attempt, "max", s.cfg.MaxReconnectAttempts, "delay", s.cfg.ReconnectDelay)
	s.retryTimer = time.AfterFunc(s.cfg.ReconnectDelay, func() { s.post(retryCmd{gen: gen}) })
}

func (s *Supervisor) onRetry(gen uint64) {
	if gen != s.current() || s.retryTimer == nil {
		return
	}
	s.retryTimer = nil
	if s.Status().State == StateReady {
		return
	}
	s.spawn(fmt.Sprintf("reconnect attempt %d", s.Status().ReconnectAttempts))
}

func (s *Supervisor) onGuard(gen uint64) {
	if gen != s.current() || s.Status().State != StateInitializing {
		return
	}
	s.guardTimer = nil
	s.logger.Warn("initialization timed out, forcing fresh initialization", "timeout", s.cfg.InitTimeout)
	s.teardown()
	next := s.current()
	s.reinitTimer = time.AfterFunc(s.cfg.StaleReinitDelay, func() { s.post(reinitCmd{gen: next}) })
}

// spawn destroys the current handle (best effort) and initializes a new one.
func (s *Supervisor) spawn(reason string) {
	s.stopTimers()
	s.teardown()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	h := s.cfg.Factory(func(ev domain.Event) { s.post(eventCmd{gen: gen, ev: ev}) })
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.transition(StateInitializing, reason)
	if s.cfg.InitTimeout > 0 {
		s.guardTimer = time.AfterFunc(s.cfg.InitTimeout, func() { s.post(guardCmd{gen: gen}) })
	}

	ctx := s.ctx
	go func() {
		if err := h.Initialize(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.post(initFailedCmd{gen: gen, err: err})
		}
	}()
}

// teardown destroys the current handle and bumps the generation so anything
// still in flight from it is ignored.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	if h != nil {
		s.gen++
	}
	s.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := h.Destroy(ctx); err != nil {
		s.logger.Warn("destroy transport failed", "error", err)
	}
}

func (s *Supervisor) shutdown() {
	s.stopTimers()
	s.teardown()
	s.transition(StateStopped, "shutdown")
}

func (s *Supervisor) stopTimers() {
	for _, t := range []**time.Timer{&s.retryTimer, &s.guardTimer, &s.reinitTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (s *Supervisor) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.reason = reason
	s.since = time.Now()
	attempts := s.attempts
	s.mu.Unlock()

	s.logger.Info("session state changed", "from", from, "to", to, "reason", reason, "attempt", attempts)
	s.publish(bus.EventSessionState, bus.StateChange{
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		Attempts: attempts,
		Max:      s.cfg.MaxReconnectAttempts,
	})
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Emit(bus.Event{Type: eventType, Source: "session", Data: data})
}

func (s *Supervisor) current() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *Supervisor) currentHandle() domain.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}
