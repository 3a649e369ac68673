package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Acquirer runs the buffered acquisition protocol for one signal. At most
// one session is active at a time.
type Acquirer struct {
	signal    string
	spec      *Spec
	transport scpi.Transport
	logger    *zap.Logger

	clock     Clock
	sink      Sink
	observers []Observer
	finishers []func(Session, error)

	mu     sync.RWMutex
	active *Session
	cancel context.CancelFunc
	latest *Session
}

type Option func(*Acquirer)

func WithClock(c Clock) Option {
	return func(a *Acquirer) { a.clock = c }
}

// WithSink persists drained arrays for monitors that declare a save format.
func WithSink(s Sink) Option {
	return func(a *Acquirer) { a.sink = s }
}

func WithObserver(o Observer) Option {
	return func(a *Acquirer) { a.observers = append(a.observers, o) }
}

// WithFinishHook is called once per session after it reached a terminal
// status, with the final copy of the session.
func WithFinishHook(f func(Session, error)) Option {
	return func(a *Acquirer) { a.finishers = append(a.finishers, f) }
}

func NewAcquirer(signal string, spec *Spec, transport scpi.Transport, logger *zap.Logger, opts ...Option) *Acquirer {
	a := &Acquirer{
		signal:    signal,
		spec:      spec,
		transport: transport,
		logger:    logger.With(zap.String("signal", signal)),
		clock:     SystemClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Options override monitor defaults for a single session.
type Options struct {
	Timeout time.Duration // 0 keeps the monitor's timeout
}

// Handle refers to a started session.
type Handle struct {
	id     uuid.UUID
	done   chan struct{}
	cancel context.CancelFunc
	result Session
	err    error
}

func (h *Handle) ID() uuid.UUID { return h.id }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation. It takes effect between poll iterations.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the session finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Session, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (a *Acquirer) Signal() string { return a.signal }

func (a *Acquirer) Spec() *Spec { return a.spec }

// Acquire runs one session to completion.
func (a *Acquirer) Acquire(ctx context.Context, opts Options) (Session, error) {
	h, err := a.Start(ctx, opts)
	if err != nil {
		return Session{}, err
	}
	<-h.done
	return h.result, h.err
}

// Start arms a new session and runs it in the background. It fails with
// ErrBusy without touching the running session if one is active.
func (a *Acquirer) Start(ctx context.Context, opts Options) (*Handle, error) {
	a.mu.Lock()
	if a.active != nil {
		current := a.active.State
		a.mu.Unlock()
		return nil, fmt.Errorf("signal %s (state %s): %w", a.signal, current, ErrBusy)
	}

	runCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ID:     uuid.New(),
		Signal: a.signal,
		State:  StateIdle,
		Status: StatusRunning,
	}
	a.active = session
	a.cancel = cancel
	a.mu.Unlock()

	timeout := a.spec.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	h := &Handle{id: session.ID, done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		err := a.run(runCtx, session, timeout)
		h.result, h.err = a.finish(session, err)
		close(h.done)
	}()
	return h, nil
}

// Cancel cancels the active session, if any.
func (a *Acquirer) Cancel() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cancel == nil {
		return false
	}
	a.cancel()
	return true
}

// Current returns a copy of the active session.
func (a *Acquirer) Current() (Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return Session{}, false
	}
	return a.active.snapshot(), true
}

func (a *Acquirer) Busy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active != nil
}

// Latest returns the most recent completed session. The returned Values
// must not be modified.
func (a *Acquirer) Latest() (Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return Session{}, false
	}
	return a.latest.snapshot(), true
}

// LatestArray implements derived.ArraySource.
func (a *Acquirer) LatestArray() ([]float64, bool) {
	s, ok := a.Latest()
	if !ok {
		return nil, false
	}
	return s.Values, true
}

func (a *Acquirer) run(ctx context.Context, s *Session, timeout time.Duration) error {
	// Commands always complete; cancellation is only honoured between polls.
	io := context.WithoutCancel(ctx)

	a.mu.Lock()
	s.StartedAt = a.clock.Now()
	a.mu.Unlock()
	a.transition(s, StateArmed)

	for _, step := range a.spec.Trigger {
		if err := a.transport.Write(io, step.Text); err != nil {
			return fmt.Errorf("trigger %s: %w", step.Name, err)
		}
	}

	a.transition(s, StatePolling)
	if !a.spec.DirectCapture() {
		if err := a.poll(ctx, io, s, timeout); err != nil {
			return err
		}
	}
	a.transition(s, StateReady)

	a.transition(s, StateDraining)
	raw, err := a.transport.Ask(io, a.spec.Drain.Text)
	if err != nil {
		return fmt.Errorf("drain %s: %w", a.spec.Drain.Name, err)
	}
	values, payload, err := scpi.DecodeArray(raw, a.spec.ArrayFormat)
	if err != nil {
		return fmt.Errorf("drain %s: %w", a.spec.Drain.Name, err)
	}

	a.mu.Lock()
	s.Values = values
	s.Raw = payload
	s.Points = len(values)
	a.mu.Unlock()

	if a.spec.Save != nil && a.sink != nil {
		path, err := a.sink.Save(a.signal, values, payload, *a.spec.Save)
		if err != nil {
			return fmt.Errorf("save artifact: %w", err)
		}
		a.mu.Lock()
		s.ArtifactPath = path
		a.mu.Unlock()
	}

	a.transition(s, StatePostAction)
	for _, step := range a.spec.Post {
		if err := a.transport.Write(io, step.Text); err != nil {
			return fmt.Errorf("post %s: %w", step.Name, err)
		}
	}

	return nil
}

func (a *Acquirer) poll(ctx, io context.Context, s *Session, timeout time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}

		wait := a.spec.PollInterval
		if timeout > 0 {
			remaining := timeout - a.elapsed(s)
			if remaining <= 0 {
				return a.timedOut(s)
			}
			wait = min(wait, remaining)
		}

		select {
		case <-ctx.Done():
			return interrupted(ctx.Err())
		case <-a.clock.After(wait):
		}

		if timeout > 0 && a.elapsed(s) > timeout {
			return a.timedOut(s)
		}

		raw, err := a.transport.Ask(io, a.spec.Observe.Text)
		if err != nil {
			return fmt.Errorf("observe %s: %w", a.spec.Observe.Name, err)
		}
		observed, err := scpi.ParseFloat(raw)
		if err != nil {
			return fmt.Errorf("observe %s: %w", a.spec.Observe.Name, err)
		}

		a.mu.Lock()
		s.LastObserved = observed
		s.Polls++
		a.mu.Unlock()

		if a.spec.Threshold(observed, a.spec.Level) {
			return nil
		}
		if timeout > 0 && a.elapsed(s) >= timeout {
			return a.timedOut(s)
		}

		a.logger.Debug("Threshold not reached",
			zap.Float64("observed", observed),
			zap.Float64("level", a.spec.Level))
	}
}

func (a *Acquirer) elapsed(s *Session) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clock.Now().Sub(s.StartedAt)
}

func (a *Acquirer) timedOut(s *Session) error {
	a.mu.RLock()
	observed := s.LastObserved
	a.mu.RUnlock()
	return fmt.Errorf("%w after %s (last observed %g, threshold %s %g)",
		ErrTimeout, a.elapsed(s), observed, a.spec.ThresholdName, a.spec.Level)
}

// interrupted maps a done context to the session error. A caller deadline
// counts as a timeout, anything else as cancellation.
func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return ErrCancelled
}

// finish moves the session to its terminal state, publishes the array on
// success and releases the acquirer for the next session.
func (a *Acquirer) finish(s *Session, runErr error) (Session, error) {
	status := StatusOf(runErr)

	var err error
	if runErr != nil {
		a.mu.RLock()
		failedIn := s.State
		a.mu.RUnlock()

		err = &AcquisitionError{Signal: a.signal, SessionID: s.ID, State: failedIn, Err: runErr}

		a.mu.Lock()
		s.Status = status
		s.Error = runErr.Error()
		a.mu.Unlock()
		a.transition(s, StateFailed)
	}

	a.mu.Lock()
	s.Status = status
	s.FinishedAt = a.clock.Now()
	a.mu.Unlock()
	a.transition(s, StateIdle)

	a.mu.Lock()
	final := s.snapshot()
	if runErr == nil {
		a.latest = &final
	}
	a.active = nil
	a.cancel = nil
	a.mu.Unlock()

	if runErr != nil {
		a.logger.Warn("Acquisition failed",
			zap.String("session_id", s.ID.String()),
			zap.String("status", string(status)),
			zap.Error(runErr))
	} else {
		a.logger.Info("Acquisition completed",
			zap.String("session_id", s.ID.String()),
			zap.Int("points", final.Points),
			zap.Int("polls", final.Polls),
			zap.Duration("duration", final.Duration()))
	}

	for _, f := range a.finishers {
		f(final, err)
	}
	return final, err
}

func (a *Acquirer) transition(s *Session, to State) {
	a.mu.Lock()
	from := s.State
	if err := ValidateTransition(from, to); err != nil {
		a.logger.Error("Unexpected session transition", zap.Error(err))
	}
	s.State = to
	event := Event{
		SessionID: s.ID,
		Signal:    a.signal,
		From:      from,
		To:        to,
		Status:    s.Status,
		Error:     s.Error,
		Timestamp: a.clock.Now(),
	}
	a.mu.Unlock()

	a.logger.Debug("Session state changed",
		zap.String("session_id", s.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	for _, o := range a.observers {
		o(event)
	}
}
