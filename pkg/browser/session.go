package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// ErrSessionClosed is returned by Do after Close.
var ErrSessionClosed = errors.New("session closed")

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid session state transition")

var transitions = map[models.SessionState][]models.SessionState{
	models.StateCreated:        {models.StateAuthenticating},
	models.StateAuthenticating: {models.StateAuthenticated},
	models.StateAuthenticated:  {models.StateNavigating},
	models.StateNavigating:     {models.StateComplete},
}

// CloseWait bounds how long Close waits for an in-flight interaction
// before closing the page under it.
const CloseWait = 5 * time.Second

// StateListener is called synchronously on every state change.
type StateListener func(models.StateChange)

// Session is one live browser-controlled page and its lifecycle state. The
// flow runner owns it exclusively; Do guarantees at most one in-flight
// interaction with the page.
type Session struct {
	id     string
	page   Page
	logger *zap.Logger

	// slot is a one-token semaphore that honours context cancellation.
	slot      chan struct{}
	closeWait time.Duration

	mu        sync.Mutex
	state     models.SessionState
	listeners []StateListener
	history   []models.StateChange

	generation atomic.Uint64
	closeOnce  sync.Once
	closeErr   error
	closed     atomic.Bool
}

// Open asks the driver for a page and wraps it in a Session in the created
// state. Driver failures are reported as DriverUnavailable.
func Open(ctx context.Context, d Driver, logger *zap.Logger) (*Session, error) {
	page, err := d.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.FromContext(ctx.Err())
		}
		return nil, flowerr.Wrap(flowerr.DriverUnavailable, fmt.Errorf("open page: %w", err))
	}
	return NewSession(page, logger), nil
}

// NewSession wraps an already opened page.
func NewSession(page Page, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	s := &Session{
		id:     id,
		page:   page,
		logger: logger.With(zap.String("session_id", id)),
		slot:      make(chan struct{}, 1),
		closeWait: CloseWait,
		state:     models.StateCreated,
	}
	s.slot <- struct{}{}
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of every transition so far.
func (s *Session) History() []models.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StateChange, len(s.history))
	copy(out, s.history)
	return out
}

// OnStateChange registers a listener for future transitions.
func (s *Session) OnStateChange(l StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Transition moves the session to the given state. Failed is reachable from
// any non-terminal state and Closed from every state; other moves follow the
// created → authenticating → authenticated → navigating → complete chain.
func (s *Session) Transition(to models.SessionState) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	change := models.StateChange{SessionID: s.id, From: from, To: to, At: time.Now()}
	s.state = to
	s.history = append(s.history, change)
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Debug("Session state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, l := range listeners {
		l(change)
	}
	return nil
}

// Fail moves the session to failed unless it is already terminal.
func (s *Session) Fail() {
	if s.State().Terminal() {
		return
	}
	_ = s.Transition(models.StateFailed)
}

func allowed(from, to models.SessionState) bool {
	if from == models.StateClosed {
		return false
	}
	if to == models.StateClosed {
		return true
	}
	if to == models.StateFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Generation is bumped on every navigation; handles from an older
// generation are stale.
func (s *Session) Generation() uint64 { return s.generation.Load() }

// Do runs fn with exclusive access to the page. It waits for any in-flight
// interaction to finish or for ctx to end.
func (s *Session) Do(ctx context.Context, fn func(Page) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.slot:
	}
	defer func() { s.slot <- struct{}{} }()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return fn(s.page)
}

// Get navigates the page and invalidates every outstanding handle.
func (s *Session) Get(ctx context.Context, url string) error {
	return s.Do(ctx, func(p Page) error {
		s.generation.Add(1)
		return p.Get(ctx, url)
	})
}

// Invalidate marks every outstanding handle stale, for actions that are
// expected to trigger a navigation such as a form submit.
func (s *Session) Invalidate() { s.generation.Add(1) }

// Close releases the page and moves the session to closed. It is safe to
// call more than once and from any state.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// wait for any in-flight interaction so the page is not closed under it
		acquired := false
		timer := time.NewTimer(s.closeWait)
		select {
		case <-s.slot:
			acquired = true
		case <-timer.C:
			s.logger.Warn("In-flight interaction still running, closing page anyway",
				zap.Duration("waited", s.closeWait))
		}
		timer.Stop()
		s.closed.Store(true)
		s.closeErr = s.page.Close()
		if acquired {
			s.slot <- struct{}{}
		}
		if err := s.Transition(models.StateClosed); err != nil {
			s.logger.Warn("Session close transition rejected", zap.Error(err))
		}
		s.logger.Info("Browser session closed")
	})
	return s.closeErr
}
