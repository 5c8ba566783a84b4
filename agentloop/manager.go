package agentloop

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ManagerConfig holds admission and retention settings.
type ManagerConfig struct {
	MaxConcurrent int           // non-terminal sessions; 0 = unlimited
	Retention     time.Duration // how long terminal sessions stay queryable; 0 = until evicted by size
	MaxRetained   int           // terminal sessions kept; 0 = unlimited
	Session       SessionConfig // defaults for every session
}

// DefaultManagerConfig returns the default manager settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent: 8,
		Retention:     time.Hour,
		MaxRetained:   1000,
		Session:       DefaultSessionConfig(),
	}
}

// Archiver receives the final snapshot of every session that reaches a
// terminal status.
type Archiver interface {
	Archive(ctx context.Context, snap Snapshot) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithObserver adds an observer for every session's events.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithArchiver sets the archiver for terminal sessions.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

type liveSession struct {
	state  *SessionState
	cancel context.CancelCauseFunc
}

// Manager owns the set of sessions. It admits submissions against the
// concurrency cap, runs one Loop goroutine per session, and keeps terminal
// sessions queryable until they expire.
type Manager struct {
	loop      *Loop
	cfg       ManagerConfig
	observers []Observer
	observer  Observer
	archiver  Archiver
	logger    zerolog.Logger

	mu       sync.Mutex
	live     map[string]*liveSession
	retained *expirable.LRU[string, *SessionState]
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	stop     context.CancelFunc
}

// NewManager creates a Manager that drives sessions with loop.
func NewManager(loop *Loop, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	baseCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		loop:    loop,
		cfg:     cfg,
		logger:  log.With().Str("component", "manager").Logger(),
		live:    make(map[string]*liveSession),
		baseCtx: baseCtx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.observer = Observers(m.observers...)
	m.retained = expirable.NewLRU[string, *SessionState](cfg.MaxRetained, nil, cfg.Retention)
	return m
}

// Registry returns the tool registry sessions use.
func (m *Manager) Registry() *ToolRegistry { return m.loop.Registry() }

// Submit validates task, admits it and starts its loop. It returns the new
// session id without waiting for the loop. When the cap is reached no
// session is created.
func (m *Manager) Submit(task Task, overrides *SessionOverrides) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if err := overrides.Validate(); err != nil {
		return "", err
	}
	cfg := overrides.Apply(m.cfg.Session)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", newError(KindCapacityExceeded, nil, "manager is shutting down")
	}
	if m.cfg.MaxConcurrent > 0 && m.activeLocked() >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return "", newError(KindCapacityExceeded, nil, "%d sessions already active", m.cfg.MaxConcurrent)
	}

	id := uuid.NewString()
	state := NewSessionState(id, task, cfg, m.observer)
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	m.live[id] = &liveSession{state: state, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("session_id", id).Msg("session submitted")
	go m.drive(ctx, cancel, state)
	return id, nil
}

// activeLocked counts sessions that are not yet terminal. A cancelled
// session whose loop is still unwinding no longer counts.
func (m *Manager) activeLocked() int {
	n := 0
	for _, ls := range m.live {
		if !ls.state.Status().IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Manager) drive(ctx context.Context, cancel context.CancelCauseFunc, state *SessionState) {
	defer m.wg.Done()
	defer cancel(nil)

	m.loop.Run(ctx, state)
	if !state.Status().IsTerminal() {
		// Run only returns early when the session was moved to a terminal
		// status elsewhere; anything else is a bug worth surfacing.
		_ = state.Transition(StatusFailed, &Failure{Kind: KindInternal, Detail: "loop exited before a terminal status"})
	}

	m.mu.Lock()
	delete(m.live, state.ID())
	m.retained.Add(state.ID(), state)
	m.mu.Unlock()

	if m.archiver != nil {
		actx, acancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer acancel()
		if err := m.archiver.Archive(actx, state.Snapshot()); err != nil {
			m.logger.Error().Err(err).Str("session_id", state.ID()).Msg("failed to archive session")
		}
	}
}

func (m *Manager) lookup(id string) (*SessionState, *liveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.live[id]; ok {
		return ls.state, ls
	}
	if state, ok := m.retained.Get(id); ok {
		return state, nil
	}
	return nil, nil
}

// Status returns a snapshot of the session.
func (m *Manager) Status(id string) (Snapshot, error) {
	state, _ := m.lookup(id)
	if state == nil {
		return Snapshot{}, newError(KindNotFound, nil, "session %q not found", id)
	}
	return state.Snapshot(), nil
}

// Cancel moves a live session to cancelled. Cancelling a terminal session is
// a no-op.
func (m *Manager) Cancel(id string) error {
	state, ls := m.lookup(id)
	if state == nil {
		return newError(KindNotFound, nil, "session %q not found", id)
	}
	if ls == nil {
		return nil
	}
	if err := state.Transition(StatusCancelled, &Failure{Kind: KindCancelled, Detail: "cancelled by request"}); err == nil {
		m.logger.Info().Str("session_id", id).Msg("session cancelled")
	}
	ls.cancel(ErrCancelled)
	return nil
}

// List returns snapshots of live and retained sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	states := make([]*SessionState, 0, len(m.live)+m.retained.Len())
	for _, ls := range m.live {
		states = append(states, ls.state)
	}
	states = append(states, m.retained.Values()...)
	m.mu.Unlock()

	snaps := make([]Snapshot, len(states))
	for i, s := range states {
		snaps[i] = s.Snapshot()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps
}

// Active returns the number of non-terminal sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// Shutdown stops admitting sessions, cancels every live session and waits
// for their loops to return or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*liveSession, 0, len(m.live))
	for _, ls := range m.live {
		live = append(live, ls)
	}
	m.mu.Unlock()

	shutdown := newError(KindCancelled, nil, "manager shutting down")
	for _, ls := range live {
		_ = ls.state.Transition(StatusCancelled, &Failure{Kind: KindCancelled, Detail: shutdown.Message})
		ls.cancel(shutdown)
	}
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
