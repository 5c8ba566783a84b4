package agentloop

import (
	"sync"
	"time"
)

// Counters are the resource counters of a session.
type Counters struct {
	Elapsed    time.Duration `json:"elapsed"`
	ToolCalls  int           `json:"tool_calls"`
	CostUnits  int           `json:"cost_units"`
	ModelCalls int           `json:"model_calls"`
}

// Result is the final payload of a succeeded session. LowConfidence is set
// when the model finished without any answer text.
type Result struct {
	Text          string `json:"text"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
}

// Failure is the error detail of a failed, cancelled or timed-out session.
type Failure struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Snapshot is an immutable view of a session.
type Snapshot struct {
	ID         string        `json:"id"`
	Task       Task          `json:"task"`
	Config     SessionConfig `json:"config"`
	Status     Status        `json:"status"`
	History    []Turn        `json:"history"`
	Counters   Counters      `json:"counters"`
	Result     *Result       `json:"result,omitempty"`
	Failure    *Failure      `json:"failure,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// SessionState is the authoritative record of one session: its status,
// append-only history and counters. It holds no scheduling logic.
type SessionState struct {
	mu       sync.RWMutex
	id       string
	task     Task
	config   SessionConfig
	status   Status
	history  []Turn
	issued   map[string]bool // request id -> answered
	counters Counters
	result   *Result
	failure  *Failure
	observer Observer
	now      func() time.Time

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// NewSessionState creates a pending session. observer may be nil.
func NewSessionState(id string, task Task, config SessionConfig, observer Observer) *SessionState {
	s := &SessionState{
		id:       id,
		task:     task.clone(),
		config:   config,
		status:   StatusPending,
		issued:   make(map[string]bool),
		observer: observer,
		now:      time.Now,
	}
	s.createdAt = s.now()
	return s
}

// ID returns the session identifier.
func (s *SessionState) ID() string { return s.id }

// Task returns the session's task.
func (s *SessionState) Task() Task { return s.task.clone() }

// Config returns the session's effective configuration.
func (s *SessionState) Config() SessionConfig { return s.config }

// Status returns the current status.
func (s *SessionState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StartedAt returns when the session entered running, or the zero time.
func (s *SessionState) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// History returns a copy of the history.
func (s *SessionState) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.history...)
}

// Counters returns the current counters.
func (s *SessionState) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countersLocked()
}

func (s *SessionState) countersLocked() Counters {
	c := s.counters
	switch {
	case !s.finishedAt.IsZero() && !s.startedAt.IsZero():
		c.Elapsed = s.finishedAt.Sub(s.startedAt)
	case !s.startedAt.IsZero():
		c.Elapsed = s.now().Sub(s.startedAt)
	}
	return c
}

// AppendTurn validates turn, assigns its sequence number and timestamp and
// appends it. A model turn may not reuse a request id; a tool-result turn
// must answer a request issued by an earlier model turn, exactly once.
func (s *SessionState) AppendTurn(turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return Turn{}, newError(KindInvalidTransition, nil, "session %s is %s", s.id, s.status)
	}

	switch turn.Kind {
	case TurnModel:
		if turn.Model == nil {
			return Turn{}, newError(KindValidation, nil, "model turn has no content")
		}
		seen := make(map[string]bool, len(turn.Model.ToolRequests))
		for _, req := range turn.Model.ToolRequests {
			if req.ID == "" {
				return Turn{}, newError(KindValidation, nil, "tool request %q has no id", req.Name)
			}
			if _, dup := s.issued[req.ID]; dup || seen[req.ID] {
				return Turn{}, newError(KindValidation, nil, "tool request id %q already issued", req.ID)
			}
			seen[req.ID] = true
		}
		for id := range seen {
			s.issued[id] = false
		}
	case TurnToolResult:
		if turn.ToolResult == nil {
			return Turn{}, newError(KindValidation, nil, "tool result turn has no content")
		}
		answered, ok := s.issued[turn.ToolResult.RequestID]
		if !ok {
			return Turn{}, newError(KindValidation, nil, "tool result references unknown request %q", turn.ToolResult.RequestID)
		}
		if answered {
			return Turn{}, newError(KindValidation, nil, "request %q already has a result", turn.ToolResult.RequestID)
		}
		s.issued[turn.ToolResult.RequestID] = true
		s.counters.ToolCalls++
	default:
		return Turn{}, newError(KindValidation, nil, "unknown turn kind %q", turn.Kind)
	}

	turn.Seq = len(s.history) + 1
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	s.history = append(s.history, turn)

	s.notify(Event{Kind: EventTurnAppended, Status: s.status, Turn: &turn})
	return turn, nil
}

// RequestIssued reports whether an earlier model turn issued a tool
// request with id.
func (s *SessionState) RequestIssued(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.issued[id]
	return ok
}

// RecordModelCall adds the cost of one model response to the counters.
func (s *SessionState) RecordModelCall(costUnits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.ModelCalls++
	s.counters.CostUnits += costUnits
}

// Transition moves the session to status to. failure is recorded when to is
// failed, cancelled or timed_out.
func (s *SessionState) Transition(to Status, failure *Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, failure, nil)
}

// Complete moves a running session to succeeded with result.
func (s *SessionState) Complete(result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(StatusSucceeded, nil, &result)
}

func (s *SessionState) transitionLocked(to Status, failure *Failure, result *Result) error {
	from := s.status
	if !CanTransition(from, to) {
		return newError(KindInvalidTransition, nil, "session %s cannot move from %s to %s", s.id, from, to)
	}
	s.status = to
	now := s.now()
	if from == StatusPending && to == StatusRunning {
		s.startedAt = now
	}
	if to.IsTerminal() {
		s.finishedAt = now
		if failure != nil {
			f := *failure
			s.failure = &f
		}
		if result != nil {
			r := *result
			s.result = &r
		}
	}
	s.notify(Event{Kind: EventStatusChanged, From: from, Status: to, Failure: s.failure})
	return nil
}

func (s *SessionState) notify(e Event) {
	if s.observer == nil {
		return
	}
	e.SessionID = s.id
	e.Timestamp = s.now()
	s.observer.OnEvent(e)
}

// Snapshot returns an immutable copy of the session.
func (s *SessionState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:         s.id,
		Task:       s.task.clone(),
		Config:     s.config,
		Status:     s.status,
		History:    append([]Turn(nil), s.history...),
		Counters:   s.countersLocked(),
		CreatedAt:  s.createdAt,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.failure != nil {
		f := *s.failure
		snap.Failure = &f
	}
	return snap
}
