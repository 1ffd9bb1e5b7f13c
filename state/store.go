package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/blueprint/core"
)

// Sentinel errors for the State Store boundary (spec §4.1, §7).
var (
	ErrAlreadyExists     = errors.New("session already exists")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRewindable     = errors.New("session is not in a rewindable state")
)

// Dependency resolves a field's transitive dependents and prerequisites so
// the store can enforce I5 and compute rewind closures without importing
// the registry package (which itself depends on state for its predicates).
type Dependency interface {
	// Owner returns the worker name that produces f, or "" if no worker
	// declares f as an output.
	Owner(f FieldName) string
	// Requires returns the prerequisite fields that must already be
	// populated before f may be written.
	Requires(f FieldName) []FieldName
	// Dependents returns every field whose producer requires f, computed
	// transitively, for use by Rewind.
	Dependents(f FieldName) []FieldName
}

// Diff describes what changed in an Apply call, for the Broadcaster.
type Diff struct {
	SessionID       string
	StatusChanged   bool
	PreviousStatus  Status
	NewStatus       Status
	FieldsWritten   []FieldName
	TraceAppended   []TraceEntry
	PipelineChanged bool
}

// MutationFunc mutates a working copy of AppState and returns the set of
// worker-output fields it wrote (checked against I5 prerequisites) or an error to abort
// the Apply call with no visible effect.
type MutationFunc func(s *AppState) (written []FieldName, err error)

// Sink is the optional persistence collaborator of §6.5: every mutation
// diff is forwarded to it, best-effort, after the in-memory commit.
type Sink interface {
	RecordDiff(diff Diff)
}

// Store owns one AppState per session behind a single serialized entry
// point per session, matching the teacher's workflow_state.StateStore
// shape (Save/Update/Get/List) generalized to the richer AppState and its
// invariants.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	deps     Dependency
	sink     Sink
	logger   core.Logger
	telem    core.Telemetry
}

type sessionEntry struct {
	mu    sync.Mutex // per-session serialization (I1: single writer)
	state *AppState
}

// NewStore creates an in-memory Store. deps may be nil until the registry
// is wired (Apply then skips I5 dependency checks and Rewind best-effort
// clears only the named field).
func NewStore(deps Dependency, opts ...Option) *Store {
	st := &Store{
		sessions: make(map[string]*sessionEntry),
		deps:     deps,
		logger:   &core.NoOpLogger{},
		telem:    &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Option configures a Store.
type Option func(*Store)

// WithSink attaches the optional persistence/audit sink (§6.5).
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithLogger overrides the store's logger.
func WithLogger(l core.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTelemetry overrides the store's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(s *Store) {
		if t != nil {
			s.telem = t
		}
	}
}

// Create deposits initial intake under session_id. Fails ErrAlreadyExists
// if the id is in use.
func (st *Store) Create(sessionID, query string, files []FileRef) (*AppState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[sessionID]; ok {
		return nil, fmt.Errorf("create session %s: %w", sessionID, ErrAlreadyExists)
	}
	now := time.Now()
	s := &AppState{
		SessionID: sessionID,
		Query:     query,
		Files:     append([]FileRef(nil), files...),
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.sessions[sessionID] = &sessionEntry{state: s}
	st.logger.Info("session created", map[string]interface{}{"session_id": sessionID})
	return s.Clone(), nil
}

// Read returns a consistent snapshot of the session's state.
func (st *Store) Read(sessionID string) (*AppState, error) {
	st.mu.RLock()
	entry, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("read session %s: %w", sessionID, ErrNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Clone(), nil
}

// Apply atomically runs mutate against a working copy, enforces I3/I5,
// commits on success, and forwards the resulting Diff to the sink. I1
// (single writer) is not checked here: a MutationFunc does not say which
// worker wrote the fields.
func (st *Store) Apply(sessionID string, mutate MutationFunc) (*AppState, Diff, error) {
	st.mu.RLock()
	entry, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, Diff{}, fmt.Errorf("apply session %s: %w", sessionID, ErrNotFound)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.state.Clone()
	prevStatus := working.Status

	written, err := mutate(working)
	if err != nil {
		return nil, Diff{}, err
	}

	if err := st.checkInvariants(working, written); err != nil {
		return nil, Diff{}, err
	}

	working.UpdatedAt = time.Now()
	entry.state = working

	diff := Diff{
		SessionID:       sessionID,
		StatusChanged:   prevStatus != working.Status,
		PreviousStatus:  prevStatus,
		NewStatus:       working.Status,
		FieldsWritten:   written,
		PipelineChanged: len(written) > 0 || prevStatus != working.Status,
	}
	if st.sink != nil {
		st.sink.RecordDiff(diff)
	}
	return working.Clone(), diff, nil
}

// AppendTrace is a convenience Apply wrapper for trace-only mutations,
// which the manager distinguishes as agent_trace_appended rather than
// workflow_state_change (spec §4.1).
func (st *Store) AppendTrace(sessionID, worker string, level TraceLevel, msg string, details map[string]interface{}) (*AppState, error) {
	s, _, err := st.Apply(sessionID, func(s *AppState) ([]FieldName, error) {
		last := time.Time{}
		if n := len(s.AgentTrace); n > 0 {
			last = s.AgentTrace[n-1].Timestamp
		}
		ts := time.Now()
		if !ts.After(last) {
			ts = last.Add(time.Nanosecond) // preserve I4 strict monotonicity
		}
		s.AgentTrace = append(s.AgentTrace, TraceEntry{
			Timestamp: ts,
			Worker:    worker,
			Level:     level,
			Message:   msg,
			Details:   details,
		})
		return nil, nil
	})
	return s, err
}

func (st *Store) checkInvariants(s *AppState, written []FieldName) error {
	// I3: pending_decision non-null iff status == awaiting_user.
	if (s.PendingDecision != nil) != (s.Status == StatusAwaitingUser) {
		return fmt.Errorf("pending_decision/%s mismatch: %w", s.Status, ErrInvalidTransition)
	}

	if st.deps == nil {
		return nil
	}

	for _, f := range written {
		owner := st.deps.Owner(f)
		_ = owner // I1 (single writer) is enforced by the manager only invoking the declared owner's dispatch; the store trusts the caller identity.

		// I5: dependency-before-use.
		for _, req := range st.deps.Requires(f) {
			if !s.IsPopulated(req) {
				return fmt.Errorf("field %s written before prerequisite %s is populated: %w", f, req, ErrInvalidTransition)
			}
		}
	}
	return nil
}

// Rewind clears field and its transitive dependents (per Dependency),
// returning the session to StatusRunning. Fails ErrNotFound if the session
// does not exist and ErrNotRewindable while it is awaiting_user; frozen
// (complete/failed) sessions are explicitly rewindable per spec §3.4.
func (st *Store) Rewind(sessionID string, field FieldName) (*AppState, error) {
	st.mu.RLock()
	entry, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rewind session %s: %w", sessionID, ErrNotFound)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.state.Clone()
	if working.Status == StatusAwaitingUser {
		return nil, fmt.Errorf("rewind session %s while awaiting_user: %w", sessionID, ErrNotRewindable)
	}

	working.clearField(field)
	if st.deps != nil {
		for _, dep := range st.deps.Dependents(field) {
			working.clearField(dep)
		}
	}
	working.Status = StatusRunning
	working.Error = nil
	working.UpdatedAt = time.Now()
	entry.state = working

	if st.sink != nil {
		st.sink.RecordDiff(Diff{
			SessionID:       sessionID,
			StatusChanged:   true,
			NewStatus:       StatusRunning,
			PipelineChanged: true,
		})
	}
	return working.Clone(), nil
}

// List returns the ids of all known sessions, for admin/debug surfaces.
func (st *Store) List() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}
