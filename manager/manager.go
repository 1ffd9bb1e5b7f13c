// Package manager implements the Manager Loop (spec §4.7): the autonomous
// controller that drives one session from intake to a terminal AppState.
// It is not a fixed sequential pipeline but a reassess-after-each-step
// loop, suspending at worker dispatch and at Decision Gate checkpoints and
// resuming from the point of suspension.
//
// Grounded on orchestration/orchestrator.go (context propagation helpers,
// request correlation) and orchestration/executor.go /
// workflow_executor.go (the dispatch loop, retry-with-backoff, per-step
// callback; steps here are dispatched one at a time), generalized from the teacher's
// LLM-authored dynamic plan execution to driving the fixed, per-intent
// plans produced by the planner package.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/blueprint/brain"
	"github.com/fieldstack/blueprint/broadcast"
	"github.com/fieldstack/blueprint/config"
	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/decision"
	"github.com/fieldstack/blueprint/intent"
	"github.com/fieldstack/blueprint/planner"
	"github.com/fieldstack/blueprint/registry"
	"github.com/fieldstack/blueprint/resilience"
	"github.com/fieldstack/blueprint/state"
	"github.com/fieldstack/blueprint/telemetry"
	"github.com/google/uuid"
)

// managerContextKey namespaces this package's context keys, mirroring
// orchestration.orchestratorContextKey.
type managerContextKey string

const sessionIDContextKey managerContextKey = "manager_session_id"

// WithSessionID attaches sessionID to ctx so dispatched workers and
// downstream telemetry can correlate without threading it explicitly.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

// SessionIDFromContext retrieves the session id set by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	if v := ctx.Value(sessionIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Deps bundles the Manager's collaborators, each built and owned
// independently of the Manager (spec §5: "registries ... immutable after
// startup"; the Manager coordinates them, it does not own their state).
type Deps struct {
	Store         *state.Store
	Registry      *registry.Registry
	Classifier    *intent.Classifier
	Planner       *planner.Planner
	PlanCache     *planner.Cache // optional; nil disables plan caching
	BrainAlloc    *brain.Allocator
	Broadcaster   *broadcast.Broadcaster
	DecisionStore decision.Store
}

// ErrUnknownSession is returned by Cancel/Rewind for a session with no
// tracked run.
var ErrUnknownSession = errors.New("manager: no tracked run for session")

// ErrRewindPending is returned by Rewind when a rewind request is already
// queued for an active session's next reassessment boundary.
var ErrRewindPending = errors.New("manager: a rewind is already pending for this session")

// run tracks the bookkeeping the Manager needs per in-flight session: a
// cancel function for external Cancel/timeout, and whether the loop is
// currently suspended awaiting a decision.
type run struct {
	ctx      context.Context
	cancel   context.CancelFunc
	rewindCh chan state.FieldName

	mu     sync.Mutex
	status state.Status
}

// Manager is the C8 Manager Loop.
type Manager struct {
	deps   Deps
	cfg    *config.Config
	logger core.Logger
	telem  core.Telemetry
	gate   *decision.Gate

	mu       sync.Mutex
	runs     map[string]*run

	breakersMu sync.Mutex
	breakers   map[string]core.CircuitBreaker

	gateScanInterval time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTelemetry overrides the manager's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(m *Manager) {
		if t != nil {
			m.telem = t
		}
	}
}

// WithDecisionScanInterval overrides the Decision Gate's background expiry
// scan interval (default 10s). Deployments with a short DecisionTimeout
// should shrink this correspondingly, or a timed-out decision sits past its
// ExpiresAt for up to one full interval before onDecisionExpired fires.
func WithDecisionScanInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.gateScanInterval = d
		}
	}
}

// New builds a Manager over deps and cfg. The Decision Gate is constructed
// internally so its ExpiryCallback and resume callback can close over the
// Manager itself.
func New(deps Deps, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: &core.NoOpLogger{},
		telem:  &core.NoOpTelemetry{},
		runs:   make(map[string]*run),
		breakers: make(map[string]core.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	gateOpts := []decision.GateOption{decision.WithLogger(m.logger), decision.WithTelemetry(m.telem)}
	if m.gateScanInterval > 0 {
		gateOpts = append(gateOpts, decision.WithScanInterval(m.gateScanInterval))
	}
	m.gate = decision.New(deps.DecisionStore, m.onDecisionResume, gateOpts...)
	m.gate.StartExpiryProcessor(context.Background(), m.onDecisionExpired)
	return m
}

// Close stops the decision gate's background expiry scanner.
func (m *Manager) Close() {
	m.gate.StopExpiryProcessor()
}

// Gate exposes the Manager's internally-constructed Decision Gate so
// transports (e.g. api.Handler) can submit responses without the Manager
// itself having to expose a Submit passthrough for every Gate method.
func (m *Manager) Gate() *decision.Gate {
	return m.gate
}

// Start launches a session's manager loop as a background goroutine (spec
// §5: "each session owns an independent manager task"). It returns once
// the loop has been registered; callers observe progress via the
// Broadcaster, not via Start's return.
func (m *Manager) Start(parent context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.RunTimeout)
	ctx = WithSessionID(ctx, sessionID)

	r := &run{ctx: ctx, cancel: cancel, rewindCh: make(chan state.FieldName, 1)}
	m.mu.Lock()
	m.runs[sessionID] = r
	m.mu.Unlock()

	go m.runSession(ctx, sessionID, r)
}

// Cancel propagates external cancellation into a session's manager task
// (spec §5): in-flight dispatch is cancelled, any open decision fails with
// {kind: cancelled}, and the loop exits with status=failed.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel session %s: %w", sessionID, ErrUnknownSession)
	}
	r.cancel()
	return nil
}

func (m *Manager) setStatus(r *run, s state.Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (m *Manager) runStatus(r *run) state.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, sessionID)
}

// breakerFor returns the per-worker circuit breaker, creating it lazily on
// first dispatch, as a core.CircuitBreaker so the manager depends on the
// interface rather than resilience's concrete type. Grounded on
// resilience/circuit_breaker.go, generalized from the teacher's
// per-tool-call breaker to one breaker per registry worker: a worker
// failing at a sustained error rate trips its breaker and subsequent
// dispatches fail fast instead of burning the retry budget.
func (m *Manager) breakerFor(workerName string) core.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if cb, ok := m.breakers[workerName]; ok {
		return cb
	}
	cb, err := resilience.CreateCircuitBreaker(workerName, resilience.ResilienceDependencies{Logger: m.logger, Telemetry: m.telem})
	if err != nil {
		// DefaultConfig is always valid; NewCircuitBreaker only rejects
		// malformed configs, so this path is unreachable in practice.
		m.logger.Error("manager: failed to build circuit breaker", map[string]interface{}{"worker": workerName, "error": err.Error()})
		return nil
	}
	if _, isOTel := m.telem.(*telemetry.OTelProvider); isOTel {
		collector := resilience.NewOTelMetricsCollector(context.Background())
		cb.SetMetrics(collector)
		_ = collector.RegisterStateGauge(workerName, cb.GetState)
	}
	m.breakers[workerName] = cb
	return cb
}

// newDecisionID allocates a correlation id for a new DecisionRequest.
func newDecisionID() string {
	return uuid.NewString()
}

// nowRFC3339Nano is a formatting helper kept in one place for trace entries.
func nowRFC3339Nano(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
