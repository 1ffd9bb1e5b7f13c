// Package decision implements the interactive suspension point of spec
// §4.6: a Gate that opens a DecisionRequest, suspends the run, and
// correlates the user's response back to the manager.
//
// Grounded directly on the teacher's Human-in-the-Loop subsystem
// (orchestration/hitl_interfaces.go, hitl_checkpoint_store.go): the
// CheckpointStore interface (Save/Load/UpdateStatus/ListPending/Delete),
// the expiry processor with an ExpiryCallback, and the
// exactly-one-outstanding-checkpoint discipline are already a decision
// gate under a different name. Field names are generalized
// (ExecutionCheckpoint -> Request) to match spec §3.2 exactly.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/state"
)

// Sentinel errors (spec §4.6, §7).
var (
	ErrAlreadyPending = errors.New("a decision is already pending for this session")
	ErrStaleDecision   = errors.New("decision id does not match the pending decision")
	ErrInvalidResponse = errors.New("response is not one of the offered options")
	ErrNoSuchDecision  = errors.New("no pending decision for this session")
)

// Kind is one of the DecisionRequest kinds (spec §3.2).
type Kind string

const (
	KindFileSelection Kind = "file_selection"
	KindConfirmProceed Kind = "confirm_proceed"
	KindChooseOption   Kind = "choose_option"
	KindResolveError    Kind = "resolve_error"
)

// Option is one selectable choice.
type Option struct {
	ID     string
	Label  string
	Detail string
}

// Request is the DecisionRequest of spec §3.2.
type Request struct {
	DecisionID      string
	SessionID       string
	Kind            Kind
	Prompt          string
	Options         []Option
	DefaultOption   string
	Timeout         time.Duration
	CanSkip         bool
	AffectsWorkflow bool
	Context         map[string]interface{}

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ToSnapshot converts a Request to the state package's storage shape.
func (r *Request) ToSnapshot() *state.DecisionSnapshot {
	opts := make([]state.DecisionOption, 0, len(r.Options))
	for _, o := range r.Options {
		opts = append(opts, state.DecisionOption{ID: o.ID, Label: o.Label, Detail: o.Detail})
	}
	return &state.DecisionSnapshot{
		DecisionID:      r.DecisionID,
		Kind:            string(r.Kind),
		Prompt:          r.Prompt,
		Options:         opts,
		DefaultOption:   r.DefaultOption,
		TimeoutSeconds:  int(r.Timeout.Seconds()),
		CanSkip:         r.CanSkip,
		AffectsWorkflow: r.AffectsWorkflow,
		Context:         r.Context,
	}
}

// Store is the CheckpointStore-equivalent persistence surface (spec's
// pending_decision storage plus the expiry processor's scan target).
// Grounded 1:1 on orchestration.CheckpointStore.
type Store interface {
	Save(ctx context.Context, req *Request) error
	Load(ctx context.Context, sessionID string) (*Request, error)
	Delete(ctx context.Context, sessionID string) error
	ListPending(ctx context.Context) ([]*Request, error)
}

// ExpiryCallback is invoked when a pending decision's timeout elapses.
// Grounded on orchestration.ExpiryCallback.
type ExpiryCallback func(ctx context.Context, req *Request)

// Gate implements spec §4.6. Exactly one decision may be outstanding per
// session (spec: "a second attempt to open a decision while one is
// pending is a programming error and fails fast").
type Gate struct {
	store    Store
	logger   core.Logger
	telem    core.Telemetry
	onResume func(sessionID string, response string)

	expiryMu      sync.Mutex
	expiryCancel  context.CancelFunc
	expiryCb      ExpiryCallback
	scanInterval  time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger overrides the gate's logger.
func WithLogger(l core.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTelemetry overrides the gate's telemetry collaborator.
func WithTelemetry(t core.Telemetry) GateOption {
	return func(g *Gate) {
		if t != nil {
			g.telem = t
		}
	}
}

// WithScanInterval overrides the expiry processor's poll interval (default 10s).
func WithScanInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.scanInterval = d
		}
	}
}

// New builds a Gate backed by store. onResume is invoked (outside any
// lock) once a response is validated and accepted, signaling the manager
// to resume the session's loop (spec §4.6 step 3).
func New(store Store, onResume func(sessionID string, response string), opts ...GateOption) *Gate {
	g := &Gate{
		store:        store,
		onResume:     onResume,
		logger:       &core.NoOpLogger{},
		telem:        &core.NoOpTelemetry{},
		scanInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open allocates a decision_id and persists req (spec §4.6 step 1). Fails
// ErrAlreadyPending if one is already outstanding for req.SessionID.
func (g *Gate) Open(ctx context.Context, req *Request) error {
	if existing, err := g.store.Load(ctx, req.SessionID); err == nil && existing != nil {
		return fmt.Errorf("open decision for session %s: %w", req.SessionID, ErrAlreadyPending)
	}
	req.CreatedAt = time.Now()
	req.ExpiresAt = req.CreatedAt.Add(req.Timeout)
	if err := g.store.Save(ctx, req); err != nil {
		return fmt.Errorf("open decision for session %s: %w", req.SessionID, err)
	}
	g.logger.InfoWithContext(ctx, "decision opened", map[string]interface{}{
		"session_id": req.SessionID, "decision_id": req.DecisionID, "kind": req.Kind,
	})
	return nil
}

// Submit validates and applies a user's response (spec §4.6 step 3).
func (g *Gate) Submit(ctx context.Context, sessionID, decisionID, response string) error {
	pending, err := g.store.Load(ctx, sessionID)
	if err != nil || pending == nil {
		return fmt.Errorf("submit decision for session %s: %w", sessionID, ErrNoSuchDecision)
	}
	if pending.DecisionID != decisionID {
		return fmt.Errorf("submit decision %s for session %s: %w", decisionID, sessionID, ErrStaleDecision)
	}
	if !validResponse(pending, response) {
		return fmt.Errorf("submit decision %s: %w", decisionID, ErrInvalidResponse)
	}
	if err := g.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("submit decision %s: %w", decisionID, err)
	}
	if g.onResume != nil {
		g.onResume(sessionID, response)
	}
	return nil
}

// Fail removes any pending decision for sessionID without invoking
// onResume, for callers that need to terminate rather than resume (spec
// §5 cancellation: "the Decision Gate fails any open decision with
// {kind: cancelled, recoverable: false}"). Returns the removed request, or
// nil if none was pending.
func (g *Gate) Fail(ctx context.Context, sessionID string) (*Request, error) {
	pending, err := g.store.Load(ctx, sessionID)
	if err != nil || pending == nil {
		return nil, err
	}
	if err := g.store.Delete(ctx, sessionID); err != nil {
		return nil, err
	}
	return pending, nil
}

func validResponse(req *Request, response string) bool {
	if len(req.Options) == 0 {
		return response != "" // free-form for non-enumerated kinds
	}
	for _, o := range req.Options {
		if o.ID == response {
			return true
		}
	}
	return false
}

// StartExpiryProcessor launches the background scanner that auto-resolves
// timed-out decisions using DefaultOption (spec §4.6 step 4), or fails the
// run with {kind: user_timeout, recoverable: true} when none is set,
// matching the teacher's expiry processor / ExpiryCallback design.
func (g *Gate) StartExpiryProcessor(ctx context.Context, cb ExpiryCallback) {
	g.expiryMu.Lock()
	defer g.expiryMu.Unlock()
	if g.expiryCancel != nil {
		return // already running
	}
	g.expiryCb = cb
	scanCtx, cancel := context.WithCancel(ctx)
	g.expiryCancel = cancel
	go g.expiryLoop(scanCtx)
}

// StopExpiryProcessor halts the background scanner.
func (g *Gate) StopExpiryProcessor() {
	g.expiryMu.Lock()
	defer g.expiryMu.Unlock()
	if g.expiryCancel != nil {
		g.expiryCancel()
		g.expiryCancel = nil
	}
}

func (g *Gate) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(g.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.scanOnce(ctx)
		}
	}
}

func (g *Gate) scanOnce(ctx context.Context) {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		g.logger.Warn("decision expiry scan failed", map[string]interface{}{"error": err.Error()})
		return
	}
	now := time.Now()
	for _, req := range pending {
		if now.Before(req.ExpiresAt) {
			continue
		}
		if err := g.store.Delete(ctx, req.SessionID); err != nil {
			g.logger.Warn("decision expiry delete failed", map[string]interface{}{"session_id": req.SessionID, "error": err.Error()})
			continue
		}
		if g.expiryCb != nil {
			g.expiryCb(ctx, req)
		}
	}
}
