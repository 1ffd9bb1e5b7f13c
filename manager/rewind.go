package manager

import (
	"context"
	"fmt"

	"github.com/fieldstack/blueprint/intent"
	"github.com/fieldstack/blueprint/state"
)

// Rewind implements spec §4.7.5/§3.4: clear field (and its transitive
// dependents) and re-plan from scratch. If the session's manager task is
// currently running, the clear+re-plan is deferred to the next step
// boundary inside execute; otherwise it happens immediately.
func (m *Manager) Rewind(ctx context.Context, sessionID string, field state.FieldName) error {
	m.mu.Lock()
	r, active := m.runs[sessionID]
	m.mu.Unlock()

	if !active {
		return m.applyRewindAndRestart(ctx, sessionID, field)
	}

	select {
	case r.rewindCh <- field:
		return nil
	default:
		return fmt.Errorf("rewind session %s to field %s: %w", sessionID, field, ErrRewindPending)
	}
}

// handleMidRunRewind is invoked from execute's step-boundary select once a
// rewind has been queued on the active run. It tears down the current run
// and starts a fresh one with a new per-run timeout budget, matching a
// brand-new Start.
func (m *Manager) handleMidRunRewind(ctx context.Context, sessionID string, r *run, field state.FieldName) {
	m.forget(sessionID)
	if err := m.applyRewindAndRestart(context.Background(), sessionID, field); err != nil {
		m.logger.Error("manager: mid-run rewind failed", map[string]interface{}{"session_id": sessionID, "field": field, "error": err.Error()})
	}
}

// applyRewindAndRestart performs the State Store rewind and launches a new
// run beginning at plan time (spec §4.7.5: "re-plans from scratch"),
// reusing the session's last-classified intent rather than re-running
// classification, since rewind targets a worker-output field, not the
// user's original request.
func (m *Manager) applyRewindAndRestart(parent context.Context, sessionID string, field state.FieldName) error {
	snapshot, err := m.deps.Store.Rewind(sessionID, field)
	if err != nil {
		return fmt.Errorf("rewind session %s: %w", sessionID, err)
	}

	tag := intent.NoAction
	if snapshot.Intent != nil {
		tag = intent.Tag(snapshot.Intent.Tag)
	}

	ctx, cancel := context.WithTimeout(parent, m.cfg.RunTimeout)
	ctx = WithSessionID(ctx, sessionID)
	r := &run{ctx: ctx, cancel: cancel, rewindCh: make(chan state.FieldName, 1)}

	m.mu.Lock()
	m.runs[sessionID] = r
	m.mu.Unlock()

	go m.planAndExecute(ctx, sessionID, r, tag, snapshot)
	return nil
}
