package manager

import (
	"context"
	"errors"

	"github.com/fieldstack/blueprint/broadcast"
	"github.com/fieldstack/blueprint/decision"
	"github.com/fieldstack/blueprint/intent"
	"github.com/fieldstack/blueprint/planner"
	"github.com/fieldstack/blueprint/registry"
	"github.com/fieldstack/blueprint/state"
)

// runSession drives spec §4.7's algorithm for one session from its current
// AppState to a terminal status, or until it suspends at a Decision Gate
// checkpoint or is cancelled.
func (m *Manager) runSession(ctx context.Context, sessionID string, r *run) {
	defer func() {
		if m.runStatus(r) != state.StatusAwaitingUser {
			m.mu.Lock()
			if m.runs[sessionID] == r {
				delete(m.runs, sessionID)
			}
			m.mu.Unlock()
		}
	}()

	snapshot, err := m.deps.Store.Read(sessionID)
	if err != nil {
		m.logger.Error("manager: session vanished before run start", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}

	// Step 1: announce.
	if snapshot.Status == state.StatusNew || snapshot.Status == state.StatusIntakeReady {
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeWorkflowStateChange, broadcast.WorkflowStateChangeData(
			broadcast.ChangeWorkflowStarted, "intake", []string{"intake", "analysis", "export"}, 0, nil, pipelineStatus(snapshot),
		))
	}

	m.loop(ctx, sessionID, r, snapshot)
}

// loop is the resumable core of the algorithm (spec §4.7 steps 2-6). It is
// re-entered from the top on every resume: after a decision response, and
// after a rewind.
func (m *Manager) loop(ctx context.Context, sessionID string, r *run, snapshot *state.AppState) {
	m.setStatus(r, state.StatusRunning)

	// Step 2: classify intent. This runs on every entry to loop;
	// re-classification after spreadsheet-intake is handled explicitly
	// in step 3 below.
	it, err := m.classify(ctx, sessionID, snapshot)
	if err != nil {
		m.fail(ctx, sessionID, "classification_error", err.Error(), "", false, broadcast.ChangeWorkflowCompleted)
		return
	}

	// Step 3: spreadsheet_integration is a short-circuit: dispatch the
	// intake worker, transition, re-classify, and fall through to
	// planning with the refreshed intent.
	if it.Tag == intent.SpreadsheetIntegration {
		snapshot, err = m.runSpreadsheetIntake(ctx, sessionID, snapshot)
		if err != nil {
			if errors.Is(err, errSuspended) || errors.Is(err, errFatal) {
				return
			}
			m.fail(ctx, sessionID, "spreadsheet_intake_error", err.Error(), "", false, broadcast.ChangeWorkflowCompleted)
			return
		}
		it, err = m.classify(ctx, sessionID, snapshot)
		if err != nil {
			m.fail(ctx, sessionID, "classification_error", err.Error(), "", false, broadcast.ChangeWorkflowCompleted)
			return
		}
	}

	m.planAndExecute(ctx, sessionID, r, it.Tag, snapshot)
}

// planAndExecute is steps 4-6 of spec §4.7: plan, execute with
// reassessment, then complete. It is the shared tail for a fresh run, a
// decision resume (which skips re-classification, per spec §4.7's "back
// to step 4"), and a rewind (which re-plans from scratch against the
// post-rewind state).
func (m *Manager) planAndExecute(ctx context.Context, sessionID string, r *run, tag intent.Tag, snapshot *state.AppState) {
	plan, err := m.plan(tag, snapshot)
	if err != nil {
		m.fail(ctx, sessionID, "planning_error", err.Error(), "", false, broadcast.ChangeWorkflowCompleted)
		return
	}

	final, suspended := m.execute(ctx, sessionID, r, plan, snapshot)
	if suspended {
		return // awaiting_user: the Decision Gate's resume callback re-enters planAndExecute
	}
	if final == nil {
		return // a fatal error, cancellation, or timeout already terminated the run
	}

	m.complete(ctx, sessionID, final)
}

// errSuspended/errFatal are internal sentinels used by runSpreadsheetIntake
// to signal that the caller has already emitted the terminal event and
// should simply return, without a generic failure message overwriting it.
var (
	errSuspended = errors.New("manager: session suspended for decision")
	errFatal     = errors.New("manager: session terminated fatally")
)

// onDecisionResume is the decision.Gate's resume callback (spec §4.6 step
// 3 / §4.7: "on resume, re-plan ... with updated state"). It runs outside
// any Gate lock, on whatever goroutine called Gate.Submit or the expiry
// scanner.
func (m *Manager) onDecisionResume(sessionID string, response string) {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("manager: decision resumed for untracked session", map[string]interface{}{"session_id": sessionID})
		return
	}

	snapshot, _, err := m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		s.Status = state.StatusRunning
		s.PendingDecision = nil
		if s.ManagerNotes == nil {
			s.ManagerNotes = map[string]interface{}{}
		}
		s.ManagerNotes["last_decision_response"] = response
		return nil, nil
	})
	if err != nil {
		m.logger.Error("manager: failed to apply decision response", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}

	tag := intent.NoAction
	if snapshot.Intent != nil {
		tag = intent.Tag(snapshot.Intent.Tag)
	}
	go m.planAndExecute(r.ctx, sessionID, r, tag, snapshot)
}

// onDecisionExpired is the decision.Gate's ExpiryCallback (spec §4.6 step
// 4): auto-resolve with DefaultOption when one was offered, otherwise fail
// the run with a recoverable user_timeout.
func (m *Manager) onDecisionExpired(ctx context.Context, req *decision.Request) {
	if req.DefaultOption != "" {
		m.onDecisionResume(req.SessionID, req.DefaultOption)
		return
	}
	m.mu.Lock()
	r, ok := m.runs[req.SessionID]
	m.mu.Unlock()
	runCtx := ctx
	if ok {
		runCtx = r.ctx
	}
	m.fail(runCtx, req.SessionID, "user_timeout", "decision timed out with no default option", "", true, broadcast.ChangeWorkflowCompleted)
}

// classify runs the Intent Classifier and records the verdict in state,
// emitting manager_thinking for the routing decision (spec §4.7 step 2).
func (m *Manager) classify(ctx context.Context, sessionID string, snapshot *state.AppState) (intent.Result, error) {
	in := intent.Input{
		Query:           snapshot.Query,
		FileCount:       len(snapshot.Files),
		PopulatedFields: populatedFields(snapshot),
	}
	result, err := m.deps.Classifier.Classify(ctx, in)
	if err != nil {
		return intent.Result{}, err
	}

	_, _, err = m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		s.Intent = &state.Intent{Tag: string(result.Tag), Confidence: result.Confidence, Metadata: result.Metadata}
		return nil, nil
	})
	if err != nil {
		return intent.Result{}, err
	}

	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeManagerThinking, broadcast.ManagerThinkingData(
		"analyzing_input", "route_planning",
		"classified intent as "+string(result.Tag),
		factorNames(result.Metadata), result.Confidence, "standard",
	))
	return result, nil
}

// plan invokes the Route Planner, preferring the shared Cache when present.
func (m *Manager) plan(tag intent.Tag, snapshot *state.AppState) (planner.Plan, error) {
	if m.deps.PlanCache != nil {
		return m.deps.Planner.PlanCached(m.deps.PlanCache, tag, snapshot)
	}
	return m.deps.Planner.Plan(tag, snapshot)
}

func populatedFields(s *state.AppState) map[state.FieldName]bool {
	fields := []state.FieldName{
		state.FieldFiles, state.FieldProcessedFilesContent, state.FieldTradeMapping,
		state.FieldScopeItems, state.FieldTakeoffData, state.FieldEstimate,
		state.FieldQAFindings, state.FieldExportArtifacts,
	}
	out := make(map[state.FieldName]bool, len(fields))
	for _, f := range fields {
		out[f] = s.IsPopulated(f)
	}
	return out
}

func factorNames(metadata map[string]interface{}) []string {
	if metadata == nil {
		return nil
	}
	out := make([]string, 0, len(metadata))
	for k := range metadata {
		out = append(out, k)
	}
	return out
}

func pipelineStatus(s *state.AppState) broadcast.PipelineStatus {
	return broadcast.PipelineStatus{
		FilesProcessed:    s.IsPopulated(state.FieldProcessedFilesContent),
		TradesMapped:      s.IsPopulated(state.FieldTradeMapping),
		ScopeAnalyzed:     s.IsPopulated(state.FieldScopeItems),
		TakeoffCalculated: s.IsPopulated(state.FieldTakeoffData),
		EstimateGenerated: s.IsPopulated(state.FieldEstimate),
		ExportReady:       s.IsPopulated(state.FieldExportArtifacts),
	}
}

// runSpreadsheetIntake dispatches the dedicated spreadsheet-intake worker
// outside the normal plan (spec §4.7 step 3) and returns the refreshed
// snapshot once files are populated.
func (m *Manager) runSpreadsheetIntake(ctx context.Context, sessionID string, snapshot *state.AppState) (*state.AppState, error) {
	desc, ok := m.deps.Registry.Get(registry.NameSpreadsheetIntake)
	if !ok {
		return nil, errors.New("manager: spreadsheet-intake worker not registered")
	}

	choice := m.deps.BrainAlloc.Allocate(desc.Name, featuresFor(desc, snapshot))
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeBrainAllocation, brainAllocationEvent(desc.Name, choice))
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepInitializing, 0, nil))

	result, err := m.dispatchStep(ctx, sessionID, desc, choice, snapshot)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case registry.OutcomeOK:
		updated, err := m.mergeFieldWrites(sessionID, result.FieldWrites)
		if err != nil {
			return nil, err
		}
		_, _, err = m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
			s.Status = state.StatusFilesReadyForAnalysis
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepCompleted, 100, nil))
		return updated, nil
	case registry.OutcomeNeedsUserInput:
		m.suspendForDecision(ctx, sessionID, result)
		return nil, errSuspended
	default:
		m.failFromResult(ctx, sessionID, desc.Name, result)
		return nil, errFatal
	}
}
