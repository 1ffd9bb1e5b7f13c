package manager

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fieldstack/blueprint/brain"
	"github.com/fieldstack/blueprint/broadcast"
	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/decision"
	"github.com/fieldstack/blueprint/planner"
	"github.com/fieldstack/blueprint/registry"
	"github.com/fieldstack/blueprint/state"
)

// execute runs a Plan's steps in order, applying results and reassessing
// after each one (spec §4.7 step 5). It returns the final snapshot and
// false once every step has run (or early-exited via reassessment), or
// (nil, true) if the run suspended for a decision, or (nil, false) if the
// run already terminated (fatal error, cancellation, or timeout).
func (m *Manager) execute(ctx context.Context, sessionID string, r *run, plan planner.Plan, snapshot *state.AppState) (*state.AppState, bool) {
	for i := 0; i < len(plan.Steps); i++ {
		select {
		case field := <-r.rewindCh:
			// Spec §4.7.5: rewind pauses the loop at the next reassessment
			// boundary, re-plans from scratch, and resumes. handleMidRunRewind
			// starts the fresh run on its own goroutine and returns, so this
			// run stops here.
			m.handleMidRunRewind(ctx, sessionID, r, field)
			return nil, false
		case <-ctx.Done():
			m.handleCancellation(ctx, sessionID)
			return nil, false
		default:
		}

		step := plan.Steps[i]
		if step.Skip {
			m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(step.WorkerName, broadcast.SubstepSkipped, 100, nil))
			continue
		}

		if step.WorkerName == registry.NameExporter && m.qaBlocksExport(snapshot) {
			m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(step.WorkerName, broadcast.SubstepSkipped, 100, nil))
			_, _ = m.deps.Store.AppendTrace(sessionID, step.WorkerName, state.TraceWarn,
				"export skipped: qa_findings contains a severity=error finding and qa_block_on_error is set", nil)
			continue
		}

		updated, outcome, ok := m.executeStep(ctx, sessionID, step, snapshot)
		if !ok {
			return nil, outcome == registry.OutcomeNeedsUserInput
		}
		snapshot = updated

		completionPct := float64(i+1) / float64(len(plan.Steps)) * 100
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeWorkflowStateChange, broadcast.WorkflowStateChangeData(
			broadcast.ChangePhaseTransition, step.WorkerName, nil, completionPct, []string{step.WorkerName}, pipelineStatus(snapshot),
		))

		if m.deps.Planner.ObjectivesSatisfied(plan.Steps[i+1:], snapshot) {
			break
		}
	}
	return snapshot, false
}

// executeStep runs one plan step end to end: brain allocation, dispatch
// with retry, merge, and the substep-completion event. ok is false once
// the step has produced a terminal (needs_user_input or fatal) outcome
// that execute must stop on; in that case the caller's own emission
// already happened and it should simply propagate.
func (m *Manager) executeStep(ctx context.Context, sessionID string, step planner.Step, snapshot *state.AppState) (*state.AppState, registry.Outcome, bool) {
	desc, ok := m.deps.Registry.Get(step.WorkerName)
	if !ok {
		m.fail(ctx, sessionID, "unknown_worker", "worker "+step.WorkerName+" not found in registry", step.WorkerName, false, broadcast.ChangeWorkflowCompleted)
		return nil, registry.OutcomeFatalErr, false
	}

	choice := m.deps.BrainAlloc.Allocate(desc.Name, featuresFor(desc, snapshot))
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeBrainAllocation, brainAllocationEvent(desc.Name, choice))
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepInitializing, 0, nil))

	result, err := m.dispatchStep(ctx, sessionID, desc, choice, snapshot)
	if ctx.Err() != nil {
		m.handleCancellation(ctx, sessionID)
		return nil, registry.OutcomeFatalErr, false
	}
	if err != nil {
		m.fail(ctx, sessionID, "dispatch_error", err.Error(), desc.Name, false, broadcast.ChangeWorkflowCompleted)
		return nil, registry.OutcomeFatalErr, false
	}

	var updated *state.AppState
	if len(result.FieldWrites) > 0 {
		updated, err = m.mergeFieldWrites(sessionID, result.FieldWrites)
		if err != nil {
			m.fail(ctx, sessionID, "merge_error", err.Error(), desc.Name, false, broadcast.ChangeWorkflowCompleted)
			return nil, registry.OutcomeFatalErr, false
		}
	} else {
		updated = snapshot
	}

	switch result.Outcome {
	case registry.OutcomeOK:
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepCompleted, 100, nil))
		return updated, result.Outcome, true
	case registry.OutcomeRecoverableErr:
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepCompleted, 100, result.Details))
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeErrorRecovery, broadcast.ErrorRecoveryData(result.Message, "medium", "continue", true, []string{desc.Name}, false))
		_, _ = m.deps.Store.AppendTrace(sessionID, desc.Name, state.TraceWarn, result.Message, result.Details)
		return updated, result.Outcome, true
	case registry.OutcomeNeedsUserInput:
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepCompleted, 100, nil))
		m.suspendForDecision(ctx, sessionID, result)
		return nil, result.Outcome, false
	default: // OutcomeFatalErr
		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeAgentSubstep, broadcast.AgentSubstepData(desc.Name, broadcast.SubstepFailed, 100, result.Details))
		m.failFromResult(ctx, sessionID, desc.Name, result)
		return nil, result.Outcome, false
	}
}

// dispatchStep wraps registry.Worker.Dispatch with the per-worker timeout
// (spec §5) and retry policy (spec §4.7.4: up to RetryBudget retries on a
// transient core.ToolError, backoff 500ms doubling to an 8s cap). Retries
// are invisible to state: only the final attempt's Result is ever merged.
//
// Adapted from resilience.Retry (resilience/retry.go): the same
// exponential-backoff shape, generalized to retry conditionally on
// registry.IsTransient rather than unconditionally on any error, since the
// dispatch contract classifies errors before deciding whether a retry is
// warranted.
func (m *Manager) dispatchStep(ctx context.Context, sessionID string, desc *registry.Descriptor, choice brain.Choice, snapshot *state.AppState) (registry.Result, error) {
	const (
		initialDelay = 500 * time.Millisecond
		maxDelay     = 8 * time.Second
	)
	delay := initialDelay
	attempts := m.cfg.RetryBudget + 1
	cb := m.breakerFor(desc.Name)

	for attempt := 1; attempt <= attempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.WorkerDispatchTimeout)
		var result registry.Result
		var err error
		if cb != nil {
			err = cb.ExecuteWithTimeout(dctx, m.cfg.WorkerDispatchTimeout, func() error {
				var dispatchErr error
				result, dispatchErr = desc.Worker.Dispatch(dctx, snapshot, choice.ToRegistryChoice())
				return dispatchErr
			})
		} else {
			result, err = desc.Worker.Dispatch(dctx, snapshot, choice.ToRegistryChoice())
		}
		cancel()

		if err == nil {
			return result, nil
		}

		if errors.Is(err, core.ErrCircuitBreakerOpen) {
			return registry.Result{Outcome: registry.OutcomeRecoverableErr, Message: err.Error()}, nil
		}

		var toolErr *core.ToolError
		isToolErr := errors.As(err, &toolErr)
		transient := isToolErr && registry.IsTransient(toolErr)

		if !transient || attempt == attempts {
			if isToolErr {
				return registry.Result{Outcome: registry.Classify(toolErr), Message: toolErr.Message, Details: map[string]interface{}{"code": toolErr.Code}}, nil
			}
			return registry.Result{Outcome: registry.OutcomeFatalErr, Message: err.Error()}, nil
		}

		m.deps.Broadcaster.Publish(sessionID, broadcast.TypeErrorRecovery, broadcast.ErrorRecoveryData(err.Error(), "low", "retrying", true, []string{desc.Name}, false))

		select {
		case <-ctx.Done():
			return registry.Result{Outcome: registry.OutcomeFatalErr, Message: ctx.Err().Error()}, nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return registry.Result{Outcome: registry.OutcomeFatalErr, Message: "dispatch: exhausted retries"}, nil
}

// qaBlocksExport implements the spec's qa_block_on_error open question
// (default true): a qa-validator finding with severity=error blocks the
// exporter step rather than exporting regardless.
func (m *Manager) qaBlocksExport(snapshot *state.AppState) bool {
	if !m.cfg.QABlockOnError {
		return false
	}
	for _, f := range snapshot.QAFindings {
		if f.Severity == state.SeverityError {
			return true
		}
	}
	return false
}

// mergeFieldWrites is the manager's sole path to C1.apply for worker
// output (spec §4.7.1: "the manager is the sole applier of those writes,
// enforcing I1/I5").
func (m *Manager) mergeFieldWrites(sessionID string, writes map[state.FieldName]interface{}) (*state.AppState, error) {
	updated, _, err := m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		written := make([]state.FieldName, 0, len(writes))
		for f, v := range writes {
			if err := s.SetField(f, v); err != nil {
				return nil, err
			}
			written = append(written, f)
		}
		return written, nil
	})
	return updated, err
}

// featuresFor derives Brain Allocator inputs from a worker's descriptor
// and the current state (spec §4.4).
func featuresFor(desc *registry.Descriptor, snapshot *state.AppState) brain.Features {
	hint := registry.ComplexityMedium
	if desc.ComplexityHints != nil {
		hint = desc.ComplexityHints(snapshot)
	}

	pages, visual := 0, false
	for _, pf := range snapshot.ProcessedFilesContent {
		pages += len(pf.Pages)
		for _, p := range pf.Pages {
			if p.Type == "image_ocr" {
				visual = true
			}
		}
	}

	weight := 0.5
	if snapshot.Intent != nil {
		weight = snapshot.Intent.Confidence
	}

	return brain.Features{ComplexityHint: hint, HasVisualContent: visual, DocumentSizePages: pages, IntentWeight: weight}
}

// satisfiedObjectives lists which output fields were populated by the time
// a run reached status=complete (I2). Used verbatim as the recorded
// manager_notes["objectives_satisfied"] value.
func satisfiedObjectives(s *state.AppState) []string {
	out := make([]string, 0, 8)
	for f, ok := range populatedFields(s) {
		if ok {
			out = append(out, string(f))
		}
	}
	sort.Strings(out)
	return out
}

func brainAllocationEvent(workerName string, choice brain.Choice) map[string]interface{} {
	return broadcast.BrainAllocationData(
		workerName, choice.ModelSelected, string(choice.ModelTier), choice.Rationale,
		choice.ComplexityAssessment, choice.ExpectedContextWindow, choice.FactorsConsidered,
	)
}

// suspendForDecision opens a Decision Gate checkpoint from a
// needs_user_input WorkerResult (spec §4.6 step 1, §4.7.1) and parks the
// session in awaiting_user.
func (m *Manager) suspendForDecision(ctx context.Context, sessionID string, result registry.Result) {
	snap := result.Decision
	if snap == nil {
		snap = &state.DecisionSnapshot{Kind: string(decision.KindConfirmProceed), Prompt: result.Message}
	}
	if snap.DecisionID == "" {
		snap.DecisionID = newDecisionID()
	}
	timeout := time.Duration(snap.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = m.cfg.DecisionTimeout
	}

	req := &decision.Request{
		DecisionID:      snap.DecisionID,
		SessionID:       sessionID,
		Kind:            decision.Kind(snap.Kind),
		Prompt:          snap.Prompt,
		Options:         optionsFromSnapshot(snap.Options),
		DefaultOption:   snap.DefaultOption,
		Timeout:         timeout,
		CanSkip:         snap.CanSkip,
		AffectsWorkflow: snap.AffectsWorkflow,
		Context:         snap.Context,
	}

	if _, _, err := m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		s.Status = state.StatusAwaitingUser
		s.PendingDecision = snap
		return nil, nil
	}); err != nil {
		m.logger.Error("manager: failed to record pending decision", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}

	if err := m.gate.Open(ctx, req); err != nil {
		m.logger.Error("manager: failed to open decision", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}

	m.mu.Lock()
	if r, ok := m.runs[sessionID]; ok {
		m.setStatus(r, state.StatusAwaitingUser)
	}
	m.mu.Unlock()

	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeUserDecisionNeeded, broadcast.UserDecisionNeededData(
		req.DecisionID, string(req.Kind), req.Prompt, eventOptions(req.Options), req.DefaultOption,
		int(req.Timeout.Seconds()), req.CanSkip, req.AffectsWorkflow, req.Context,
	))
}

func optionsFromSnapshot(opts []state.DecisionOption) []decision.Option {
	out := make([]decision.Option, 0, len(opts))
	for _, o := range opts {
		out = append(out, decision.Option{ID: o.ID, Label: o.Label, Detail: o.Detail})
	}
	return out
}

func eventOptions(opts []decision.Option) []broadcast.DecisionOptionData {
	out := make([]broadcast.DecisionOptionData, 0, len(opts))
	for _, o := range opts {
		out = append(out, broadcast.DecisionOptionData{ID: o.ID, Label: o.Label, Detail: o.Detail})
	}
	return out
}

// fail persists a terminal failure (spec §4.7.3/§7) and emits the
// accompanying error_recovery and workflow_state_change events.
func (m *Manager) fail(ctx context.Context, sessionID, kind, message, worker string, recoverable bool, changeType broadcast.ChangeType) {
	updated, _, err := m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		s.Status = state.StatusFailed
		s.Error = &state.ErrorInfo{Kind: kind, Message: message, Worker: worker, Recoverable: recoverable}
		return nil, nil
	})
	if err != nil {
		m.logger.Error("manager: failed to persist terminal failure", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}

	affected := []string{}
	if worker != "" {
		affected = append(affected, worker)
	}
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeErrorRecovery, broadcast.ErrorRecoveryData(message, "high", "abort", false, affected, true))
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeWorkflowStateChange, broadcast.WorkflowStateChangeData(
		changeType, string(kind), nil, 100, nil, pipelineStatus(updated),
	))
	m.forget(sessionID)
}

func (m *Manager) failFromResult(ctx context.Context, sessionID, workerName string, result registry.Result) {
	m.fail(ctx, sessionID, "worker_fatal_error", result.Message, workerName, false, broadcast.ChangeWorkflowCompleted)
}

// complete marks a session done (spec §4.7 step 6, I2: "the manager records
// which objective set was satisfied in manager_notes").
func (m *Manager) complete(ctx context.Context, sessionID string, final *state.AppState) {
	satisfied := satisfiedObjectives(final)
	updated, _, err := m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		s.Status = state.StatusComplete
		if s.ManagerNotes == nil {
			s.ManagerNotes = map[string]interface{}{}
		}
		s.ManagerNotes["objectives_satisfied"] = satisfied
		return nil, nil
	})
	if err != nil {
		m.logger.Error("manager: failed to mark session complete", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeWorkflowStateChange, broadcast.WorkflowStateChangeData(
		broadcast.ChangeWorkflowCompleted, "complete", nil, 100, nil, pipelineStatus(updated),
	))
	m.forget(sessionID)
}

// handleCancellation implements spec §5's cancellation contract: fail any
// open decision, finish the run as failed with error.kind=cancelled, and
// emit the cancelled workflow_state_change.
func (m *Manager) handleCancellation(ctx context.Context, sessionID string) {
	if _, err := m.gate.Fail(context.Background(), sessionID); err != nil {
		m.logger.Warn("manager: failed to clear pending decision on cancel", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
	}

	kind := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = "run_timeout"
	}

	updated, _, err := m.deps.Store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		s.Status = state.StatusFailed
		s.Error = &state.ErrorInfo{Kind: kind, Message: "session " + kind, Recoverable: false}
		return nil, nil
	})
	if err != nil {
		m.logger.Error("manager: failed to persist cancellation", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}
	m.deps.Broadcaster.Publish(sessionID, broadcast.TypeWorkflowStateChange, broadcast.WorkflowStateChangeData(
		broadcast.ChangeCancelled, kind, nil, 100, nil, pipelineStatus(updated),
	))
	m.forget(sessionID)
}
