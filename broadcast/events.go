package broadcast

// Helpers constructing the `data` payload for each of the six mandatory
// event types (spec §6.1). Subscribers must tolerate unknown fields but
// every listed field must be present; these builders guarantee that.

// ManagerThinkingData builds the data object for TypeManagerThinking.
func ManagerThinkingData(thinkingType, stage, analysis string, factors []string, confidence float64, reasoningDepth string) map[string]interface{} {
	return map[string]interface{}{
		"thinking_type":   thinkingType,
		"stage":           stage,
		"analysis":        analysis,
		"factors":         factors,
		"confidence":      confidence,
		"reasoning_depth": reasoningDepth,
	}
}

// Substep is one of the agent_substep lifecycle states.
type Substep string

const (
	SubstepInitializing Substep = "initializing"
	SubstepProcessing   Substep = "processing"
	SubstepCompleted    Substep = "completed"
	SubstepFailed       Substep = "failed"
	SubstepSkipped      Substep = "skipped"
)

// AgentSubstepData builds the data object for TypeAgentSubstep.
func AgentSubstepData(agentName string, substep Substep, progressPercentage int, details map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"agent_name":          agentName,
		"substep":             string(substep),
		"progress_percentage": progressPercentage,
		"substep_details":     details,
	}
}

// ChangeType is one of the workflow_state_change change types.
type ChangeType string

const (
	ChangeWorkflowStarted   ChangeType = "workflow_started"
	ChangePhaseTransition   ChangeType = "phase_transition"
	ChangeWorkflowCompleted ChangeType = "workflow_completed"
	ChangeCancelled         ChangeType = "cancelled"
)

// PipelineStatus is the boolean summary of which pipeline stages have run.
type PipelineStatus struct {
	FilesProcessed    bool
	TradesMapped      bool
	ScopeAnalyzed     bool
	TakeoffCalculated bool
	EstimateGenerated bool
	ExportReady       bool
}

// WorkflowStateChangeData builds the data object for TypeWorkflowStateChange.
func WorkflowStateChangeData(changeType ChangeType, currentStage string, stages []string, completionPct float64, activeAgents []string, pipeline PipelineStatus) map[string]interface{} {
	return map[string]interface{}{
		"change_type":   string(changeType),
		"current_stage": currentStage,
		"workflow_visualization": map[string]interface{}{
			"stages":               stages,
			"completion_percentage": completionPct,
		},
		"active_agents": activeAgents,
		"pipeline_status": map[string]interface{}{
			"files_processed":   pipeline.FilesProcessed,
			"trades_mapped":     pipeline.TradesMapped,
			"scope_analyzed":    pipeline.ScopeAnalyzed,
			"takeoff_calculated": pipeline.TakeoffCalculated,
			"estimate_generated": pipeline.EstimateGenerated,
			"export_ready":      pipeline.ExportReady,
		},
	}
}

// BrainAllocationData builds the data object for TypeBrainAllocation.
func BrainAllocationData(agentName, modelSelected, modelTier, reasoning, complexityAssessment string, contextWindow int, factors []string) map[string]interface{} {
	return map[string]interface{}{
		"agent_name":            agentName,
		"model_selected":        modelSelected,
		"model_tier":            modelTier,
		"reasoning":             reasoning,
		"complexity_assessment": complexityAssessment,
		"context_window":        contextWindow,
		"factors_considered":    factors,
	}
}

// DecisionOptionData is one option within UserDecisionNeededData.
type DecisionOptionData struct {
	ID     string
	Label  string
	Detail string
}

// UserDecisionNeededData builds the data object for TypeUserDecisionNeeded.
func UserDecisionNeededData(decisionID, decisionType, prompt string, options []DecisionOptionData, defaultOption string, timeoutSeconds int, canSkip, affectsWorkflow bool, ctx map[string]interface{}) map[string]interface{} {
	opts := make([]map[string]interface{}, 0, len(options))
	for _, o := range options {
		opts = append(opts, map[string]interface{}{"id": o.ID, "label": o.Label, "detail": o.Detail})
	}
	return map[string]interface{}{
		"decision_id":      decisionID,
		"decision_type":    decisionType,
		"prompt":           prompt,
		"options":          opts,
		"default_option":   defaultOption,
		"timeout_seconds":  timeoutSeconds,
		"can_skip":         canSkip,
		"affects_workflow": affectsWorkflow,
		"context":          ctx,
	}
}

// ErrorRecoveryData builds the data object for TypeErrorRecovery.
func ErrorRecoveryData(errorMessage, severity, recoveryStrategy string, canContinue bool, affectedAgents []string, userActionRequired bool) map[string]interface{} {
	return map[string]interface{}{
		"error_message":        errorMessage,
		"severity":             severity,
		"recovery_strategy":    recoveryStrategy,
		"can_continue":         canContinue,
		"affected_agents":      affectedAgents,
		"user_action_required": userActionRequired,
	}
}
