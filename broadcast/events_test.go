package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagerThinkingDataFields(t *testing.T) {
	d := ManagerThinkingData("assessment", "intake", "looks complete", []string{"file_count"}, 0.8, "shallow")
	assert.Equal(t, "assessment", d["thinking_type"])
	assert.Equal(t, "intake", d["stage"])
	assert.Equal(t, 0.8, d["confidence"])
	assert.Equal(t, []string{"file_count"}, d["factors"])
}

func TestAgentSubstepDataFields(t *testing.T) {
	d := AgentSubstepData("takeoff", SubstepProcessing, 50, map[string]interface{}{"unit": "sf"})
	assert.Equal(t, "takeoff", d["agent_name"])
	assert.Equal(t, "processing", d["substep"])
	assert.Equal(t, 50, d["progress_percentage"])
	assert.Equal(t, map[string]interface{}{"unit": "sf"}, d["substep_details"])
}

func TestWorkflowStateChangeDataNesting(t *testing.T) {
	pipeline := PipelineStatus{FilesProcessed: true, EstimateGenerated: true}
	d := WorkflowStateChangeData(ChangePhaseTransition, "estimator", []string{"intake", "estimator"}, 0.5, []string{"estimator"}, pipeline)

	assert.Equal(t, "phase_transition", d["change_type"])
	viz, ok := d["workflow_visualization"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, 0.5, viz["completion_percentage"])

	status, ok := d["pipeline_status"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, true, status["files_processed"])
	assert.Equal(t, true, status["estimate_generated"])
	assert.Equal(t, false, status["trades_mapped"])
}

func TestBrainAllocationDataFields(t *testing.T) {
	d := BrainAllocationData("estimator", "capable-large", "high", "complex takeoff", "high", 128_000, []string{"document_size"})
	assert.Equal(t, "capable-large", d["model_selected"])
	assert.Equal(t, 128_000, d["context_window"])
}

func TestUserDecisionNeededDataOptionsFlatten(t *testing.T) {
	d := UserDecisionNeededData("d1", "ambiguous_trade", "which trade?", []DecisionOptionData{
		{ID: "a", Label: "Electrical"},
		{ID: "b", Label: "Plumbing"},
	}, "a", 30, true, true, map[string]interface{}{"item": "panel"})

	opts, ok := d["options"].([]map[string]interface{})
	assert.True(t, ok)
	assert.Len(t, opts, 2)
	assert.Equal(t, "a", opts[0]["id"])
	assert.Equal(t, "Electrical", opts[0]["label"])
	assert.Equal(t, true, d["can_skip"])
}

func TestErrorRecoveryDataFields(t *testing.T) {
	d := ErrorRecoveryData("upstream timeout", "warn", "retry", true, []string{"takeoff"}, false)
	assert.Equal(t, "upstream timeout", d["error_message"])
	assert.Equal(t, true, d["can_continue"])
	assert.Equal(t, false, d["user_action_required"])
}
