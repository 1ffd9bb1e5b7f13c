package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAIClient struct {
	response *core.AIResponse
	err      error
}

func (s *stubAIClient) GenerateResponse(_ context.Context, _ string, _ *core.AIOptions) (*core.AIResponse, error) {
	return s.response, s.err
}

func TestClassifyEmptyInputIsNoAction(t *testing.T) {
	cl := New()
	r, err := cl.Classify(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, NoAction, r.Tag)
	assert.GreaterOrEqual(t, r.Confidence, highConfidenceThreshold)
}

func TestClassifySpreadsheetURLPattern(t *testing.T) {
	cl := New()
	r, err := cl.Classify(context.Background(), Input{Query: "please pull https://spreadsheet-service.internal/sheets/abc"})
	require.NoError(t, err)
	assert.Equal(t, SpreadsheetIntegration, r.Tag)
}

func TestClassifyExportKeywordRequiresEstimate(t *testing.T) {
	cl := New()

	r, err := cl.Classify(context.Background(), Input{Query: "please export this"})
	require.NoError(t, err)
	assert.NotEqual(t, ExportExisting, r.Tag) // no estimate populated yet, falls through

	r, err = cl.Classify(context.Background(), Input{
		Query:           "please export this to a spreadsheet",
		PopulatedFields: map[state.FieldName]bool{state.FieldEstimate: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ExportExisting, r.Tag)
}

func TestClassifyDefaultHeuristic(t *testing.T) {
	cl := New()

	r, err := cl.Classify(context.Background(), Input{FileCount: 2})
	require.NoError(t, err)
	assert.Equal(t, FullEstimation, r.Tag)

	r, err = cl.Classify(context.Background(), Input{PopulatedFields: map[state.FieldName]bool{state.FieldEstimate: true}, Query: "what's next"})
	require.NoError(t, err)
	assert.Equal(t, ExportExisting, r.Tag)

	r, err = cl.Classify(context.Background(), Input{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, NoAction, r.Tag)
}

func TestClassifyIdempotenceGuardLocksHighConfidenceResult(t *testing.T) {
	cl := New()
	in := Input{Query: "please pull https://spreadsheet-service.internal/sheets/abc"}

	first, err := cl.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, SpreadsheetIntegration, first.Tag)

	cl.rules = nil // simulate rules changing underneath; cached result must still win
	second, err := cl.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, SpreadsheetIntegration, second.Tag)
	assert.Equal(t, first.Confidence, second.Confidence)
}

func TestClassifyLLMPassAcceptedAboveFloor(t *testing.T) {
	cl := New(WithAIClient(&stubAIClient{response: &core.AIResponse{Content: "data_analysis\n0.8", Model: "test-model"}}), WithConfidenceFloor(0.5))

	r, err := cl.Classify(context.Background(), Input{Query: "analyze my cost data please"})
	require.NoError(t, err)
	assert.Equal(t, DataAnalysis, r.Tag)
	assert.Equal(t, 0.8, r.Confidence)
	assert.Equal(t, "llm", r.Metadata["stage"])
}

func TestClassifyLLMPassRejectedBelowFloorFallsBackToDefault(t *testing.T) {
	cl := New(WithAIClient(&stubAIClient{response: &core.AIResponse{Content: "data_analysis\n0.2"}}), WithConfidenceFloor(0.5))

	r, err := cl.Classify(context.Background(), Input{Query: "analyze my cost data please"})
	require.NoError(t, err)
	assert.Equal(t, "default", r.Metadata["stage"])
}

func TestClassifyLLMPassRejectsTagOutsideClosedSet(t *testing.T) {
	cl := New(WithAIClient(&stubAIClient{response: &core.AIResponse{Content: "make_coffee\n0.99"}}))

	r, err := cl.Classify(context.Background(), Input{Query: "make me coffee"})
	require.NoError(t, err)
	assert.Equal(t, "default", r.Metadata["stage"])
}

func TestClassifyLLMPassErrorFallsBackToDefault(t *testing.T) {
	cl := New(WithAIClient(&stubAIClient{err: errors.New("boom")}))

	r, err := cl.Classify(context.Background(), Input{Query: "analyze my cost data please"})
	require.NoError(t, err)
	assert.Equal(t, "default", r.Metadata["stage"])
}

func TestWithRulesOverridesDefaultTable(t *testing.T) {
	custom := []PatternRule{
		{Name: "always", Match: func(Input) bool { return true }, Tag: QuickEstimate, Confidence: 0.99},
	}
	cl := New(WithRules(custom))

	r, err := cl.Classify(context.Background(), Input{Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, QuickEstimate, r.Tag)
}
