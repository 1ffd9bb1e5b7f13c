package registry

import (
	"context"

	"github.com/fieldstack/blueprint/state"
)

// Canonical worker names referenced by the planner's intent→sequence table
// (spec §4.3) and the worker registry (spec §3.3, §6.3).
const (
	NameFileReader        = "file-reader"
	NameTradeMapper       = "trade-mapper"
	NameScope             = "scope"
	NameTakeoff           = "takeoff"
	NameEstimator         = "estimator"
	NameQAValidator       = "qa-validator"
	NameExporter          = "exporter"
	NameSpreadsheetIntake = "spreadsheet-intake"
)

// NewDefaultDescriptors builds the fixed WorkerDescriptor table for the
// construction-document pipeline (spec §3.3, §4.3). Worker internals are
// out of scope (spec §1); impls supplies the concrete Worker for each
// name — callers wire their own adapters (LLM-backed extraction, takeoff
// calculators, spreadsheet-service clients, ...). A nil entry in impls
// falls back to a NoOpWorker that always returns a fatal configuration
// error, so an incompletely wired registry fails loudly at dispatch time
// rather than silently no-opping.
func NewDefaultDescriptors(impls map[string]Worker) []*Descriptor {
	worker := func(name string) Worker {
		if w, ok := impls[name]; ok && w != nil {
			return w
		}
		return NoOpWorker{Name: name}
	}

	neverFresh := func(_ *state.AppState) bool { return false }

	return []*Descriptor{
		{
			Name:     NameFileReader,
			Requires: []state.FieldName{state.FieldFiles},
			Produces: []state.FieldName{state.FieldProcessedFilesContent},
			SkipIfFresh: func(s *state.AppState) bool {
				return len(s.ProcessedFilesContent) > 0
			},
			ComplexityHints: func(s *state.AppState) ComplexityHint {
				if len(s.Files) > 5 {
					return ComplexityHigh
				}
				return ComplexityMedium
			},
			Worker: worker(NameFileReader),
		},
		{
			Name:     NameTradeMapper,
			Requires: []state.FieldName{state.FieldProcessedFilesContent},
			Produces: []state.FieldName{state.FieldTradeMapping},
			SkipIfFresh: func(s *state.AppState) bool {
				return len(s.TradeMapping) > 0
			},
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityMedium },
			Worker:          worker(NameTradeMapper),
		},
		{
			Name:     NameScope,
			Requires: []state.FieldName{state.FieldTradeMapping},
			Produces: []state.FieldName{state.FieldScopeItems},
			SkipIfFresh: func(s *state.AppState) bool {
				return len(s.ScopeItems) > 0
			},
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityMedium },
			Worker:          worker(NameScope),
		},
		{
			Name:     NameTakeoff,
			Requires: []state.FieldName{state.FieldScopeItems},
			Produces: []state.FieldName{state.FieldTakeoffData},
			SkipIfFresh: func(s *state.AppState) bool {
				return len(s.TakeoffData) > 0
			},
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityHigh },
			Worker:          worker(NameTakeoff),
		},
		{
			Name:     NameEstimator,
			Requires: []state.FieldName{state.FieldTakeoffData},
			Produces: []state.FieldName{state.FieldEstimate},
			SkipIfFresh: func(s *state.AppState) bool {
				return len(s.Estimate) > 0
			},
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityHigh },
			Worker:          worker(NameEstimator),
		},
		{
			Name:     NameQAValidator,
			Requires: []state.FieldName{state.FieldEstimate},
			Produces: []state.FieldName{state.FieldQAFindings},
			SkipIfFresh: neverFresh, // QA always reruns against the current estimate
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityMedium },
			Worker:          worker(NameQAValidator),
		},
		{
			Name:     NameExporter,
			Requires: []state.FieldName{state.FieldEstimate},
			Produces: []state.FieldName{state.FieldExportArtifacts},
			SkipIfFresh: neverFresh, // export is requested explicitly each time
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityLow },
			Worker:          worker(NameExporter),
		},
		{
			Name:     NameSpreadsheetIntake,
			Requires: nil,
			Produces: []state.FieldName{state.FieldFiles},
			SkipIfFresh: neverFresh,
			ComplexityHints: func(s *state.AppState) ComplexityHint { return ComplexityLow },
			Worker:          worker(NameSpreadsheetIntake),
		},
	}
}

// NoOpWorker is a placeholder Worker for any name not supplied by the
// caller's impls map; it fails fatal rather than silently succeeding, per
// spec §4.7.3's "missing required credentials, configuration errors ⇒
// fatal" classification (an unconfigured worker is a configuration error).
type NoOpWorker struct{ Name string }

func (n NoOpWorker) Dispatch(_ context.Context, _ *state.AppState, _ BrainChoice) (Result, error) {
	return Result{
		Outcome: OutcomeFatalErr,
		Message: "worker " + n.Name + " is not configured",
		Details: map[string]interface{}{"worker": n.Name},
	}, nil
}
