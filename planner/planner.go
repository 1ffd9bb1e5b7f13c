// Package planner turns an intent and current AppState into an ordered
// worker plan. Grounded on the teacher's orchestration DAG/workflow-engine
// validation pattern (stage ordering, missing-input detection), generalized
// here to the fixed canonical-sequence table of spec §4.3 rather than a
// dynamically constructed DAG, since the spec's route table is closed and
// per-intent instead of derived from an LLM-authored plan.
package planner

import (
	"errors"
	"fmt"

	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/intent"
	"github.com/fieldstack/blueprint/registry"
	"github.com/fieldstack/blueprint/state"
)

// ErrUnmetDependency is returned when a non-skipped step's prerequisites
// cannot be satisfied by intake or a preceding non-skipped step.
var ErrUnmetDependency = errors.New("unmet dependency in plan")

// Step is the PlanStep of spec §4.3.
type Step struct {
	WorkerName string
	Rationale  string
	Skip       bool
}

// Plan is the planner's output: an ordered sequence of Steps.
type Plan struct {
	Intent intent.Tag
	Steps  []Step
}

// canonicalSequences is the fixed table of spec §4.3.
var canonicalSequences = map[intent.Tag][]string{
	intent.FullEstimation: {
		registry.NameFileReader, registry.NameTradeMapper, registry.NameScope,
		registry.NameTakeoff, registry.NameEstimator, registry.NameQAValidator, registry.NameExporter,
	},
	intent.QuickEstimate: {
		registry.NameTakeoff, registry.NameEstimator, registry.NameQAValidator,
	},
	intent.FileAnalysis: {
		registry.NameFileReader, registry.NameTradeMapper, registry.NameScope,
	},
	intent.ExportExisting: {
		registry.NameExporter,
	},
	intent.UpdateEstimate: {
		registry.NameEstimator, registry.NameQAValidator, registry.NameExporter,
	},
	intent.DataAnalysis: {
		registry.NameFileReader, registry.NameTradeMapper, registry.NameScope,
	},
	intent.SpreadsheetIntegration: {
		registry.NameSpreadsheetIntake,
	},
	intent.NoAction: {},
}

// Planner is stateless and deterministic given its inputs (spec L1).
type Planner struct {
	reg    *registry.Registry
	telem  core.Telemetry
}

// Option configures a Planner.
type Option func(*Planner)

// WithTelemetry overrides the planner's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(p *Planner) {
		if t != nil {
			p.telem = t
		}
	}
}

// New builds a Planner bound to reg.
func New(reg *registry.Registry, opts ...Option) *Planner {
	p := &Planner{reg: reg, telem: &core.NoOpTelemetry{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan implements spec §4.3's algorithm: look up the canonical sequence,
// evaluate skip_if_fresh per step, validate dependencies are satisfiable,
// and emit the ordered plan.
func (p *Planner) Plan(it intent.Tag, snapshot *state.AppState) (Plan, error) {
	names, ok := canonicalSequences[it]
	if !ok {
		return Plan{}, fmt.Errorf("planner: unknown intent %q", it)
	}

	plan := Plan{Intent: it, Steps: make([]Step, 0, len(names))}

	// Track what will be populated by the time each step runs: intake
	// fields already present, plus the produces of preceding non-skipped
	// steps (or skipped steps, since skip_if_fresh means the field is
	// already populated).
	populated := populatedSnapshot(snapshot)

	for _, name := range names {
		desc, ok := p.reg.Get(name)
		if !ok {
			return Plan{}, fmt.Errorf("planner: worker %q not found in registry: %w", name, ErrUnmetDependency)
		}

		skip := desc.SkipIfFresh != nil && desc.SkipIfFresh(snapshot)

		if !skip {
			for _, req := range desc.Requires {
				if !populated[req] {
					return Plan{}, fmt.Errorf("planner: step %q requires %q which is neither populated nor produced upstream: %w", name, req, ErrUnmetDependency)
				}
			}
		}

		for _, prod := range desc.Produces {
			populated[prod] = true
		}

		rationale := "scheduled"
		if skip {
			rationale = "output already fresh"
		}
		plan.Steps = append(plan.Steps, Step{WorkerName: name, Rationale: rationale, Skip: skip})
	}

	return plan, nil
}

// PlanCached is Plan with a Cache consulted first; a hit skips
// re-evaluating skip_if_fresh/dependency validation entirely.
func (p *Planner) PlanCached(cache *Cache, it intent.Tag, snapshot *state.AppState) (Plan, error) {
	if cache != nil {
		if plan, ok := cache.Get(string(it), snapshot); ok {
			return plan, nil
		}
	}
	plan, err := p.Plan(it, snapshot)
	if err != nil {
		return Plan{}, err
	}
	if cache != nil {
		cache.Set(string(it), snapshot, plan)
	}
	return plan, nil
}

func populatedSnapshot(s *state.AppState) map[state.FieldName]bool {
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

// ObjectivesSatisfied reports whether every remaining (non-skipped-so-far)
// step's output is already populated and its skip_if_fresh predicate now
// holds, letting the manager break out of its loop early (spec §4.7 step 5
// "reassess").
func (p *Planner) ObjectivesSatisfied(remaining []Step, snapshot *state.AppState) bool {
	for _, step := range remaining {
		if step.Skip {
			continue
		}
		desc, ok := p.reg.Get(step.WorkerName)
		if !ok {
			return false
		}
		if desc.SkipIfFresh == nil || !desc.SkipIfFresh(snapshot) {
			return false
		}
	}
	return true
}
