// Package registry holds the fixed, loaded-at-startup table of worker
// descriptors (spec §3.3) and dispatches to them. Grounded on the teacher's
// orchestration.AgentCatalog (catalog.go): a name-indexed capability table
// with a discovery-backed refresh path, generalized here to a static
// construction-pipeline worker set plus an optional Redis-backed mirror
// for multi-instance visibility.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldstack/blueprint/state"
)

// ComplexityHint is a coarse label used by the Brain Allocator.
type ComplexityHint string

const (
	ComplexityLow    ComplexityHint = "low"
	ComplexityMedium ComplexityHint = "med"
	ComplexityHigh   ComplexityHint = "high"
)

// Worker is the orchestrator-to-external contract of spec §6.3.
type Worker interface {
	Dispatch(ctx context.Context, snapshot *state.AppState, brain BrainChoice) (Result, error)
}

// BrainChoice mirrors brain.Choice without creating an import cycle
// between registry and brain; brain.Choice carries this type's field set
// and converts to it with ToRegistryChoice.
type BrainChoice struct {
	ModelTier            string
	Rationale            string
	ExpectedContextWindow int
}

// Outcome classifies a WorkerResult (spec §4.7.1).
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeNeedsUserInput  Outcome = "needs_user_input"
	OutcomeRecoverableErr  Outcome = "recoverable_error"
	OutcomeFatalErr        Outcome = "fatal_error"
)

// Result is the WorkerResult of spec §4.7.1. Workers never raise across the
// dispatch boundary (spec §7); they always return a Result.
type Result struct {
	Outcome Outcome

	// OutcomeOK
	FieldWrites map[state.FieldName]interface{}

	// OutcomeNeedsUserInput
	Decision *state.DecisionSnapshot

	// OutcomeRecoverableErr / OutcomeFatalErr
	Message string
	Details map[string]interface{}
}

// SkipPredicate reports whether a worker's output is already valid and the
// step may be omitted from the plan.
type SkipPredicate func(s *state.AppState) bool

// ComplexityFunc derives a coarse complexity label from state, for the
// Brain Allocator.
type ComplexityFunc func(s *state.AppState) ComplexityHint

// Descriptor is the WorkerDescriptor of spec §3.3.
type Descriptor struct {
	Name            string
	Requires        []state.FieldName
	Produces        []state.FieldName
	SkipIfFresh     SkipPredicate
	ComplexityHints ComplexityFunc
	Worker          Worker
}

var errNilDescriptor = errors.New("registry: nil descriptor")

// Registry is the fixed worker table, immutable after startup (spec §5:
// "No global mutable state beyond per-session stores and registries (which
// are immutable after startup)").
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	order       []string // declaration order, for deterministic iteration
	mirror      Mirror
}

// Mirror is an optional observer notified of registry contents, satisfied
// by RedisBackedRegistry for multi-instance deployments (spec DOMAIN STACK).
type Mirror interface {
	Sync(names []string)
}

// New builds a Registry from descriptors, preserving declaration order.
func New(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d == nil {
			return nil, errNilDescriptor
		}
		if _, exists := r.descriptors[d.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate worker name %q", d.Name)
		}
		r.descriptors[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// WithMirror attaches an optional external mirror, synced once at
// construction since the table is immutable thereafter.
func (r *Registry) WithMirror(m Mirror) *Registry {
	r.mirror = m
	if m != nil {
		m.Sync(r.Names())
	}
	return r
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns worker names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Owner implements state.Dependency: the worker (if any) that produces f.
func (r *Registry) Owner(f state.FieldName) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		for _, p := range r.descriptors[name].Produces {
			if p == f {
				return name
			}
		}
	}
	return ""
}

// Requires implements state.Dependency: f's producer's prerequisite fields.
func (r *Registry) Requires(f state.FieldName) []state.FieldName {
	owner := r.Owner(f)
	if owner == "" {
		return nil
	}
	d, _ := r.Get(owner)
	return d.Requires
}

// Dependents implements state.Dependency: the transitive closure of fields
// whose producers require f (directly or through another dependent field),
// for Rewind (spec §3.4, property P8).
func (r *Registry) Dependents(f state.FieldName) []state.FieldName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[state.FieldName]bool{f: true}
	frontier := []state.FieldName{f}
	var result []state.FieldName

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, name := range r.order {
			d := r.descriptors[name]
			if requiresField(d.Requires, cur) {
				for _, p := range d.Produces {
					if !seen[p] {
						seen[p] = true
						result = append(result, p)
						frontier = append(frontier, p)
					}
				}
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func requiresField(requires []state.FieldName, f state.FieldName) bool {
	for _, r := range requires {
		if r == f {
			return true
		}
	}
	return false
}
