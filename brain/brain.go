// Package brain allocates a model tier per worker step. Grounded on the
// teacher's tiered-capability-provider table-driven tier selection by
// complexity/context-size features, generalized to spec §4.4's inputs
// (complexity hint, visual content, document size, intent weight).
package brain

import (
	"fmt"

	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/registry"
)

// Tier is a model capability class.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

var contextWindowByTier = map[Tier]int{
	TierLow:    8_000,
	TierMedium: 32_000,
	TierHigh:   128_000,
}

var modelByTier = map[Tier]string{
	TierLow:    "fast-small",
	TierMedium: "balanced-medium",
	TierHigh:   "capable-large",
}

// Choice is the BrainChoice of spec §4.4.
type Choice struct {
	ModelTier             Tier
	ModelSelected         string
	Rationale             string
	ComplexityAssessment  string
	ExpectedContextWindow int
	FactorsConsidered     []string
}

// ToRegistryChoice adapts Choice to registry.BrainChoice for dispatch.
func (c Choice) ToRegistryChoice() registry.BrainChoice {
	return registry.BrainChoice{
		ModelTier:             string(c.ModelTier),
		Rationale:             c.Rationale,
		ExpectedContextWindow: c.ExpectedContextWindow,
	}
}

// Features are the allocator's inputs (spec §4.4).
type Features struct {
	ComplexityHint    registry.ComplexityHint
	HasVisualContent  bool
	DocumentSizePages int
	IntentWeight      float64 // heavier intents (e.g. full_estimation) bias toward higher tiers
}

// Allocator maps Features to a Choice via a fixed, reproducible rule table
// (spec §4.4: "Rules are table-driven and must be reproducible from inputs
// alone").
type Allocator struct {
	overrides map[string]Tier // spec §6.6 brain_tier_overrides: worker_name -> forced tier
	telem     core.Telemetry
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithOverrides forces specific workers to a fixed tier regardless of
// computed features (spec §6.6 brain_tier_overrides).
func WithOverrides(overrides map[string]Tier) Option {
	return func(a *Allocator) { a.overrides = overrides }
}

// WithTelemetry overrides the allocator's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(a *Allocator) {
		if t != nil {
			a.telem = t
		}
	}
}

// New builds an Allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{overrides: map[string]Tier{}, telem: &core.NoOpTelemetry{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate computes a Choice for workerName given f.
func (a *Allocator) Allocate(workerName string, f Features) Choice {
	if forced, ok := a.overrides[workerName]; ok {
		return Choice{
			ModelTier:             forced,
			ModelSelected:         modelByTier[forced],
			Rationale:             fmt.Sprintf("forced tier override for %s", workerName),
			ComplexityAssessment:  string(f.ComplexityHint),
			ExpectedContextWindow: contextWindowByTier[forced],
			FactorsConsidered:     []string{"tier_override"},
		}
	}

	tier, factors := computeTier(f)
	return Choice{
		ModelTier:             tier,
		ModelSelected:         modelByTier[tier],
		Rationale:             fmt.Sprintf("complexity=%s visual=%v pages=%d weight=%.2f", f.ComplexityHint, f.HasVisualContent, f.DocumentSizePages, f.IntentWeight),
		ComplexityAssessment:  string(f.ComplexityHint),
		ExpectedContextWindow: contextWindowByTier[tier],
		FactorsConsidered:     factors,
	}
}

func computeTier(f Features) (Tier, []string) {
	factors := []string{"complexity_hint"}
	tier := TierLow
	switch f.ComplexityHint {
	case registry.ComplexityHigh:
		tier = TierHigh
	case registry.ComplexityMedium:
		tier = TierMedium
	default:
		tier = TierLow
	}

	if f.HasVisualContent && tier != TierHigh {
		tier = bump(tier)
		factors = append(factors, "visual_content")
	}
	if f.DocumentSizePages > 50 && tier != TierHigh {
		tier = bump(tier)
		factors = append(factors, "document_size")
	}
	if f.IntentWeight >= 0.8 && tier == TierLow {
		tier = TierMedium
		factors = append(factors, "intent_weight")
	}
	return tier, factors
}

func bump(t Tier) Tier {
	switch t {
	case TierLow:
		return TierMedium
	case TierMedium:
		return TierHigh
	default:
		return TierHigh
	}
}
