// Package intent classifies a turn into one of a closed set of intent
// tags. Grounded on pkg/routing's three-tier router design (WorkflowRouter
// pattern rules, AutonomousRouter LLM-driven, HybridRouter pattern-first
// with LLM fallback) — a direct structural match for spec §4.2's
// pattern-pass → LLM-pass → default algorithm. Implemented here as a
// single Classifier rather than three router types, since the spec's
// closed intent set (not an open worker-capability space) makes the
// teacher's cache/confidence-threshold machinery collapse into one type.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/state"
)

// Tag is one of the closed set of intents (spec §4.2).
type Tag string

const (
	FullEstimation          Tag = "full_estimation"
	QuickEstimate           Tag = "quick_estimate"
	FileAnalysis            Tag = "file_analysis"
	ExportExisting          Tag = "export_existing"
	UpdateEstimate          Tag = "update_estimate"
	DataAnalysis            Tag = "data_analysis"
	SpreadsheetIntegration  Tag = "spreadsheet_integration"
	NoAction                Tag = "no_action"
)

var closedSet = map[Tag]bool{
	FullEstimation:         true,
	QuickEstimate:          true,
	FileAnalysis:           true,
	ExportExisting:         true,
	UpdateEstimate:         true,
	DataAnalysis:           true,
	SpreadsheetIntegration: true,
	NoAction:               true,
}

// Result is the classifier's verdict.
type Result struct {
	Tag        Tag
	Confidence float64
	Metadata   map[string]interface{}
}

// Input bundles the classifier's inputs (spec §4.2).
type Input struct {
	Query             string
	FileCount         int
	PopulatedFields   map[state.FieldName]bool
	SpreadsheetURLHit bool
}

// PatternRule is one deterministic rule in the pattern pass. Rules are
// evaluated in declaration order; first match wins (ties broken by
// declaration order, spec §4.2).
type PatternRule struct {
	Name       string
	Match      func(Input) bool
	Tag        Tag
	Confidence float64
}

const (
	highConfidenceThreshold = 0.9
	defaultLowConfidence    = 0.5
)

// Classifier implements spec §4.2's three-stage algorithm: pattern pass,
// LLM pass, default heuristic.
type Classifier struct {
	rules          []PatternRule
	aiClient       core.AIClient
	confidenceFloor float64
	logger         core.Logger
	telem          core.Telemetry

	mu        sync.Mutex
	lastByKey map[string]Result // idempotence guard for confidence>=0.9 results (spec §4.2)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithAIClient wires the LLM fallback pass. Without one, the classifier
// always falls through to the default heuristic on pattern-pass miss,
// which spec §4.2 treats as equivalent to "LLM failure."
func WithAIClient(c core.AIClient) Option {
	return func(cl *Classifier) { cl.aiClient = c }
}

// WithConfidenceFloor overrides the LLM acceptance threshold (default 0.5,
// spec §6.6 intent_confidence_floor).
func WithConfidenceFloor(f float64) Option {
	return func(cl *Classifier) { cl.confidenceFloor = f }
}

// WithLogger overrides the classifier's logger.
func WithLogger(l core.Logger) Option {
	return func(cl *Classifier) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithTelemetry overrides the classifier's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(cl *Classifier) {
		if t != nil {
			cl.telem = t
		}
	}
}

// WithRules replaces the default pattern table, for tests or deployments
// that want a different rule order.
func WithRules(rules []PatternRule) Option {
	return func(cl *Classifier) { cl.rules = rules }
}

// New builds a Classifier with the default pattern table.
func New(opts ...Option) *Classifier {
	cl := &Classifier{
		rules:           DefaultRules(),
		confidenceFloor: defaultLowConfidence,
		logger:          &core.NoOpLogger{},
		telem:           &core.NoOpTelemetry{},
		lastByKey:       make(map[string]Result),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

var spreadsheetURLPattern = regexp.MustCompile(`(?i)https?://[^\s]*spreadsheet-service[^\s]*`)

// DefaultRules returns the pattern pass used absent an override.
func DefaultRules() []PatternRule {
	return []PatternRule{
		{
			Name:       "empty_input",
			Match:      func(in Input) bool { return strings.TrimSpace(in.Query) == "" && in.FileCount == 0 },
			Tag:        NoAction,
			Confidence: 0.99,
		},
		{
			Name:       "spreadsheet_url",
			Match:      func(in Input) bool { return in.SpreadsheetURLHit || spreadsheetURLPattern.MatchString(in.Query) },
			Tag:        SpreadsheetIntegration,
			Confidence: 0.95,
		},
		{
			Name: "export_keyword",
			Match: func(in Input) bool {
				return containsAny(in.Query, "export", "download spreadsheet", "send to spreadsheet") &&
					in.PopulatedFields[state.FieldEstimate]
			},
			Tag:        ExportExisting,
			Confidence: 0.92,
		},
		{
			Name: "quick_estimate_keyword",
			Match: func(in Input) bool {
				return containsAny(in.Query, "quick estimate", "fast estimate") &&
					in.PopulatedFields[state.FieldScopeItems]
			},
			Tag:        QuickEstimate,
			Confidence: 0.9,
		},
		{
			Name: "update_keyword",
			Match: func(in Input) bool {
				return containsAny(in.Query, "update the estimate", "revise estimate", "change pricing") &&
					in.PopulatedFields[state.FieldEstimate]
			},
			Tag:        UpdateEstimate,
			Confidence: 0.9,
		},
	}
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Classify runs the pattern pass, then (if inconclusive) the LLM pass,
// then the default heuristic. It never returns a tag outside the closed
// set. For the same (query, file summary, field flags) input it is
// idempotent once a pattern-pass result with confidence ≥ 0.9 has been
// recorded — later LLM stochasticity must not change that tag (spec §4.2).
func (c *Classifier) Classify(ctx context.Context, in Input) (Result, error) {
	ctx, span := c.telem.StartSpan(ctx, "intent.Classify")
	defer span.End()

	key := idempotenceKey(in)

	if r, ok := c.cached(key); ok {
		return r, nil
	}

	for _, rule := range c.rules {
		if rule.Match(in) && rule.Confidence >= highConfidenceThreshold {
			r := Result{Tag: rule.Tag, Confidence: rule.Confidence, Metadata: map[string]interface{}{"stage": "pattern", "rule": rule.Name}}
			c.remember(key, r)
			return r, nil
		}
	}
	// Lower-confidence pattern matches still short-circuit the LLM pass but
	// are not locked in by the idempotence guard.
	for _, rule := range c.rules {
		if rule.Match(in) {
			return Result{Tag: rule.Tag, Confidence: rule.Confidence, Metadata: map[string]interface{}{"stage": "pattern", "rule": rule.Name}}, nil
		}
	}

	if c.aiClient != nil {
		if r, ok := c.llmPass(ctx, in); ok {
			if r.Confidence >= highConfidenceThreshold {
				c.remember(key, r)
			}
			return r, nil
		}
	}

	r := c.defaultHeuristic(in)
	return r, nil
}

func (c *Classifier) cached(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.lastByKey[key]
	return r, ok
}

func (c *Classifier) remember(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastByKey[key] = r
}

func idempotenceKey(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "q=%s|files=%d", in.Query, in.FileCount)
	for _, f := range []state.FieldName{
		state.FieldFiles, state.FieldProcessedFilesContent, state.FieldTradeMapping,
		state.FieldScopeItems, state.FieldTakeoffData, state.FieldEstimate,
		state.FieldQAFindings, state.FieldExportArtifacts,
	} {
		fmt.Fprintf(&b, "|%s=%v", f, in.PopulatedFields[f])
	}
	return b.String()
}

var llmPrompt = `You are classifying a construction-estimation request into exactly one of:
full_estimation, quick_estimate, file_analysis, export_existing, update_estimate, data_analysis, spreadsheet_integration, no_action.

Respond with the tag on the first line and a confidence between 0 and 1 on the second line.

Query: %s
Files attached: %d
Populated fields: %v`

func (c *Classifier) llmPass(ctx context.Context, in Input) (Result, bool) {
	prompt := fmt.Sprintf(llmPrompt, in.Query, in.FileCount, in.PopulatedFields)
	resp, err := c.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{Temperature: 0})
	if err != nil {
		c.logger.WarnWithContext(ctx, "intent: llm pass failed", map[string]interface{}{"error": err.Error()})
		return Result{}, false
	}

	tag, confidence := parseLLMResponse(resp.Content)
	if !closedSet[tag] {
		c.logger.WarnWithContext(ctx, "intent: llm emitted tag outside closed set", map[string]interface{}{"raw": resp.Content})
		return Result{}, false
	}
	if confidence < c.confidenceFloor {
		return Result{}, false
	}
	return Result{Tag: tag, Confidence: confidence, Metadata: map[string]interface{}{"stage": "llm", "model": resp.Model}}, true
}

func parseLLMResponse(content string) (Tag, float64) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) == 0 {
		return "", 0
	}
	tag := Tag(strings.TrimSpace(strings.ToLower(lines[0])))
	confidence := 0.6 // conservative default when the second line is unparsable
	if len(lines) > 1 {
		var parsed float64
		if _, err := fmt.Sscanf(strings.TrimSpace(lines[1]), "%f", &parsed); err == nil {
			confidence = parsed
		}
	}
	return tag, confidence
}

// defaultHeuristic is stage 3 of spec §4.2: files present ⇒ full_estimation;
// else if estimate present ⇒ export_existing; else no_action.
func (c *Classifier) defaultHeuristic(in Input) Result {
	switch {
	case in.FileCount > 0:
		return Result{Tag: FullEstimation, Confidence: defaultLowConfidence, Metadata: map[string]interface{}{"stage": "default"}}
	case in.PopulatedFields[state.FieldEstimate]:
		return Result{Tag: ExportExisting, Confidence: defaultLowConfidence, Metadata: map[string]interface{}{"stage": "default"}}
	default:
		return Result{Tag: NoAction, Confidence: defaultLowConfidence, Metadata: map[string]interface{}{"stage": "default"}}
	}
}
