// Package state owns the per-session AppState: the canonical record of a
// construction-document analysis run. It is the single serialized entry
// point for mutating that record; every other component reads a snapshot
// and writes through Apply.
package state

import (
	"fmt"
	"time"
)

// Status is the lifecycle stage of a session.
type Status string

const (
	StatusNew                   Status = "new"
	StatusIntakeReady           Status = "intake_ready"
	StatusRunning               Status = "running"
	StatusAwaitingUser          Status = "awaiting_user"
	StatusFilesReadyForAnalysis Status = "files_ready_for_analysis"
	StatusComplete              Status = "complete"
	StatusFailed                Status = "failed"
)

// FileRef describes one uploaded or referenced input file.
type FileRef struct {
	Name  string `json:"name"`
	Mime  string `json:"mime"`
	URL   string `json:"url,omitempty"`
	Bytes []byte `json:"-"`
	Size  int64  `json:"size"`
}

// Intent is the classifier's verdict for a turn.
type Intent struct {
	Tag        string                 `json:"tag"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Page is one unit of extracted file content.
type Page struct {
	Type    string `json:"type"` // text, table, image_ocr
	Content string `json:"content"`
}

// ProcessedFile is a file-reader worker output entry.
type ProcessedFile struct {
	Pages []Page `json:"pages"`
}

// TradeMappingEntry is a trade-mapper worker output entry.
type TradeMappingEntry struct {
	Trade      string  `json:"trade"`
	SectionRef string  `json:"section_ref"`
	Confidence float64 `json:"confidence"`
}

// ScopeItem is a scope worker output entry.
type ScopeItem struct {
	Trade       string `json:"trade"`
	Item        string `json:"item"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Spec        string `json:"spec,omitempty"`
	Qty         string `json:"qty,omitempty"`
}

// TakeoffEntry is a takeoff worker output entry.
type TakeoffEntry struct {
	ScopeRef    string   `json:"scope_ref"`
	Quantity    float64  `json:"quantity"`
	Unit        string   `json:"unit"`
	Method      string   `json:"method"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// EstimateLine is an estimator worker output entry.
type EstimateLine struct {
	LineRef   string             `json:"line_ref"`
	UnitCost  float64            `json:"unit_cost"`
	Extended  float64            `json:"extended"`
	Subtotals map[string]float64 `json:"subtotals,omitempty"`
	Totals    map[string]float64 `json:"totals,omitempty"`
}

// Severity of a QA finding.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// QAFinding is a qa-validator worker output entry.
type QAFinding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Ref      string   `json:"ref,omitempty"`
}

// ErrorInfo records the terminal or in-flight error for a run.
type ErrorInfo struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Worker      string `json:"worker,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// TraceLevel classifies a trace entry.
type TraceLevel string

const (
	TraceInfo  TraceLevel = "info"
	TraceWarn  TraceLevel = "warn"
	TraceError TraceLevel = "error"
)

// TraceEntry is one append-only record in AppState.AgentTrace.
type TraceEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Worker    string                 `json:"worker"`
	Level     TraceLevel             `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AppState is the single source of truth for a running (or finished)
// analysis session. Field ownership follows the worker registry: every
// worker-output field is written by exactly one worker role.
type AppState struct {
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Files     []FileRef `json:"files"`

	Intent *Intent `json:"intent,omitempty"`

	ProcessedFilesContent map[string]ProcessedFile `json:"processed_files_content,omitempty"`
	TradeMapping          []TradeMappingEntry       `json:"trade_mapping,omitempty"`
	ScopeItems            []ScopeItem               `json:"scope_items,omitempty"`
	TakeoffData           []TakeoffEntry            `json:"takeoff_data,omitempty"`
	Estimate              []EstimateLine            `json:"estimate,omitempty"`
	QAFindings            []QAFinding               `json:"qa_findings,omitempty"`
	ExportArtifacts       map[string]string         `json:"export_artifacts,omitempty"`

	Status          Status                 `json:"status"`
	PendingDecision *DecisionSnapshot      `json:"pending_decision,omitempty"`
	AgentTrace      []TraceEntry           `json:"agent_trace"`
	Error           *ErrorInfo             `json:"error,omitempty"`
	ManagerNotes    map[string]interface{} `json:"manager_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecisionSnapshot is the State Store's view of a pending decision; the
// decision package owns the authoritative Request type and converts to
// and from this shape at the Apply boundary.
type DecisionSnapshot struct {
	DecisionID      string                 `json:"decision_id"`
	Kind            string                 `json:"kind"`
	Prompt          string                 `json:"prompt"`
	Options         []DecisionOption       `json:"options,omitempty"`
	DefaultOption   string                 `json:"default_option,omitempty"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	CanSkip         bool                   `json:"can_skip"`
	AffectsWorkflow bool                   `json:"affects_workflow"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

// DecisionOption is one selectable choice in a DecisionSnapshot.
type DecisionOption struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// FieldName enumerates the worker-output fields subject to ownership (I1),
// dependency (I5), and rewind (§3.4) rules. These are the names that
// appear in a WorkerDescriptor's Requires/Produces sets.
type FieldName string

const (
	FieldFiles                 FieldName = "files"
	FieldProcessedFilesContent FieldName = "processed_files_content"
	FieldTradeMapping          FieldName = "trade_mapping"
	FieldScopeItems            FieldName = "scope_items"
	FieldTakeoffData           FieldName = "takeoff_data"
	FieldEstimate              FieldName = "estimate"
	FieldQAFindings            FieldName = "qa_findings"
	FieldExportArtifacts       FieldName = "export_artifacts"
)

// IsPopulated reports whether the named field currently holds data.
func (s *AppState) IsPopulated(f FieldName) bool {
	switch f {
	case FieldFiles:
		return len(s.Files) > 0
	case FieldProcessedFilesContent:
		return len(s.ProcessedFilesContent) > 0
	case FieldTradeMapping:
		return len(s.TradeMapping) > 0
	case FieldScopeItems:
		return len(s.ScopeItems) > 0
	case FieldTakeoffData:
		return len(s.TakeoffData) > 0
	case FieldEstimate:
		return len(s.Estimate) > 0
	case FieldQAFindings:
		return len(s.QAFindings) > 0
	case FieldExportArtifacts:
		return len(s.ExportArtifacts) > 0
	default:
		return false
	}
}

// clearField zeroes the named field in place.
func (s *AppState) clearField(f FieldName) {
	switch f {
	case FieldFiles:
		s.Files = nil
	case FieldProcessedFilesContent:
		s.ProcessedFilesContent = nil
	case FieldTradeMapping:
		s.TradeMapping = nil
	case FieldScopeItems:
		s.ScopeItems = nil
	case FieldTakeoffData:
		s.TakeoffData = nil
	case FieldEstimate:
		s.Estimate = nil
	case FieldQAFindings:
		s.QAFindings = nil
	case FieldExportArtifacts:
		s.ExportArtifacts = nil
	}
}

// SetField assigns v to worker-output field f, for use inside a
// Store.Apply mutation (manager/dispatch.go's mergeFieldWrites is the only
// caller). Returns an error if v is not the concrete type f expects, so a
// misbehaving worker fails the Apply rather than silently corrupting state.
func (s *AppState) SetField(f FieldName, v interface{}) error {
	switch f {
	case FieldFiles:
		files, ok := v.([]FileRef)
		if !ok {
			return fmt.Errorf("state: field %s expects []FileRef, got %T", f, v)
		}
		s.Files = files
	case FieldProcessedFilesContent:
		m, ok := v.(map[string]ProcessedFile)
		if !ok {
			return fmt.Errorf("state: field %s expects map[string]ProcessedFile, got %T", f, v)
		}
		s.ProcessedFilesContent = m
	case FieldTradeMapping:
		m, ok := v.([]TradeMappingEntry)
		if !ok {
			return fmt.Errorf("state: field %s expects []TradeMappingEntry, got %T", f, v)
		}
		s.TradeMapping = m
	case FieldScopeItems:
		m, ok := v.([]ScopeItem)
		if !ok {
			return fmt.Errorf("state: field %s expects []ScopeItem, got %T", f, v)
		}
		s.ScopeItems = m
	case FieldTakeoffData:
		m, ok := v.([]TakeoffEntry)
		if !ok {
			return fmt.Errorf("state: field %s expects []TakeoffEntry, got %T", f, v)
		}
		s.TakeoffData = m
	case FieldEstimate:
		m, ok := v.([]EstimateLine)
		if !ok {
			return fmt.Errorf("state: field %s expects []EstimateLine, got %T", f, v)
		}
		s.Estimate = m
	case FieldQAFindings:
		m, ok := v.([]QAFinding)
		if !ok {
			return fmt.Errorf("state: field %s expects []QAFinding, got %T", f, v)
		}
		s.QAFindings = m
	case FieldExportArtifacts:
		m, ok := v.(map[string]string)
		if !ok {
			return fmt.Errorf("state: field %s expects map[string]string, got %T", f, v)
		}
		s.ExportArtifacts = m
	default:
		return fmt.Errorf("state: unknown field %s", f)
	}
	return nil
}

// Clone returns a deep-enough copy of s for use as a read snapshot: callers
// may freely read nested slices/maps without racing the store's next Apply,
// but must not mutate them in place.
func (s *AppState) Clone() *AppState {
	if s == nil {
		return nil
	}
	c := *s
	c.Files = append([]FileRef(nil), s.Files...)
	if s.Intent != nil {
		intentCopy := *s.Intent
		c.Intent = &intentCopy
	}
	if s.ProcessedFilesContent != nil {
		c.ProcessedFilesContent = make(map[string]ProcessedFile, len(s.ProcessedFilesContent))
		for k, v := range s.ProcessedFilesContent {
			c.ProcessedFilesContent[k] = v
		}
	}
	c.TradeMapping = append([]TradeMappingEntry(nil), s.TradeMapping...)
	c.ScopeItems = append([]ScopeItem(nil), s.ScopeItems...)
	c.TakeoffData = append([]TakeoffEntry(nil), s.TakeoffData...)
	c.Estimate = append([]EstimateLine(nil), s.Estimate...)
	c.QAFindings = append([]QAFinding(nil), s.QAFindings...)
	if s.ExportArtifacts != nil {
		c.ExportArtifacts = make(map[string]string, len(s.ExportArtifacts))
		for k, v := range s.ExportArtifacts {
			c.ExportArtifacts[k] = v
		}
	}
	if s.PendingDecision != nil {
		pd := *s.PendingDecision
		c.PendingDecision = &pd
	}
	c.AgentTrace = append([]TraceEntry(nil), s.AgentTrace...)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.ManagerNotes != nil {
		c.ManagerNotes = make(map[string]interface{}, len(s.ManagerNotes))
		for k, v := range s.ManagerNotes {
			c.ManagerNotes[k] = v
		}
	}
	return &c
}
