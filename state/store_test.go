package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeps is a minimal Dependency stand-in mirroring the planner's
// registry-backed owner/requires/dependents table, scoped to the fields a
// test actually exercises.
type fakeDeps struct {
	owner      map[FieldName]string
	requires   map[FieldName][]FieldName
	dependents map[FieldName][]FieldName
}

func (f *fakeDeps) Owner(name FieldName) string { return f.owner[name] }
func (f *fakeDeps) Requires(name FieldName) []FieldName {
	return f.requires[name]
}
func (f *fakeDeps) Dependents(name FieldName) []FieldName {
	return f.dependents[name]
}

func TestStoreCreateAndRead(t *testing.T) {
	st := NewStore(nil)

	s, err := st.Create("sess-1", "estimate this building", []FileRef{{Name: "plans.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, s.Status)
	assert.Equal(t, "sess-1", s.SessionID)

	_, err = st.Create("sess-1", "dup", nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	read, err := st.Read("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "estimate this building", read.Query)

	_, err = st.Read("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreApplyRejectsUnknownSession(t *testing.T) {
	st := NewStore(nil)
	_, _, err := st.Apply("nope", func(s *AppState) ([]FieldName, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreApplyEnforcesDependencyBeforeUse(t *testing.T) {
	deps := &fakeDeps{
		requires: map[FieldName][]FieldName{
			FieldScopeItems: {FieldTradeMapping},
		},
	}
	st := NewStore(deps)
	_, err := st.Create("sess-1", "q", nil)
	require.NoError(t, err)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		return []FieldName{FieldScopeItems}, s.SetField(FieldScopeItems, []ScopeItem{{Trade: "electrical"}})
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		return []FieldName{FieldTradeMapping}, s.SetField(FieldTradeMapping, []TradeMappingEntry{{Trade: "electrical"}})
	})
	require.NoError(t, err)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		return []FieldName{FieldScopeItems}, s.SetField(FieldScopeItems, []ScopeItem{{Trade: "electrical"}})
	})
	assert.NoError(t, err)
}

func TestStoreApplyEnforcesPendingDecisionInvariant(t *testing.T) {
	st := NewStore(nil)
	_, err := st.Create("sess-1", "q", nil)
	require.NoError(t, err)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		s.PendingDecision = &DecisionSnapshot{DecisionID: "d1"}
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		s.PendingDecision = &DecisionSnapshot{DecisionID: "d1"}
		s.Status = StatusAwaitingUser
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestStoreAppendTraceIsMonotonic(t *testing.T) {
	st := NewStore(nil)
	_, err := st.Create("sess-1", "q", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := st.AppendTrace("sess-1", "file-reader", TraceInfo, "step", nil)
		require.NoError(t, err)
	}

	read, err := st.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, read.AgentTrace, 5)
	for i := 1; i < len(read.AgentTrace); i++ {
		assert.True(t, read.AgentTrace[i].Timestamp.After(read.AgentTrace[i-1].Timestamp))
	}
}

func TestStoreRewindClearsDependents(t *testing.T) {
	deps := &fakeDeps{
		dependents: map[FieldName][]FieldName{
			FieldTradeMapping: {FieldScopeItems, FieldTakeoffData},
		},
	}
	st := NewStore(deps)
	_, err := st.Create("sess-1", "q", nil)
	require.NoError(t, err)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		_ = s.SetField(FieldTradeMapping, []TradeMappingEntry{{Trade: "electrical"}})
		_ = s.SetField(FieldScopeItems, []ScopeItem{{Trade: "electrical"}})
		_ = s.SetField(FieldTakeoffData, []TakeoffEntry{{ScopeRef: "x"}})
		s.Status = StatusComplete
		return []FieldName{FieldTradeMapping, FieldScopeItems, FieldTakeoffData}, nil
	})
	require.NoError(t, err)

	rewound, err := st.Rewind("sess-1", FieldTradeMapping)
	require.NoError(t, err)
	assert.False(t, rewound.IsPopulated(FieldTradeMapping))
	assert.False(t, rewound.IsPopulated(FieldScopeItems))
	assert.False(t, rewound.IsPopulated(FieldTakeoffData))
	assert.Equal(t, StatusRunning, rewound.Status)
}

func TestStoreRewindRejectsAwaitingUser(t *testing.T) {
	st := NewStore(nil)
	_, err := st.Create("sess-1", "q", nil)
	require.NoError(t, err)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		s.PendingDecision = &DecisionSnapshot{DecisionID: "d1"}
		s.Status = StatusAwaitingUser
		return nil, nil
	})
	require.NoError(t, err)

	_, err = st.Rewind("sess-1", FieldTradeMapping)
	assert.ErrorIs(t, err, ErrNotRewindable)
}

func TestStoreList(t *testing.T) {
	st := NewStore(nil)
	_, _ = st.Create("sess-1", "q", nil)
	_, _ = st.Create("sess-2", "q", nil)

	ids := st.List()
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, ids)
}

type recordingSink struct {
	diffs []Diff
}

func (r *recordingSink) RecordDiff(d Diff) { r.diffs = append(r.diffs, d) }

func TestStoreForwardsDiffsToSink(t *testing.T) {
	sink := &recordingSink{}
	st := NewStore(nil, WithSink(sink))
	_, err := st.Create("sess-1", "q", nil)
	require.NoError(t, err)

	_, _, err = st.Apply("sess-1", func(s *AppState) ([]FieldName, error) {
		s.Status = StatusRunning
		return nil, nil
	})
	require.NoError(t, err)

	require.Len(t, sink.diffs, 1)
	assert.True(t, sink.diffs[0].StatusChanged)
	assert.Equal(t, StatusRunning, sink.diffs[0].NewStatus)
}
