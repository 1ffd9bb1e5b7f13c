package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppStateIsPopulated(t *testing.T) {
	s := &AppState{
		Files:      []FileRef{{Name: "a.pdf"}},
		TakeoffData: []TakeoffEntry{{ScopeRef: "x"}},
	}

	assert.True(t, s.IsPopulated(FieldFiles))
	assert.True(t, s.IsPopulated(FieldTakeoffData))
	assert.False(t, s.IsPopulated(FieldScopeItems))
	assert.False(t, s.IsPopulated(FieldName("not_a_real_field")))
}

func TestAppStateSetFieldTypeChecking(t *testing.T) {
	s := &AppState{}

	require_ := assert.New(t)

	require_.NoError(s.SetField(FieldFiles, []FileRef{{Name: "a.pdf"}}))
	require_.Len(s.Files, 1)

	err := s.SetField(FieldFiles, "not-a-file-slice")
	require_.Error(err)
	require_.Contains(err.Error(), "expects []FileRef")

	err = s.SetField(FieldName("bogus"), 1)
	require_.Error(err)
	require_.Contains(err.Error(), "unknown field")

	require_.NoError(s.SetField(FieldExportArtifacts, map[string]string{"pdf": "https://example.com/x.pdf"}))
	require_.Equal("https://example.com/x.pdf", s.ExportArtifacts["pdf"])
}

func TestAppStateCloneIsIndependent(t *testing.T) {
	orig := &AppState{
		SessionID: "s1",
		Files:     []FileRef{{Name: "a.pdf"}},
		Intent:    &Intent{Tag: "start_analysis"},
		ProcessedFilesContent: map[string]ProcessedFile{
			"a.pdf": {Pages: []Page{{Type: "text", Content: "hello"}}},
		},
		ManagerNotes: map[string]interface{}{"k": "v"},
	}

	clone := orig.Clone()

	clone.Files[0].Name = "mutated.pdf"
	clone.Intent.Tag = "mutated"
	clone.ProcessedFilesContent["a.pdf"] = ProcessedFile{Pages: []Page{{Type: "table"}}}
	clone.ManagerNotes["k"] = "mutated"

	assert.Equal(t, "a.pdf", orig.Files[0].Name)
	assert.Equal(t, "start_analysis", orig.Intent.Tag)
	assert.Equal(t, "hello", orig.ProcessedFilesContent["a.pdf"].Pages[0].Content)
	assert.Equal(t, "v", orig.ManagerNotes["k"])
}

func TestAppStateCloneNil(t *testing.T) {
	var s *AppState
	assert.Nil(t, s.Clone())
}

func TestTraceEntryOrdering(t *testing.T) {
	e1 := TraceEntry{Timestamp: time.Now(), Worker: "file-reader", Level: TraceInfo, Message: "started"}
	e2 := TraceEntry{Timestamp: e1.Timestamp.Add(time.Nanosecond), Worker: "file-reader", Level: TraceInfo, Message: "finished"}
	assert.True(t, e2.Timestamp.After(e1.Timestamp))
}
