package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateOpenRejectsSecondPendingDecision(t *testing.T) {
	g := New(NewMemoryStore(), nil)
	ctx := context.Background()

	req1 := &Request{DecisionID: "d1", SessionID: "sess-1", Kind: KindConfirmProceed, Timeout: time.Minute}
	require.NoError(t, g.Open(ctx, req1))

	req2 := &Request{DecisionID: "d2", SessionID: "sess-1", Kind: KindConfirmProceed, Timeout: time.Minute}
	err := g.Open(ctx, req2)
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestGateSubmitResumesOnValidResponse(t *testing.T) {
	var resumedSession, resumedResponse string
	g := New(NewMemoryStore(), func(sessionID, response string) {
		resumedSession = sessionID
		resumedResponse = response
	})
	ctx := context.Background()

	req := &Request{
		DecisionID: "d1", SessionID: "sess-1", Kind: KindChooseOption, Timeout: time.Minute,
		Options: []Option{{ID: "electrical"}, {ID: "plumbing"}},
	}
	require.NoError(t, g.Open(ctx, req))

	err := g.Submit(ctx, "sess-1", "d1", "electrical")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resumedSession)
	assert.Equal(t, "electrical", resumedResponse)

	// decision is now cleared; a second submit must fail.
	err = g.Submit(ctx, "sess-1", "d1", "electrical")
	assert.ErrorIs(t, err, ErrNoSuchDecision)
}

func TestGateSubmitRejectsStaleDecisionID(t *testing.T) {
	g := New(NewMemoryStore(), nil)
	ctx := context.Background()

	req := &Request{DecisionID: "d1", SessionID: "sess-1", Kind: KindConfirmProceed, Timeout: time.Minute}
	require.NoError(t, g.Open(ctx, req))

	err := g.Submit(ctx, "sess-1", "wrong-id", "yes")
	assert.ErrorIs(t, err, ErrStaleDecision)
}

func TestGateSubmitRejectsResponseOutsideOptions(t *testing.T) {
	g := New(NewMemoryStore(), nil)
	ctx := context.Background()

	req := &Request{
		DecisionID: "d1", SessionID: "sess-1", Kind: KindChooseOption, Timeout: time.Minute,
		Options: []Option{{ID: "electrical"}},
	}
	require.NoError(t, g.Open(ctx, req))

	err := g.Submit(ctx, "sess-1", "d1", "not-an-option")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestGateSubmitAllowsFreeformWhenNoOptions(t *testing.T) {
	resumed := false
	g := New(NewMemoryStore(), func(string, string) { resumed = true })
	ctx := context.Background()

	req := &Request{DecisionID: "d1", SessionID: "sess-1", Kind: KindResolveError, Timeout: time.Minute}
	require.NoError(t, g.Open(ctx, req))

	err := g.Submit(ctx, "sess-1", "d1", "retry")
	require.NoError(t, err)
	assert.True(t, resumed)
}

func TestGateFailRemovesPendingWithoutResuming(t *testing.T) {
	resumed := false
	g := New(NewMemoryStore(), func(string, string) { resumed = true })
	ctx := context.Background()

	req := &Request{DecisionID: "d1", SessionID: "sess-1", Kind: KindConfirmProceed, Timeout: time.Minute}
	require.NoError(t, g.Open(ctx, req))

	removed, err := g.Fail(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "d1", removed.DecisionID)
	assert.False(t, resumed)

	removed, err = g.Fail(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestGateExpiryProcessorInvokesCallbackAfterTimeout(t *testing.T) {
	var expired *Request
	done := make(chan struct{})

	g := New(NewMemoryStore(), nil, WithScanInterval(10*time.Millisecond))
	ctx := context.Background()

	req := &Request{DecisionID: "d1", SessionID: "sess-1", Kind: KindConfirmProceed, Timeout: time.Millisecond}
	require.NoError(t, g.Open(ctx, req))

	g.StartExpiryProcessor(ctx, func(_ context.Context, r *Request) {
		expired = r
		close(done)
	})
	defer g.StopExpiryProcessor()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry callback was not invoked")
	}

	require.NotNil(t, expired)
	assert.Equal(t, "sess-1", expired.SessionID)

	_, err := g.Fail(ctx, "sess-1")
	require.NoError(t, err)
}

func TestRequestToSnapshot(t *testing.T) {
	req := &Request{
		DecisionID: "d1", Kind: KindChooseOption, Prompt: "pick one",
		Options: []Option{{ID: "a", Label: "A"}}, DefaultOption: "a", Timeout: 30 * time.Second,
		CanSkip: true, AffectsWorkflow: true, Context: map[string]interface{}{"k": "v"},
	}
	snap := req.ToSnapshot()
	assert.Equal(t, "d1", snap.DecisionID)
	assert.Equal(t, "choose_option", snap.Kind)
	assert.Equal(t, 30, snap.TimeoutSeconds)
	assert.Equal(t, []Option{{ID: "a", Label: "A"}}[0].ID, snap.Options[0].ID)
}
