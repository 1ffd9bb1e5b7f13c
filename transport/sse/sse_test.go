package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fieldstack/blueprint/broadcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flushRecorder extends httptest.ResponseRecorder with a Flush that appends
// the buffer's current contents to a channel, so tests can observe each
// individually-flushed frame rather than only the final accumulated body.
type flushRecorder struct {
	*httptest.ResponseRecorder
	flushed chan string
	readPos int
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan string, 64)}
}

func (f *flushRecorder) Flush() {
	body := f.Body.String()
	chunk := body[f.readPos:]
	f.readPos = len(body)
	if chunk != "" {
		f.flushed <- chunk
	}
}

func TestServeHTTPRequiresSessionParameter(t *testing.T) {
	h := New(broadcast.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPStreamsPublishedEventsAsSSEFrames(t *testing.T) {
	b := broadcast.New()
	h := New(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events?session=sess-1", nil).WithContext(ctx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// Wait for the subscriber to register before publishing, otherwise the
	// event is published before Subscribe runs and nobody receives it.
	require.Eventually(t, func() bool {
		return b.SessionSubscriberCount("sess-1") == 1
	}, time.Second, time.Millisecond)

	b.Publish("sess-1", broadcast.TypeManagerThinking, map[string]interface{}{"note": "hello"})

	var frame string
	select {
	case frame = <-rec.flushed:
	case <-time.After(time.Second):
		t.Fatal("did not observe a flushed SSE frame")
	}

	assert.True(t, strings.HasPrefix(frame, "event: manager_thinking\n"))
	assert.Contains(t, frame, `"session_id":"sess-1"`)
	assert.Contains(t, frame, `"note":"hello"`)
	assert.True(t, strings.HasSuffix(frame, "\n\n"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestServeHTTPUnsubscribesOnDisconnect(t *testing.T) {
	b := broadcast.New()
	h := New(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events?session=sess-2", nil).WithContext(ctx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return b.SessionSubscriberCount("sess-2") == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	assert.Equal(t, 0, b.SessionSubscriberCount("sess-2"))
}

func TestServeHTTPHonorsCallerSuppliedSubscriberID(t *testing.T) {
	b := broadcast.New()
	h := New(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?session=sess-3&subscriber=fixed-id", nil).WithContext(ctx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return b.SessionSubscriberCount("sess-3") == 1
	}, time.Second, time.Millisecond)

	// Re-subscribing with the same id replaces rather than adds a second
	// live subscriber, proving the handler used "fixed-id" rather than a
	// generated one.
	sub := b.Subscribe("sess-3", "fixed-id")
	defer sub.Unsubscribe()
	assert.Equal(t, 1, b.SessionSubscriberCount("sess-3"))

	cancel()
	<-done
}
