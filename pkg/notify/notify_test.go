package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/models"
)

func TestNewDisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, New("", "C123"))
	assert.Nil(t, New("xoxb-test", ""))
	assert.NotNil(t, New("xoxb-test", "C123"))
}

func TestSessionDoneNilReceiver(t *testing.T) {
	var n *Notifier
	// Must not panic.
	n.SessionDone(context.Background(), doneSession())
	n.SessionDone(context.Background(), nil)
}

func newMockSlack(t *testing.T) (*Notifier, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true, "channel": "C123", "ts": "1234.5678"}`))
	}))
	t.Cleanup(srv.Close)
	n := NewWithAPIURL("xoxb-test", "C123", srv.URL+"/")
	require.NotNil(t, n)
	return n, &posts
}

func TestSessionDonePostsTerminalStatuses(t *testing.T) {
	n, posts := newMockSlack(t)

	for _, status := range []models.SessionStatus{
		models.StatusCompleted, models.StatusFailed, models.StatusInterrupted,
	} {
		sess := doneSession()
		sess.Status = status
		n.SessionDone(context.Background(), sess)
	}
	assert.Equal(t, int32(3), posts.Load())
}

func TestSessionDoneSkipsNonTerminalStatuses(t *testing.T) {
	n, posts := newMockSlack(t)

	for _, status := range []models.SessionStatus{
		models.StatusInProgress, models.StatusRunning,
	} {
		sess := doneSession()
		sess.Status = status
		n.SessionDone(context.Background(), sess)
	}
	assert.Zero(t, posts.Load())
}

func TestSessionDoneSurvivesDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": false, "error": "channel_not_found"}`))
	}))
	t.Cleanup(srv.Close)

	n := NewWithAPIURL("xoxb-test", "bogus", srv.URL+"/")
	// Fail-open: logged, not returned, no panic.
	n.SessionDone(context.Background(), doneSession())
}
