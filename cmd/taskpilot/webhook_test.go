package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vydata/taskpilot/monday"
	"github.com/vydata/taskpilot/orchestrator"
)

type recordedEvents struct {
	mu       sync.Mutex
	statuses []orchestrator.StatusChangeEvent
	comments []orchestrator.CommentEvent
	done     chan struct{}
}

func (r *recordedEvents) HandleStatusChange(ctx context.Context, ev orchestrator.StatusChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev)
	return nil
}

func (r *recordedEvents) HandleComment(ctx context.Context, ev orchestrator.CommentEvent) error {
	r.mu.Lock()
	r.comments = append(r.comments, ev)
	r.mu.Unlock()
	if r.done != nil {
		close(r.done)
	}
	return nil
}

type fakeItems struct {
	info *monday.ItemInfo
}

func (f *fakeItems) GetItemInfo(ctx context.Context, itemID int64) (*monday.ItemInfo, error) {
	return f.info, nil
}

func newHandler(events *recordedEvents, items itemReader, secret string) *webhookHandler {
	return &webhookHandler{
		events:        events,
		items:         items,
		signingSecret: secret,
		statusColumn:  "status",
		repoColumn:    "repo_url",
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func post(t *testing.T, h http.Handler, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/monday", strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEchoesChallenge(t *testing.T) {
	h := newHandler(&recordedEvents{}, nil, "")

	rec := post(t, h, `{"challenge":"abc-123"}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"abc-123"}`, rec.Body.String())
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	h := newHandler(&recordedEvents{}, nil, "s3cret")

	rec := post(t, h, `{"challenge":"x"}`, "wrong")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookStatusChangeDispatches(t *testing.T) {
	events := &recordedEvents{}
	items := &fakeItems{info: &monday.ItemInfo{
		CreatorEmail: "marie@acme.dev",
		ColumnValues: []monday.ColumnValue{
			{ID: "repo_url", Text: "https://github.com/acme/demo"},
		},
	}}
	h := newHandler(events, items, "s3cret")

	body := `{"event":{"type":"update_column_value","pulseId":42,"boardId":7,
		"pulseName":"Ajouter une page contact","columnId":"status",
		"value":{"label":{"text":"Working on it"}},
		"previousValue":{"label":{"text":"Done"}}}}`
	rec := post(t, h, body, "s3cret")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events.statuses, 1)
	ev := events.statuses[0]
	assert.EqualValues(t, 42, ev.ExternalID)
	assert.Equal(t, "Working on it", ev.NewStatus)
	assert.Equal(t, "Done", ev.OldStatus)
	assert.Equal(t, "marie@acme.dev", ev.ChangedBy)
	assert.Equal(t, "https://github.com/acme/demo", ev.RepositoryURL)
}

func TestWebhookIgnoresOtherColumns(t *testing.T) {
	events := &recordedEvents{}
	h := newHandler(events, nil, "")

	body := `{"event":{"type":"update_column_value","pulseId":42,"columnId":"owner",
		"value":{"label":{"text":"marie"}}}}`
	rec := post(t, h, body, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events.statuses)
}

func TestWebhookCommentDispatchesAsync(t *testing.T) {
	events := &recordedEvents{done: make(chan struct{})}
	h := newHandler(events, nil, "")

	body := `{"event":{"type":"create_update","pulseId":42,"boardId":7,
		"updateId":9001,"textBody":"@vydata change le titre"}}`
	rec := post(t, h, body, "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-events.done:
	case <-time.After(2 * time.Second):
		t.Fatal("comment was never handled")
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.comments, 1)
	assert.Equal(t, "9001", events.comments[0].UpdateID)
	assert.Equal(t, "@vydata change le titre", events.comments[0].Body)
}
