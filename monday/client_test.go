package monday

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithEndpoint(srv.URL))
}

func TestPostUpdate(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"data": {"create_update": {"id": "9001"}}}`))
	})

	id, err := c.PostUpdate(context.Background(), 5029145622, "🤖 Workflow terminé")
	require.NoError(t, err)

	assert.Equal(t, "9001", id)
	assert.Equal(t, "test-token", gotAuth)
	vars := gotBody["variables"].(map[string]any)
	assert.Equal(t, "5029145622", vars["itemId"])
}

func TestPostUpdateSurfacesGraphQLErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": [{"message": "item not found"}]}`))
	})

	_, err := c.PostUpdate(context.Background(), 1, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item not found")
}

func TestPollRepliesFindsUpdate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"items": [{"updates": [
			{"id": "1", "replies": []},
			{"id": "2", "replies": [{"id": "10", "text_body": "oui", "creator_id": "u1"}]}
		]}]}}`))
	})

	replies, err := c.PollReplies(context.Background(), 42, "2")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "oui", replies[0].Body)
}

func TestSetStatusSendsLabelPayload(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"data": {"change_column_value": {"id": "42"}}}`))
	})

	err := c.SetStatus(context.Background(), 7, 42, "status", "Done")
	require.NoError(t, err)

	vars := gotBody["variables"].(map[string]any)
	assert.Equal(t, "status", vars["columnId"])
	assert.JSONEq(t, `{"label":"Done"}`, vars["value"].(string))
}

func TestGetItemInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"items": [{
			"id": "42",
			"name": "Ajouter un fichier main.txt",
			"board": {"id": "7"},
			"creator": {"email": "dev@example.com"},
			"column_values": [
				{"id": "status", "text": "Working on it", "value": "{}"},
				{"id": "repo_url", "text": "https://github.com/acme/demo", "value": ""}
			]
		}]}}`))
	})

	info, err := c.GetItemInfo(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "Ajouter un fichier main.txt", info.Name)
	assert.Equal(t, "7", info.BoardID)
	assert.Equal(t, "dev@example.com", info.CreatorEmail)
	assert.Equal(t, "https://github.com/acme/demo", info.Column("repo_url"))
	assert.Empty(t, info.Column("missing"))
}

func TestGetItemInfoNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"items": []}}`))
	})

	_, err := c.GetItemInfo(context.Background(), 999)
	assert.Error(t, err)
}
