package ghub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL))
}

func TestCreatePR(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/demo/pulls", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"number": 18,
			"html_url": "https://github.com/acme/demo/pull/18",
			"title": "Ajouter un fichier main.txt",
			"state": "open",
			"head": {"sha": "abc123", "ref": "feature/main-txt"},
			"base": {"ref": "main"}
		}`))
	}))

	pr, err := c.CreatePR(context.Background(), "acme/demo",
		"Ajouter un fichier main.txt", "body", "feature/main-txt", "main")
	require.NoError(t, err)

	assert.Equal(t, 18, pr.Number)
	assert.Equal(t, "https://github.com/acme/demo/pull/18", pr.URL)
	assert.Equal(t, "abc123", pr.HeadSHA)
}

func TestCreatePRReusesExisting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/demo/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "Validation Failed", "errors": [{"message": "A pull request already exists for acme:feature/main-txt."}]}`))
	})
	mux.HandleFunc("GET /repos/acme/demo/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:feature/main-txt", r.URL.Query().Get("head"))
		w.Write([]byte(`[{
			"number": 18,
			"html_url": "https://github.com/acme/demo/pull/18",
			"state": "open",
			"head": {"sha": "abc123", "ref": "feature/main-txt"}
		}]`))
	})
	c := newTestClient(t, mux)

	pr, err := c.CreatePR(context.Background(), "acme/demo",
		"title", "body", "feature/main-txt", "main")
	require.NoError(t, err)
	assert.Equal(t, 18, pr.Number)
}

func TestMergePR(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/demo/pulls/18/merge", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)
		w.Write([]byte(`{"sha": "deadbeef", "merged": true, "message": "Pull Request successfully merged"}`))
	}))

	sha, err := c.MergePR(context.Background(), "acme/demo", 18, "merge", "merge after validation")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", sha)
}

func TestMergePRNotMergeable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"message": "Pull Request is not mergeable"}`))
	}))

	_, err := c.MergePR(context.Background(), "acme/demo", 18, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not mergeable")
}

func TestDeleteBranchToleratesMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "Reference does not exist"}`))
	}))

	assert.NoError(t, c.DeleteBranch(context.Background(), "acme/demo", "feature/main-txt"))
}
