package ghclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gh := github.NewClient(nil)
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = baseURL
	return NewClientWithGitHub(gh)
}

func TestCreateIssueComment(t *testing.T) {
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/org/repo/issues/42/comments", r.URL.Path)
		var payload struct {
			Body string `json:"body"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotBody = payload.Body
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(github.IssueComment{})
	})

	err := client.CreateIssueComment(context.Background(), "org", "repo", 42, "blocked by task issue-1 on src/a.go")
	require.NoError(t, err)
	require.Equal(t, "blocked by task issue-1 on src/a.go", gotBody)
}

func TestCreatePullRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/org/repo/pulls", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(github.PullRequest{Number: github.Ptr(7)})
	})

	number, err := client.CreatePullRequest(context.Background(), "org", "repo", "fix it", "agent/42", "main", "body")
	require.NoError(t, err)
	require.Equal(t, 7, number)
}

func TestCreateCheckRunRemoteFailureWraps(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.CreateCheckRun(context.Background(), "org", "repo", "sha", "build", "completed", "success")
	require.Error(t, err)
}
