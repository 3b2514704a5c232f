package ghclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

func TestRepoPathPattern(t *testing.T) {
	tests := []struct {
		path  string
		owner string
		repo  string
	}{
		{path: "/repos/acme/widgets/issues/42/comments", owner: "acme", repo: "widgets"},
		{path: "/repos/acme/widgets", owner: "acme", repo: "widgets"},
		{path: "/app/installations/7/access_tokens"},
		{path: "/user"},
	}

	for _, tt := range tests {
		m := repoPathPattern.FindStringSubmatch(tt.path)
		if tt.owner == "" {
			assert.Nil(t, m, tt.path)
			continue
		}
		require.NotNil(t, m, tt.path)
		assert.Equal(t, tt.owner, m[1])
		assert.Equal(t, tt.repo, m[2])
	}
}

func TestAppTransportBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	transport := &appTransport{
		base:    http.DefaultTransport,
		breaker: newBreaker("test"),
	}

	// Five consecutive 502s trip the breaker; each still returns the
	// response so the caller sees the real status.
	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, upstream.URL+"/user", nil)
		require.NoError(t, err)
		resp, err := transport.RoundTrip(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
	require.Equal(t, 5, calls)

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/user", nil)
	require.NoError(t, err)
	_, err = transport.RoundTrip(req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrRemoteAPIFailure))
	assert.Equal(t, 5, calls, "open breaker must not reach the upstream")
}

func TestAppTransportPassesThroughSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	transport := &appTransport{
		base:    http.DefaultTransport,
		breaker: newBreaker("test"),
	}

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/user", nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
