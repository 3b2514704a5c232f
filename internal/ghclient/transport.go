package ghclient

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

// repoPathPattern extracts "owner/name" from GitHub REST paths like
// /repos/{owner}/{repo}/issues/42/comments.
var repoPathPattern = regexp.MustCompile(`^/repos/([^/]+)/([^/]+)(?:/|$)`)

// appTransport injects a per-repository installation token into every
// request and routes the call through a circuit breaker, so a failing
// GitHub API trips fast instead of stacking up blocked agent work.
type appTransport struct {
	auth    *AppAuthenticator
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if m := repoPathPattern.FindStringSubmatch(req.URL.Path); m != nil {
		token, err := t.auth.InstallationToken(req.Context(), m[1]+"/"+m[2])
		if err != nil {
			return nil, err
		}
		// Per-request clone: RoundTrippers must not mutate the original.
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Count server errors against the breaker but still hand the
			// response back so go-github can surface the status.
			return resp, fmt.Errorf("github returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(apperr.ErrRemoteAPIFailure, "github circuit breaker open")
		}
		if resp != nil {
			return resp.(*http.Response), nil
		}
		return nil, err
	}
	return resp.(*http.Response), nil
}

// NewAppClient builds a Client that authenticates as the GitHub App's
// installation for whichever repository each call targets, fetching and
// caching tokens through auth. This is the production client the process
// entrypoint wires; NewClient remains for callers that already hold a
// token.
func NewAppClient(auth *AppAuthenticator) Client {
	transport := &appTransport{
		auth:    auth,
		base:    http.DefaultTransport,
		breaker: newBreaker("github"),
	}
	return &clientImpl{gh: github.NewClient(&http.Client{Transport: transport, Timeout: 30 * time.Second})}
}
