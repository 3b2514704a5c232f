package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/router"
)

const (
	signatureHeaderSHA256 = "X-Hub-Signature-256"
	eventHeader           = "X-GitHub-Event"

	// maxWebhookBodySize limits the body we read to prevent DoS.
	maxWebhookBodySize = 1 << 20 // 1 MB
)

// --- GitHub event payload types ---

type ghLabel struct {
	Name string `json:"name"`
}

// ghIssue represents the minimal issue fields we need from GitHub webhooks.
type ghIssue struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Labels []ghLabel `json:"labels"`
}

// ghComment represents an issue comment from GitHub webhooks.
type ghComment struct {
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

// ghPullRequest represents the minimal PR fields we need from GitHub webhooks.
type ghPullRequest struct {
	Number int  `json:"number"`
	Merged bool `json:"merged"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// ghRepository represents the minimal repo fields from GitHub webhooks.
type ghRepository struct {
	FullName string `json:"full_name"`
}

// ghSender represents the user who triggered the webhook.
type ghSender struct {
	Login string `json:"login"`
}

// IssuesEvent is the GitHub webhook payload for issues events.
type IssuesEvent struct {
	Action     string       `json:"action"`
	Issue      ghIssue      `json:"issue"`
	Repository ghRepository `json:"repository"`
	Sender     ghSender     `json:"sender"`
}

// IssueCommentEvent is the GitHub webhook payload for issue_comment events.
type IssueCommentEvent struct {
	Action     string       `json:"action"`
	Issue      ghIssue      `json:"issue"`
	Comment    ghComment    `json:"comment"`
	Repository ghRepository `json:"repository"`
	Sender     ghSender     `json:"sender"`
}

// PullRequestEvent is the GitHub webhook payload for pull_request events.
type PullRequestEvent struct {
	Action      string        `json:"action"`
	PullRequest ghPullRequest `json:"pull_request"`
	Repository  ghRepository  `json:"repository"`
	Sender      ghSender      `json:"sender"`
}

// verifySignature validates the HMAC-SHA256 signature GitHub sends in
// X-Hub-Signature-256, using a constant-time comparison.
func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}

	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// decodeEvent translates a raw GitHub payload into the router's normalized
// Event. Returns ok=false for event kinds the router does not recognize.
func decodeEvent(kind string, body []byte) (router.Event, bool, error) {
	switch router.EventKind(kind) {
	case router.EventIssues:
		var payload IssuesEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return router.Event{}, false, err
		}
		labels := make([]string, 0, len(payload.Issue.Labels))
		for _, l := range payload.Issue.Labels {
			labels = append(labels, l.Name)
		}
		return router.Event{
			Kind:        router.EventIssues,
			Action:      payload.Action,
			Repo:        payload.Repository.FullName,
			IssueNumber: payload.Issue.Number,
			IssueTitle:  payload.Issue.Title,
			IssueBody:   payload.Issue.Body,
			Labels:      labels,
			Author:      payload.Sender.Login,
		}, true, nil

	case router.EventIssueComment:
		var payload IssueCommentEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return router.Event{}, false, err
		}
		return router.Event{
			Kind:        router.EventIssueComment,
			Action:      payload.Action,
			Repo:        payload.Repository.FullName,
			IssueNumber: payload.Issue.Number,
			IssueTitle:  payload.Issue.Title,
			CommentBody: payload.Comment.Body,
			Author:      payload.Comment.User.Login,
		}, true, nil

	case router.EventPullRequest:
		var payload PullRequestEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return router.Event{}, false, err
		}
		return router.Event{
			Kind:       router.EventPullRequest,
			Action:     payload.Action,
			Repo:       payload.Repository.FullName,
			PRNumber:   payload.PullRequest.Number,
			HeadBranch: payload.PullRequest.Head.Ref,
			Merged:     payload.PullRequest.Merged,
			Author:     payload.Sender.Login,
		}, true, nil

	case router.EventCheckRun:
		return router.Event{Kind: router.EventCheckRun}, true, nil

	default:
		return router.Event{}, false, nil
	}
}

// handleWebhook is the POST /webhook entrypoint. A bad signature is a 401
// with no payload logging; an unreadable or malformed body is a 400; store or
// remote failures are a 5xx so GitHub redelivers; everything else -
// including commands the router skipped - is a 200.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !verifySignature(s.webhookSecret, r.Header.Get(signatureHeaderSHA256), body) {
		s.metrics.WebhookRejected.WithLabelValues("signature").Inc()
		s.log.Warn("webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	kind := r.Header.Get(eventHeader)
	ev, ok, err := decodeEvent(kind, body)
	if err != nil {
		s.metrics.WebhookRejected.WithLabelValues("malformed").Inc()
		s.log.Warn("failed to decode webhook payload", "kind", kind, "error", err.Error())
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if !ok {
		s.log.Debug("ignoring unrecognized webhook kind", "kind", kind)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.metrics.WebhookEvents.WithLabelValues(kind).Inc()

	if err := s.router.Handle(r.Context(), ev); err != nil {
		if apperr.Is(err, apperr.ErrStoreUnavailable) || apperr.Is(err, apperr.ErrRemoteAPIFailure) {
			s.log.Error("webhook handling failed, requesting redelivery",
				"kind", kind, "repo", ev.Repo, "error", err.Error())
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("webhook handling failed", "kind", kind, "repo", ev.Repo, "error", err.Error())
	}

	w.WriteHeader(http.StatusOK)
}
