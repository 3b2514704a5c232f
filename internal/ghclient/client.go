// Package ghclient is the orchestrator's code-hosting client: a thin
// wrapper around go-github exposing the operations the rest of the system
// needs (check runs, comments, labels, PRs, file get/put, issue
// create/update, branch reads and creation), plus GitHub App
// authentication.
package ghclient

import (
	"context"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

// Client is the code-hosting collaborator contract.
type Client interface {
	CreateCheckRun(ctx context.Context, owner, repo, headSHA, name, status, conclusion string) error
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (int, error)
	GetFileContent(ctx context.Context, owner, repo, path, ref string) (content string, sha string, err error)
	PutFileContent(ctx context.Context, owner, repo, path, branch, message string, content []byte, sha string) error
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, error)
	UpdateIssueLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	GetDefaultBranch(ctx context.Context, owner, repo string) (string, error)
	GetBranchSHA(ctx context.Context, owner, repo, branch string) (string, error)
	CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error
}

// clientImpl is the production Client, backed by go-github.
type clientImpl struct {
	gh *github.Client
}

// NewClient builds a Client authenticated with an installation token.
// Returns nil if token is empty, so callers can treat "no client
// configured" and "client not yet wired" identically.
func NewClient(token string) Client {
	if token == "" {
		return nil
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &clientImpl{gh: github.NewClient(oauth2.NewClient(context.Background(), ts))}
}

// NewClientWithGitHub injects an already-constructed *github.Client, the
// seam tests use to point at an httptest server via gh.BaseURL.
func NewClientWithGitHub(gh *github.Client) Client {
	return &clientImpl{gh: gh}
}

func wrapRemote(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.Wrap(apperr.ErrRemoteAPIFailure, err.Error()), msg)
}

func (c *clientImpl) CreateCheckRun(ctx context.Context, owner, repo, headSHA, name, status, conclusion string) error {
	opts := github.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: headSHA,
		Status:  github.Ptr(status),
	}
	if conclusion != "" {
		opts.Conclusion = github.Ptr(conclusion)
	}
	_, _, err := c.gh.Checks.CreateCheckRun(ctx, owner, repo, opts)
	return wrapRemote(err, "failed to create check run")
}

func (c *clientImpl) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	return wrapRemote(err, "failed to create issue comment")
}

func (c *clientImpl) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	return wrapRemote(err, "failed to add labels")
}

func (c *clientImpl) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
	return wrapRemote(err, "failed to remove label")
}

func (c *clientImpl) CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (int, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return 0, wrapRemote(err, "failed to create pull request")
	}
	return pr.GetNumber(), nil
}

func (c *clientImpl) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, string, error) {
	opts := &github.RepositoryContentGetOptions{Ref: ref}
	fileContent, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return "", "", wrapRemote(err, "failed to get file content")
	}
	decoded, err := fileContent.GetContent()
	if err != nil {
		return "", "", errors.Wrap(err, "failed to decode file content")
	}
	return decoded, fileContent.GetSHA(), nil
}

func (c *clientImpl) PutFileContent(ctx context.Context, owner, repo, path, branch, message string, content []byte, sha string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: content,
		Branch:  github.Ptr(branch),
	}
	if sha != "" {
		opts.SHA = github.Ptr(sha)
	}
	_, _, err := c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	return wrapRemote(err, "failed to put file content")
}

func (c *clientImpl) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, error) {
	issue, _, err := c.gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.Ptr(title),
		Body:   github.Ptr(body),
		Labels: &labels,
	})
	if err != nil {
		return 0, wrapRemote(err, "failed to create issue")
	}
	return issue.GetNumber(), nil
}

func (c *clientImpl) UpdateIssueLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{Labels: &labels})
	return wrapRemote(err, "failed to update issue labels")
}

func (c *clientImpl) GetDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", wrapRemote(err, "failed to get repository")
	}
	return r.GetDefaultBranch(), nil
}

func (c *clientImpl) GetBranchSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, _, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	if err != nil {
		return "", wrapRemote(err, "failed to get branch ref")
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch creates a new ref pointing at fromSHA, the step the
// dispatcher's PR publishing needs before it can PutFileContent/CreatePullRequest
// against a fresh agent/<issue>-<slug> branch.
func (c *clientImpl) CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error {
	_, _, err := c.gh.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.Ptr(fromSHA)},
	})
	return wrapRemote(err, "failed to create branch")
}
