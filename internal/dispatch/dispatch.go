// Package dispatch implements the concrete Agent Driver: the
// router.Dispatcher the Command Router hands state-change triggers to. It
// wires the agent variants, the code-hosting client, the File Lock
// Registry, and the State Machine together, turning "enqueue planning" /
// "enqueue execution" / etc. into an actual LLM call followed by the
// GitHub side effects and state transition that call produces.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentswarm/orchestrator/internal/agent"
	"github.com/agentswarm/orchestrator/internal/ghclient"
	"github.com/agentswarm/orchestrator/internal/locks"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/metrics"
	"github.com/agentswarm/orchestrator/internal/router"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Acquirer is the narrow slice of *router.Router the dispatcher needs: file
// lock acquisition with a conflict comment already wired to the issue. A
// named interface rather than a direct *router.Router field so dispatch
// tests can supply a stub without standing up a full Router/Machine/Store
// chain.
type Acquirer interface {
	AcquireForExecution(ctx context.Context, t *task.Task, paths []string, ttlSeconds int) (bool, error)
}

// Dispatcher is the production router.Dispatcher.
type Dispatcher struct {
	machine  *task.Machine
	locks    *locks.Registry
	acquirer Acquirer
	gh       ghclient.Client

	planner  *agent.Planner
	worker   *agent.Worker
	reviewer *agent.Reviewer
	fixer    *agent.Fixer
	pm       *agent.ProductManager

	pool         *agent.Pool
	lockTTL      time.Duration
	costAlertUSD float64
	metrics      *metrics.Metrics
	log          *logging.Logger
}

// New builds a Dispatcher over its collaborators.
func New(
	machine *task.Machine,
	lockRegistry *locks.Registry,
	acquirer Acquirer,
	gh ghclient.Client,
	planner *agent.Planner,
	worker *agent.Worker,
	reviewer *agent.Reviewer,
	fixer *agent.Fixer,
	pm *agent.ProductManager,
	pool *agent.Pool,
	lockTTL time.Duration,
	costAlertUSD float64,
	log *logging.Logger,
) *Dispatcher {
	return &Dispatcher{
		machine:      machine,
		locks:        lockRegistry,
		acquirer:     acquirer,
		gh:           gh,
		planner:      planner,
		worker:       worker,
		reviewer:     reviewer,
		fixer:        fixer,
		pm:           pm,
		pool:         pool,
		lockTTL:      lockTTL,
		costAlertUSD: costAlertUSD,
		log:          log,
	}
}

// WithMetrics attaches the process's collectors; a nil-metrics Dispatcher
// simply skips recording.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

var _ router.Dispatcher = (*Dispatcher)(nil)

// runAsync admits fn through the Pool on a background context detached from
// the webhook request that triggered it, so the Command Router's handlers
// never block the HTTP response on an LLM round trip.
func (d *Dispatcher) runAsync(taskID string, fn func(ctx context.Context)) {
	go func() {
		_, err := d.pool.Run(context.Background(), func(ctx context.Context) (agent.Result, error) {
			fn(ctx)
			return agent.Result{}, nil
		})
		if err != nil {
			d.log.Warn("agent driver run aborted", "task", taskID, "error", err.Error())
		}
	}()
}

func splitRepo(repo string) (owner, name string) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return repo, ""
	}
	return owner, name
}

var slugNonWord = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = slugNonWord.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "issue"
	}
	return s
}

func branchName(t *task.Task) string {
	return fmt.Sprintf("agent/%d-%s", t.IssueNumber, slugify(t.IssueTitle))
}

func (d *Dispatcher) latestPlanText(t *task.Task) string {
	if len(t.History.PlanVersions) == 0 {
		return ""
	}
	payload := t.History.PlanVersions[len(t.History.PlanVersions)-1].Payload
	text, _ := payload["text"].(string)
	return text
}

func (d *Dispatcher) comment(ctx context.Context, t *task.Task, body string) {
	owner, repo := splitRepo(t.Repo)
	if err := d.gh.CreateIssueComment(ctx, owner, repo, t.IssueNumber, body); err != nil {
		d.log.Warn("failed to post agent comment", "task", t.ID, "error", err.Error())
	}
}

// setStateLabel reflects the task's current phase on the issue itself, so
// the board view shows agent progress without opening the task API.
func (d *Dispatcher) setStateLabel(ctx context.Context, t *task.Task, label string) {
	owner, repo := splitRepo(t.Repo)
	if err := d.gh.AddLabels(ctx, owner, repo, t.IssueNumber, []string{label}); err != nil {
		d.log.Warn("failed to set state label", "task", t.ID, "label", label, "error", err.Error())
	}
}

// EnqueuePlanning runs the Worker in "plan" mode and, on success, transitions
// PLANNING -> PLAN_REVIEW carrying the plan as the Task's new PlanVersion.
func (d *Dispatcher) EnqueuePlanning(ctx context.Context, t *task.Task) error {
	d.runAsync(t.ID, func(ctx context.Context) {
		d.setStateLabel(ctx, t, "agent:planning")

		result, err := d.worker.Execute(ctx, t, map[string]interface{}{
			"action":     "plan",
			"issue_body": t.IssueTitle,
		})
		if err != nil {
			d.log.Warn("planning agent failed", "task", t.ID, "error", err.Error())
			return
		}
		d.recordUsage(ctx, t, agent.TypeWorker, result)
		if !result.Success {
			d.log.Warn("planning agent returned failure", "task", t.ID, "error", result.Error)
			return
		}

		planText, _ := result.Output["plan"].(string)
		if _, err := d.machine.Transition(ctx, t.ID, task.StatePlanReview, &task.TransitionMetadata{
			Plan: map[string]interface{}{
				"text":       planText,
				"model_used": result.Output["model_used"],
				"complexity": result.Output["complexity"],
			},
		}); err != nil {
			d.log.Warn("failed to transition task after planning", "task", t.ID, "error", err.Error())
			return
		}

		d.comment(ctx, t, "Proposed plan:\n\n"+planText+"\n\nComment `/approve` to continue.")
	})
	return nil
}

// EnqueueExecution predicts the file set, acquires locks, runs the Worker
// in "implement" mode, and on success opens a PR and transitions
// EXECUTING -> PR_OPEN. A lock conflict leaves the task in EXECUTING;
// Acquirer has already posted the conflict comment.
func (d *Dispatcher) EnqueueExecution(ctx context.Context, t *task.Task) error {
	d.runAsync(t.ID, func(ctx context.Context) {
		// Mark the work started; a no-op when a retry already moved it.
		if _, err := d.machine.Transition(ctx, t.ID, task.StateExecuting, nil); err != nil {
			d.log.Warn("failed to transition task to executing", "task", t.ID, "error", err.Error())
			return
		}
		d.setStateLabel(ctx, t, "agent:executing")

		files, err := d.worker.PredictFiles(ctx, t.IssueTitle)
		if err != nil {
			d.log.Warn("failed to predict files for execution", "task", t.ID, "error", err.Error())
			return
		}

		acquired, err := d.acquirer.AcquireForExecution(ctx, t, files, int(d.lockTTL/time.Second))
		if err != nil {
			d.log.Warn("failed to acquire locks for execution", "task", t.ID, "error", err.Error())
			return
		}
		if !acquired {
			return
		}

		result, err := d.worker.Execute(ctx, t, map[string]interface{}{
			"action": "implement",
			"plan":   d.latestPlanText(t),
		})
		if err != nil {
			d.failExecution(ctx, t, err.Error())
			return
		}
		d.recordUsage(ctx, t, agent.TypeWorker, result)
		if !result.Success {
			d.failExecution(ctx, t, result.Error)
			return
		}

		implementation, _ := result.Output["implementation"].(string)
		branch := branchName(t)

		prNumber, err := d.publishPR(ctx, t, branch, implementation)
		if err != nil {
			// Opening the PR failed, not the implementation. Leave the task
			// in EXECUTING so a retry can publish, and surface the change
			// so nothing is lost meanwhile.
			d.log.Warn("failed to open pull request", "task", t.ID, "error", err.Error())
			d.comment(ctx, t, "Implementation is ready but opening a PR failed: "+err.Error()+
				"\n\nProposed change:\n\n"+implementation)
			return
		}

		if _, err := d.machine.Transition(ctx, t.ID, task.StatePROpen, &task.TransitionMetadata{
			PRNumber: &prNumber,
			Branch:   &branch,
		}); err != nil {
			d.log.Warn("failed to transition task to pr_open", "task", t.ID, "error", err.Error())
		}
	})
	return nil
}

// publishPR creates the agent branch, commits the implementation document,
// and opens the pull request, returning its number.
func (d *Dispatcher) publishPR(ctx context.Context, t *task.Task, branch, implementation string) (int, error) {
	owner, repo := splitRepo(t.Repo)

	defaultBranch, err := d.gh.GetDefaultBranch(ctx, owner, repo)
	if err != nil {
		return 0, err
	}
	baseSHA, err := d.gh.GetBranchSHA(ctx, owner, repo, defaultBranch)
	if err != nil {
		return 0, err
	}
	if err := d.gh.CreateBranch(ctx, owner, repo, branch, baseSHA); err != nil {
		return 0, err
	}
	if err := d.gh.PutFileContent(ctx, owner, repo, ".agent/IMPLEMENTATION.md", branch,
		fmt.Sprintf("agent: implement #%d", t.IssueNumber), []byte(implementation), ""); err != nil {
		return 0, err
	}

	return d.gh.CreatePullRequest(ctx, owner, repo,
		fmt.Sprintf("Fix #%d: %s", t.IssueNumber, t.IssueTitle), branch, defaultBranch, implementation)
}

func (d *Dispatcher) failExecution(ctx context.Context, t *task.Task, reason string) {
	if _, err := d.machine.Transition(ctx, t.ID, task.StateFailed, &task.TransitionMetadata{Error: &reason}); err != nil {
		d.log.Warn("failed to transition task to failed", "task", t.ID, "error", err.Error())
		return
	}
	d.comment(ctx, t, "Execution failed: "+reason)
}

// EnqueueReview runs the Reviewer against the open PR and posts its
// findings as a comment, then returns the task to PR_OPEN.
func (d *Dispatcher) EnqueueReview(ctx context.Context, t *task.Task) error {
	d.runAsync(t.ID, func(ctx context.Context) {
		result, err := d.reviewer.Execute(ctx, t, map[string]interface{}{})
		if err == nil {
			d.recordUsage(ctx, t, agent.TypeReviewer, result)
		}
		if err != nil || !result.Success {
			errMsg := result.Error
			if err != nil {
				errMsg = err.Error()
			}
			d.log.Warn("review agent failed", "task", t.ID, "error", errMsg)
		} else if review, ok := result.Output["review"].(string); ok {
			d.comment(ctx, t, "Automated review:\n\n"+review)
		}

		if _, err := d.machine.Transition(ctx, t.ID, task.StatePROpen, nil); err != nil {
			d.log.Warn("failed to return task to pr_open after review", "task", t.ID, "error", err.Error())
		}
	})
	return nil
}

// EnqueueFix runs the Fixer in pr_fix mode and posts its proposed fix,
// returning the task to PR_OPEN.
func (d *Dispatcher) EnqueueFix(ctx context.Context, t *task.Task) error {
	d.runAsync(t.ID, func(ctx context.Context) {
		result, err := d.fixer.Execute(ctx, t, map[string]interface{}{"mode": "pr_fix"})
		if err == nil {
			d.recordUsage(ctx, t, agent.TypeFixer, result)
		}
		if err != nil || !result.Success {
			errMsg := result.Error
			if err != nil {
				errMsg = err.Error()
			}
			d.log.Warn("fix agent failed", "task", t.ID, "error", errMsg)
		} else if fix, ok := result.Output["fix"].(string); ok {
			d.comment(ctx, t, "Proposed fix:\n\n"+fix)
		}

		if _, err := d.machine.Transition(ctx, t.ID, task.StatePROpen, nil); err != nil {
			d.log.Warn("failed to return task to pr_open after fix", "task", t.ID, "error", err.Error())
		}
	})
	return nil
}

// EnqueuePlanner runs the Planner for a deep-dive sub-task breakdown,
// creates one sub-issue per parsed sub-task, and posts the full plan as a
// comment. No state transition: /agent-plan is an on-demand analysis tool,
// not a lifecycle step.
func (d *Dispatcher) EnqueuePlanner(ctx context.Context, t *task.Task) error {
	d.runAsync(t.ID, func(ctx context.Context) {
		result, err := d.planner.Execute(ctx, t, map[string]interface{}{
			"issue_body": t.IssueTitle,
		})
		if err != nil {
			d.log.Warn("planner agent failed", "task", t.ID, "error", err.Error())
			return
		}
		d.recordUsage(ctx, t, agent.TypePlanner, result)
		if !result.Success {
			d.log.Warn("planner agent returned failure", "task", t.ID, "error", result.Error)
			return
		}

		subIssues := d.createSubIssues(ctx, t, result)

		plan, _ := result.Output["plan"].(string)
		body := "Deep-dive plan:\n\n" + plan
		if len(subIssues) > 0 {
			body += fmt.Sprintf("\n\nCreated %d sub-issues: %s", len(subIssues), formatIssueRefs(subIssues))
		}
		d.comment(ctx, t, body)
	})
	return nil
}

// createSubIssues turns the planner's parsed sub-tasks into labeled GitHub
// issues, each eligible for its own agent pickup. Issue-creation failures
// are logged and skipped so one bad sub-task doesn't lose the rest.
func (d *Dispatcher) createSubIssues(ctx context.Context, t *task.Task, result agent.Result) []int {
	subTasks, _ := result.Output["sub_tasks"].([]agent.SubTask)
	if len(subTasks) == 0 {
		return nil
	}

	owner, repo := splitRepo(t.Repo)
	var created []int
	for _, st := range subTasks {
		labels := []string{"agent-ok"}
		if st.Complexity != "" {
			labels = append(labels, "complexity:"+st.Complexity)
		}
		body := st.Description
		if len(st.Dependencies) > 0 {
			body += "\n\nDepends on: " + strings.Join(st.Dependencies, ", ")
		}
		body += fmt.Sprintf("\n\nSplit out from #%d.", t.IssueNumber)

		number, err := d.gh.CreateIssue(ctx, owner, repo, st.Title, body, labels)
		if err != nil {
			d.log.Warn("failed to create sub-issue", "task", t.ID, "title", st.Title, "error", err.Error())
			continue
		}
		created = append(created, number)
	}
	return created
}

func formatIssueRefs(numbers []int) string {
	refs := make([]string, len(numbers))
	for i, n := range numbers {
		refs[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(refs, ", ")
}

// pmAction maps the /agent-pm <mode> argument to ProductManager's action
// vocabulary; an empty/"vision" mode means the initial define_vision call.
func pmAction(mode string) string {
	switch mode {
	case "", "vision":
		return "define_vision"
	case "backlog":
		return "manage_backlog"
	case "feature":
		return "create_feature"
	default:
		return mode
	}
}

// EnqueuePM runs the ProductManager for the requested mode and posts its
// output, advancing PM_VISION -> PM_VISION_REVIEW once a vision draft is
// produced.
func (d *Dispatcher) EnqueuePM(ctx context.Context, t *task.Task, mode string) error {
	d.runAsync(t.ID, func(ctx context.Context) {
		action := pmAction(mode)
		result, err := d.pm.Execute(ctx, t, map[string]interface{}{
			"action":     action,
			"user_input": t.IssueTitle,
			"name":       t.IssueTitle,
		})
		if err != nil {
			d.log.Warn("pm agent failed", "task", t.ID, "error", err.Error())
			return
		}
		d.recordUsage(ctx, t, agent.TypeProductManager, result)
		if !result.Success {
			d.log.Warn("pm agent returned failure", "task", t.ID, "error", result.Error)
			return
		}

		switch result.Output["action"] {
		case "questions_posted":
			questions, _ := result.Output["questions"].([]string)
			d.comment(ctx, t, "To draft a vision I need more context:\n\n- "+strings.Join(questions, "\n- "))
		case "vision_draft_ready", "vision_refined":
			visionData := result.Output["vision_data"]
			if t.State == task.StatePMVision {
				if _, err := d.machine.Transition(ctx, t.ID, task.StatePMVisionReview, &task.TransitionMetadata{
					Plan: map[string]interface{}{"vision": visionData},
				}); err != nil {
					d.log.Warn("failed to transition task to vision review", "task", t.ID, "error", err.Error())
				}
			}
			d.comment(ctx, t, fmt.Sprintf("Vision draft ready for review:\n\n%v", visionData))
		case "backlog_updated", "backlog_prioritized":
			d.comment(ctx, t, fmt.Sprintf("Backlog updated:\n\n%v", result.Output["backlog"]))
		case "feature_added":
			d.comment(ctx, t, fmt.Sprintf("Feature drafted:\n\n%v", result.Output["feature"]))
		case "issue_ready":
			owner, repo := splitRepo(t.Repo)
			body, _ := result.Output["issue_body"].(string)
			labels, _ := result.Output["labels"].([]string)
			number, err := d.gh.CreateIssue(ctx, owner, repo, t.IssueTitle, body, labels)
			if err != nil {
				d.log.Warn("failed to create feature issue", "task", t.ID, "error", err.Error())
				return
			}
			d.comment(ctx, t, fmt.Sprintf("Created feature issue #%d.", number))
		case "handoff_ready":
			comment, _ := result.Output["comment"].(string)
			d.comment(ctx, t, comment)
		}
	})
	return nil
}

// IssueNumberFromBranch parses the leading issue number out of an
// agent/<issue>-<slug> branch name, the inverse of branchName.
func IssueNumberFromBranch(branch string) (int, bool) {
	const prefix = "agent/"
	if !strings.HasPrefix(branch, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(branch, prefix)
	numPart, _, _ := strings.Cut(rest, "-")
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, false
	}
	return n, true
}
