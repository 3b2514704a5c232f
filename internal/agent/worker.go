package agent

import (
	"context"
	"fmt"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Worker implements an issue end to end: plan, then implement against an
// approved plan.
type Worker struct {
	base
}

// NewWorker builds a Worker agent.
func NewWorker(client llm.Client, models ModelPolicy) *Worker {
	return &Worker{base: newBase(client, models)}
}

func (w *Worker) Type() Type { return TypeWorker }

// PredictFiles exposes base.analyzeFiles to the dispatcher, which needs the
// predicted file set before EnqueueExecution can call
// router.Router.AcquireForExecution.
func (w *Worker) PredictFiles(ctx context.Context, issueBody string) ([]string, error) {
	return w.analyzeFiles(ctx, map[string]int{}, issueBody)
}

// Execute dispatches on agentContext["action"]: "plan" or "implement".
func (w *Worker) Execute(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	action, _ := agentContext["action"].(string)
	if action == "" {
		action = "plan"
	}

	switch action {
	case "plan":
		return w.generatePlan(ctx, t, agentContext)
	case "implement":
		return w.implement(ctx, t, agentContext)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown action: %s", action)}, nil
	}
}

func (w *Worker) generatePlan(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	issueBody, _ := agentContext["issue_body"].(string)
	repoContext, _ := agentContext["repo_context"].(string)
	feedback, _ := agentContext["feedback"].(string)

	system := "You are a senior software engineer planning an implementation. " +
		"Create a clear, actionable plan that another engineer (or AI agent) can follow. " +
		"Be specific about files to modify and the approach."

	prompt := fmt.Sprintf("Create an implementation plan for this GitHub issue.\n\nIssue: %s\n\nDescription:\n%s\n\nRepository context:\n%s\n",
		t.IssueTitle, issueBody, repoContext)
	if feedback != "" {
		prompt += fmt.Sprintf("\nPrevious plan feedback (incorporate this):\n%s\n", feedback)
	}
	prompt += "\nRespond in this exact format:\n\n" +
		"## Summary\n[One sentence describing the fix]\n\n" +
		"## Approach\n[Numbered steps for implementation]\n\n" +
		"## Files to modify\n[List files with brief description of changes]\n\n" +
		"## Estimated scope\n[Lines of code, complexity assessment]\n\n" +
		"## Risks or considerations\n[Any edge cases or things to watch for]"

	complexity, err := w.estimateComplexity(ctx, usage, issueBody)
	if err != nil {
		return Result{}, err
	}
	model := w.models.SelectModel("planning", complexity)

	text, err := w.complete(ctx, usage, model, system, prompt, 4096)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"plan":       text,
			"model_used": model,
			"complexity": complexity,
		},
		TokensUsed: usage,
	}, nil
}

func (w *Worker) implement(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	plan, _ := agentContext["plan"].(string)
	repoContext, _ := agentContext["repo_context"].(string)

	system := "You are a senior software engineer implementing an approved plan. " +
		"Produce the concrete changes needed; be precise about file paths."

	prompt := fmt.Sprintf("Implement this approved plan for issue %q.\n\nPlan:\n%s\n\nRepository context:\n%s\n",
		t.IssueTitle, plan, repoContext)

	model := w.models.SelectModel("implementation", "standard")
	text, err := w.complete(ctx, usage, model, system, prompt, 8192)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"implementation": text,
			"model_used":     model,
		},
		TokensUsed: usage,
	}, nil
}
