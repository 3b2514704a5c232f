package agent

import (
	"context"
	"fmt"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Fixer attempts a repair pass, either in response to /agent-fix against
// an open PR, or when the FAILED -> FIXER_REVIEW path hands it a failed
// EXECUTING attempt to diagnose. The two entry points are distinguished by
// agentContext["mode"].
type Fixer struct {
	base
}

// NewFixer builds a Fixer agent.
func NewFixer(client llm.Client, models ModelPolicy) *Fixer {
	return &Fixer{base: newBase(client, models)}
}

func (f *Fixer) Type() Type { return TypeFixer }

func (f *Fixer) Execute(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	mode, _ := agentContext["mode"].(string)
	if mode == "" {
		mode = "pr_fix"
	}

	var prompt, system string
	switch mode {
	case "pr_fix":
		feedback, _ := agentContext["feedback"].(string)
		system = "You are a senior software engineer fixing review feedback on an open PR."
		prompt = fmt.Sprintf("Address this review feedback on PR #%d for issue %q.\n\nFeedback:\n%s\n",
			t.PRNumber, t.IssueTitle, feedback)
	default: // failure diagnosis, feeding FAILED -> FIXER_REVIEW
		system = "You are a senior software engineer diagnosing a failed implementation attempt."
		prompt = fmt.Sprintf("Diagnose why this attempt at issue %q failed and propose a fix.\n\nError:\n%s\n",
			t.IssueTitle, t.Failure.LastError)
	}

	model := f.models.SelectModel("fix", "standard")
	text, err := f.complete(ctx, usage, model, system, prompt, 4096)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"fix":        text,
			"mode":       mode,
			"model_used": model,
		},
		TokensUsed: usage,
	}, nil
}
