package agent

import (
	"context"
	"fmt"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Reviewer performs an automated pass over an open PR when a human
// delegates review via /agent-review.
type Reviewer struct {
	base
}

// NewReviewer builds a Reviewer agent.
func NewReviewer(client llm.Client, models ModelPolicy) *Reviewer {
	return &Reviewer{base: newBase(client, models)}
}

func (r *Reviewer) Type() Type { return TypeReviewer }

func (r *Reviewer) Execute(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	diff, _ := agentContext["diff"].(string)
	prNumber := t.PRNumber

	system := "You are a meticulous code reviewer. Point out correctness bugs, " +
		"missed edge cases, and deviations from the approved plan. Be specific and cite lines."

	prompt := fmt.Sprintf("Review the changes in PR #%d for issue %q.\n\nDiff:\n%s\n", prNumber, t.IssueTitle, diff)

	model := r.models.SelectModel("review", "standard")
	text, err := r.complete(ctx, usage, model, system, prompt, 4096)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"review":     text,
			"model_used": model,
		},
		TokensUsed: usage,
	}, nil
}
