// Package agent implements the Agent Driver: a closed set of agent
// variants behind one Execute contract, a model-selection policy, and the
// concurrency ceiling that bounds how many run at once.
package agent

import (
	"context"
	"strings"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Type identifies which agent variant produced or should produce a Result.
type Type string

const (
	TypePlanner        Type = "planner"
	TypeWorker         Type = "worker"
	TypeReviewer       Type = "reviewer"
	TypeFixer          Type = "fixer"
	TypeProductManager Type = "product_manager"
)

// Result is the outcome of one agent invocation.
type Result struct {
	Success    bool
	Output     map[string]interface{}
	Error      string
	TokensUsed map[string]int // model -> tokens
}

// Agent is the contract every variant implements.
type Agent interface {
	Type() Type
	Execute(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error)
}

// ModelPolicy carries the three configured model identifiers
// (model_haiku/model_sonnet/model_opus) SelectModel chooses between.
type ModelPolicy struct {
	Haiku  string
	Sonnet string
	Opus   string
}

// SelectModel picks the model tier for a run: trivial complexity always
// gets haiku, complex complexity always gets opus, and otherwise the
// choice depends on task type (file_analysis and planning get haiku,
// everything else gets sonnet).
func (p ModelPolicy) SelectModel(taskType, complexity string) string {
	switch complexity {
	case "trivial":
		return p.Haiku
	case "complex":
		return p.Opus
	}
	switch taskType {
	case "file_analysis", "planning":
		return p.Haiku
	default:
		return p.Sonnet
	}
}

// base holds the fields and helpers every concrete agent embeds. Agents
// are shared across concurrent runs, so anything per-run (the token usage
// map in particular) is allocated inside Execute and threaded through,
// never stored on the struct.
type base struct {
	client llm.Client
	models ModelPolicy
}

func newBase(client llm.Client, models ModelPolicy) base {
	return base{client: client, models: models}
}

// complete calls the LLM client and accumulates this run's token spend
// into usage.
func (b *base) complete(ctx context.Context, usage map[string]int, model, system, prompt string, maxTokens int) (string, error) {
	result, err := b.client.Complete(ctx, model, system, prompt, maxTokens)
	if err != nil {
		return "", err
	}
	usage[model] += result.InputTokens + result.OutputTokens
	return result.Text, nil
}

// analyzeFiles predicts which files an issue will touch: haiku, 1024
// tokens, newline-separated paths.
func (b *base) analyzeFiles(ctx context.Context, usage map[string]int, issueBody string) ([]string, error) {
	prompt := "List the files in this repository likely to need changes for this issue. " +
		"Respond with one file path per line, nothing else.\n\n" + issueBody
	text, err := b.complete(ctx, usage, b.models.Haiku, "", prompt, 1024)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(text), nil
}

// estimateComplexity classifies an issue as trivial/standard/complex:
// haiku, 10 tokens, defaulting to "standard" if the model's response
// doesn't match a recognized label.
func (b *base) estimateComplexity(ctx context.Context, usage map[string]int, issueBody string) (string, error) {
	prompt := "Classify the complexity of implementing this GitHub issue as exactly one word: " +
		"trivial, standard, or complex.\n\n" + issueBody
	text, err := b.complete(ctx, usage, b.models.Haiku, "", prompt, 10)
	if err != nil {
		return "standard", err
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "trivial":
		return "trivial", nil
	case "complex":
		return "complex", nil
	default:
		return "standard", nil
	}
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
