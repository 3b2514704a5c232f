package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Planner breaks a feature request into a dependency-ordered set of
// sub-tasks.
type Planner struct {
	base
}

// NewPlanner builds a Planner agent.
func NewPlanner(client llm.Client, models ModelPolicy) *Planner {
	return &Planner{base: newBase(client, models)}
}

func (p *Planner) Type() Type { return TypePlanner }

// Execute generates a comprehensive plan with dependency analysis, always
// on the opus model regardless of estimated complexity.
func (p *Planner) Execute(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	issueBody, _ := agentContext["issue_body"].(string)
	repoStructure, _ := agentContext["repo_structure"].(string)
	relatedIssues, _ := agentContext["related_issues"].([]string)

	system := "You are a technical project manager and architect. " +
		"Analyze complex features and break them into well-defined, implementable tasks. " +
		"Identify dependencies, risks, and optimal execution order. Be thorough but practical."

	prompt := fmt.Sprintf(`Analyze this feature request and create a comprehensive implementation plan.

Feature: %s

Description:
%s

Repository structure:
%s

Related open issues:
%s

Create a detailed breakdown including:

## Executive Summary
## Sub-tasks
## Dependency Graph
## Execution Order
## Risk Assessment
## Effort Estimation
## Recommendations`, t.IssueTitle, issueBody, repoStructure, formatRelatedIssues(relatedIssues))

	text, err := p.complete(ctx, usage, p.models.Opus, system, prompt, 8192)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	subTasks := parseSubTasks(text)

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"plan":       text,
			"sub_tasks":  subTasks,
			"model_used": p.models.Opus,
		},
		TokensUsed: usage,
	}, nil
}

func formatRelatedIssues(issues []string) string {
	if len(issues) == 0 {
		return "None found"
	}
	if len(issues) > 10 {
		issues = issues[:10]
	}
	return strings.Join(issues, "\n")
}

// SubTask is one entry parsed out of a planner response's "## Sub-tasks"
// section.
type SubTask struct {
	Title        string
	Description  string
	Complexity   string
	Dependencies []string
}

func parseSubTasks(response string) []SubTask {
	var subTasks []SubTask
	inSubtasks := false
	var current *SubTask

	flush := func() {
		if current != nil {
			subTasks = append(subTasks, *current)
			current = nil
		}
	}

	for _, rawLine := range strings.Split(response, "\n") {
		line := strings.TrimSpace(rawLine)

		if strings.Contains(line, "## Sub-tasks") || strings.Contains(line, "## Subtasks") {
			inSubtasks = true
			continue
		}
		if !inSubtasks {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			flush()
			break
		}

		switch {
		case strings.HasPrefix(line, "### ") || strings.HasPrefix(line, "- **"):
			flush()
			title := strings.TrimSpace(strings.NewReplacer("### ", "", "- **", "", "**", "").Replace(line))
			current = &SubTask{Title: title}
		case current != nil && (strings.Contains(line, "Dependencies:") || strings.Contains(line, "Depends on:")):
			_, rest, _ := strings.Cut(line, ":")
			for _, dep := range strings.Split(rest, ",") {
				current.Dependencies = append(current.Dependencies, strings.TrimSpace(dep))
			}
		case current != nil && strings.Contains(line, "Complexity:"):
			_, rest, _ := strings.Cut(line, ":")
			current.Complexity = strings.ToLower(strings.TrimSpace(rest))
		case current != nil:
			current.Description += line + "\n"
		}
	}
	flush()

	return subTasks
}
