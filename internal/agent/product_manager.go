package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

// ProductManager drives the PM_* sub-flow: vision definition, backlog
// management, feature prioritization, and handoff to the planner. Markdown
// rendering of vision/backlog/feature documents belongs to an external
// collaborator; this agent returns the structured data those templates
// would consume.
type ProductManager struct {
	base
}

// NewProductManager builds a ProductManager agent.
func NewProductManager(client llm.Client, models ModelPolicy) *ProductManager {
	return &ProductManager{base: newBase(client, models)}
}

func (p *ProductManager) Type() Type { return TypeProductManager }

// Execute dispatches on agentContext["action"]: define_vision,
// refine_vision, manage_backlog, add_feature, prioritize, create_feature,
// or handoff_to_planner.
func (p *ProductManager) Execute(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	action, _ := agentContext["action"].(string)
	switch action {
	case "define_vision":
		return p.defineVision(ctx, t, agentContext)
	case "refine_vision":
		return p.refineVision(ctx, t, agentContext)
	case "manage_backlog":
		return p.manageBacklog(ctx, t, agentContext)
	case "add_feature":
		return p.addFeature(ctx, t, agentContext)
	case "prioritize":
		return p.prioritizeBacklog(ctx, t, agentContext)
	case "create_feature":
		return p.createFeature(ctx, t, agentContext)
	case "handoff_to_planner":
		return p.handoffToPlanner(ctx, t, agentContext)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown action: %s", action)}, nil
	}
}

func (p *ProductManager) defineVision(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	userInput, _ := agentContext["user_input"].(string)
	if userInput == "" {
		return p.askClarifyingQuestions("vision"), nil
	}

	system := "You are a product manager writing a product vision document. " +
		"Respond with a single JSON object only."
	prompt := fmt.Sprintf(`Draft a product vision for %q based on this input:

%s

Respond as JSON with keys: problem_statement, target_users, vision_statement,
goals (array), metrics (array of {metric, target, current, status}),
in_scope (array), out_of_scope (array), constraints (array), assumptions (array).`,
		t.IssueTitle, userInput)

	text, err := p.complete(ctx, usage, p.models.Sonnet, system, prompt, 4096)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	visionData, err := parseJSONResponse(text)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"vision_data": visionData,
			"model_used":  p.models.Sonnet,
			"action":      "vision_draft_ready",
		},
		TokensUsed: usage,
	}, nil
}

func (p *ProductManager) refineVision(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	existingVision, _ := agentContext["existing_vision"].(string)
	feedback, _ := agentContext["feedback"].(string)
	if existingVision == "" || feedback == "" {
		return Result{Success: false, Error: "refine_vision requires existing_vision and feedback"}, nil
	}

	system := "You are a product manager revising a vision document based on feedback. " +
		"Respond with a single JSON object only."
	prompt := fmt.Sprintf("Existing vision:\n%s\n\nFeedback:\n%s\n\nRespond as JSON with the same shape as the existing vision, plus a changes_made array describing what you changed.",
		existingVision, feedback)

	text, err := p.complete(ctx, usage, p.models.Sonnet, system, prompt, 4096)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	visionData, err := parseJSONResponse(text)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"vision_data": visionData,
			"action":      "vision_refined",
		},
		TokensUsed: usage,
	}, nil
}

// clarifyingQuestions holds the static question banks per question_type.
var clarifyingQuestions = map[string][]string{
	"vision": {
		"Who are the primary users of this product or feature?",
		"What problem does this solve that isn't solved today?",
		"What does success look like in 90 days?",
	},
	"feature": {
		"What user story does this feature satisfy?",
		"What are the acceptance criteria?",
		"Are there dependencies on other in-flight work?",
	},
	"priority": {
		"What is the business impact of shipping this now versus later?",
		"Is there a deadline or external commitment driving this?",
	},
}

func (p *ProductManager) askClarifyingQuestions(questionType string) Result {
	questions := clarifyingQuestions[questionType]
	return Result{
		Success: true,
		Output: map[string]interface{}{
			"questions":     questions,
			"question_type": questionType,
			"action":        "questions_posted",
		},
	}
}

func (p *ProductManager) manageBacklog(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	visionData, _ := agentContext["vision_data"].(string)

	system := "You are a product manager maintaining a feature backlog. Respond with a single JSON object only."
	prompt := fmt.Sprintf(`Generate or update the feature backlog for %q given this vision:

%s

Respond as JSON with keys: features (array of {id, name, priority, status,
description, user_story {user_type, capability, benefit},
acceptance_criteria (array), dependencies (array), effort, notes}),
summary {total, ready, in_progress, done}.`, t.IssueTitle, visionData)

	text, err := p.complete(ctx, usage, p.models.Sonnet, system, prompt, 8192)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	backlog, err := parseJSONResponse(text)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success:    true,
		Output:     map[string]interface{}{"backlog": backlog, "action": "backlog_updated"},
		TokensUsed: usage,
	}, nil
}

func (p *ProductManager) addFeature(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	description, _ := agentContext["description"].(string)
	existingFeatures, _ := agentContext["existing_feature_ids"].([]string)

	system := "You are a product manager adding a single feature to a backlog. Respond with a single JSON object only."
	prompt := fmt.Sprintf("Draft one backlog feature entry from this description:\n%s\n\nRespond as JSON with keys: name, priority, description, user_story {user_type, capability, benefit}, acceptance_criteria (array), dependencies (array), effort, notes.", description)

	text, err := p.complete(ctx, usage, p.models.Haiku, system, prompt, 2048)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	feature, err := parseJSONResponse(text)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}
	feature["id"] = nextFeatureID(existingFeatures)

	return Result{
		Success:    true,
		Output:     map[string]interface{}{"feature": feature, "action": "feature_added"},
		TokensUsed: usage,
	}, nil
}

// nextFeatureID scans existing "feature-N" ids and returns the next
// sequential one.
func nextFeatureID(existingIDs []string) string {
	max := 0
	for _, id := range existingIDs {
		_, numStr, found := strings.Cut(id, "feature-")
		if !found {
			continue
		}
		if n, err := strconv.Atoi(numStr); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("feature-%d", max+1)
}

func (p *ProductManager) prioritizeBacklog(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	usage := map[string]int{}
	backlog, _ := agentContext["backlog"].(string)

	system := "You are a product manager re-prioritizing a backlog. Respond with a single JSON object only."
	prompt := fmt.Sprintf("Re-prioritize this backlog and explain your rationale:\n%s\n\nRespond as JSON with keys: features (array, reordered), rationale.", backlog)

	text, err := p.complete(ctx, usage, p.models.Sonnet, system, prompt, 4096)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	prioritized, err := parseJSONResponse(text)
	if err != nil {
		return Result{Success: false, Error: err.Error(), TokensUsed: usage}, nil
	}

	return Result{
		Success:    true,
		Output:     map[string]interface{}{"backlog": prioritized, "action": "backlog_prioritized"},
		TokensUsed: usage,
	}, nil
}

// createFeature builds a GitHub issue body for a backlog feature. No LLM
// call.
func (p *ProductManager) createFeature(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	name, _ := agentContext["name"].(string)
	description, _ := agentContext["description"].(string)
	priority, _ := agentContext["priority"].(string)
	if priority == "" {
		priority = "medium"
	}

	body := fmt.Sprintf("## Feature\n%s\n\n## Description\n%s\n", name, description)
	labels := []string{"feature", "agent-ok", "priority:" + strings.ToLower(priority)}

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"issue_body": body,
			"labels":     labels,
			"action":     "issue_ready",
		},
	}, nil
}

// handoffToPlanner builds the planner_context and handoff comment body for
// a PM_FEATURE_REVIEW -> PM_HANDOFF_PLANNER -> PLANNING transition. No LLM
// call.
func (p *ProductManager) handoffToPlanner(ctx context.Context, t *task.Task, agentContext map[string]interface{}) (Result, error) {
	featureID, _ := agentContext["feature_id"].(string)
	featureName, _ := agentContext["feature_name"].(string)
	description, _ := agentContext["description"].(string)
	effort, _ := agentContext["effort_estimate"].(string)

	plannerContext := map[string]interface{}{
		"feature_id":      featureID,
		"feature_name":    featureName,
		"description":     description,
		"effort_estimate": effort,
		"from_pm":         true,
	}
	comment := fmt.Sprintf("Handing off feature %s (%s) to the planner.", featureID, featureName)

	return Result{
		Success: true,
		Output: map[string]interface{}{
			"planner_context": plannerContext,
			"comment":         comment,
			"action":          "handoff_ready",
		},
	}, nil
}

// parseJSONResponse tries, in order: the raw text as JSON, a fenced
// ```json code block, and finally a brace-matched substring.
func parseJSONResponse(text string) (map[string]interface{}, error) {
	var out map[string]interface{}

	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err == nil {
		return out, nil
	}

	if block := extractFencedJSON(text); block != "" {
		if err := json.Unmarshal([]byte(block), &out); err == nil {
			return out, nil
		}
	}

	if block := extractBraceMatched(text); block != "" {
		if err := json.Unmarshal([]byte(block), &out); err == nil {
			return out, nil
		}
	}

	return nil, fmt.Errorf("could not parse JSON from model response")
}

func extractFencedJSON(text string) string {
	const fence = "```json"
	start := strings.Index(text, fence)
	if start == -1 {
		return ""
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func extractBraceMatched(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
