package dispatch

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/agentswarm/orchestrator/internal/agent"
	"github.com/agentswarm/orchestrator/internal/task"
)

// perTokenUSD is a rough blended (input+output averaged) per-token price
// by model family, for the running cost estimate on each Task. The
// estimate feeds an alert log line only; nothing gates on it.
var perTokenUSD = []struct {
	family string
	price  float64
}{
	{family: "haiku", price: 2e-6},
	{family: "sonnet", price: 9e-6},
	{family: "opus", price: 45e-6},
}

const defaultPerTokenUSD = 9e-6

func estimateCostUSD(tokensUsed map[string]int) float64 {
	total := 0.0
	for model, tokens := range tokensUsed {
		price := defaultPerTokenUSD
		for _, p := range perTokenUSD {
			if strings.Contains(model, p.family) {
				price = p.price
				break
			}
		}
		total += float64(tokens) * price
	}
	return total
}

// recordUsage folds one agent run's token spend into the Task's
// bookkeeping and emits the run/token metrics, warning once the task's
// cumulative estimated cost crosses the configured alert threshold.
func (d *Dispatcher) recordUsage(ctx context.Context, t *task.Task, agentType agent.Type, result agent.Result) {
	if d.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		d.metrics.AgentRuns.WithLabelValues(string(agentType), outcome).Inc()
		for model, tokens := range result.TokensUsed {
			d.metrics.TokensUsed.WithLabelValues(model).Add(float64(tokens))
		}
	}

	if len(result.TokensUsed) == 0 {
		return
	}

	cost := estimateCostUSD(result.TokensUsed)
	updated, err := d.machine.RecordAgentUsage(ctx, t.ID, uuid.NewString(), result.TokensUsed, cost)
	if err != nil {
		d.log.Warn("failed to record agent usage", "task", t.ID, "error", err.Error())
		return
	}
	if d.costAlertUSD > 0 && updated.Agent.EstimatedCostUSD > d.costAlertUSD {
		d.log.Warn("task cost above alert threshold",
			"task", t.ID,
			"estimated_cost_usd", updated.Agent.EstimatedCostUSD,
			"threshold_usd", d.costAlertUSD,
		)
	}
}
