package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentswarm/orchestrator/internal/llm"
	"github.com/agentswarm/orchestrator/internal/task"
)

var testModels = ModelPolicy{Haiku: "haiku-model", Sonnet: "sonnet-model", Opus: "opus-model"}

func TestSelectModelTrivialAlwaysHaiku(t *testing.T) {
	require.Equal(t, "haiku-model", testModels.SelectModel("implementation", "trivial"))
}

func TestSelectModelComplexAlwaysOpus(t *testing.T) {
	require.Equal(t, "opus-model", testModels.SelectModel("implementation", "complex"))
}

func TestSelectModelStandardByTaskType(t *testing.T) {
	require.Equal(t, "haiku-model", testModels.SelectModel("file_analysis", "standard"))
	require.Equal(t, "haiku-model", testModels.SelectModel("planning", "standard"))
	require.Equal(t, "sonnet-model", testModels.SelectModel("implementation", "standard"))
}

func TestWorkerGeneratePlan(t *testing.T) {
	fake := &llm.FakeClient{Responses: []llm.Result{
		{Text: "standard", InputTokens: 1, OutputTokens: 1},
		{Text: "## Summary\ndo it", InputTokens: 10, OutputTokens: 20},
	}}
	w := NewWorker(fake, testModels)

	tsk := &task.Task{IssueTitle: "fix bug"}
	result, err := w.Execute(context.Background(), tsk, map[string]interface{}{
		"action":     "plan",
		"issue_body": "something is broken",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Output["plan"], "do it")
	require.Equal(t, "haiku-model", result.Output["model_used"])
	require.Equal(t, 32, result.TokensUsed["haiku-model"])
}

func TestWorkerTokenUsageIsPerRun(t *testing.T) {
	fake := &llm.FakeClient{Responses: []llm.Result{
		{Text: "standard", InputTokens: 5, OutputTokens: 5},
	}}
	w := NewWorker(fake, testModels)
	ctx := map[string]interface{}{"action": "plan", "issue_body": "x"}

	first, err := w.Execute(context.Background(), &task.Task{IssueTitle: "a"}, ctx)
	require.NoError(t, err)
	second, err := w.Execute(context.Background(), &task.Task{IssueTitle: "a"}, ctx)
	require.NoError(t, err)

	// Each run reports only its own spend; the shared Worker carries nothing
	// over between runs.
	require.Equal(t, first.TokensUsed, second.TokensUsed)
	require.Equal(t, 20, second.TokensUsed["haiku-model"])
}

func TestWorkerUnknownAction(t *testing.T) {
	w := NewWorker(&llm.FakeClient{}, testModels)
	result, err := w.Execute(context.Background(), &task.Task{}, map[string]interface{}{"action": "bogus"})
	require.NoError(t, err)
	require.False(t, result.Success)
}

func TestProductManagerAddFeatureAssignsNextID(t *testing.T) {
	fake := &llm.FakeClient{Responses: []llm.Result{
		{Text: `{"name":"dark mode","priority":"medium","description":"d","user_story":{},"acceptance_criteria":[],"dependencies":[],"effort":"M","notes":""}`},
	}}
	pm := NewProductManager(fake, testModels)

	result, err := pm.Execute(context.Background(), &task.Task{}, map[string]interface{}{
		"action":               "add_feature",
		"description":          "add dark mode",
		"existing_feature_ids": []string{"feature-1", "feature-3"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	feature := result.Output["feature"].(map[string]interface{})
	require.Equal(t, "feature-4", feature["id"])
}

func TestProductManagerDefineVisionAsksQuestionsWithoutInput(t *testing.T) {
	pm := NewProductManager(&llm.FakeClient{}, testModels)
	result, err := pm.Execute(context.Background(), &task.Task{}, map[string]interface{}{"action": "define_vision"})
	require.NoError(t, err)
	require.Equal(t, "questions_posted", result.Output["action"])
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool(2)
	var current, max atomic.Int32

	run := func() {
		_, _ = pool.Run(context.Background(), func(ctx context.Context) (Result, error) {
			n := current.Add(1)
			for {
				m := max.Load()
				if n <= m || max.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return Result{Success: true}, nil
		})
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			run()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	require.LessOrEqual(t, int(max.Load()), 2)
}

func TestPoolRespectsContextCancellation(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	go func() {
		_, _ = pool.Run(context.Background(), func(context.Context) (Result, error) {
			<-block
			return Result{}, nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // let the first Run take the only slot

	cancel()
	_, err := pool.Run(ctx, func(context.Context) (Result, error) {
		return Result{Success: true}, nil
	})
	require.Error(t, err)
	close(block)
}
