package task

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, func() time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	return NewWithClock(store.NewFromClient(client), now), now
}

func TestCreateTaskIsQueuedAndActive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 42, "fix the thing")
	require.NoError(t, err)
	require.Equal(t, StateQueued, tsk.State)
	require.Equal(t, "issue-42", tsk.ID)

	active, err := m.ListActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "issue-42", active[0].ID)
}

func TestCreateTaskDuplicateFails(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	_, err := m.CreateTask(ctx, "org/repo", 42, "title")
	require.NoError(t, err)

	_, err = m.CreateTask(ctx, "org/repo", 42, "title")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ErrDuplicateTask))
}

func TestHappyPathTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 42, "title")
	require.NoError(t, err)

	tsk, err = m.Transition(ctx, tsk.ID, StatePlanning, nil)
	require.NoError(t, err)
	require.Equal(t, StatePlanning, tsk.State)

	plan := map[string]interface{}{"summary": "do the thing"}
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanReview, &TransitionMetadata{Plan: plan})
	require.NoError(t, err)
	require.Equal(t, StatePlanReview, tsk.State)
	require.Len(t, tsk.History.PlanVersions, 1)
	require.Equal(t, 1, tsk.History.CurrentPlanVersion)
	require.NotNil(t, tsk.Timeline.FirstPlanAt)

	tsk, err = m.Transition(ctx, tsk.ID, StateApproved, nil)
	require.NoError(t, err)
	require.NotNil(t, tsk.Timeline.ApprovedAt)

	tsk, err = m.Transition(ctx, tsk.ID, StateExecuting, nil)
	require.NoError(t, err)

	prNumber := 7
	branch := "agent/42-fix"
	tsk, err = m.Transition(ctx, tsk.ID, StatePROpen, &TransitionMetadata{PRNumber: &prNumber, Branch: &branch})
	require.NoError(t, err)
	require.Equal(t, 7, tsk.PRNumber)
	require.Equal(t, "agent/42-fix", tsk.Branch)
	require.NotNil(t, tsk.Timeline.PROpenedAt)

	tsk, err = m.Transition(ctx, tsk.ID, StateCompleted, nil)
	require.NoError(t, err)
	require.NotNil(t, tsk.Timeline.CompletedAt)

	active, err := m.ListActiveTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestReplayedTerminalTransitionRepairsSetMembership(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 42, "title")
	require.NoError(t, err)
	for _, s := range []State{StatePlanning, StatePlanReview, StateApproved, StateExecuting, StatePROpen, StateCompleted} {
		tsk, err = m.Transition(ctx, tsk.ID, s, nil)
		require.NoError(t, err)
	}

	// Simulate a crash between the Task write and the set move on the
	// first terminal attempt: membership still shows the pre-move state.
	require.NoError(t, m.store.SAdd(ctx, keyActiveTasks, tsk.ID))
	require.NoError(t, m.store.SRem(ctx, keyArchivedTasks, tsk.ID))

	// The redelivered webhook replays the transition as a no-op, which
	// must still repair the active/archived partition.
	_, err = m.Transition(ctx, tsk.ID, StateCompleted, nil)
	require.NoError(t, err)

	active, err := m.store.SMembers(ctx, keyActiveTasks)
	require.NoError(t, err)
	require.NotContains(t, active, tsk.ID)
	archived, err := m.store.SMembers(ctx, keyArchivedTasks)
	require.NoError(t, err)
	require.Contains(t, archived, tsk.ID)
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 1, "title")
	require.NoError(t, err)

	_, err = m.Transition(ctx, tsk.ID, StateCompleted, nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ErrInvalidTransition))
}

func TestTransitionNoOpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 1, "title")
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanning, nil)
	require.NoError(t, err)

	again, err := m.Transition(ctx, tsk.ID, StatePlanning, nil)
	require.NoError(t, err)
	require.Equal(t, StatePlanning, again.State)
}

func TestFailureBookkeepingIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 1, "title")
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanning, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanReview, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StateApproved, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StateExecuting, nil)
	require.NoError(t, err)

	agentErr := "worker crashed"
	tsk, err = m.Transition(ctx, tsk.ID, StateFailed, &TransitionMetadata{Error: &agentErr})
	require.NoError(t, err)
	require.Equal(t, "worker crashed", tsk.Failure.LastError)
	require.Equal(t, 1, tsk.Failure.RetryCount)

	_, err = m.Transition(ctx, tsk.ID, StateFixerReview, nil)
	require.NoError(t, err)
	again, err := m.Transition(ctx, tsk.ID, StateExecuting, nil)
	require.NoError(t, err)

	agentErr2 := "worker crashed again"
	again, err = m.Transition(ctx, again.ID, StateFailed, &TransitionMetadata{Error: &agentErr2})
	require.NoError(t, err)
	require.Equal(t, 2, again.Failure.RetryCount)
}

func TestRecordDecisionAppendsWithoutChangingState(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 1, "title")
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanning, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanReview, nil)
	require.NoError(t, err)

	tsk, err = m.RecordDecision(ctx, tsk.ID, DecisionPlanApproval, "alice", "/approve", "", nil)
	require.NoError(t, err)
	require.Equal(t, StatePlanReview, tsk.State)
	require.Len(t, tsk.History.Decisions, 1)

	// Applying the same comment again (simulating a webhook retry) records
	// a second Decision; the history keeps both.
	tsk, err = m.RecordDecision(ctx, tsk.ID, DecisionPlanApproval, "alice", "/approve", "", nil)
	require.NoError(t, err)
	require.Len(t, tsk.History.Decisions, 2)
}

func TestRecordAgentUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 1, "title")
	require.NoError(t, err)

	tsk, err = m.RecordAgentUsage(ctx, tsk.ID, "inv-1", map[string]int{"haiku": 100}, 0.002)
	require.NoError(t, err)
	require.Equal(t, []string{"inv-1"}, tsk.Agent.InvocationIDs)
	require.Equal(t, "inv-1", tsk.Agent.CurrentAgentID)
	require.Equal(t, 100, tsk.Agent.TokensUsed["haiku"])

	tsk, err = m.RecordAgentUsage(ctx, tsk.ID, "inv-2", map[string]int{"haiku": 50, "opus": 200}, 0.01)
	require.NoError(t, err)
	require.Equal(t, []string{"inv-1", "inv-2"}, tsk.Agent.InvocationIDs)
	require.Equal(t, "inv-2", tsk.Agent.CurrentAgentID)
	require.Equal(t, 150, tsk.Agent.TokensUsed["haiku"])
	require.Equal(t, 200, tsk.Agent.TokensUsed["opus"])
	require.InDelta(t, 0.012, tsk.Agent.EstimatedCostUSD, 1e-9)
	require.Equal(t, StateQueued, tsk.State)
}

func TestGetTaskNotFound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	_, err := m.GetTask(ctx, "issue-999")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ErrTaskNotFound))
}

func TestPMFlowTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tsk, err := m.CreateTask(ctx, "org/repo", 1, "title")
	require.NoError(t, err)

	tsk, err = m.Transition(ctx, tsk.ID, StatePMVision, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePMVisionReview, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePMBacklog, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePMFeatureReview, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePMHandoffPlanner, nil)
	require.NoError(t, err)
	tsk, err = m.Transition(ctx, tsk.ID, StatePlanning, nil)
	require.NoError(t, err)
	require.Equal(t, StatePlanning, tsk.State)
}
