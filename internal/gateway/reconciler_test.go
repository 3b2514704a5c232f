package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentswarm/orchestrator/internal/locks"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/store"
	"github.com/agentswarm/orchestrator/internal/task"
)

func newReconcilerRig(t *testing.T) (*task.Machine, *locks.Registry, *Reconciler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewFromClient(client)
	machine := task.New(s)
	lockReg := locks.New(s)
	r := NewReconciler(machine, lockReg, time.Minute, 30*time.Minute, logging.NewNop())
	return machine, lockReg, r
}

func advanceToExecuting(t *testing.T, machine *task.Machine, id string) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []task.State{task.StatePlanning, task.StatePlanReview, task.StateApproved, task.StateExecuting} {
		_, err := machine.Transition(ctx, id, s, nil)
		require.NoError(t, err)
	}
}

func TestSweepFlagsIdleExecutingTaskWithoutLocks(t *testing.T) {
	machine, _, r := newReconcilerRig(t)
	ctx := context.Background()

	tk, err := machine.CreateTask(ctx, "owner/repo", 1, "title")
	require.NoError(t, err)
	advanceToExecuting(t, machine, tk.ID)

	// Pretend an hour passed since the last mutation.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.Equal(t, 1, r.Sweep(ctx))
}

func TestSweepSkipsTaskWithLiveLocks(t *testing.T) {
	machine, lockReg, r := newReconcilerRig(t)
	ctx := context.Background()

	tk, err := machine.CreateTask(ctx, "owner/repo", 2, "title")
	require.NoError(t, err)
	advanceToExecuting(t, machine, tk.ID)

	_, err = lockReg.Acquire(ctx, tk.ID, "owner/repo", []string{"src/x.go"}, time.Hour)
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.Equal(t, 0, r.Sweep(ctx))
}

func TestSweepSkipsRecentlyUpdatedAndNonAgentStates(t *testing.T) {
	machine, _, r := newReconcilerRig(t)
	ctx := context.Background()

	// Fresh EXECUTING task: updated now, not stuck.
	executing, err := machine.CreateTask(ctx, "owner/repo", 3, "title")
	require.NoError(t, err)
	advanceToExecuting(t, machine, executing.ID)

	// Task left in QUEUED, a state where no agent runs.
	queued, err := machine.CreateTask(ctx, "owner/repo", 4, "title")
	require.NoError(t, err)
	_ = queued

	require.Equal(t, 0, r.Sweep(ctx))
}
