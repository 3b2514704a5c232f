package gateway

import (
	"context"
	"time"

	"github.com/agentswarm/orchestrator/internal/locks"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/task"
)

// agentRunningStates are the states in which a task is expected to have an
// agent actively working, and therefore to be making progress.
var agentRunningStates = map[task.State]bool{
	task.StatePlanning:      true,
	task.StateExecuting:     true,
	task.StatePRAgentReview: true,
	task.StatePRAgentFix:    true,
}

// Reconciler periodically sweeps active tasks for ones that stopped making
// progress: still in an agent-running state, not updated within the stuck
// threshold, and holding no live file locks (meaning the agent's lock TTL
// has already expired). Webhooks are the primary signal; this sweep is the
// backup path and only reports - lock expiry is what actually reclaims a
// stuck agent's claims.
type Reconciler struct {
	machine    *task.Machine
	locks      *locks.Registry
	interval   time.Duration
	stuckAfter time.Duration
	log        *logging.Logger
	now        func() time.Time
}

// NewReconciler builds a Reconciler sweeping every interval, flagging tasks
// idle longer than stuckAfter.
func NewReconciler(machine *task.Machine, lockRegistry *locks.Registry, interval, stuckAfter time.Duration, log *logging.Logger) *Reconciler {
	return &Reconciler{
		machine:    machine,
		locks:      lockRegistry,
		interval:   interval,
		stuckAfter: stuckAfter,
		log:        log,
		now:        time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns how many tasks it flagged.
func (r *Reconciler) Sweep(ctx context.Context) int {
	active, err := r.machine.ListActiveTasks(ctx)
	if err != nil {
		r.log.Error("reconciler failed to list active tasks", "error", err.Error())
		return 0
	}

	flagged := 0
	for _, t := range active {
		if !agentRunningStates[t.State] {
			continue
		}
		if r.now().Sub(t.Timeline.UpdatedAt) < r.stuckAfter {
			continue
		}
		if r.holdsLiveLocks(ctx, t) {
			// Locks still live: the agent may just be slow. Leave it until
			// the TTL reclaims them.
			continue
		}

		flagged++
		r.log.Warn("stuck task detected",
			"task", t.ID,
			"repo", t.Repo,
			"state", string(t.State),
			"idle", r.now().Sub(t.Timeline.UpdatedAt).String(),
		)
	}
	return flagged
}

func (r *Reconciler) holdsLiveLocks(ctx context.Context, t *task.Task) bool {
	held, err := r.locks.List(ctx, t.Repo)
	if err != nil {
		r.log.Error("reconciler failed to list locks", "repo", t.Repo, "error", err.Error())
		return true // inconclusive; do not flag on a store hiccup
	}
	for _, holder := range held {
		if holder == t.ID {
			return true
		}
	}
	return false
}
