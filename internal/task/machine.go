package task

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/store"
)

const (
	keyActiveTasks   = "tasks:active"
	keyArchivedTasks = "tasks:archived"
)

func taskKey(id string) string {
	return "task:" + id
}

// Machine is the State Machine: the only component permitted to read,
// validate, and write Task state.
type Machine struct {
	store store.Store
	now   func() time.Time

	// leases serialize concurrent read-modify-write cycles against the same
	// task id, since the store offers no transactional read-modify-write of
	// its own. Without this, concurrent webhooks for one issue can lose
	// decisions or plan versions.
	leases sync.Map // map[string]*sync.Mutex
}

// New builds a Machine over the given Persistence Store.
func New(s store.Store) *Machine {
	return &Machine{store: s, now: time.Now}
}

// NewWithClock builds a Machine with an injectable clock, for deterministic
// tests of timeline monotonicity.
func NewWithClock(s store.Store, now func() time.Time) *Machine {
	return &Machine{store: s, now: now}
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	mu, _ := m.leases.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Machine) load(ctx context.Context, id string) (*Task, error) {
	raw, ok, err := m.store.Get(ctx, taskKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(apperr.ErrTaskNotFound, "task %s", id)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal task "+id)
	}
	return &t, nil
}

func (m *Machine) save(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task "+t.ID)
	}
	return m.store.Set(ctx, taskKey(t.ID), raw)
}

// CreateTask creates a new Task in StateQueued and adds it to the active
// set. Fails with apperr.ErrDuplicateTask if a task already exists for this
// issue.
func (m *Machine) CreateTask(ctx context.Context, repo string, issueNumber int, title string) (*Task, error) {
	id := TaskID(issueNumber)
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	_, ok, err := m.store.Get(ctx, taskKey(id))
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, errors.Wrapf(apperr.ErrDuplicateTask, "task %s", id)
	}

	now := m.now()
	t := &Task{
		ID:          id,
		Repo:        repo,
		IssueNumber: issueNumber,
		IssueTitle:  title,
		State:       StateQueued,
		Timeline: Timeline{
			CreatedAt: now,
			UpdatedAt: now,
		},
		Agent: AgentBookkeeping{TokensUsed: map[string]int{}},
	}

	if err := m.save(ctx, t); err != nil {
		return nil, err
	}
	if err := m.store.SAdd(ctx, keyActiveTasks, id); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask fetches a Task by internal id.
func (m *Machine) GetTask(ctx context.Context, id string) (*Task, error) {
	return m.load(ctx, id)
}

// GetTaskForIssue fetches a Task by (repo, issue number). The id format is
// an implementation detail; callers should always resolve through here
// rather than constructing ids directly.
func (m *Machine) GetTaskForIssue(ctx context.Context, repo string, issueNumber int) (*Task, error) {
	return m.load(ctx, TaskID(issueNumber))
}

// TransitionMetadata carries the side-effect payload a caller wants applied
// atomically with a state change - plan content, PR/branch identifiers, or
// a failure to record. All fields are optional; a zero value applies no
// side effect for that field.
type TransitionMetadata struct {
	Plan     map[string]interface{}
	PRNumber *int
	Branch   *string
	Error    *string
}

// Transition moves a Task to newState if the move is permitted by the
// transition table, applying any metadata side effects and timeline
// updates in the same logical write. A transition to the Task's current
// state is a no-op that still applies metadata, so a replayed webhook never
// double-applies a state change.
func (m *Machine) Transition(ctx context.Context, id string, newState State, metadata *TransitionMetadata) (*Task, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	noop := t.State == newState
	if !noop && !CanTransition(t.State, newState) {
		return nil, errors.Wrapf(apperr.ErrInvalidTransition, "task %s: %s -> %s", id, t.State, newState)
	}

	now := m.now()

	if !noop {
		t.State = newState
	}
	t.Timeline.UpdatedAt = now

	// Set-once, first-entry-wins timeline fields.
	if newState == StatePlanReview && t.Timeline.FirstPlanAt == nil {
		t.Timeline.FirstPlanAt = &now
	}
	if newState == StateApproved && t.Timeline.ApprovedAt == nil {
		t.Timeline.ApprovedAt = &now
	}
	if newState == StatePROpen && t.Timeline.PROpenedAt == nil {
		t.Timeline.PROpenedAt = &now
	}
	if IsTerminal(newState) && t.Timeline.CompletedAt == nil {
		t.Timeline.CompletedAt = &now
	}

	if metadata != nil {
		if metadata.Plan != nil {
			t.History.PlanVersions = append(t.History.PlanVersions, PlanVersion{
				Version:   len(t.History.PlanVersions) + 1,
				CreatedAt: now,
				Payload:   metadata.Plan,
			})
			t.History.CurrentPlanVersion = len(t.History.PlanVersions)
		}
		if metadata.PRNumber != nil {
			t.PRNumber = *metadata.PRNumber
		}
		if metadata.Branch != nil {
			t.Branch = *metadata.Branch
		}
		if metadata.Error != nil {
			t.Failure.LastError = *metadata.Error
			t.Failure.RetryCount++
		}
	}

	if err := m.save(ctx, t); err != nil {
		return nil, err
	}

	// Move between active/archived sets in the same logical write as the
	// terminal transition. Keyed off the target state alone, not off
	// whether this call changed it: if a prior attempt wrote the Task but
	// crashed before the set move, the replayed (no-op) transition still
	// repairs membership. SAdd/SRem on an already-correct membership is a
	// no-op, so re-running is always safe.
	if IsTerminal(t.State) {
		if err := m.store.SRem(ctx, keyActiveTasks, id); err != nil {
			return nil, err
		}
		if err := m.store.SAdd(ctx, keyArchivedTasks, id); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// RecordDecision appends a Decision to the Task's history and bumps
// updated_at. Never changes state. Decisions from webhook retries are
// appended unconditionally; duplicates are acceptable in an audit trail.
func (m *Machine) RecordDecision(ctx context.Context, id string, decisionType DecisionType, human, action, comment string, decisionMetadata map[string]interface{}) (*Task, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	t.History.Decisions = append(t.History.Decisions, Decision{
		Timestamp: m.now(),
		Type:      decisionType,
		Human:     human,
		Action:    action,
		Comment:   comment,
		Metadata:  decisionMetadata,
	})
	t.Timeline.UpdatedAt = m.now()

	if err := m.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordAgentUsage folds one agent invocation's spend into the Task's
// bookkeeping: appends the invocation id, accumulates per-model token
// counters, and adds the estimated cost. Never changes state.
func (m *Machine) RecordAgentUsage(ctx context.Context, id, invocationID string, tokensUsed map[string]int, costUSD float64) (*Task, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if invocationID != "" {
		t.Agent.InvocationIDs = append(t.Agent.InvocationIDs, invocationID)
		t.Agent.CurrentAgentID = invocationID
	}
	if t.Agent.TokensUsed == nil {
		t.Agent.TokensUsed = map[string]int{}
	}
	for model, n := range tokensUsed {
		t.Agent.TokensUsed[model] += n
	}
	t.Agent.EstimatedCostUSD += costUSD
	t.Timeline.UpdatedAt = m.now()

	if err := m.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListActiveTasks returns every non-terminal Task, newest-updated first.
func (m *Machine) ListActiveTasks(ctx context.Context) ([]*Task, error) {
	ids, err := m.store.SMembers(ctx, keyActiveTasks)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.load(ctx, id)
		if err != nil {
			if apperr.Is(err, apperr.ErrTaskNotFound) {
				continue // reclaimed/evicted between SMEMBERS and GET
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Timeline.UpdatedAt.After(tasks[j].Timeline.UpdatedAt)
	})
	return tasks, nil
}
