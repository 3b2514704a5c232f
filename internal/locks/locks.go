// Package locks implements the File Lock Registry: TTL-scoped exclusive
// claims on (repo, path) pairs, so two tasks never edit the same file at
// once.
package locks

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/store"
)

// DefaultTTL is used when Acquire/Extend are called with ttl <= 0.
const DefaultTTL = 1800 * time.Second

// CheckResult is the outcome of a conflict check or acquisition attempt.
type CheckResult struct {
	Acquired          bool
	ConflictingTaskID string
	ConflictingFile   string
}

// Registry is the File Lock Registry contract.
type Registry struct {
	store store.Store
}

// New builds a Registry over the given Persistence Store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

func lockKey(repo, path string) string {
	return "lock:" + repo + ":" + path
}

// CheckConflicts reports the first path (in the order given) that already
// has a holder; the holder is not compared with the caller, so a path held
// by the calling task counts too. No write is performed; this is purely advisory for
// callers that want to check before acquiring.
func (r *Registry) CheckConflicts(ctx context.Context, repo string, paths []string) (CheckResult, error) {
	for _, path := range paths {
		val, ok, err := r.store.Get(ctx, lockKey(repo, path))
		if err != nil {
			return CheckResult{}, err
		}
		if ok {
			return CheckResult{
				Acquired:          false,
				ConflictingTaskID: string(val),
				ConflictingFile:   path,
			}, nil
		}
	}
	return CheckResult{Acquired: true}, nil
}

// Acquire checks for conflicts and, if none are found, writes a setex entry
// per path holding taskID. This is NOT atomic across paths: the check and
// the writes are separate round trips, and the pipeline write itself is
// best-effort (see store.Store.Pipeline). A racing Acquire for an
// overlapping path set can still both succeed to check and then one wins
// the write; callers must treat Acquire as re-runnable, not as a true mutex
// primitive.
func (r *Registry) Acquire(ctx context.Context, taskID, repo string, paths []string, ttl time.Duration) (CheckResult, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	result, err := r.CheckConflicts(ctx, repo, paths)
	if err != nil {
		return CheckResult{}, err
	}
	if !result.Acquired {
		return result, nil
	}

	ops := make([]store.SetEXOp, 0, len(paths))
	for _, path := range paths {
		ops = append(ops, store.SetEXOp{
			Key:   lockKey(repo, path),
			Value: []byte(taskID),
			TTL:   ttl,
		})
	}
	if err := r.store.Pipeline(ctx, ops); err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Acquired: true}, nil
}

// Release deletes every lock in repo held by taskID, returning the count
// removed. Idempotent: calling it again when nothing is held returns 0,
// nil. Locks held by other tasks are untouched.
func (r *Registry) Release(ctx context.Context, taskID, repo string) (int, error) {
	keys, err := r.store.Scan(ctx, "lock:"+repo+":")
	if err != nil {
		return 0, err
	}

	released := 0
	for _, key := range keys {
		val, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return released, err
		}
		if !ok || string(val) != taskID {
			continue
		}
		if err := r.store.Del(ctx, key); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Extend refreshes the TTL on every lock in repo held by taskID.
func (r *Registry) Extend(ctx context.Context, taskID, repo string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	keys, err := r.store.Scan(ctx, "lock:"+repo+":")
	if err != nil {
		return 0, err
	}

	extended := 0
	for _, key := range keys {
		val, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return extended, err
		}
		if !ok || string(val) != taskID {
			continue
		}
		if err := r.store.Expire(ctx, key, ttl); err != nil {
			return extended, err
		}
		extended++
	}
	return extended, nil
}

// List returns every currently-held lock in repo as path -> holder task id.
func (r *Registry) List(ctx context.Context, repo string) (map[string]string, error) {
	keys, err := r.store.Scan(ctx, "lock:"+repo+":")
	if err != nil {
		return nil, err
	}

	prefix := "lock:" + repo + ":"
	locked := make(map[string]string, len(keys))
	for _, key := range keys {
		val, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		path := strings.TrimPrefix(key, prefix)
		locked[path] = string(val)
	}
	return locked, nil
}

// ConflictError builds the apperr.LockConflict value a router surfaces to
// the user when CheckConflicts/Acquire reports a collision.
func ConflictError(result CheckResult) error {
	if result.Acquired {
		return nil
	}
	return errors.WithStack(apperr.NewLockConflict(result.ConflictingTaskID, result.ConflictingFile))
}
