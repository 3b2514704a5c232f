// Package apperr defines the orchestrator's error taxonomy. Every component
// wraps failures in one of these sentinels via errors.Wrap so callers can
// branch on error kind with errors.Is/errors.As while still getting a
// human-readable cause chain.
package apperr

import "github.com/pkg/errors"

// Kind identifies which of the orchestrator's well-known failure modes an
// error represents.
type Kind string

const (
	KindStoreUnavailable  Kind = "store_unavailable"
	KindTaskNotFound      Kind = "task_not_found"
	KindDuplicateTask     Kind = "duplicate_task"
	KindInvalidTransition Kind = "invalid_transition"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindLockConflict      Kind = "lock_conflict"
	KindRemoteAPIFailure  Kind = "remote_api_failure"
	KindAgentFailure      Kind = "agent_failure"
)

// Sentinel errors. Wrap these with errors.Wrap(ErrX, "context") at the call
// site; test with errors.Is.
var (
	ErrStoreUnavailable  = errors.New(string(KindStoreUnavailable))
	ErrTaskNotFound      = errors.New(string(KindTaskNotFound))
	ErrDuplicateTask     = errors.New(string(KindDuplicateTask))
	ErrInvalidTransition = errors.New(string(KindInvalidTransition))
	ErrSignatureInvalid  = errors.New(string(KindSignatureInvalid))
	ErrLockConflict      = errors.New(string(KindLockConflict))
	ErrRemoteAPIFailure  = errors.New(string(KindRemoteAPIFailure))
	ErrAgentFailure      = errors.New(string(KindAgentFailure))
)

// sentinelKinds maps a sentinel to its Kind for classification by callers that only
// have an error value (e.g. the gateway deciding an HTTP status code).
var sentinelKinds = map[error]Kind{
	ErrStoreUnavailable:  KindStoreUnavailable,
	ErrTaskNotFound:      KindTaskNotFound,
	ErrDuplicateTask:     KindDuplicateTask,
	ErrInvalidTransition: KindInvalidTransition,
	ErrSignatureInvalid:  KindSignatureInvalid,
	ErrLockConflict:      KindLockConflict,
	ErrRemoteAPIFailure:  KindRemoteAPIFailure,
	ErrAgentFailure:      KindAgentFailure,
}

// Classify returns the Kind of a sentinel in err's cause chain that this
// package recognizes, and false if err doesn't wrap a known sentinel. If the
// chain holds more than one known sentinel, which one is reported is not
// defined (the lookup iterates a map).
func Classify(err error) (Kind, bool) {
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}

// Is reports whether err's cause chain contains the given sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}

// LockConflict carries the identity of the task and file blocking a lock
// acquisition, so routers can surface "blocked by task X on file F" without
// re-querying the registry.
type LockConflict struct {
	ConflictingTaskID string
	ConflictingFile   string
}

func (e *LockConflict) Error() string {
	return "lock conflict: task " + e.ConflictingTaskID + " holds " + e.ConflictingFile
}

func (e *LockConflict) Unwrap() error {
	return ErrLockConflict
}

// NewLockConflict builds a wrapped LockConflict error, ready for errors.As.
func NewLockConflict(taskID, file string) error {
	return &LockConflict{ConflictingTaskID: taskID, ConflictingFile: file}
}
