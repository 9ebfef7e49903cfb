package engine

import "errors"

// Expected, recoverable outcomes returned to callers for user-facing
// messaging. None of these are logged as errors.
var (
	// ErrAlreadyTerminal rejects a transition out of ended/cancelled to a
	// different status. A repeat of the same terminal transition is a no-op
	// success instead, because retries and duplicate presses are expected.
	ErrAlreadyTerminal = errors.New("run already reached a terminal status")

	// ErrRunTerminal rejects ledger or key mutations against a finished run.
	ErrRunTerminal = errors.New("run has ended")

	// ErrRunLocked rejects a first-time join while the join lock is set.
	ErrRunLocked = errors.New("run is locked to new joins")

	// ErrRunNotLive rejects live-phase actions attempted in another phase.
	ErrRunNotLive = errors.New("run is not live")

	// ErrNotJoined rejects attribute changes for members without a joined entry.
	ErrNotJoined = errors.New("member is not joined to this run")
)

// UpstreamError wraps a persistence or platform failure. Writes are never
// assumed committed; callers may safely retry the same action.
type UpstreamError struct {
	Op  string
	Err error
}

func (e UpstreamError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e UpstreamError) Unwrap() error { return e.Err }
