package migration

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/shardd/api"
)

// ErrNotYetMajority reports a commit point that has not caught up to the
// awaited op-time. The blocker retries with backoff.
var ErrNotYetMajority = errors.New("op-time not yet majority-committed")

// ReplicationStatus is the slice of the replication collaborator the
// majority wait needs: the current majority commit point.
type ReplicationStatus interface {
	MajorityCommitPoint(ctx context.Context) (api.OpTime, error)
}

// PollWaiter checks the replication collaborator once per call; paired
// with the blocker's backoff loop this polls until the awaited position is
// majority-committed.
type PollWaiter struct {
	Repl ReplicationStatus
}

// WaitUntilMajority implements MajorityWaiter.
func (w PollWaiter) WaitUntilMajority(ctx context.Context, opTime api.OpTime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := w.Repl.MajorityCommitPoint(ctx)
	if err != nil {
		return err
	}
	if opTime.LessOrEqual(current) {
		return nil
	}
	return ErrNotYetMajority
}

type commitPointWait struct {
	opTime api.OpTime
	done   chan struct{}
}

// CommitPointWaiter is the externally-driven majority waiter for
// deployments whose replication layer pushes commit-point updates instead
// of being polled. AdvanceCommitPoint wakes every wait at or before the
// new point; wakes happen after the lock is released.
type CommitPointWaiter struct {
	mu      sync.Mutex
	current api.OpTime
	waits   []*commitPointWait
}

// NewCommitPointWaiter constructs a waiter with an unset commit point.
func NewCommitPointWaiter() *CommitPointWaiter {
	return &CommitPointWaiter{}
}

// WaitUntilMajority implements MajorityWaiter.
func (w *CommitPointWaiter) WaitUntilMajority(ctx context.Context, opTime api.OpTime) error {
	w.mu.Lock()
	if opTime.LessOrEqual(w.current) {
		w.mu.Unlock()
		return nil
	}
	entry := &commitPointWait{opTime: opTime, done: make(chan struct{})}
	w.waits = append(w.waits, entry)
	w.mu.Unlock()

	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdvanceCommitPoint publishes a new majority commit point. Regressions
// are ignored.
func (w *CommitPointWaiter) AdvanceCommitPoint(opTime api.OpTime) {
	w.mu.Lock()
	if w.current.Compare(opTime) < 0 {
		w.current = opTime
	}
	kept := w.waits[:0]
	var due []*commitPointWait
	for _, entry := range w.waits {
		if entry.opTime.LessOrEqual(w.current) {
			due = append(due, entry)
			continue
		}
		kept = append(kept, entry)
	}
	w.waits = kept
	w.mu.Unlock()

	for _, entry := range due {
		close(entry.done)
	}
}
