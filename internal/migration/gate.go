package migration

import (
	"context"
	"errors"
	"time"

	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/future"
)

// CheckCanWrite gates a write against the database's tenant, if any.
func (r *Registry) CheckCanWrite(dbName string) error {
	b := r.BlockerForDBName(dbName)
	if b == nil {
		return nil
	}
	return b.CheckCanWrite()
}

// WaitForReadPermission gates a read at readTimestamp against the
// database's tenant. It blocks until the read is admitted, the blocker
// redirects it, or deadline passes on the registry's clock (zero waits
// indefinitely). A timeout surfaces as ExceededTimeLimit and leaves
// blocker state untouched.
func (r *Registry) WaitForReadPermission(ctx context.Context, dbName string, readTimestamp *api.ClusterTime, deadline time.Time) error {
	b := r.BlockerForDBName(dbName)
	if b == nil {
		return nil
	}
	for {
		f := b.CanReadOrWait(readTimestamp)
		if f.IsReady() {
			_, err := f.Wait(ctx)
			return err
		}

		timerCtx, cancelTimer := context.WithCancel(ctx)
		waits := []future.Completion{f}
		if !deadline.IsZero() {
			waits = append(waits, future.Timer(timerCtx, r.clock, deadline.Sub(r.clock.Now())))
		}
		idx, err := future.WhenAny(ctx, waits...)
		cancelTimer()
		switch idx {
		case 0:
			if err != nil {
				return err
			}
			// Transition observed; re-check the predicate in case the
			// blocker re-entered a blocking state before we woke.
			continue
		case 1:
			return api.Failure{
				Code:     api.CodeExceededTimeLimit,
				Detail:   "read timed out waiting for tenant migration blocker",
				TenantID: b.TenantID(),
			}
		default:
			return err
		}
	}
}

// CheckLinearizableRead gates a linearizable read against the database's
// tenant. Only the reject state refuses it.
func (r *Registry) CheckLinearizableRead(dbName string) error {
	b := r.BlockerForDBName(dbName)
	if b == nil {
		return nil
	}
	return b.CheckLinearizableRead()
}

// HandleMigrationConflict translates a ConflictError into a wait on the
// blocker's outcome. It returns nil when the migration aborted (the caller
// retries the write on the same shard) and the terminal redirect error when
// it committed. A zero deadline waits indefinitely.
func HandleMigrationConflict(ctx context.Context, err error, deadline time.Time) error {
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	return conflict.Blocker.WaitUntilCommittedOrAborted(ctx, deadline)
}
