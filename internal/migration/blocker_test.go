package migration

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
)

func newTestBlocker(t testing.TB) (*Blocker, *CommitPointWaiter, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1000, 0))
	waiter := NewCommitPointWaiter()
	b := NewBlocker(BlockerConfig{
		TenantID:            "tenantA",
		RecipientConnString: "recipientSet/host1:27017,host2:27017",
		Waiter:              waiter,
		Clock:               clk,
	})
	return b, waiter, clk
}

func waitForState(t testing.TB, b *Blocker, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("blocker state = %s, want %s", b.State(), want)
}

func mustPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on invariant violation")
		}
	}()
	fn()
}

func TestWriteGateAcrossStates(t *testing.T) {
	b, waiter, _ := newTestBlocker(t)

	if err := b.CheckCanWrite(); err != nil {
		t.Fatalf("allow state rejected write: %v", err)
	}

	b.StartBlockingWrites()
	err := b.CheckCanWrite()
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("blockWrites write error = %v, want ConflictError", err)
	}
	if conflict.Blocker != b {
		t.Fatal("conflict error does not carry the blocker handle")
	}
	if !api.IsCode(err, api.CodeTenantMigrationConflict) {
		t.Fatalf("conflict error code = %v, want TenantMigrationConflict", api.ErrorCode(err))
	}

	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))
	if err := b.CheckCanWrite(); !errors.As(err, &conflict) {
		t.Fatalf("blockWritesAndReads write error = %v, want ConflictError", err)
	}

	b.Commit(api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1})
	waiter.AdvanceCommitPoint(api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1})
	waitForState(t, b, StateReject)

	err = b.CheckCanWrite()
	if !api.IsCode(err, api.CodeTenantMigrationCommitted) {
		t.Fatalf("reject write error = %v, want TenantMigrationCommitted", err)
	}
	var f api.Failure
	if !errors.As(err, &f) || f.RecipientConnString == "" {
		t.Fatalf("committed error missing recipient: %+v", err)
	}
}

func TestWriteAllowedAfterAbort(t *testing.T) {
	b, waiter, _ := newTestBlocker(t)
	b.Abort(api.OpTime{TS: api.NewClusterTime(50, 0), Term: 1})
	waiter.AdvanceCommitPoint(api.OpTime{TS: api.NewClusterTime(50, 0), Term: 1})
	waitForState(t, b, StateAborted)

	if err := b.CheckCanWrite(); err != nil {
		t.Fatalf("aborted state rejected write: %v", err)
	}
	if _, err := b.Completion().Wait(context.Background()); err != nil {
		t.Fatalf("completion promise not fulfilled on abort: %v", err)
	}
}

func TestReadGateAdmissionMatrix(t *testing.T) {
	b, _, _ := newTestBlocker(t)
	ts150 := api.NewClusterTime(150, 0)
	ts99 := api.NewClusterTime(99, 0)

	// Allow: everything passes.
	if f := b.CanReadOrWait(&ts150); !f.IsReady() || f.Err() != nil {
		t.Fatal("allow state blocked a read")
	}

	// BlockWrites: reads still pass.
	b.StartBlockingWrites()
	if f := b.CanReadOrWait(&ts150); !f.IsReady() || f.Err() != nil {
		t.Fatal("blockWrites state blocked a read")
	}

	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))

	// Timestamp below the block timestamp: admitted.
	if f := b.CanReadOrWait(&ts99); !f.IsReady() || f.Err() != nil {
		t.Fatal("read below block timestamp was blocked")
	}
	// No timestamp chosen yet: admitted.
	if f := b.CanReadOrWait(nil); !f.IsReady() || f.Err() != nil {
		t.Fatal("read without timestamp was blocked")
	}
	// At or after the block timestamp: parked.
	if f := b.CanReadOrWait(&ts150); f.IsReady() {
		t.Fatal("read at/after block timestamp was not parked")
	}
}

func TestBlockedReadWokenByRollback(t *testing.T) {
	b, _, _ := newTestBlocker(t)
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))

	ts := api.NewClusterTime(150, 0)
	f := b.CanReadOrWait(&ts)
	if f.IsReady() {
		t.Fatal("read not parked")
	}

	b.RollBackStartBlocking()
	state, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("rollback wake returned error: %v", err)
	}
	if state != StateAllow {
		t.Fatalf("rollback wake state = %s, want allow", state)
	}
	if b.State() != StateAllow {
		t.Fatalf("state after rollback = %s, want allow", b.State())
	}
	// The gate re-admits immediately after rollback.
	if f := b.CanReadOrWait(&ts); !f.IsReady() || f.Err() != nil {
		t.Fatal("read still blocked after rollback")
	}
}

func TestBlockedReadFailsOnCommit(t *testing.T) {
	b, waiter, _ := newTestBlocker(t)
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))

	ts := api.NewClusterTime(150, 0)
	f := b.CanReadOrWait(&ts)
	if f.IsReady() {
		t.Fatal("read not parked")
	}

	opTime := api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1}
	b.Commit(opTime)
	if f.IsReady() {
		t.Fatal("read woke before the commit op-time was majority-committed")
	}
	waiter.AdvanceCommitPoint(opTime)

	_, err := f.Wait(context.Background())
	if !api.IsCode(err, api.CodeTenantMigrationCommitted) {
		t.Fatalf("blocked read error = %v, want TenantMigrationCommitted", err)
	}
	var failure api.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error %v is not a Failure", err)
	}
	if failure.RecipientConnString != "recipientSet/host1:27017,host2:27017" {
		t.Fatalf("recipient = %q", failure.RecipientConnString)
	}
	// Reject is terminal: later reads fail immediately.
	if f := b.CanReadOrWait(&ts); !f.IsReady() || !api.IsCode(f.Err(), api.CodeTenantMigrationCommitted) {
		t.Fatal("read against rejected blocker did not fail fast")
	}
}

func TestLinearizableReadBypassesBlocking(t *testing.T) {
	b, waiter, _ := newTestBlocker(t)
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))
	if err := b.CheckLinearizableRead(); err != nil {
		t.Fatalf("linearizable read blocked in blocking state: %v", err)
	}

	opTime := api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1}
	b.Commit(opTime)
	waiter.AdvanceCommitPoint(opTime)
	waitForState(t, b, StateReject)
	if err := b.CheckLinearizableRead(); !api.IsCode(err, api.CodeTenantMigrationCommitted) {
		t.Fatalf("linearizable read in reject state = %v, want TenantMigrationCommitted", err)
	}
}

func TestMajorityWaitRetriesWithBackoff(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	attempts := make(chan struct{}, 16)
	var calls atomic.Int32
	waiter := waiterFunc(func(ctx context.Context, _ api.OpTime) error {
		n := calls.Add(1)
		attempts <- struct{}{}
		if err := ctx.Err(); err != nil {
			return err
		}
		if n >= 3 {
			return nil
		}
		return ErrNotYetMajority
	})
	b := NewBlocker(BlockerConfig{
		TenantID:            "tenantA",
		RecipientConnString: "recipientSet/host1:27017",
		Waiter:              waiter,
		Clock:               clk,
	})
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))
	b.Commit(api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1})

	// Two failed attempts park on the backoff clock; advancing it drives
	// the third, which succeeds.
	for i := 0; i < 2; i++ {
		<-attempts
		for j := 0; clk.Waiters() == 0 && j < 5000; j++ {
			time.Sleep(time.Millisecond)
		}
		clk.Advance(time.Minute)
	}
	<-attempts
	waitForState(t, b, StateReject)
}

type waiterFunc func(ctx context.Context, opTime api.OpTime) error

func (f waiterFunc) WaitUntilMajority(ctx context.Context, opTime api.OpTime) error {
	return f(ctx, opTime)
}

func TestShutdownBreaksCompletionPromise(t *testing.T) {
	b, _, _ := newTestBlocker(t)
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))
	b.Commit(api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1})

	b.Shutdown()
	_, err := b.Completion().Wait(context.Background())
	if !api.IsCode(err, api.CodeBlockerShuttingDown) {
		t.Fatalf("completion after shutdown = %v, want BlockerShuttingDown", err)
	}
}

func TestWaitUntilCommittedOrAbortedTimeout(t *testing.T) {
	b, _, clk := newTestBlocker(t)
	b.StartBlockingWrites()

	deadline := clk.Now().Add(10 * time.Second)

	done := make(chan error, 1)
	go func() {
		done <- b.WaitUntilCommittedOrAborted(context.Background(), deadline)
	}()
	for j := 0; clk.Waiters() == 0 && j < 5000; j++ {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(10 * time.Second)

	err := <-done
	if !api.IsCode(err, api.CodeExceededTimeLimit) {
		t.Fatalf("timeout error = %v, want ExceededTimeLimit", err)
	}
	// Timeout never mutates blocker state.
	if b.State() != StateBlockWrites {
		t.Fatalf("state after timeout = %s, want blockWrites", b.State())
	}
}

func TestWaitUntilCommittedOrAbortedSeesAbort(t *testing.T) {
	b, waiter, _ := newTestBlocker(t)
	b.StartBlockingWrites()

	done := make(chan error, 1)
	go func() {
		done <- b.WaitUntilCommittedOrAborted(context.Background(), time.Time{})
	}()

	opTime := api.OpTime{TS: api.NewClusterTime(60, 0), Term: 1}
	b.Abort(opTime)
	waiter.AdvanceCommitPoint(opTime)
	if err := <-done; err != nil {
		t.Fatalf("wait after abort = %v, want nil", err)
	}
}

func TestTerminalStateReachedAtMostOnce(t *testing.T) {
	b, waiter, _ := newTestBlocker(t)
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 0))
	opTime := api.OpTime{TS: api.NewClusterTime(101, 0), Term: 1}
	b.Commit(opTime)
	waiter.AdvanceCommitPoint(opTime)
	waitForState(t, b, StateReject)

	mustPanic(t, func() { b.Abort(opTime) })
	mustPanic(t, func() { b.Commit(opTime) })
}

func TestStateMachineInvariants(t *testing.T) {
	t.Run("blockWritesRequiresAllow", func(t *testing.T) {
		b, _, _ := newTestBlocker(t)
		b.StartBlockingWrites()
		mustPanic(t, func() { b.StartBlockingWrites() })
	})
	t.Run("blockReadsRequiresBlockWrites", func(t *testing.T) {
		b, _, _ := newTestBlocker(t)
		mustPanic(t, func() { b.StartBlockingReadsAfter(api.NewClusterTime(1, 0)) })
	})
	t.Run("rollbackRequiresBlocking", func(t *testing.T) {
		b, _, _ := newTestBlocker(t)
		mustPanic(t, func() { b.RollBackStartBlocking() })
	})
	t.Run("commitRequiresBlockReads", func(t *testing.T) {
		b, _, _ := newTestBlocker(t)
		b.StartBlockingWrites()
		mustPanic(t, func() { b.Commit(api.OpTime{Term: 1}) })
	})
}

func TestStatusSnapshot(t *testing.T) {
	b, _, _ := newTestBlocker(t)
	b.StartBlockingWrites()
	b.StartBlockingReadsAfter(api.NewClusterTime(100, 7))

	st := b.Status()
	if st.TenantID != "tenantA" || st.State != "blockWritesAndReads" {
		t.Fatalf("status = %+v", st)
	}
	if st.BlockTimestamp == nil || st.BlockTimestamp.Compare(api.NewClusterTime(100, 7)) != 0 {
		t.Fatalf("status block timestamp = %v", st.BlockTimestamp)
	}
	if st.CommitOpTime != nil || st.AbortOpTime != nil {
		t.Fatalf("unexpected terminal op-times in %+v", st)
	}
	if !strings.Contains(st.State, "block") {
		t.Fatalf("state string %q", st.State)
	}
}
