// Package migration implements the donor-side tenant access gate used
// during a live tenant hand-off: per-tenant access blockers, the process
// registry that routes database names to them, and recovery from persisted
// donor state documents. The donor state machine that decides to move
// between states is an external collaborator; this package consumes its
// notifications.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/future"
	"pkt.systems/shardd/internal/loggingutil"
)

// State is the access gate position for one tenant.
type State int

const (
	// StateAllow admits reads and writes.
	StateAllow State = iota
	// StateBlockWrites blocks new writes; reads still pass.
	StateBlockWrites
	// StateBlockWritesAndReads blocks writes and reads at or after the
	// block timestamp.
	StateBlockWritesAndReads
	// StateReject is terminal: the migration committed and all tenant
	// traffic redirects to the recipient.
	StateReject
	// StateAborted is terminal: the migration was abandoned and traffic
	// flows again.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAllow:
		return "allow"
	case StateBlockWrites:
		return "blockWrites"
	case StateBlockWritesAndReads:
		return "blockWritesAndReads"
	case StateReject:
		return "reject"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MajorityWaiter blocks until an oplog position is majority-committed on
// the donor replica set. The production implementation polls the
// replication collaborator; CommitPointWaiter is fed externally.
type MajorityWaiter interface {
	WaitUntilMajority(ctx context.Context, opTime api.OpTime) error
}

const majorityBackoffStart = time.Second

// majorityBackoffCap bounds the doubling so a long outage keeps probing.
const majorityBackoffCap = time.Minute

// Blocker gates one tenant's traffic on a donor while the tenant is being
// handed off. Writes transition allowed -> blocked, then reads allowed ->
// blocked-at-timestamp, then either reject-and-redirect (commit) or allow
// (abort). Every transition wakes pending waiters.
type Blocker struct {
	tenantID            string
	recipientConnString string
	logger              pslog.Logger
	wallClock           clock.Clock
	waiter              MajorityWaiter
	metrics             *blockerMetrics

	// shutdownCtx cancels the majority-wait task when the blocker shuts
	// down; external waiters instead observe the completion promise.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	completion *future.Promise[State]

	mu             sync.Mutex
	state          State
	blockTimestamp *api.ClusterTime
	commitOpTime   *api.OpTime
	abortOpTime    *api.OpTime
	// transition settles when the current blocking episode ends; armed on
	// entering BlockWritesAndReads.
	transition *future.Promise[State]
}

// BlockerConfig collects Blocker dependencies.
type BlockerConfig struct {
	TenantID            string
	RecipientConnString string
	Waiter              MajorityWaiter
	Clock               clock.Clock
	Logger              pslog.Logger
	Metrics             *blockerMetrics
}

// NewBlocker constructs a blocker in the allow state.
func NewBlocker(cfg BlockerConfig) *Blocker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := cfg.Metrics
	if m == nil {
		m = newBlockerMetrics(loggingutil.EnsureLogger(cfg.Logger))
	}
	return &Blocker{
		tenantID:            cfg.TenantID,
		recipientConnString: cfg.RecipientConnString,
		logger:              loggingutil.EnsureLogger(cfg.Logger),
		wallClock:           clk,
		waiter:              cfg.Waiter,
		metrics:             m,
		shutdownCtx:         ctx,
		shutdownCancel:      cancel,
		completion:          future.NewPromise[State](),
		state:               StateAllow,
	}
}

// TenantID returns the tenant this blocker gates.
func (b *Blocker) TenantID() string {
	return b.tenantID
}

// RecipientConnString returns the redirect target for committed migrations.
func (b *Blocker) RecipientConnString() string {
	return b.recipientConnString
}

// State returns the current gate position.
func (b *Blocker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Blocker) committedFailure() api.Failure {
	return api.Failure{
		Code:                api.CodeTenantMigrationCommitted,
		Detail:              "write or read must be re-routed to the new owner of this tenant",
		TenantID:            b.tenantID,
		RecipientConnString: b.recipientConnString,
	}
}

// CheckCanWrite admits or rejects a write against this tenant. In the
// blocking states it fails with a ConflictError carrying the blocker so
// the caller can wait for the outcome and retry on the same shard.
func (b *Blocker) CheckCanWrite() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateAllow, StateAborted:
		return nil
	case StateBlockWrites, StateBlockWritesAndReads:
		return &ConflictError{TenantID: b.tenantID, Blocker: b}
	case StateReject:
		return b.committedFailure()
	default:
		panic(fmt.Sprintf("tenant migration blocker for %q in impossible state %d", b.tenantID, b.state))
	}
}

// CanReadOrWait gates a read at the given timestamp. The returned future is
// immediately ready when the read is admitted, immediately failed with the
// redirect error in the reject state, and otherwise settles when the
// blocker exits the blocking state. A nil timestamp means the read has not
// chosen a snapshot and is always admitted.
func (b *Blocker) CanReadOrWait(readTimestamp *api.ClusterTime) *future.Future[State] {
	b.mu.Lock()
	defer b.mu.Unlock()

	canRead := b.state == StateAllow || b.state == StateAborted || b.state == StateBlockWrites ||
		readTimestamp == nil ||
		(b.blockTimestamp != nil && readTimestamp.Less(*b.blockTimestamp))
	if canRead {
		return future.Ready(b.state)
	}
	if b.state == StateReject {
		return future.Failed[State](b.committedFailure())
	}
	b.metrics.readBlocked(b.tenantID)
	return b.transition.Future()
}

// CheckLinearizableRead rejects linearizable reads only once the migration
// has committed. They bypass the blocking state because they have not yet
// chosen a snapshot.
func (b *Blocker) CheckLinearizableRead() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateReject {
		return b.committedFailure()
	}
	return nil
}

// StartBlockingWrites moves allow -> blockWrites.
func (b *Blocker) StartBlockingWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.invariant(b.state == StateAllow, "startBlockingWrites outside allow")
	b.invariant(b.blockTimestamp == nil, "startBlockingWrites with block timestamp set")
	b.invariant(b.commitOpTime == nil && b.abortOpTime == nil, "startBlockingWrites after terminal op-time")

	b.state = StateBlockWrites
	b.logger.Info("migration.block_writes.start", "tenant", b.tenantID)
}

// StartBlockingReadsAfter moves blockWrites -> blockWritesAndReads and
// records the timestamp at and after which reads must wait.
func (b *Blocker) StartBlockingReadsAfter(ts api.ClusterTime) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.invariant(b.state == StateBlockWrites, "startBlockingReadsAfter outside blockWrites")
	b.invariant(b.blockTimestamp == nil, "startBlockingReadsAfter with block timestamp set")
	b.invariant(b.commitOpTime == nil && b.abortOpTime == nil, "startBlockingReadsAfter after terminal op-time")

	b.state = StateBlockWritesAndReads
	b.blockTimestamp = &ts
	b.transition = future.NewPromise[State]()
	b.logger.Info("migration.block_reads.start", "tenant", b.tenantID, "block_timestamp", ts.String())
}

// RollBackStartBlocking undoes a pre-decision blocking transition, waking
// pending readers with the allow state.
func (b *Blocker) RollBackStartBlocking() {
	b.mu.Lock()

	b.invariant(b.state == StateBlockWrites || b.state == StateBlockWritesAndReads,
		"rollBackStartBlocking outside a blocking state")
	b.invariant(b.commitOpTime == nil && b.abortOpTime == nil, "rollBackStartBlocking after terminal op-time")

	b.state = StateAllow
	b.blockTimestamp = nil
	transition := b.transition
	b.transition = nil
	b.mu.Unlock()

	if transition != nil {
		transition.Resolve(StateAllow)
	}
	b.logger.Info("migration.block.rollback", "tenant", b.tenantID)
}

// Commit records the commit op-time and, once it is majority-committed,
// moves to reject and breaks the completion promise with the redirect
// error.
func (b *Blocker) Commit(opTime api.OpTime) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invariant(b.state == StateBlockWritesAndReads, "commit outside blockWritesAndReads")
	b.invariant(b.commitOpTime == nil && b.abortOpTime == nil, "commit after terminal op-time")
	b.commitOpTime = &opTime

	b.logger.Info("migration.commit.wait_majority", "tenant", b.tenantID, "op_time", opTime.String())
	go b.runMajorityWait(opTime, b.onMajorityCommit)
}

// Abort records the abort op-time and, once it is majority-committed,
// moves to aborted and fulfils the completion promise. Aborting without
// ever having blocked is the pure abort path.
func (b *Blocker) Abort(opTime api.OpTime) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invariant(b.commitOpTime == nil && b.abortOpTime == nil, "abort after terminal op-time")
	b.abortOpTime = &opTime

	b.logger.Info("migration.abort.wait_majority", "tenant", b.tenantID, "op_time", opTime.String())
	go b.runMajorityWait(opTime, b.onMajorityAbort)
}

// runMajorityWait drives the waiter with exponential backoff until it
// succeeds or the blocker shuts down. The goroutine holds the blocker
// alive; the blocker holds the promise the goroutine completes.
func (b *Blocker) runMajorityWait(opTime api.OpTime, then func()) {
	backoff := majorityBackoffStart
	for {
		err := b.waiter.WaitUntilMajority(b.shutdownCtx, opTime)
		if err == nil {
			then()
			return
		}
		if b.shutdownCtx.Err() != nil {
			return
		}
		b.logger.Warn("migration.majority_wait.retry",
			"tenant", b.tenantID,
			"op_time", opTime.String(),
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-b.wallClock.After(backoff):
		case <-b.shutdownCtx.Done():
			return
		}
		if backoff < majorityBackoffCap {
			backoff *= 2
		}
	}
}

func (b *Blocker) onMajorityCommit() {
	b.mu.Lock()
	b.invariant(b.state == StateBlockWritesAndReads, "majority commit outside blockWritesAndReads")
	b.invariant(b.blockTimestamp != nil, "majority commit without block timestamp")
	b.invariant(b.commitOpTime != nil && b.abortOpTime == nil, "majority commit without commit op-time")

	b.state = StateReject
	err := b.committedFailure()
	transition := b.transition
	b.transition = nil
	b.mu.Unlock()

	b.completion.Reject(err)
	if transition != nil {
		transition.Reject(err)
	}
	b.metrics.committed(b.tenantID)
	b.logger.Info("migration.commit.majority_reached", "tenant", b.tenantID)
}

func (b *Blocker) onMajorityAbort() {
	b.mu.Lock()
	b.invariant(b.commitOpTime == nil, "majority abort with commit op-time")
	b.invariant(b.abortOpTime != nil, "majority abort without abort op-time")

	b.state = StateAborted
	transition := b.transition
	b.transition = nil
	b.mu.Unlock()

	b.completion.Resolve(StateAborted)
	if transition != nil {
		transition.Resolve(StateAborted)
	}
	b.metrics.aborted(b.tenantID)
	b.logger.Info("migration.abort.majority_reached", "tenant", b.tenantID)
}

// Completion returns the future that settles once the migration commits
// (with the redirect error), aborts (success), or the blocker shuts down.
func (b *Blocker) Completion() *future.Future[State] {
	return b.completion.Future()
}

// WaitUntilCommittedOrAborted blocks until the migration reaches its
// terminal outcome, the deadline passes on the blocker's clock, or ctx is
// canceled. A zero deadline waits indefinitely. Deadline expiry surfaces
// as ExceededTimeLimit without disturbing blocker state.
func (b *Blocker) WaitUntilCommittedOrAborted(ctx context.Context, deadline time.Time) error {
	comp := b.completion.Future()
	if comp.IsReady() {
		_, err := comp.Wait(ctx)
		return err
	}

	// The deadline is a sibling sleep future; whichever settles first wins
	// and the timer's source is canceled on the way out.
	timerCtx, cancelTimer := context.WithCancel(ctx)
	defer cancelTimer()
	waits := []future.Completion{comp}
	if !deadline.IsZero() {
		waits = append(waits, future.Timer(timerCtx, b.wallClock, deadline.Sub(b.wallClock.Now())))
	}

	idx, err := future.WhenAny(ctx, waits...)
	switch idx {
	case 0:
		return err
	case 1:
		return api.Failure{
			Code:                api.CodeExceededTimeLimit,
			Detail:              "operation timed out waiting for tenant migration blocker",
			TenantID:            b.tenantID,
			RecipientConnString: b.recipientConnString,
		}
	default:
		return err
	}
}

// Shutdown cancels the majority-wait task and resolves outstanding
// completion waits with BlockerShuttingDown. Terminal outcomes already
// reached are left in place.
func (b *Blocker) Shutdown() {
	b.shutdownCancel()
	err := api.Failure{
		Code:     api.CodeBlockerShuttingDown,
		Detail:   "tenant migration blocker shutting down",
		TenantID: b.tenantID,
	}
	b.completion.Reject(err)

	b.mu.Lock()
	transition := b.transition
	b.transition = nil
	b.mu.Unlock()
	if transition != nil {
		transition.Reject(err)
	}
	b.logger.Info("migration.blocker.shutdown", "tenant", b.tenantID)
}

// Status returns the diagnostic snapshot embedded in server status.
func (b *Blocker) Status() api.MigrationBlockerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invariant(b.commitOpTime == nil || b.abortOpTime == nil, "both terminal op-times set")
	st := api.MigrationBlockerStatus{
		TenantID: b.tenantID,
		State:    b.state.String(),
	}
	if b.blockTimestamp != nil {
		ts := *b.blockTimestamp
		st.BlockTimestamp = &ts
	}
	if b.commitOpTime != nil {
		ot := *b.commitOpTime
		st.CommitOpTime = &ot
	}
	if b.abortOpTime != nil {
		ot := *b.abortOpTime
		st.AbortOpTime = &ot
	}
	return st
}

// invariant panics when a state-machine precondition is violated. These are
// programming errors in the donor collaborator, never client-visible.
func (b *Blocker) invariant(ok bool, msg string) {
	if !ok {
		panic(fmt.Sprintf("tenant migration blocker %q (state %s): %s", b.tenantID, b.state, msg))
	}
}

// ConflictError is the transient internal signal raised while a tenant is
// write-blocked. Request execution catches it, waits on the blocker's
// completion, and either retries (abort outcome) or surfaces the redirect.
type ConflictError struct {
	TenantID string
	Blocker  *Blocker
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: write against tenant %q must block until the migration commits or aborts",
		api.CodeTenantMigrationConflict, e.TenantID)
}

// Unwrap exposes the wire-level failure so errors.As finds the code.
func (e *ConflictError) Unwrap() error {
	return api.Failure{
		Code:     api.CodeTenantMigrationConflict,
		Detail:   "write must block until this tenant migration commits or aborts",
		TenantID: e.TenantID,
	}
}
