// Package router drives a client's multi-statement transaction across
// shards: snapshot timestamp selection, transaction framing on outbound
// statements, participant classification, and the commit and abort
// protocols. A Router is session-scoped and accessed by one thread at a
// time under the session checkout; it takes no internal locks.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/executor"
	"pkt.systems/shardd/internal/loggingutil"
)

// DefaultSlowTransactionThreshold is the duration past which a terminated
// transaction emits its single slow-transaction log line.
const DefaultSlowTransactionThreshold = 100 * time.Millisecond

// writeCommands are the commands that cannot be retried on a routing-stale
// error once the transaction has progressed past its first statement.
var writeCommands = map[string]struct{}{
	"insert":        {},
	"update":        {},
	"delete":        {},
	"findAndModify": {},
	"findandmodify": {},
}

type timingStats struct {
	start       time.Time
	commitStart time.Time
	end         time.Time
}

// Router coordinates the active transaction of one logical session.
type Router struct {
	sessionID uuid.UUID
	exec      *executor.Executor
	source    *clock.Source
	wallClock clock.Clock
	logger    pslog.Logger
	metrics   *Metrics
	slowAfter time.Duration

	txnNumber    int64
	started      bool
	latestStmtID int

	participants    map[string]*Participant
	coordinatorID   string
	recoveryShardID string

	readConcern         api.ReadConcern
	atClusterTime       *api.ClusterTime
	atClusterTimeStmtID int

	commitType           CommitType
	terminationInitiated bool
	recoveringCommit     bool
	ended                bool
	loggedSlow           bool
	writeConcern         api.WriteConcern
	timing               timingStats
}

// Config collects Router dependencies.
type Config struct {
	SessionID uuid.UUID
	Executor  *executor.Executor
	Source    *clock.Source
	Clock     clock.Clock
	Logger    pslog.Logger
	Metrics   *Metrics
	// SlowTransactionThreshold overrides the slow-log threshold; zero uses
	// the default.
	SlowTransactionThreshold time.Duration
}

// New constructs a router with no active transaction.
func New(cfg Config) *Router {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(logger)
	}
	slowAfter := cfg.SlowTransactionThreshold
	if slowAfter == 0 {
		slowAfter = DefaultSlowTransactionThreshold
	}
	return &Router{
		sessionID: cfg.SessionID,
		exec:      cfg.Executor,
		source:    cfg.Source,
		wallClock: clk,
		logger:    logger,
		metrics:   metrics,
		slowAfter: slowAfter,
		txnNumber: -1,
	}
}

// TxnNumber returns the active transaction number, or -1 when none.
func (r *Router) TxnNumber() int64 {
	if !r.started {
		return -1
	}
	return r.txnNumber
}

// LatestStmtID returns the 0-based index of the current statement.
func (r *Router) LatestStmtID() int {
	return r.latestStmtID
}

// Participants returns the current participant set keyed by shard id.
func (r *Router) Participants() map[string]*Participant {
	return r.participants
}

// CoordinatorID returns the coordinator shard, or empty.
func (r *Router) CoordinatorID() string {
	return r.coordinatorID
}

// RecoveryShardID returns the remembered write shard, or empty.
func (r *Router) RecoveryShardID() string {
	return r.recoveryShardID
}

// AtClusterTime returns the selected snapshot timestamp, or nil.
func (r *Router) AtClusterTime() *api.ClusterTime {
	return r.atClusterTime
}

// ReadConcern returns the transaction's stored read concern.
func (r *Router) ReadConcern() api.ReadConcern {
	return r.readConcern
}

// CommitType returns the chosen commit path, or CommitTypeNotInitiated.
func (r *Router) CommitType() CommitType {
	return r.commitType
}

// BeginOrContinue observes a statement's transaction framing: start a new
// transaction, continue the active one, or set up a commit (including the
// recovery path for a transaction this router never saw).
func (r *Router) BeginOrContinue(txnNumber int64, action api.TxnAction, rc api.ReadConcern) error {
	switch action {
	case api.TxnActionStart:
		return r.beginTransaction(txnNumber, rc)
	case api.TxnActionContinue:
		return r.continueTransaction(txnNumber, rc)
	case api.TxnActionCommit:
		return r.beginCommit(txnNumber)
	default:
		panic(fmt.Sprintf("unknown transaction action %d", int(action)))
	}
}

func (r *Router) beginTransaction(txnNumber int64, rc api.ReadConcern) error {
	if r.started && txnNumber == r.txnNumber {
		return api.Failure{
			Code: api.CodeConflictingOperationInProgress,
			Detail: fmt.Sprintf("txnNumber %d for session %s already started",
				txnNumber, r.sessionID),
		}
	}
	if txnNumber < r.txnNumber {
		return api.Failure{
			Code: api.CodeTransactionTooOld,
			Detail: fmt.Sprintf("txnNumber %d is less than last txnNumber %d seen in session %s",
				txnNumber, r.txnNumber, r.sessionID),
		}
	}
	if err := validateReadConcern(rc); err != nil {
		return err
	}

	r.resetTransactionState(txnNumber)
	r.readConcern = rc
	r.timing.start = r.wallClock.Now()
	r.metrics.transactionStarted()
	r.logger.Debug("txn.begin",
		"session", r.sessionID.String(),
		"txn_number", txnNumber,
		"read_concern", rc.Level,
	)
	return nil
}

func (r *Router) continueTransaction(txnNumber int64, rc api.ReadConcern) error {
	if !r.started || txnNumber != r.txnNumber {
		return api.Failure{
			Code: api.CodeNoSuchTransaction,
			Detail: fmt.Sprintf("cannot continue txnNumber %d in session %s: transaction not in progress",
				txnNumber, r.sessionID),
		}
	}
	if rc.HasLevel() || rc.AfterClusterTime != nil || rc.AfterOpTime != nil {
		if !rc.Equal(r.readConcern) {
			return api.Failure{
				Code:   api.CodeInvalidOptions,
				Detail: "only the first command in a transaction may specify a readConcern",
			}
		}
	}
	r.latestStmtID++
	return nil
}

func (r *Router) beginCommit(txnNumber int64) error {
	if r.started && txnNumber == r.txnNumber {
		r.latestStmtID++
		return nil
	}
	if r.started && txnNumber < r.txnNumber {
		return api.Failure{
			Code: api.CodeTransactionTooOld,
			Detail: fmt.Sprintf("txnNumber %d is less than last txnNumber %d seen in session %s",
				txnNumber, r.txnNumber, r.sessionID),
		}
	}
	// Committing a transaction this router has no state for: the client
	// must supply a recovery token and the commit runs on the recovery
	// path.
	r.resetTransactionState(txnNumber)
	r.recoveringCommit = true
	r.timing.start = r.wallClock.Now()
	return nil
}

func (r *Router) resetTransactionState(txnNumber int64) {
	r.txnNumber = txnNumber
	r.started = true
	r.latestStmtID = 0
	r.participants = make(map[string]*Participant)
	r.coordinatorID = ""
	r.recoveryShardID = ""
	r.readConcern = api.ReadConcern{}
	r.atClusterTime = nil
	r.atClusterTimeStmtID = 0
	r.commitType = CommitTypeNotInitiated
	r.terminationInitiated = false
	r.recoveringCommit = false
	r.ended = false
	r.loggedSlow = false
	r.writeConcern = api.WriteConcern{}
	r.timing = timingStats{}
}

func validateReadConcern(rc api.ReadConcern) error {
	if !rc.HasLevel() {
		return nil
	}
	switch rc.Level {
	case api.ReadConcernLocal, api.ReadConcernMajority, api.ReadConcernSnapshot:
		return nil
	default:
		return api.Failure{
			Code:   api.CodeInvalidOptions,
			Detail: fmt.Sprintf("read concern level %q is not supported in multi-statement transactions", rc.Level),
		}
	}
}

// SetDefaultAtClusterTime selects (or, while still inside the statement
// that selected it, advances) the snapshot read timestamp from the cluster
// clock. A no-op for non-snapshot transactions. Once a later statement
// runs, the selected timestamp is frozen.
func (r *Router) SetDefaultAtClusterTime() {
	if r.readConcern.Level != api.ReadConcernSnapshot {
		return
	}
	if r.atClusterTime != nil && r.atClusterTimeStmtID != r.latestStmtID {
		return
	}
	candidate := r.source.Now()
	if r.readConcern.AfterClusterTime != nil && candidate.Less(*r.readConcern.AfterClusterTime) {
		candidate = *r.readConcern.AfterClusterTime
	}
	if r.atClusterTime != nil && !r.atClusterTime.Less(candidate) {
		return
	}
	r.atClusterTime = &candidate
	r.atClusterTimeStmtID = r.latestStmtID
}

// AttachTxnFields augments an outbound statement body with transaction
// framing for the target shard, creating the participant on first contact.
// The caller's body is never mutated.
func (r *Router) AttachTxnFields(shardID string, body api.Body) api.Body {
	if raw, ok := body[api.FieldTxnNumber]; ok {
		if num, isNum := asInt64(raw); !isNum || num != r.txnNumber {
			panic(fmt.Sprintf("statement for session %s carries txnNumber %v, router has %d",
				r.sessionID, raw, r.txnNumber))
		}
	}

	p, seen := r.participants[shardID]
	if !seen {
		p = r.createParticipant(shardID)
	}
	r.metrics.requestTargeted()

	out := body.Clone()
	out[api.FieldTxnNumber] = r.txnNumber
	out[api.FieldAutocommit] = false
	if p.IsCoordinator {
		out[api.FieldCoordinator] = true
	}
	if seen {
		return out
	}

	out[api.FieldStartTransaction] = true
	if rc := r.participantReadConcern(body[api.FieldReadConcern]); rc != nil {
		out[api.FieldReadConcern] = rc
	} else {
		delete(out, api.FieldReadConcern)
	}
	return out
}

func (r *Router) createParticipant(shardID string) *Participant {
	p := &Participant{
		ShardID:         shardID,
		IsCoordinator:   len(r.participants) == 0,
		StmtIDCreatedAt: r.latestStmtID,
	}
	if p.IsCoordinator {
		r.coordinatorID = shardID
	}
	r.participants[shardID] = p
	r.metrics.participantContacted()
	return p
}

// participantReadConcern renders the read concern sub-document attached on
// first contact, merging the transaction's selected values over whatever
// the statement already carried. Disagreement on level is a protocol
// violation.
func (r *Router) participantReadConcern(existing any) api.Body {
	out := api.Body{}
	var existingDoc map[string]any
	switch doc := existing.(type) {
	case api.Body:
		existingDoc = doc
	case map[string]any:
		existingDoc = doc
	}
	if existingDoc != nil {
		for k, v := range existingDoc {
			out[k] = v
		}
		if lvl, ok := existingDoc[api.FieldLevel].(string); ok && r.readConcern.HasLevel() && lvl != r.readConcern.Level {
			panic(fmt.Sprintf("statement read concern level %q disagrees with transaction level %q",
				lvl, r.readConcern.Level))
		}
	}
	if r.readConcern.HasLevel() {
		out[api.FieldLevel] = r.readConcern.Level
	}
	switch {
	case r.readConcern.Level == api.ReadConcernSnapshot:
		if r.atClusterTime != nil {
			out[api.FieldAtClusterTime] = *r.atClusterTime
		}
	default:
		if r.readConcern.AfterClusterTime != nil {
			out[api.FieldAfterClusterTime] = *r.readConcern.AfterClusterTime
		}
		if r.readConcern.AfterOpTime != nil {
			out[api.FieldAfterOpTime] = *r.readConcern.AfterOpTime
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ProcessParticipantResponse folds a shard's response into the
// participant's read-only classification. Skipped entirely once
// termination has begun.
func (r *Router) ProcessParticipantResponse(shardID string, response api.Body) {
	if r.terminationInitiated {
		return
	}
	p, ok := r.participants[shardID]
	if !ok {
		panic(fmt.Sprintf("response from unknown participant %s for session %s", shardID, r.sessionID))
	}
	if !response.OK() {
		return
	}

	readOnly, ok := response[api.FieldReadOnly].(bool)
	if !ok {
		panic(fmt.Sprintf("participant %s returned a successful response without the readOnly field", shardID))
	}
	if readOnly {
		switch p.ReadOnly {
		case ReadOnlyUnset:
			p.ReadOnly = ReadOnlyTrue
		case ReadOnlyTrue:
		case ReadOnlyFalse:
			panic(fmt.Sprintf("participant %s claimed readOnly:true after performing a write", shardID))
		}
		return
	}
	p.ReadOnly = ReadOnlyFalse
	if r.recoveryShardID == "" {
		r.recoveryShardID = shardID
	}
}

// CanContinueOnSnapshotError reports whether a snapshot error is retryable:
// only while the transaction is still on its first statement.
func (r *Router) CanContinueOnSnapshotError() bool {
	return r.latestStmtID == 0
}

// CanContinueOnStaleShardOrDBError reports whether a routing-stale error is
// retryable for the given command: any command on the first statement,
// non-write commands afterwards.
func (r *Router) CanContinueOnStaleShardOrDBError(commandName string) bool {
	if r.latestStmtID == 0 {
		return true
	}
	_, isWrite := writeCommands[commandName]
	return !isWrite
}

// OnSnapshotError prepares the transaction for a retry at a later read
// timestamp: every participant is aborted best-effort and forgotten, and
// the timestamp selection is reopened.
func (r *Router) OnSnapshotError(ctx context.Context, status error) {
	if !r.CanContinueOnSnapshotError() {
		panic(fmt.Sprintf("snapshot error past the first statement is not retryable: %v", status))
	}
	r.logger.Debug("txn.retry.snapshot_error",
		"session", r.sessionID.String(),
		"txn_number", r.txnNumber,
		"error", status,
	)
	r.abortBetweenRetries(ctx, r.participantIDs())
	r.participants = make(map[string]*Participant)
	r.coordinatorID = ""
	r.recoveryShardID = ""
	r.atClusterTime = nil
	r.atClusterTimeStmtID = 0
}

// OnStaleShardOrDBError evicts the participants created by the current
// statement so the statement can be retried against fresh routing state.
func (r *Router) OnStaleShardOrDBError(ctx context.Context, commandName string, status error) {
	if !r.CanContinueOnStaleShardOrDBError(commandName) {
		panic(fmt.Sprintf("stale routing error for %q past the first statement is not retryable: %v",
			commandName, status))
	}
	r.logger.Debug("txn.retry.stale_routing",
		"session", r.sessionID.String(),
		"txn_number", r.txnNumber,
		"command", commandName,
		"error", status,
	)
	r.evictPendingParticipants(ctx)
}

// OnViewResolutionError evicts the participants created by the current
// statement so it can be retried against the resolved view namespace.
func (r *Router) OnViewResolutionError(ctx context.Context, nss string) {
	r.logger.Debug("txn.retry.view_resolution",
		"session", r.sessionID.String(),
		"txn_number", r.txnNumber,
		"namespace", nss,
	)
	r.evictPendingParticipants(ctx)
}

func (r *Router) evictPendingParticipants(ctx context.Context) {
	var pending []string
	for id, p := range r.participants {
		if p.StmtIDCreatedAt == r.latestStmtID {
			pending = append(pending, id)
		}
	}
	r.abortBetweenRetries(ctx, pending)
	for _, id := range pending {
		delete(r.participants, id)
		if r.recoveryShardID == id {
			r.recoveryShardID = ""
		}
	}
	if len(r.participants) == 0 {
		r.coordinatorID = ""
	}
}

func (r *Router) participantIDs() []string {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return ids
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
