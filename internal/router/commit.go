package router

import (
	"context"
	"fmt"
	"sort"

	"pkt.systems/shardd/api"
)

// CommitTransaction drives the commit path chosen from the participant
// classification. The returned body is the command-level outcome forwarded
// to the client. An error is either a transport-level failure with an
// unknown commit result, or a commit that could not be dispatched at all
// (a recovery token without a recovery shard, or a shard the resolver does
// not know). Re-invoking after an unknown result safely re-runs the
// already-recorded commit type.
func (r *Router) CommitTransaction(ctx context.Context, recoveryToken *api.RecoveryToken, wc api.WriteConcern) (api.Body, error) {
	r.writeConcern = wc

	if r.recoveringCommit {
		return r.commitWithRecoveryToken(ctx, recoveryToken)
	}

	firstAttempt := r.commitType == CommitTypeNotInitiated
	if firstAttempt {
		r.commitType = r.decideCommitType()
		r.timing.commitStart = r.wallClock.Now()
		r.metrics.commitInitiated(r.commitType, len(r.participants))
		r.logger.Debug("txn.commit.begin",
			"session", r.sessionID.String(),
			"txn_number", r.txnNumber,
			"commit_type", r.commitType.String(),
			"participants", len(r.participants),
		)
	}
	r.terminationInitiated = true

	resp, err := r.dispatchCommit(ctx)
	return r.evaluateCommitResult(resp, err)
}

// decideCommitType classifies the participant set. Every participant must
// have resolved its read-only state by commit time.
func (r *Router) decideCommitType() CommitType {
	if len(r.participants) == 0 {
		return CommitTypeNoShards
	}
	var writes int
	for id, p := range r.participants {
		if p.ReadOnly == ReadOnlyUnset {
			panic(fmt.Sprintf("participant %s has unresolved read-only state at commit time", id))
		}
		if p.ReadOnly == ReadOnlyFalse {
			writes++
		}
	}
	switch {
	case len(r.participants) == 1:
		return CommitTypeSingleShard
	case writes == 0:
		return CommitTypeReadOnly
	case writes == 1:
		return CommitTypeSingleWriteShard
	default:
		return CommitTypeTwoPhase
	}
}

func (r *Router) dispatchCommit(ctx context.Context) (api.Body, error) {
	switch r.commitType {
	case CommitTypeNoShards:
		return api.OKResponse(), nil
	case CommitTypeSingleShard:
		ids := r.sortedParticipantIDs()
		r.metrics.requestTargeted()
		return r.exec.RunIdempotent(ctx, ids[0], api.AdminDB, api.CmdCommitTransaction,
			r.sessionFraming(api.CmdCommitTransaction))
	case CommitTypeReadOnly:
		return r.commitParallel(ctx, r.sortedParticipantIDs())
	case CommitTypeSingleWriteShard:
		return r.commitSingleWriteShard(ctx)
	case CommitTypeTwoPhase:
		return r.commitTwoPhase(ctx)
	default:
		panic(fmt.Sprintf("commit dispatched with commit type %s", r.commitType))
	}
}

// commitParallel sends commitTransaction to the given shards in parallel
// and returns the first failure, or the first response when all succeed.
func (r *Router) commitParallel(ctx context.Context, ids []string) (api.Body, error) {
	for range ids {
		r.metrics.requestTargeted()
	}
	results := r.exec.RunOnAll(ctx, ids, api.AdminDB, api.CmdCommitTransaction, func(string) api.Body {
		return r.sessionFraming(api.CmdCommitTransaction)
	})
	var first api.Body
	for _, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		if first == nil {
			first = res.Response
		}
		if !res.Response.OK() {
			return res.Response, nil
		}
	}
	return first, nil
}

// commitSingleWriteShard commits the read-only shards first; only when all
// of them succeeded is commitTransaction sent to the write shard.
func (r *Router) commitSingleWriteShard(ctx context.Context) (api.Body, error) {
	var readShards []string
	var writeShard string
	for _, id := range r.sortedParticipantIDs() {
		if r.participants[id].ReadOnly == ReadOnlyFalse {
			writeShard = id
			continue
		}
		readShards = append(readShards, id)
	}

	resp, err := r.commitParallel(ctx, readShards)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, nil
	}
	r.metrics.requestTargeted()
	return r.exec.RunIdempotent(ctx, writeShard, api.AdminDB, api.CmdCommitTransaction,
		r.sessionFraming(api.CmdCommitTransaction))
}

// commitTwoPhase hands the full participant list to the coordinator.
func (r *Router) commitTwoPhase(ctx context.Context) (api.Body, error) {
	participants := make([]any, 0, len(r.participants))
	for _, id := range r.sortedParticipantIDs() {
		participants = append(participants, map[string]any{api.FieldShardID: id})
	}
	body := r.sessionFraming(api.CmdCoordinateCommitTransaction)
	body[api.FieldParticipants] = participants

	r.metrics.requestTargeted()
	return r.exec.RunIdempotent(ctx, r.coordinatorID, api.AdminDB, api.CmdCoordinateCommitTransaction, body)
}

// commitWithRecoveryToken recovers the outcome of a transaction this
// router has no state for by asking the recovery shard named in the
// client's token. The router is not the participant list's authority here,
// so it sends an empty list and credits no participant metrics.
func (r *Router) commitWithRecoveryToken(ctx context.Context, token *api.RecoveryToken) (api.Body, error) {
	if token == nil || token.RecoveryShardID == "" {
		return nil, api.Failure{
			Code:   api.CodeNoSuchTransaction,
			Detail: "recovery token has no recovery shard",
		}
	}
	firstAttempt := r.commitType == CommitTypeNotInitiated
	if firstAttempt {
		r.commitType = CommitTypeRecoverWithToken
		r.timing.commitStart = r.wallClock.Now()
		r.metrics.commitInitiated(CommitTypeRecoverWithToken, 0)
	}
	r.terminationInitiated = true

	body := r.sessionFraming(api.CmdCoordinateCommitTransaction)
	body[api.FieldParticipants] = []any{}
	r.metrics.requestTargeted()
	resp, err := r.exec.RunIdempotent(ctx, token.RecoveryShardID, api.AdminDB, api.CmdCoordinateCommitTransaction, body)
	return r.evaluateCommitResult(resp, err)
}

// evaluateCommitResult classifies the commit outcome: definitive success
// and failure freeze metrics and the slow log; unknown results leave the
// transaction open for a client-driven commit retry.
func (r *Router) evaluateCommitResult(resp api.Body, err error) (api.Body, error) {
	if err != nil {
		// Transport-level failure: the commit outcome is unknown. The
		// client may retry commitTransaction against this router.
		r.logger.Debug("txn.commit.unknown_result",
			"session", r.sessionID.String(),
			"txn_number", r.txnNumber,
			"error", err,
		)
		return nil, err
	}
	if resp.OK() {
		if wce := resp.WriteConcernErrorCode(); wce != api.CodeOK {
			// Committed on the shard but not to the requested durability;
			// the outcome is unknown until a retry resolves it.
			return resp, nil
		}
		d := r.wallClock.Now().Sub(r.timing.commitStart)
		r.metrics.commitSuccessful(r.commitType, d)
		r.endTransaction("committed")
		out := resp.Clone()
		token := api.RecoveryToken{RecoveryShardID: r.recoveryShardID}
		out[api.FieldRecoveryToken] = token
		return out, nil
	}
	if resp.ErrorCode().CommitUnknownResult() {
		return resp, nil
	}
	r.endTransaction("aborted")
	return resp, nil
}

func (r *Router) sortedParticipantIDs() []string {
	ids := r.participantIDs()
	sort.Strings(ids)
	return ids
}
