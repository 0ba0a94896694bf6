package router

import (
	"context"
	"fmt"

	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/executor"
)

// sessionFraming builds the base body for the commands the router issues
// on its own behalf (commit and abort), carrying the session identity and
// the client's write concern.
func (r *Router) sessionFraming(cmd string) api.Body {
	body := api.Body{
		cmd:                 1,
		"lsid":              r.sessionID.String(),
		api.FieldTxnNumber:  r.txnNumber,
		api.FieldAutocommit: false,
	}
	if !r.writeConcern.IsZero() {
		body[api.FieldWriteConcern] = r.writeConcern.Body()
	}
	return body
}

// AbortTransaction sends abortTransaction to every participant in parallel
// and aggregates the responses: the first response when all succeeded, the
// first non-NoSuchTransaction command error otherwise, with transport
// errors surfaced unchanged.
func (r *Router) AbortTransaction(ctx context.Context, wc api.WriteConcern) (api.Body, error) {
	if len(r.participants) == 0 {
		return nil, api.Failure{
			Code:   api.CodeNoSuchTransaction,
			Detail: fmt.Sprintf("no participants to abort for txnNumber %d in session %s", r.txnNumber, r.sessionID),
		}
	}
	r.writeConcern = wc
	r.terminationInitiated = true

	ids := r.sortedParticipantIDs()
	for range ids {
		r.metrics.requestTargeted()
	}
	results := r.exec.RunOnAll(ctx, ids, api.AdminDB, api.CmdAbortTransaction, func(string) api.Body {
		return r.sessionFraming(api.CmdAbortTransaction)
	})
	resp, err := aggregateAbortResponses(results)
	r.endTransaction("aborted")
	return resp, err
}

// ImplicitlyAbortTransaction is the best-effort abort used on failure
// paths. Responses and errors from participants are ignored; it never
// fails.
func (r *Router) ImplicitlyAbortTransaction(ctx context.Context, status error) {
	r.terminationInitiated = true
	r.logger.Debug("txn.implicit_abort",
		"session", r.sessionID.String(),
		"txn_number", r.txnNumber,
		"cause", status,
	)
	if len(r.participants) > 0 {
		ids := r.sortedParticipantIDs()
		for range ids {
			r.metrics.requestTargeted()
		}
		r.exec.RunOnAll(ctx, ids, api.AdminDB, api.CmdAbortTransaction, func(string) api.Body {
			return r.sessionFraming(api.CmdAbortTransaction)
		})
	}
	r.endTransaction("aborted")
}

// abortBetweenRetries aborts the given participants before a
// within-transaction retry. The abort is idempotent: transient transport
// errors are retried and a NoSuchTransaction reply counts as success.
// Failures are logged and otherwise ignored; the transaction continues.
func (r *Router) abortBetweenRetries(ctx context.Context, shardIDs []string) {
	done := make(chan struct{}, len(shardIDs))
	for _, id := range shardIDs {
		go func(id string) {
			defer func() { done <- struct{}{} }()
			resp, err := r.exec.RunIdempotent(ctx, id, api.AdminDB, api.CmdAbortTransaction,
				r.sessionFraming(api.CmdAbortTransaction))
			if err != nil {
				r.logger.Debug("txn.retry_abort.transport_error",
					"session", r.sessionID.String(),
					"shard", id,
					"error", err,
				)
				return
			}
			if !resp.OK() && resp.ErrorCode() != api.CodeNoSuchTransaction {
				r.logger.Debug("txn.retry_abort.failed",
					"session", r.sessionID.String(),
					"shard", id,
					"code", string(resp.ErrorCode()),
				)
			}
		}(id)
	}
	for range shardIDs {
		<-done
	}
}

// aggregateAbortResponses applies the abort aggregation policy to fan-out
// results in targeting order.
func aggregateAbortResponses(results []executor.Result) (api.Body, error) {
	var firstResp, firstError, firstNonNST api.Body
	for _, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		if firstResp == nil {
			firstResp = res.Response
		}
		if res.Response.OK() {
			continue
		}
		if firstError == nil {
			firstError = res.Response
		}
		if firstNonNST == nil && res.Response.ErrorCode() != api.CodeNoSuchTransaction {
			firstNonNST = res.Response
		}
	}
	switch {
	case firstNonNST != nil:
		return firstNonNST, nil
	case firstError != nil:
		return firstError, nil
	default:
		return firstResp, nil
	}
}
