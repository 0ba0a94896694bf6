package router

// endTransaction freezes the transaction's timing and terminal metrics.
// It is idempotent so a commit retry that resolves an unknown result
// records the outcome exactly once.
func (r *Router) endTransaction(outcome string) {
	if r.ended {
		return
	}
	r.ended = true
	r.timing.end = r.wallClock.Now()
	switch outcome {
	case "committed":
		r.metrics.transactionCommitted()
	case "aborted":
		r.metrics.transactionAborted()
	}
	r.maybeLogSlowTransaction(outcome)
}

// maybeLogSlowTransaction emits the single slow-transaction line for a
// terminated transaction whose total duration crossed the threshold.
func (r *Router) maybeLogSlowTransaction(outcome string) {
	if r.loggedSlow || r.timing.start.IsZero() {
		return
	}
	total := r.timing.end.Sub(r.timing.start)
	if total < r.slowAfter {
		return
	}
	r.loggedSlow = true

	fields := []any{
		"session", r.sessionID.String(),
		"txn_number", r.txnNumber,
		"outcome", outcome,
		"commit_type", r.commitType.String(),
		"participants", len(r.participants),
		"duration_ms", total.Milliseconds(),
	}
	if !r.timing.commitStart.IsZero() {
		fields = append(fields,
			"commit_started_at", r.timing.commitStart.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			"commit_duration_ms", r.timing.end.Sub(r.timing.commitStart).Milliseconds(),
		)
	}
	r.logger.Info("txn.slow", fields...)
}
