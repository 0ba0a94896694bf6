package api

// MigrationBlockerStatus is the diagnostic snapshot of one tenant's access
// blocker, as embedded in server status.
type MigrationBlockerStatus struct {
	TenantID       string       `json:"tenantId"`
	State          string       `json:"state"`
	BlockTimestamp *ClusterTime `json:"blockTimestamp,omitempty"`
	CommitOpTime   *OpTime      `json:"commitOpTime,omitempty"`
	AbortOpTime    *OpTime      `json:"abortOpTime,omitempty"`
}

// CommitTypeStats reports per-commit-type counters.
type CommitTypeStats struct {
	Initiated            int64 `json:"initiated"`
	Successful           int64 `json:"successful"`
	SuccessfulDurationUS int64 `json:"successfulDurationMicros"`
}

// RouterTxnStats is the process-wide transaction counter snapshot.
type RouterTxnStats struct {
	TotalStarted               int64                      `json:"totalStarted"`
	TotalCommitted             int64                      `json:"totalCommitted"`
	TotalAborted               int64                      `json:"totalAborted"`
	TotalContactedParticipants int64                      `json:"totalContactedParticipants"`
	TotalParticipantsAtCommit  int64                      `json:"totalParticipantsAtCommit"`
	TotalRequestsTargeted      int64                      `json:"totalRequestsTargeted"`
	CommitTypes                map[string]CommitTypeStats `json:"commitTypes"`
}

// ServerStatus is the /v1/serverstatus payload.
type ServerStatus struct {
	Uptime           string                   `json:"uptime"`
	Transactions     RouterTxnStats           `json:"transactions"`
	TenantMigrations []MigrationBlockerStatus `json:"tenantMigrationAccessBlockers,omitempty"`
}
