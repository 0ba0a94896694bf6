package api

import (
	"fmt"
	"time"
)

// Donor migration states as persisted in the donor state document. The
// donor-side state machine that moves between them is an external
// collaborator; this module only consumes its documents.
const (
	DonorStateDataSync  = "data sync"
	DonorStateBlocking  = "blocking"
	DonorStateCommitted = "committed"
	DonorStateAborted   = "aborted"
)

// DonorStateDoc is the persisted record of one tenant migration on the
// donor. Recovery replays these into access blockers after a restart.
type DonorStateDoc struct {
	// ID identifies the migration.
	ID string `json:"_id"`
	// TenantID is the database-name prefix whose traffic the migration governs.
	TenantID string `json:"tenantId"`
	// RecipientConnString is the redirect target embedded in reject errors.
	RecipientConnString string `json:"recipientConnectionString"`
	// State is one of the DonorState* constants.
	State string `json:"state"`
	// BlockTimestamp is set once the donor enters the blocking state.
	BlockTimestamp *ClusterTime `json:"blockTimestamp,omitempty"`
	// CommitOrAbortOpTime is the oplog position of the terminal decision.
	CommitOrAbortOpTime *OpTime `json:"commitOrAbortOpTime,omitempty"`
	// AbortReason records why an aborted migration gave up.
	AbortReason string `json:"abortReason,omitempty"`
	// ExpireAt schedules garbage collection of a terminal document.
	ExpireAt *time.Time `json:"expireAt,omitempty"`
}

// Validate enforces the well-formedness invariants of the consumed
// interface: Blocking implies a block timestamp and no op-time, Committed
// implies both, Aborted implies an abort reason, and expireAt requires a
// terminal state.
func (d DonorStateDoc) Validate() error {
	if d.TenantID == "" {
		return Failure{Code: CodeBadValue, Detail: "donor state doc missing tenantId"}
	}
	if d.ExpireAt != nil && d.State != DonorStateCommitted && d.State != DonorStateAborted {
		return Failure{
			Code:   CodeBadValue,
			Detail: fmt.Sprintf("donor state doc for %q contains expireAt but the migration has not committed or aborted", d.TenantID),
		}
	}
	errmsg := fmt.Sprintf("invalid donor state doc for tenant %q in state %q", d.TenantID, d.State)
	switch d.State {
	case DonorStateDataSync:
		if d.BlockTimestamp != nil || d.CommitOrAbortOpTime != nil || d.AbortReason != "" {
			return Failure{Code: CodeBadValue, Detail: errmsg}
		}
	case DonorStateBlocking:
		if d.BlockTimestamp == nil || d.CommitOrAbortOpTime != nil || d.AbortReason != "" {
			return Failure{Code: CodeBadValue, Detail: errmsg}
		}
	case DonorStateCommitted:
		if d.BlockTimestamp == nil || d.CommitOrAbortOpTime == nil || d.AbortReason != "" {
			return Failure{Code: CodeBadValue, Detail: errmsg}
		}
	case DonorStateAborted:
		if d.AbortReason == "" {
			return Failure{Code: CodeBadValue, Detail: errmsg}
		}
	default:
		return Failure{Code: CodeBadValue, Detail: errmsg}
	}
	return nil
}
