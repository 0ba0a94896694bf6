package router

import "fmt"

// ReadOnlyState is the router's classification of a participant, resolved
// from the readOnly field of its responses. Transitions are monotone:
// unset -> readOnly -> notReadOnly. The reverse direction is a protocol
// violation.
type ReadOnlyState int

const (
	// ReadOnlyUnset means no successful response classified the shard yet.
	ReadOnlyUnset ReadOnlyState = iota
	// ReadOnlyTrue means every statement the shard executed was a read.
	ReadOnlyTrue
	// ReadOnlyFalse means the shard performed at least one write.
	ReadOnlyFalse
)

func (s ReadOnlyState) String() string {
	switch s {
	case ReadOnlyUnset:
		return "unset"
	case ReadOnlyTrue:
		return "readOnly"
	case ReadOnlyFalse:
		return "notReadOnly"
	default:
		return fmt.Sprintf("readOnlyState(%d)", int(s))
	}
}

// Participant is one shard that has received at least one statement of the
// active transaction.
type Participant struct {
	ShardID string
	// IsCoordinator marks the first participant of the current attempt; it
	// is the destination of coordinateCommitTransaction.
	IsCoordinator bool
	ReadOnly      ReadOnlyState
	// StmtIDCreatedAt is the statement index at which the shard was first
	// contacted. Participants created by the current statement are pending
	// and can be evicted on a routing-stale retry; earlier ones cannot.
	StmtIDCreatedAt int
}

// CommitType is the commit path chosen for a transaction.
type CommitType int

const (
	// CommitTypeNotInitiated means commit has not begun.
	CommitTypeNotInitiated CommitType = iota
	// CommitTypeNoShards commits a transaction that never targeted a shard.
	CommitTypeNoShards
	// CommitTypeSingleShard sends commitTransaction to the sole participant.
	CommitTypeSingleShard
	// CommitTypeSingleWriteShard commits the read-only shards first, then
	// the one write shard.
	CommitTypeSingleWriteShard
	// CommitTypeReadOnly sends commitTransaction to every participant in
	// parallel.
	CommitTypeReadOnly
	// CommitTypeTwoPhase hands the participant list to the coordinator via
	// coordinateCommitTransaction.
	CommitTypeTwoPhase
	// CommitTypeRecoverWithToken asks the recovery shard for the outcome of
	// a transaction this router never saw.
	CommitTypeRecoverWithToken
)

func (t CommitType) String() string {
	switch t {
	case CommitTypeNotInitiated:
		return "notInitiated"
	case CommitTypeNoShards:
		return "noShards"
	case CommitTypeSingleShard:
		return "singleShard"
	case CommitTypeSingleWriteShard:
		return "singleWriteShard"
	case CommitTypeReadOnly:
		return "readOnly"
	case CommitTypeTwoPhase:
		return "twoPhaseCommit"
	case CommitTypeRecoverWithToken:
		return "recoverWithToken"
	default:
		return fmt.Sprintf("commitType(%d)", int(t))
	}
}

// commitTypes lists every real commit path for metrics registration.
var commitTypes = []CommitType{
	CommitTypeNoShards,
	CommitTypeSingleShard,
	CommitTypeSingleWriteShard,
	CommitTypeReadOnly,
	CommitTypeTwoPhase,
	CommitTypeRecoverWithToken,
}
