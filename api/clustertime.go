package api

import (
	"encoding/json"
	"fmt"
)

// ClusterTime is the cluster-wide logical timestamp shared across shards.
// It is totally ordered and packs into a single 64-bit value: the high 32
// bits carry seconds, the low 32 bits a per-second increment.
type ClusterTime struct {
	Secs uint32 `json:"t"`
	Inc  uint32 `json:"i"`
}

// NewClusterTime builds a ClusterTime from its two components.
func NewClusterTime(secs, inc uint32) ClusterTime {
	return ClusterTime{Secs: secs, Inc: inc}
}

// ClusterTimeFromUint64 unpacks the 64-bit wire form.
func ClusterTimeFromUint64(v uint64) ClusterTime {
	return ClusterTime{Secs: uint32(v >> 32), Inc: uint32(v)}
}

// AsUint64 packs the timestamp into its 64-bit wire form.
func (t ClusterTime) AsUint64() uint64 {
	return uint64(t.Secs)<<32 | uint64(t.Inc)
}

// Compare returns -1, 0, or 1 ordering t against other.
func (t ClusterTime) Compare(other ClusterTime) int {
	switch {
	case t.AsUint64() < other.AsUint64():
		return -1
	case t.AsUint64() > other.AsUint64():
		return 1
	default:
		return 0
	}
}

// Less reports whether t orders strictly before other.
func (t ClusterTime) Less(other ClusterTime) bool {
	return t.Compare(other) < 0
}

// IsZero reports whether t is the unset timestamp.
func (t ClusterTime) IsZero() bool {
	return t.Secs == 0 && t.Inc == 0
}

func (t ClusterTime) String() string {
	return fmt.Sprintf("(%d,%d)", t.Secs, t.Inc)
}

// OpTime is a replication position: a timestamp plus the term of the
// primary that wrote it. Ordering is by timestamp, then term.
type OpTime struct {
	TS   ClusterTime `json:"ts"`
	Term int64       `json:"term"`
}

// Compare returns -1, 0, or 1 ordering o against other.
func (o OpTime) Compare(other OpTime) int {
	if c := o.TS.Compare(other.TS); c != 0 {
		return c
	}
	switch {
	case o.Term < other.Term:
		return -1
	case o.Term > other.Term:
		return 1
	default:
		return 0
	}
}

// LessOrEqual reports whether o is at or before other in the oplog.
func (o OpTime) LessOrEqual(other OpTime) bool {
	return o.Compare(other) <= 0
}

// IsZero reports whether o is the unset position.
func (o OpTime) IsZero() bool {
	return o.TS.IsZero() && o.Term == 0
}

func (o OpTime) String() string {
	return fmt.Sprintf("{ts: %s, term: %d}", o.TS, o.Term)
}

var _ json.Marshaler = ClusterTime{}

// MarshalJSON emits the packed 64-bit form so bodies stay flat on the wire.
func (t ClusterTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.AsUint64())
}

// UnmarshalJSON accepts both the packed form and the {"t","i"} object form.
func (t *ClusterTime) UnmarshalJSON(data []byte) error {
	var packed uint64
	if err := json.Unmarshal(data, &packed); err == nil {
		*t = ClusterTimeFromUint64(packed)
		return nil
	}
	var obj struct {
		Secs uint32 `json:"t"`
		Inc  uint32 `json:"i"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("cluster time: %w", err)
	}
	*t = ClusterTime{Secs: obj.Secs, Inc: obj.Inc}
	return nil
}
