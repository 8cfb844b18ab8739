// Package model holds the plain data types shared across the replication
// engine: the delta log entry, the compaction snapshot, the client
// checkpoint, and the materialized row shape.
package model

import "time"

// DeltaEvent is one row of the append-only documents log (spec §3).
type DeltaEvent struct {
	Collection string
	DocumentID string
	CRDTBytes  []byte
	Version    int64
	Timestamp  int64 // unix ms
}

// IsTombstone reports whether this delta represents a hard-delete.
func (d DeltaEvent) IsTombstone() bool {
	return len(d.CRDTBytes) == 0
}

// Snapshot is the single active full-state encoding for a collection.
type Snapshot struct {
	Collection                string
	SnapshotBytes             []byte
	LatestCompactionTimestamp int64
	CreatedAt                 int64
}

// Checkpoint is a client's cursor into the server delta log.
type Checkpoint struct {
	LastModified int64 `json:"lastModified"`
}

// MaterializedRow is the current-state row for one document: arbitrary
// application fields plus the two engine-injected fields. Deleted is
// retained only for backward compatibility with older deployments; new
// rows never set it (see spec §9 Open Question (a)).
type MaterializedRow struct {
	ID        string
	Fields    map[string]any
	Version   int64
	Timestamp int64
	Deleted   *bool
}

// PullResult is the response to pullChanges/stream (spec §4.3).
type PullResult struct {
	Changes    []DeltaEvent
	Checkpoint Checkpoint
	HasMore    bool
}

// ChangeSummary is the reactive changeStream response (spec §4.3).
type ChangeSummary struct {
	Timestamp int64
	Count     int64
}

// Now returns the current unix-millisecond time. Centralized so call
// sites are easy to fake in tests.
func Now() int64 {
	return time.Now().UnixMilli()
}
