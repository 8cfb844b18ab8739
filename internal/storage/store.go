// Package storage implements the backend dual-storage model (append-only
// delta log kept in lockstep with a materialized table) plus the
// pull/stream queries and reactive change notifications the client's
// subscription loop depends on. Grounded on the teacher's
// internal/storage/interface.go adapter shape and internal/storage/postgres.go
// pool/transaction idiom; the single "documents" table there is split into
// a documents_log (append-only) and documents_current (materialized) pair
// per SPEC_FULL §4.2.
package storage

import (
	"context"
	"time"

	"github.com/Dancode-188/replicate/internal/model"
)

// Config mirrors the teacher's StorageConfig.
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns sensible defaults, same values the teacher shipped.
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// MutationInput is the argument shape shared by Insert/Update; Delete only
// needs the id.
type MutationInput struct {
	DocumentID   string
	CRDTBytes    []byte
	Materialized map[string]any
	Version      int64
}

// Store is the backend dual-storage contract (SPEC_FULL §4.2-§4.3).
// A single implementation (PostgresStore) backs the engine; the interface
// exists so internal/compaction and internal/client tests can substitute
// an in-memory fake.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	Insert(ctx context.Context, collection string, in MutationInput) (*model.DeltaEvent, error)
	Update(ctx context.Context, collection string, in MutationInput) (*model.DeltaEvent, error)
	Delete(ctx context.Context, collection, documentID string) (*model.DeltaEvent, error)

	PullChanges(ctx context.Context, collection string, checkpoint model.Checkpoint, limit int) (*model.PullResult, error)
	Stream(ctx context.Context, collection string, checkpoint model.Checkpoint, limit int, order string, snapshotMode bool) (*model.PullResult, error)

	// ChangeStream delivers a summary every time the collection's log
	// changes. The returned func cancels the subscription and releases
	// its underlying connection.
	ChangeStream(ctx context.Context, collection string) (<-chan model.ChangeSummary, func(), error)

	// Compaction/pruning support.
	DeltasUpTo(ctx context.Context, collection string, cutoff int64) ([]model.DeltaEvent, error)
	DeleteDeltasUpTo(ctx context.Context, collection string, cutoff int64) (int, error)
	SaveSnapshot(ctx context.Context, snap model.Snapshot) error
	LatestSnapshot(ctx context.Context, collection string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, collection string) ([]model.Snapshot, error)
	DeleteSnapshotsOlderThan(ctx context.Context, collection string, cutoff int64, keepNewest int) (int, error)
}

// clampLimit applies the pull/stream default from SPEC_FULL §4.3: limit
// defaults to 100 when unset or non-positive; positive values pass
// through unchanged, with no upper bound.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// nextTimestamp assigns the strictly-increasing per-document timestamp
// required by §4.2 step 3: the greater of wall-clock now and one past the
// document's previous timestamp, so two mutations in the same millisecond
// (or a backward clock step) never collide.
func nextTimestamp(nowMs, currentTimestamp int64) int64 {
	if nowMs > currentTimestamp {
		return nowMs
	}
	return currentTimestamp + 1
}

// checkUpdateVersion enforces mutateUpdate's existence/version invariant
// (§4.2): the submitted version must be exactly one past the document's
// current version. On conflict, expected is the base version the client
// should have had (inVersion-1) and actual is the document's real current
// version, matching the error detail a VersionConflict reports.
func checkUpdateVersion(exists bool, currentVersion, inVersion int64) (ok bool, expected, actual int64) {
	if !exists || currentVersion != inVersion-1 {
		return false, inVersion - 1, currentVersion
	}
	return true, 0, 0
}
