package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/obs"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

// PostgresStore implements Store against Postgres, splitting the
// teacher's single "documents" table (internal/storage/postgres.go) into
// an append-only log and a materialized table per SPEC_FULL §4.2, and
// replacing the teacher's change-tracking with LISTEN/NOTIFY so
// ChangeStream needs no polling.
type PostgresStore struct {
	cfg       *Config
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresStore creates a store; call Connect before use.
func NewPostgresStore(cfg *Config) *PostgresStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &PostgresStore{cfg: cfg}
}

func (s *PostgresStore) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.ConnectionString)
	if err != nil {
		return syncerr.DualStorageError("", fmt.Errorf("parse connection string: %w", err))
	}
	poolCfg.MinConns = s.cfg.PoolMinConns
	poolCfg.MaxConns = s.cfg.PoolMaxConns
	poolCfg.ConnConfig.ConnectTimeout = s.cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return syncerr.DualStorageError("", fmt.Errorf("connect: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return syncerr.DualStorageError("", fmt.Errorf("ping: %w", err))
	}

	s.pool = pool
	s.connected = true
	return nil
}

func (s *PostgresStore) Disconnect(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.connected = false
	}
	return nil
}

func (s *PostgresStore) IsConnected() bool {
	return s.connected && s.pool != nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) (bool, error) {
	if !s.IsConnected() {
		return false, ErrNotConnected
	}
	err := s.pool.Ping(ctx)
	return err == nil, err
}

// --- dual-write mutation helpers (§4.2) ---

func (s *PostgresStore) Insert(ctx context.Context, collection string, in MutationInput) (*model.DeltaEvent, error) {
	return s.mutate(ctx, collection, in, mutateInsert)
}

func (s *PostgresStore) Update(ctx context.Context, collection string, in MutationInput) (*model.DeltaEvent, error) {
	return s.mutate(ctx, collection, in, mutateUpdate)
}

func (s *PostgresStore) Delete(ctx context.Context, collection, documentID string) (*model.DeltaEvent, error) {
	return s.mutate(ctx, collection, MutationInput{DocumentID: documentID}, mutateDelete)
}

type mutateKind int

const (
	mutateInsert mutateKind = iota
	mutateUpdate
	mutateDelete
)

// mutate implements the dual-write contract of §4.2 in a single
// transaction: look up the current materialized row, enforce the
// version/existence invariant for the operation kind, assign a strictly
// increasing timestamp, append the log row, then write or remove the
// materialized row. Both writes commit together or neither does.
func (s *PostgresStore) mutate(ctx context.Context, collection string, in MutationInput, kind mutateKind) (*model.DeltaEvent, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}
	defer tx.Rollback(ctx)

	var currentVersion, currentTimestamp int64
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT version, timestamp FROM documents_current WHERE collection = $1 AND document_id = $2 FOR UPDATE`,
		collection, in.DocumentID,
	).Scan(&currentVersion, &currentTimestamp)
	switch {
	case err == nil:
		exists = true
	case err == pgx.ErrNoRows:
		exists = false
	default:
		return nil, syncerr.DualStorageError(collection, err)
	}

	switch kind {
	case mutateInsert:
		if exists {
			return nil, syncerr.AlreadyExists(collection, in.DocumentID)
		}
	case mutateUpdate:
		if ok, expected, actual := checkUpdateVersion(exists, currentVersion, in.Version); !ok {
			return nil, syncerr.VersionConflict(collection, in.DocumentID, expected, actual)
		}
	case mutateDelete:
		// idempotent: absence is not an error, a tombstone is still appended.
		// A document deleted earlier has no materialized row but keeps its
		// log rows, so the tombstone continues from the highest logged version.
		if !exists {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM documents_log WHERE collection = $1 AND document_id = $2`,
				collection, in.DocumentID,
			).Scan(&currentVersion); err != nil {
				return nil, syncerr.DualStorageError(collection, err)
			}
		}
	}

	version := in.Version
	if kind == mutateDelete {
		version = currentVersion + 1
	}
	timestamp := nextTimestamp(model.Now(), currentTimestamp)

	if _, err := tx.Exec(ctx,
		`INSERT INTO documents_log (collection, document_id, crdt_bytes, version, timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		collection, in.DocumentID, in.CRDTBytes, version, timestamp,
	); err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}

	if kind == mutateDelete {
		if _, err := tx.Exec(ctx,
			`DELETE FROM documents_current WHERE collection = $1 AND document_id = $2`,
			collection, in.DocumentID,
		); err != nil {
			return nil, syncerr.DualStorageError(collection, err)
		}
	} else {
		fieldsJSON, err := json.Marshal(in.Materialized)
		if err != nil {
			return nil, syncerr.DualStorageError(collection, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents_current (collection, document_id, fields, version, timestamp)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (collection, document_id) DO UPDATE
			 SET fields = $3, version = $4, timestamp = $5`,
			collection, in.DocumentID, fieldsJSON, version, timestamp,
		); err != nil {
			return nil, syncerr.DualStorageError(collection, err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel(collection), strconv.FormatInt(timestamp, 10)); err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}

	return &model.DeltaEvent{
		Collection: collection,
		DocumentID: in.DocumentID,
		CRDTBytes:  in.CRDTBytes,
		Version:    version,
		Timestamp:  timestamp,
	}, nil
}

// --- pull/stream queries (§4.3) ---

func (s *PostgresStore) PullChanges(ctx context.Context, collection string, checkpoint model.Checkpoint, limit int) (*model.PullResult, error) {
	return s.query(ctx, collection, checkpoint, limit, "asc", false)
}

func (s *PostgresStore) Stream(ctx context.Context, collection string, checkpoint model.Checkpoint, limit int, order string, snapshotMode bool) (*model.PullResult, error) {
	return s.query(ctx, collection, checkpoint, limit, order, snapshotMode)
}

func (s *PostgresStore) query(ctx context.Context, collection string, checkpoint model.Checkpoint, limit int, order string, snapshotMode bool) (*model.PullResult, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	if snapshotMode {
		snap, err := s.LatestSnapshot(ctx, collection)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return &model.PullResult{
				Changes: []model.DeltaEvent{{
					Collection: collection,
					DocumentID: "__snapshot__",
					CRDTBytes:  snap.SnapshotBytes,
					Version:    0,
					Timestamp:  snap.LatestCompactionTimestamp,
				}},
				Checkpoint: checkpoint,
				HasMore:    false,
			}, nil
		}
	}

	limit = clampLimit(limit)
	dir := "ASC"
	if order == "desc" {
		dir = "DESC"
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT document_id, crdt_bytes, version, timestamp
		 FROM documents_log
		 WHERE collection = $1 AND timestamp > $2
		 ORDER BY timestamp %s, version %s
		 LIMIT $3`, dir, dir),
		collection, checkpoint.LastModified, limit,
	)
	if err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}
	defer rows.Close()

	var changes []model.DeltaEvent
	for rows.Next() {
		var d model.DeltaEvent
		if err := rows.Scan(&d.DocumentID, &d.CRDTBytes, &d.Version, &d.Timestamp); err != nil {
			return nil, syncerr.DualStorageError(collection, err)
		}
		d.Collection = collection
		changes = append(changes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}

	newCheckpoint := checkpoint
	if len(changes) > 0 {
		newCheckpoint = model.Checkpoint{LastModified: changes[len(changes)-1].Timestamp}
	}

	return &model.PullResult{
		Changes:    changes,
		Checkpoint: newCheckpoint,
		HasMore:    len(changes) == limit,
	}, nil
}

// ChangeStream subscribes to collection change notifications over a
// dedicated pooled connection, mirroring the teacher's
// RedisPubSub.subscribe goroutine-per-channel shape but driven by
// Postgres LISTEN/NOTIFY rather than Redis.
func (s *PostgresStore) ChangeStream(ctx context.Context, collection string) (<-chan model.ChangeSummary, func(), error) {
	if !s.IsConnected() {
		return nil, nil, ErrNotConnected
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, syncerr.DualStorageError(collection, err)
	}

	channel := notifyChannel(collection)
	if _, err := conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
		conn.Release()
		return nil, nil, syncerr.DualStorageError(collection, err)
	}

	out := make(chan model.ChangeSummary, 8)
	listenCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer conn.Release()
		log := obs.ForCollection(collection)
		for {
			notification, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					log.Warn().Err(err).Msg("changeStream listener error")
				}
				return
			}
			summary, err := s.changeSummary(ctx, collection)
			if err != nil {
				log.Warn().Err(err).Msg("changeStream summary query failed")
				continue
			}
			_ = notification
			select {
			case out <- *summary:
			case <-listenCtx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

func (s *PostgresStore) changeSummary(ctx context.Context, collection string) (*model.ChangeSummary, error) {
	var ts int64
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(timestamp), 0), COUNT(*) FROM documents_log WHERE collection = $1`,
		collection,
	).Scan(&ts, &count)
	if err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}
	return &model.ChangeSummary{Timestamp: ts, Count: count}, nil
}

func notifyChannel(collection string) string {
	return "replicate_chg_" + collection
}

// --- compaction/pruning support (§4.4-§4.5) ---

func (s *PostgresStore) DeltasUpTo(ctx context.Context, collection string, cutoff int64) ([]model.DeltaEvent, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	rows, err := s.pool.Query(ctx,
		`SELECT document_id, crdt_bytes, version, timestamp
		 FROM documents_log
		 WHERE collection = $1 AND timestamp <= $2
		 ORDER BY timestamp ASC, version ASC`,
		collection, cutoff,
	)
	if err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}
	defer rows.Close()

	var out []model.DeltaEvent
	for rows.Next() {
		var d model.DeltaEvent
		if err := rows.Scan(&d.DocumentID, &d.CRDTBytes, &d.Version, &d.Timestamp); err != nil {
			return nil, syncerr.DualStorageError(collection, err)
		}
		d.Collection = collection
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDeltasUpTo(ctx context.Context, collection string, cutoff int64) (int, error) {
	if !s.IsConnected() {
		return 0, ErrNotConnected
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents_log WHERE collection = $1 AND timestamp <= $2`,
		collection, cutoff,
	)
	if err != nil {
		return 0, syncerr.DualStorageError(collection, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	createdAt := snap.CreatedAt
	if createdAt == 0 {
		createdAt = model.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (collection, snapshot_bytes, latest_compaction_timestamp, created_at)
		 VALUES ($1, $2, $3, $4)`,
		snap.Collection, snap.SnapshotBytes, snap.LatestCompactionTimestamp, time.UnixMilli(createdAt),
	)
	if err != nil {
		return syncerr.DualStorageError(snap.Collection, err)
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, collection string) (*model.Snapshot, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	row := s.pool.QueryRow(ctx,
		`SELECT snapshot_bytes, latest_compaction_timestamp, created_at
		 FROM snapshots WHERE collection = $1 ORDER BY created_at DESC LIMIT 1`,
		collection,
	)
	var snap model.Snapshot
	var createdAt time.Time
	snap.Collection = collection
	if err := row.Scan(&snap.SnapshotBytes, &snap.LatestCompactionTimestamp, &createdAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, syncerr.DualStorageError(collection, err)
	}
	snap.CreatedAt = createdAt.UnixMilli()
	return &snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, collection string) ([]model.Snapshot, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot_bytes, latest_compaction_timestamp, created_at
		 FROM snapshots WHERE collection = $1 ORDER BY created_at DESC`,
		collection,
	)
	if err != nil {
		return nil, syncerr.DualStorageError(collection, err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap := model.Snapshot{Collection: collection}
		var createdAt time.Time
		if err := rows.Scan(&snap.SnapshotBytes, &snap.LatestCompactionTimestamp, &createdAt); err != nil {
			return nil, syncerr.DualStorageError(collection, err)
		}
		snap.CreatedAt = createdAt.UnixMilli()
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSnapshotsOlderThan(ctx context.Context, collection string, cutoff int64, keepNewest int) (int, error) {
	if !s.IsConnected() {
		return 0, ErrNotConnected
	}
	if keepNewest < 1 {
		keepNewest = 1
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots
		 WHERE collection = $1 AND created_at < $2
		 AND ctid NOT IN (
		     SELECT ctid FROM snapshots
		     WHERE collection = $1
		     ORDER BY created_at DESC
		     LIMIT $3
		 )`,
		collection, time.UnixMilli(cutoff), keepNewest,
	)
	if err != nil {
		return 0, syncerr.DualStorageError(collection, err)
	}
	return int(tag.RowsAffected()), nil
}
