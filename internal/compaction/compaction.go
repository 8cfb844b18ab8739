// Package compaction implements the scheduled compaction (§4.4) and
// pruning (§4.5) jobs. Grounded on the teacher's
// PostgresAdapter.Cleanup (internal/storage/postgres.go): the same
// "delete rows older than N days, keep only the newest K" shape,
// generalized into a pair of long-running scheduled jobs matching the
// idiom of the teacher's Hub.runAwarenessCleanup ticker loop.
package compaction

import (
	"context"
	"time"

	"github.com/Dancode-188/replicate/internal/codec"
	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/obs"
	"github.com/Dancode-188/replicate/internal/storage"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

// Compactor folds deltas older than its retention window into a fresh
// snapshot, then deletes the folded deltas (§4.4).
type Compactor struct {
	Store         storage.Store
	RetentionDays int
	Collections   []string
	Interval      time.Duration
}

// Run executes one compaction pass over every configured collection.
// Intended to be called by a caller-owned ticker loop (RunLoop does
// this); exposed separately so cmd/replicated's `compact` subcommand
// can trigger a single pass on demand.
func (c *Compactor) Run(ctx context.Context) error {
	for _, collection := range c.Collections {
		if err := c.runOne(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) runOne(ctx context.Context, collection string) error {
	log := obs.ForCollection(collection)
	cutoff := model.Now() - int64(c.RetentionDays)*24*3600*1000

	doc := crdt.New()
	existing, err := c.Store.LatestSnapshot(ctx, collection)
	if err != nil {
		return syncerr.SnapshotError(collection, "LoadExisting")
	}
	if existing != nil {
		prior, err := codec.DecodeSnapshot(existing.SnapshotBytes)
		if err != nil {
			return syncerr.SnapshotError(collection, "DecodeExisting")
		}
		doc.Merge(prior)
	}

	deltas, err := c.Store.DeltasUpTo(ctx, collection, cutoff)
	if err != nil {
		return syncerr.SnapshotError(collection, "LoadDeltas")
	}
	if len(deltas) == 0 {
		log.Debug().Msg("compaction: nothing to fold")
		return nil
	}

	var latest int64
	for _, d := range deltas {
		if d.IsTombstone() {
			doc.Apply(crdt.Update{DocumentID: d.DocumentID, Version: d.Version, Timestamp: d.Timestamp, Tombstone: true})
		} else {
			u, err := codec.DecodeUpdate(d.CRDTBytes)
			if err != nil {
				return syncerr.CodecError("compact", d.DocumentID, err)
			}
			doc.Apply(u)
		}
		if d.Timestamp > latest {
			latest = d.Timestamp
		}
	}

	snapshotBytes, err := codec.EncodeSnapshot(doc)
	if err != nil {
		return syncerr.CodecError("compact", "", err)
	}

	if err := c.Store.SaveSnapshot(ctx, model.Snapshot{
		Collection:                collection,
		SnapshotBytes:             snapshotBytes,
		LatestCompactionTimestamp: latest,
		CreatedAt:                 model.Now(),
	}); err != nil {
		return syncerr.SnapshotError(collection, "SaveNew")
	}

	deleted, err := c.Store.DeleteDeltasUpTo(ctx, collection, cutoff)
	if err != nil {
		return syncerr.SnapshotError(collection, "DeleteFolded")
	}

	log.Info().
		Int("deltasFolded", deleted).
		Int64("latestCompactionTimestamp", latest).
		Msg("compaction run complete")
	return nil
}

// RunLoop runs Run on Interval until ctx is cancelled.
func (c *Compactor) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(ctx); err != nil {
				obs.Log.Error().Err(err).Msg("compaction run failed")
			}
		}
	}
}

// Pruner deletes snapshots older than its retention window, always
// keeping the newest one per collection (§4.5).
type Pruner struct {
	Store         storage.Store
	RetentionDays int
	Collections   []string
	Interval      time.Duration
}

func (p *Pruner) Run(ctx context.Context) error {
	cutoff := model.Now() - int64(p.RetentionDays)*24*3600*1000
	for _, collection := range p.Collections {
		deleted, err := p.Store.DeleteSnapshotsOlderThan(ctx, collection, cutoff, 1)
		if err != nil {
			return syncerr.SnapshotError(collection, "Prune")
		}
		obs.ForCollection(collection).Info().Int("snapshotsDeleted", deleted).Msg("pruning run complete")
	}
	return nil
}

func (p *Pruner) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Run(ctx); err != nil {
				obs.Log.Error().Err(err).Msg("pruning run failed")
			}
		}
	}
}
