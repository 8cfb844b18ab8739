package compaction

import (
	"context"
	"sort"
	"testing"

	"github.com/Dancode-188/replicate/internal/codec"
	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/storage"
)

// fakeStore is an in-memory storage.Store used only to exercise
// Compactor/Pruner; pull/stream/changeStream are left unimplemented
// since compaction never calls them.
type fakeStore struct {
	deltas    []model.DeltaEvent
	snapshots []model.Snapshot
}

var _ storage.Store = (*fakeStore)(nil)

func (f *fakeStore) Connect(context.Context) error           { return nil }
func (f *fakeStore) Disconnect(context.Context) error        { return nil }
func (f *fakeStore) IsConnected() bool                       { return true }
func (f *fakeStore) HealthCheck(context.Context) (bool, error) { return true, nil }

func (f *fakeStore) Insert(context.Context, string, storage.MutationInput) (*model.DeltaEvent, error) {
	return nil, nil
}

func (f *fakeStore) Update(context.Context, string, storage.MutationInput) (*model.DeltaEvent, error) {
	return nil, nil
}

func (f *fakeStore) Delete(context.Context, string, string) (*model.DeltaEvent, error) {
	return nil, nil
}

func (f *fakeStore) PullChanges(context.Context, string, model.Checkpoint, int) (*model.PullResult, error) {
	return nil, nil
}

func (f *fakeStore) Stream(context.Context, string, model.Checkpoint, int, string, bool) (*model.PullResult, error) {
	return nil, nil
}

func (f *fakeStore) ChangeStream(context.Context, string) (<-chan model.ChangeSummary, func(), error) {
	return nil, func() {}, nil
}

func (f *fakeStore) DeltasUpTo(ctx context.Context, collection string, cutoff int64) ([]model.DeltaEvent, error) {
	var out []model.DeltaEvent
	for _, d := range f.deltas {
		if d.Collection == collection && d.Timestamp <= cutoff {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (f *fakeStore) DeleteDeltasUpTo(ctx context.Context, collection string, cutoff int64) (int, error) {
	var kept []model.DeltaEvent
	deleted := 0
	for _, d := range f.deltas {
		if d.Collection == collection && d.Timestamp <= cutoff {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	f.deltas = kept
	return deleted, nil
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, collection string) (*model.Snapshot, error) {
	var latest *model.Snapshot
	for i := range f.snapshots {
		s := f.snapshots[i]
		if s.Collection != collection {
			continue
		}
		if latest == nil || s.CreatedAt > latest.CreatedAt {
			latest = &s
		}
	}
	return latest, nil
}

func (f *fakeStore) ListSnapshots(ctx context.Context, collection string) ([]model.Snapshot, error) {
	var out []model.Snapshot
	for _, s := range f.snapshots {
		if s.Collection == collection {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteSnapshotsOlderThan(ctx context.Context, collection string, cutoff int64, keepNewest int) (int, error) {
	var latest int64 = -1
	for _, s := range f.snapshots {
		if s.Collection == collection && s.CreatedAt > latest {
			latest = s.CreatedAt
		}
	}
	var kept []model.Snapshot
	deleted := 0
	for _, s := range f.snapshots {
		if s.Collection == collection && s.CreatedAt < cutoff && s.CreatedAt != latest {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	f.snapshots = kept
	return deleted, nil
}

func encodeDelta(t *testing.T, collection, docID string, version, timestamp int64, fields map[string]any) model.DeltaEvent {
	t.Helper()
	data, err := codec.EncodeUpdate(crdt.Update{DocumentID: docID, Version: version, Timestamp: timestamp, Fields: fields})
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	return model.DeltaEvent{Collection: collection, DocumentID: docID, CRDTBytes: data, Version: version, Timestamp: timestamp}
}

func TestCompactor_FoldsOldDeltasIntoSnapshot(t *testing.T) {
	store := &fakeStore{
		deltas: []model.DeltaEvent{
			encodeDelta(t, "todos", "a", 1, 1000, map[string]any{"text": "old"}),
			encodeDelta(t, "todos", "a", 2, 2000, map[string]any{"text": "newer"}),
		},
	}
	// RetentionDays: 0 sets cutoff = now; both fixture deltas carry
	// small fixed timestamps far in the past relative to wall-clock now,
	// so both fold in this pass.
	c := &Compactor{Store: store, RetentionDays: 0, Collections: []string{"todos"}}

	if err := c.runOne(context.Background(), "todos"); err != nil {
		t.Fatalf("runOne: %v", err)
	}

	if len(store.deltas) != 0 {
		t.Errorf("expected all deltas folded and deleted, got %d remaining", len(store.deltas))
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(store.snapshots))
	}

	doc, err := codec.DecodeSnapshot(store.snapshots[0].SnapshotBytes)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if doc.Materialize()["a"]["text"] != "newer" {
		t.Errorf("expected folded snapshot to hold the latest version, got %+v", doc.Materialize())
	}
	if store.snapshots[0].LatestCompactionTimestamp != 2000 {
		t.Errorf("LatestCompactionTimestamp = %d, want 2000", store.snapshots[0].LatestCompactionTimestamp)
	}
}

func TestCompactor_NoOpWhenNothingToFold(t *testing.T) {
	store := &fakeStore{}
	c := &Compactor{Store: store, RetentionDays: 30, Collections: []string{"todos"}}
	if err := c.runOne(context.Background(), "todos"); err != nil {
		t.Fatalf("runOne: %v", err)
	}
	if len(store.snapshots) != 0 {
		t.Error("expected no snapshot written when there is nothing to fold")
	}
}

func TestPruner_KeepsNewestSnapshot(t *testing.T) {
	store := &fakeStore{
		snapshots: []model.Snapshot{
			{Collection: "todos", CreatedAt: 1000},
			{Collection: "todos", CreatedAt: 2000},
			{Collection: "todos", CreatedAt: 3000},
		},
	}
	// RetentionDays: 0 sets cutoff = now, so every fixture snapshot is
	// older than the cutoff and only the newest may survive.
	p := &Pruner{Store: store, RetentionDays: 0, Collections: []string{"todos"}}

	before := len(store.snapshots)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	deleted := before - len(store.snapshots)
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if len(store.snapshots) != 1 || store.snapshots[0].CreatedAt != 3000 {
		t.Errorf("expected only the newest snapshot to survive, got %+v", store.snapshots)
	}
}
