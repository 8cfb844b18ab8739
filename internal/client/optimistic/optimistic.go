// Package optimistic implements the client's optimistic write path
// (SPEC_FULL §4.10): a host-provided primitive the engine drives with
// begin/write/commit/truncate, paired with a dual-write call to the
// backend. Grounded on the "OptimisticStore" interface SPEC_FULL §1
// introduces to stand in for the spec's out-of-scope UI reactivity
// layer — the engine writes through it, never inspects its contents.
package optimistic

import (
	"context"
	"errors"
	"sync"

	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

// WriteKind tags one buffered write (spec's {type: insert|update|delete}).
type WriteKind string

const (
	WriteInsert WriteKind = "insert"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Write is one record mutation staged inside a begin/commit span.
type Write struct {
	Kind  WriteKind
	ID    string
	Value map[string]any
}

// Store is the host-provided reactive primitive the engine writes
// through; it never reads it back. A host application's UI layer is
// expected to observe it directly.
type Store interface {
	Begin() error
	Write(w Write) error
	Commit() error
	Truncate() error
}

// DualWrite is the subset of the backend mutation contract (§4.2) the
// optimistic path calls after staging the local write. docId-addressed,
// mirroring storage.Store.Insert/Update/Delete but independent of any
// particular transport (REST, in-process storage.Store, or a future
// network client).
type DualWrite interface {
	Insert(ctx context.Context, documentID string, version int64, fields map[string]any) (*model.DeltaEvent, error)
	Update(ctx context.Context, documentID string, version int64, fields map[string]any) (*model.DeltaEvent, error)
	Delete(ctx context.Context, documentID string) (*model.DeltaEvent, error)
}

// Item pairs a record's fields with the version the caller believes is
// current, for Update/Upsert calls.
type Item struct {
	ID      string
	Fields  map[string]any
	Version int64
}

// Writer wraps a Store and a DualWrite target with the insert/update/
// delete/upsert/replace primitives SPEC_FULL §4.10 names. Mutations do
// not wait for initialization: one attempted before Init returns
// OptimisticWriteError{NotInitialized} (§4.10).
type Writer struct {
	store Store
	dual  DualWrite

	mu          sync.RWMutex
	initialized bool
}

// New constructs a Writer. Init must be called once before any mutation.
func New(store Store, dual DualWrite) *Writer {
	return &Writer{store: store, dual: dual}
}

// Init marks the writer ready to accept mutations. Idempotent, per
// spec.md §4.10 ("re-initialization is idempotent").
func (w *Writer) Init() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initialized = true
}

func (w *Writer) checkInitialized() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.initialized {
		return &syncerr.Error{Kind: syncerr.KindOptimisticWriteError, Reason: "NotInitialized"}
	}
	return nil
}

// Insert stages each item as an optimistic insert, then calls
// dualWrite.Insert for each. All items start at version 1.
func (w *Writer) Insert(ctx context.Context, items []Item) ([]*model.DeltaEvent, error) {
	if err := w.checkInitialized(); err != nil {
		return nil, err
	}
	return w.apply(ctx, WriteInsert, items, func(it Item) (*model.DeltaEvent, error) {
		return w.dual.Insert(ctx, it.ID, 1, it.Fields)
	})
}

// Update stages each item as an optimistic update, calling
// dualWrite.Update with version = current+1 per item.
func (w *Writer) Update(ctx context.Context, items []Item) ([]*model.DeltaEvent, error) {
	if err := w.checkInitialized(); err != nil {
		return nil, err
	}
	return w.apply(ctx, WriteUpdate, items, func(it Item) (*model.DeltaEvent, error) {
		return w.dual.Update(ctx, it.ID, it.Version+1, it.Fields)
	})
}

// Delete stages each item as an optimistic delete, calling
// dualWrite.Delete per item.
func (w *Writer) Delete(ctx context.Context, items []Item) ([]*model.DeltaEvent, error) {
	if err := w.checkInitialized(); err != nil {
		return nil, err
	}
	return w.apply(ctx, WriteDelete, items, func(it Item) (*model.DeltaEvent, error) {
		return w.dual.Delete(ctx, it.ID)
	})
}

// Upsert stages an optimistic update; the server resolves to insert if
// the document is absent, update if present (§4.10).
func (w *Writer) Upsert(ctx context.Context, items []Item) ([]*model.DeltaEvent, error) {
	if err := w.checkInitialized(); err != nil {
		return nil, err
	}
	return w.apply(ctx, WriteUpdate, items, func(it Item) (*model.DeltaEvent, error) {
		event, err := w.dual.Update(ctx, it.ID, it.Version+1, it.Fields)
		var se *syncerr.Error
		if err != nil && errors.As(err, &se) && se.Kind == syncerr.KindNotFound {
			return w.dual.Insert(ctx, it.ID, 1, it.Fields)
		}
		return event, err
	})
}

// Replace truncates the optimistic store and re-inserts items, used by
// snapshot recovery (§4.8/§4.10) and by engine.Open to seed InitialData;
// it makes no server call, because the snapshot or seed data is already
// the source of truth.
func (w *Writer) Replace(items []Item) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	if err := w.store.Truncate(); err != nil {
		return syncerr.LocalStoreError("truncate", "", err)
	}
	if err := w.store.Begin(); err != nil {
		return syncerr.LocalStoreError("begin", "", err)
	}
	for _, it := range items {
		if err := w.store.Write(Write{Kind: WriteInsert, ID: it.ID, Value: it.Fields}); err != nil {
			return syncerr.LocalStoreError("write", it.ID, err)
		}
	}
	if err := w.store.Commit(); err != nil {
		return syncerr.LocalStoreError("commit", "", err)
	}
	return nil
}

// ReconcileRemote stages inserts/updates/deletes into the local store
// only, with no corresponding dual-write call — used by the subscription
// loop (§4.9) to push already-accepted remote deltas into the optimistic
// store without resubmitting them to the backend they came from.
func (w *Writer) ReconcileRemote(inserts, updates, deletes []Item) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	if err := w.store.Begin(); err != nil {
		return syncerr.LocalStoreError("begin", "", err)
	}
	for _, it := range inserts {
		if err := w.store.Write(Write{Kind: WriteInsert, ID: it.ID, Value: it.Fields}); err != nil {
			return syncerr.LocalStoreError("write", it.ID, err)
		}
	}
	for _, it := range updates {
		if err := w.store.Write(Write{Kind: WriteUpdate, ID: it.ID, Value: it.Fields}); err != nil {
			return syncerr.LocalStoreError("write", it.ID, err)
		}
	}
	for _, it := range deletes {
		if err := w.store.Write(Write{Kind: WriteDelete, ID: it.ID}); err != nil {
			return syncerr.LocalStoreError("write", it.ID, err)
		}
	}
	if err := w.store.Commit(); err != nil {
		return syncerr.LocalStoreError("commit", "", err)
	}
	return nil
}

func (w *Writer) apply(ctx context.Context, kind WriteKind, items []Item, call func(Item) (*model.DeltaEvent, error)) ([]*model.DeltaEvent, error) {
	if err := w.store.Begin(); err != nil {
		return nil, syncerr.LocalStoreError("begin", "", err)
	}
	for _, it := range items {
		if err := w.store.Write(Write{Kind: kind, ID: it.ID, Value: it.Fields}); err != nil {
			return nil, syncerr.LocalStoreError("write", it.ID, err)
		}
	}
	if err := w.store.Commit(); err != nil {
		return nil, syncerr.LocalStoreError("commit", "", err)
	}

	events := make([]*model.DeltaEvent, 0, len(items))
	for _, it := range items {
		event, err := call(it)
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}
