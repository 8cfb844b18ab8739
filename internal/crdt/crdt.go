// Package crdt implements the collection-level CRDT document the spec's
// §4.1 binary codec wraps. Each document in a collection is a single LWW
// (last-writer-wins) register keyed by its monotonic version number:
// convergence follows directly from comparing version numbers, which the
// dual-write mutation helpers (spec §4.2) already guarantee are strictly
// increasing per document (invariant I1). Applying updates is therefore
// commutative and idempotent (I5) without needing per-field vector
// clocks — ties cannot occur because the backend never accepts two
// deltas at the same version for the same document.
//
// This stands in for the "Yjs-compatible CRDT library" the spec assumes
// as an external collaborator (§1); no such library exists in the
// retrieval pack, so the algorithm here is the engine's own, grounded on
// the teacher's in-process merge loop (see DESIGN.md).
package crdt

import "sync"

// Update is one document's full state at a given version — what the
// backend's delta log stores as crdtBytes once decoded.
type Update struct {
	DocumentID string
	Version    int64
	Timestamp  int64
	Tombstone  bool
	Fields     map[string]any
}

func (u Update) clone() Update {
	if u.Fields == nil {
		return u
	}
	cp := make(map[string]any, len(u.Fields))
	for k, v := range u.Fields {
		cp[k] = v
	}
	u.Fields = cp
	return u
}

// Doc is a persistent, mergeable collection-level CRDT document.
type Doc struct {
	mu   sync.RWMutex
	docs map[string]Update
}

// New creates an empty document.
func New() *Doc {
	return &Doc{docs: make(map[string]Update)}
}

// Apply merges a single update into the document. It reports whether the
// update advanced local state; applying a stale or already-seen update
// (Version <= the currently held version) is a no-op, which is what
// makes Apply idempotent over a set of updates delivered more than once.
func (d *Doc) Apply(u Update) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(u)
}

func (d *Doc) applyLocked(u Update) bool {
	existing, ok := d.docs[u.DocumentID]
	if ok && u.Version <= existing.Version {
		return false
	}
	d.docs[u.DocumentID] = u.clone()
	return true
}

// ApplyAll merges a batch, in the given order. Order does not affect the
// resulting state (I5): per-document, only the highest version survives
// regardless of application order.
func (d *Doc) ApplyAll(updates []Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range updates {
		d.applyLocked(u)
	}
}

// StateVector returns the highest version observed per document.
func (d *Doc) StateVector() map[string]int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make(map[string]int64, len(d.docs))
	for id, u := range d.docs {
		sv[id] = u.Version
	}
	return sv
}

// DiffSince returns every update strictly newer than the given state
// vector — the updates a peer holding `sv` has not yet seen.
func (d *Doc) DiffSince(sv map[string]int64) []Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Update
	for id, u := range d.docs {
		if u.Version > sv[id] {
			out = append(out, u.clone())
		}
	}
	return out
}

// Materialize derives the current record set, excluding tombstoned ids —
// the authoritative local view (spec §4.7).
func (d *Doc) Materialize() map[string]map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]map[string]any, len(d.docs))
	for id, u := range d.docs {
		if u.Tombstone {
			continue
		}
		cp := make(map[string]any, len(u.Fields))
		for k, v := range u.Fields {
			cp[k] = v
		}
		out[id] = cp
	}
	return out
}

// Clone returns a deep, independent copy of the document.
func (d *Doc) Clone() *Doc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cp := New()
	for id, u := range d.docs {
		cp.docs[id] = u.clone()
	}
	return cp
}

// Merge applies every update held by other into d. Used when folding a
// snapshot document into a live one during compaction or recovery.
func (d *Doc) Merge(other *Doc) {
	other.mu.RLock()
	updates := make([]Update, 0, len(other.docs))
	for _, u := range other.docs {
		updates = append(updates, u)
	}
	other.mu.RUnlock()
	d.ApplyAll(updates)
}

// All returns every update currently held, for encoding a full snapshot.
func (d *Doc) All() []Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Update, 0, len(d.docs))
	for _, u := range d.docs {
		out = append(out, u.clone())
	}
	return out
}

// Len reports the number of documents tracked (tombstones included).
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}
