package engine

import (
	"context"

	"github.com/Dancode-188/replicate/internal/client/optimistic"
	"github.com/Dancode-188/replicate/internal/client/registry"
)

// collections is the process-wide singleton registry keyed by
// (databaseName, collectionName), per SPEC_FULL §4.12 — a host calling
// Collection twice for the same pair gets the same running Engine back
// instead of opening a second bbolt handle onto the same files.
var collections = registry.New[*Engine]()

// Collection returns the Engine for (cfg.DatabaseName, cfg.Collection),
// opening it on first call and reusing it on every subsequent call with
// the same pair. Concurrent first calls for the same pair collapse into
// one Open.
func Collection(ctx context.Context, cfg Config, store optimistic.Store) (*Engine, error) {
	cfg.setDefaults()
	return collections.Get(cfg.DatabaseName, cfg.Collection, func() (*Engine, error) {
		return Open(ctx, cfg, store)
	})
}

// ReleaseCollection closes and evicts the Engine for (database, collection),
// if one is open. Hosts that want a fresh Engine (e.g. after switching
// accounts) call this before the next Collection call.
func ReleaseCollection(database, collection string, e *Engine) error {
	collections.Remove(database, collection)
	if e == nil {
		return nil
	}
	return e.Close()
}
