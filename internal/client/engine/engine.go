// Package engine wires checkpoint + docstore + stream + optimistic +
// protover into the single collection handle a host application opens
// (SPEC_FULL §4, control-flow paragraph in §5: "all engine operations
// run on one event loop"). Grounded on the teacher's per-connection
// lifecycle shape (connect, run, graceful close) generalized from a
// server-side WebSocket connection to a client-side collection handle.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Dancode-188/replicate/internal/client/checkpoint"
	"github.com/Dancode-188/replicate/internal/client/docstore"
	"github.com/Dancode-188/replicate/internal/client/optimistic"
	"github.com/Dancode-188/replicate/internal/client/protover"
	"github.com/Dancode-188/replicate/internal/client/stream"
	"github.com/Dancode-188/replicate/internal/client/transport"
	"github.com/Dancode-188/replicate/internal/obs"
)

// Config configures one collection factory call, per SPEC_FULL §6
// ("Configuration options recognized by the collection factory").
type Config struct {
	Collection              string // required
	DatabaseName            string // default "replicate"
	BaseDir                 string // local bbolt storage directory
	ServerBaseURL           string
	Token                   string
	CompactionRetentionDays int // default 90, informational on the client
	PruningRetentionDays    int // default 180, informational on the client
	InitialData             []map[string]any
	Migrations              []protover.Migration
}

func (c *Config) setDefaults() {
	if c.DatabaseName == "" {
		c.DatabaseName = "replicate"
	}
	if c.CompactionRetentionDays == 0 {
		c.CompactionRetentionDays = 90
	}
	if c.PruningRetentionDays == 0 {
		c.PruningRetentionDays = 180
	}
}

// Engine is one open collection: hydrated CRDT doc, running subscription
// loop, and the optimistic write path a host UI layer writes through.
type Engine struct {
	cfg Config

	checkpoint *checkpoint.Store
	docs       *docstore.Store
	protover   *protover.Coordinator
	writer     *optimistic.Writer
	loop       *stream.Loop

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open constructs and starts the engine for one collection. optimisticStore
// is the host-provided reactive primitive (optimistic.Store) the engine
// writes through; the caller owns its lifecycle and reads from it
// directly (the engine never reads it back). Startup blocks on the
// protocol-version check (§4.11); a migration failure here is fatal.
func Open(ctx context.Context, cfg Config, optimisticStore optimistic.Store) (*Engine, error) {
	cfg.setDefaults()
	if cfg.Collection == "" {
		return nil, fmt.Errorf("engine: collection is required")
	}

	cpStore, err := checkpoint.Open(filepath.Join(cfg.BaseDir, cfg.Collection+"-checkpoint.db"))
	if err != nil {
		return nil, err
	}
	docs, err := docstore.Open(filepath.Join(cfg.BaseDir, cfg.Collection+"-docs.db"))
	if err != nil {
		cpStore.Close()
		return nil, err
	}
	pv, err := protover.Open(filepath.Join(cfg.BaseDir, "protocol-version.db"), cfg.Migrations)
	if err != nil {
		cpStore.Close()
		docs.Close()
		return nil, err
	}

	client := transport.New(cfg.ServerBaseURL, cfg.Collection, cfg.Token)
	writer := optimistic.New(optimisticStore, client)
	writer.Init()

	if err := pv.Ensure(ctx, client.FetchProtocolVersion); err != nil {
		cpStore.Close()
		docs.Close()
		pv.Close()
		return nil, err
	}

	if len(cfg.InitialData) > 0 {
		items := make([]optimistic.Item, 0, len(cfg.InitialData))
		for _, row := range cfg.InitialData {
			id, _ := row["id"].(string)
			items = append(items, optimistic.Item{ID: id, Fields: row})
		}
		if err := writer.Replace(items); err != nil {
			obs.ForCollection(cfg.Collection).Warn().Err(err).Msg("SSR hydration into optimistic store failed")
		}
	}

	loop := stream.New(cfg.Collection, client, cpStore, docs, writer)

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		checkpoint: cpStore,
		docs:       docs,
		protover:   pv,
		writer:     writer,
		loop:       loop,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(e.done)
		if err := loop.Run(runCtx); err != nil {
			obs.ForCollection(cfg.Collection).Error().Err(err).Msg("subscription loop exited with error")
		}
	}()

	return e, nil
}

// Writer exposes the optimistic write path for the engine's collection.
func (e *Engine) Writer() *optimistic.Writer {
	return e.writer
}

// Materialize returns the engine's current local view of the collection.
func (e *Engine) Materialize() (map[string]map[string]any, error) {
	return e.docs.Materialize(e.cfg.Collection)
}

// State returns the subscription loop's current state.
func (e *Engine) State() stream.State {
	return e.loop.State()
}

// Close terminates the subscription loop and releases local storage
// handles. The CRDT document is already flushed on every mutation, so
// Close has no data to persist beyond what Apply/SnapshotTo already
// wrote.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	<-e.done

	var firstErr error
	for _, closeFn := range []func() error{e.checkpoint.Close, e.docs.Close, e.protover.Close} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
