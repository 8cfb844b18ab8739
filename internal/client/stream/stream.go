// Package stream implements the client's gap-detection/snapshot-recovery
// state machine and the subscription/reconciliation loop it drives
// (SPEC_FULL §4.8-§4.9). Grounded on the teacher's Hub.Run select loop
// for the "one goroutine owns state" shape, and on internal/retry for
// the per-state timeout budgets spec.md's state table names.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/Dancode-188/replicate/internal/client/docstore"
	"github.com/Dancode-188/replicate/internal/client/optimistic"
	"github.com/Dancode-188/replicate/internal/codec"
	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/obs"
	"github.com/Dancode-188/replicate/internal/retry"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

// State is one node of the gap-detection/recovery state machine
// (spec.md §4.8).
type State string

const (
	StateIdle       State = "Idle"
	StateOpening    State = "Opening"
	StateGapProbe   State = "GapProbe"
	StateRecovering State = "Recovering"
	StateStreaming  State = "Streaming"
	StateOffline    State = "Offline"
	StateTerminated State = "Terminated"
)

const (
	staleThreshold  = 7 * 24 * time.Hour
	gapProbeTimeout = 5 * time.Second
	recoverTimeout  = 30 * time.Second
	offlineBase     = 500 * time.Millisecond
	offlineMax      = 30 * time.Second
)

// snapshotDocumentID is the synthetic delta id Stream returns in place of
// a real document when snapshotMode=true (spec.md §4.3).
const snapshotDocumentID = "__snapshot__"

// Checkpointer is the subset of checkpoint.Store the loop needs.
type Checkpointer interface {
	Load(collection string) (model.Checkpoint, error)
	Save(collection string, cp model.Checkpoint) error
}

// Source is the backend surface the loop pulls from: pullChanges/stream/
// changeStream (spec.md §4.3), reached through whatever transport the
// host wires up (REST, in-process storage.Store, a future network
// client).
type Source interface {
	PullChanges(ctx context.Context, collection string, cp model.Checkpoint, limit int) (*model.PullResult, error)
	Stream(ctx context.Context, collection string, cp model.Checkpoint, limit int, order string, snapshotMode bool) (*model.PullResult, error)
	ChangeStream(ctx context.Context, collection string) (<-chan model.ChangeSummary, func(), error)
}

// Loop drives one collection's subscription against a Source, folding
// deltas into a docstore.Store and reconciling changes into an
// optimistic.Writer.
type Loop struct {
	Collection string
	Source     Source
	Checkpoint Checkpointer
	Docs       *docstore.Store
	Writer     *optimistic.Writer

	mu             sync.RWMutex
	state          State
	offlineAttempt int
}

// New constructs a Loop in state Idle.
func New(collection string, source Source, cp Checkpointer, docs *docstore.Store, writer *optimistic.Writer) *Loop {
	return &Loop{Collection: collection, Source: source, Checkpoint: cp, Docs: docs, Writer: writer, state: StateIdle}
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	prior := l.state
	l.state = s
	l.mu.Unlock()
	obs.ForCollection(l.Collection).Info().Str("from", string(prior)).Str("to", string(s)).Msg("stream state transition")
}

// Run drives the loop until ctx is cancelled or the user closes it
// (Close), at which point it transitions to Terminated and returns nil.
// A failed subscribe or drain while Streaming transitions to Offline and
// retries; a failed gap probe falls back to Streaming; an error from
// snapshot recovery (including NoSnapshot) or from loading the checkpoint
// in Opening ends Run with that error.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateOpening)

	for {
		select {
		case <-ctx.Done():
			l.setState(StateTerminated)
			return l.flush()
		default:
		}

		switch l.State() {
		case StateOpening:
			if err := l.runOpening(ctx); err != nil {
				return err
			}
		case StateGapProbe:
			l.runGapProbe(ctx)
		case StateRecovering:
			if err := l.runRecovering(ctx); err != nil {
				return err
			}
		case StateStreaming:
			l.runStreaming(ctx)
		case StateOffline:
			if !l.waitOffline(ctx) {
				return l.flush()
			}
		case StateTerminated:
			return nil
		}
	}
}

// waitOffline sleeps Backoff(offlineAttempt, offlineBase, offlineMax)
// before returning to Opening, growing the delay on each consecutive
// offline cycle (SPEC_FULL §9: 0.5s, 1s, 2s, 4s, ..., capped at 30s).
// Returns false if ctx was cancelled while waiting, in which case the
// caller should terminate.
func (l *Loop) waitOffline(ctx context.Context) bool {
	d := retry.Backoff(l.offlineAttempt, offlineBase, offlineMax)
	l.offlineAttempt++
	select {
	case <-time.After(d):
		l.setState(StateOpening)
		return true
	case <-ctx.Done():
		l.setState(StateTerminated)
		return false
	}
}

// Close terminates the loop; Run's ctx cancellation is the actual
// trigger, Close only records intent for callers that hold a Loop
// without controlling its context directly.
func (l *Loop) Close() {
	l.setState(StateTerminated)
}

func (l *Loop) flush() error {
	// The CRDT doc is already flushed to local storage on every Apply
	// (docstore.Store.Apply persists synchronously), so closing has
	// nothing further to do; this hook exists for symmetry with
	// spec.md §5's "flushed to local storage before resources release".
	return nil
}

func (l *Loop) runOpening(ctx context.Context) error {
	cp, err := l.Checkpoint.Load(l.Collection)
	if err != nil {
		return err
	}

	age := time.Duration(model.Now()-cp.LastModified) * time.Millisecond
	if age > staleThreshold {
		l.setState(StateGapProbe)
	} else {
		l.setState(StateStreaming)
	}
	return nil
}

func (l *Loop) runGapProbe(ctx context.Context) {
	cp, err := l.Checkpoint.Load(l.Collection)
	if err != nil {
		obs.ForCollection(l.Collection).Warn().Err(err).Msg("gap probe: checkpoint load failed")
		l.setState(StateStreaming)
		return
	}

	var oldest *model.PullResult
	err = retry.WithTimeout(ctx, gapProbeTimeout, "gapProbe", func(ctx context.Context) error {
		res, err := l.Source.Stream(ctx, l.Collection, model.Checkpoint{}, 1, "asc", false)
		if err != nil {
			return err
		}
		oldest = res
		return nil
	})
	if err != nil {
		obs.ForCollection(l.Collection).Warn().Err(err).Msg("gap probe failed or timed out; continuing best-effort")
		l.setState(StateStreaming)
		return
	}

	if oldest == nil || len(oldest.Changes) == 0 {
		l.setState(StateStreaming)
		return
	}
	tOldest := oldest.Changes[0].Timestamp
	if cp.LastModified < tOldest {
		l.setState(StateRecovering)
		return
	}
	l.setState(StateStreaming)
}

func (l *Loop) runRecovering(ctx context.Context) error {
	var snapshotBytes []byte
	var compactionTimestamp int64

	err := retry.WithTimeout(ctx, recoverTimeout, "snapshotRecovery", func(ctx context.Context) error {
		res, err := l.Source.Stream(ctx, l.Collection, model.Checkpoint{}, 1, "", true)
		if err != nil {
			return err
		}
		for _, d := range res.Changes {
			if d.DocumentID == snapshotDocumentID {
				snapshotBytes = d.CRDTBytes
				compactionTimestamp = d.Timestamp
				return nil
			}
		}
		return syncerr.SnapshotError(l.Collection, "NoSnapshot")
	})
	if err != nil {
		return err
	}

	if err := l.Docs.SnapshotTo(l.Collection, snapshotBytes); err != nil {
		return err
	}
	if err := l.rebuildOptimisticStore(); err != nil {
		return err
	}
	if err := l.Checkpoint.Save(l.Collection, model.Checkpoint{LastModified: compactionTimestamp}); err != nil {
		return err
	}
	l.setState(StateStreaming)
	return nil
}

func (l *Loop) rebuildOptimisticStore() error {
	mat, err := l.Docs.Materialize(l.Collection)
	if err != nil {
		return err
	}
	items := make([]optimistic.Item, 0, len(mat))
	for id, fields := range mat {
		items = append(items, optimistic.Item{ID: id, Fields: fields})
	}
	return l.Writer.Replace(items)
}

func (l *Loop) runStreaming(ctx context.Context) {
	changes, cancel, err := l.Source.ChangeStream(ctx, l.Collection)
	if err != nil {
		obs.ForCollection(l.Collection).Warn().Err(err).Msg("changeStream subscribe failed; going offline")
		l.setState(StateOffline)
		return
	}
	defer cancel()
	l.offlineAttempt = 0

	for {
		select {
		case <-ctx.Done():
			return
		case summary, ok := <-changes:
			if !ok {
				l.setState(StateOffline)
				return
			}
			if err := l.drainOnce(ctx, summary); err != nil {
				obs.ForCollection(l.Collection).Warn().Err(err).Msg("reconciliation failed; going offline")
				l.setState(StateOffline)
				return
			}
			if l.State() != StateStreaming {
				return
			}
		}
	}
}

// drainOnce fetches everything newer than the current checkpoint and
// folds it into the local CRDT doc and optimistic store (§4.9). Ordering
// guarantee: pullChanges already orders by (timestamp ASC, version ASC);
// the engine applies in that order and never reorders a batch.
func (l *Loop) drainOnce(ctx context.Context, _ model.ChangeSummary) error {
	for {
		cp, err := l.Checkpoint.Load(l.Collection)
		if err != nil {
			return err
		}

		res, err := l.Source.PullChanges(ctx, l.Collection, cp, 0)
		if err != nil {
			return err
		}
		if len(res.Changes) == 0 {
			return nil
		}

		before, err := l.Docs.Materialize(l.Collection)
		if err != nil {
			return err
		}

		for _, d := range res.Changes {
			var applyErr error
			if d.IsTombstone() {
				applyErr = l.applyTombstone(d)
			} else {
				applyErr = l.Docs.Apply(l.Collection, d.CRDTBytes)
			}
			if applyErr != nil {
				return applyErr
			}
		}

		after, err := l.Docs.Materialize(l.Collection)
		if err != nil {
			return err
		}
		if err := l.reconcile(before, after); err != nil {
			return err
		}

		if err := l.Checkpoint.Save(l.Collection, res.Checkpoint); err != nil {
			return err
		}
		if !res.HasMore {
			return nil
		}
	}
}

// applyTombstone folds a delete delta into the local doc. A tombstone
// delta carries no CRDTBytes by construction (model.DeltaEvent.IsTombstone),
// so the update frame is built directly rather than decoded from the wire.
func (l *Loop) applyTombstone(d model.DeltaEvent) error {
	upd, err := codec.EncodeUpdate(crdt.Update{
		DocumentID: d.DocumentID,
		Version:    d.Version,
		Timestamp:  d.Timestamp,
		Tombstone:  true,
	})
	if err != nil {
		return err
	}
	return l.Docs.Apply(l.Collection, upd)
}

// reconcile computes which documents changed between two materializations
// and pushes those into the optimistic store via insert/update/delete,
// never truncate (§4.9) — truncate is reserved for snapshot recovery's
// Replace. These deltas already came from the backend, so only the local
// store is staged; ReconcileRemote never re-submits a dual write.
func (l *Loop) reconcile(before, after map[string]map[string]any) error {
	var inserts, updates, deletes []optimistic.Item

	for id, fields := range after {
		if _, existed := before[id]; existed {
			updates = append(updates, optimistic.Item{ID: id, Fields: fields})
		} else {
			inserts = append(inserts, optimistic.Item{ID: id, Fields: fields})
		}
	}
	for id := range before {
		if _, stillThere := after[id]; !stillThere {
			deletes = append(deletes, optimistic.Item{ID: id})
		}
	}

	if len(inserts) == 0 && len(updates) == 0 && len(deletes) == 0 {
		return nil
	}
	return l.Writer.ReconcileRemote(inserts, updates, deletes)
}
