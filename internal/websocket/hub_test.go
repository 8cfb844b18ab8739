package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Dancode-188/replicate/internal/auth"
	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/protocol"
	"github.com/Dancode-188/replicate/internal/security"
	"github.com/Dancode-188/replicate/internal/storage"
)

// fakeStore is a minimal in-memory storage.Store exercising only the
// subset Hub calls: Insert/Update/Delete/PullChanges. ChangeStream
// returns a channel the test can leave unused.
type fakeStore struct {
	mu       sync.Mutex
	versions map[string]int64
	docs     map[string]map[string]any
}

var _ storage.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{versions: make(map[string]int64), docs: make(map[string]map[string]any)}
}

func (f *fakeStore) Connect(context.Context) error             { return nil }
func (f *fakeStore) Disconnect(context.Context) error          { return nil }
func (f *fakeStore) IsConnected() bool                         { return true }
func (f *fakeStore) HealthCheck(context.Context) (bool, error) { return true, nil }

func (f *fakeStore) Insert(ctx context.Context, collection string, in storage.MutationInput) (*model.DeltaEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[in.DocumentID] = in.Version
	f.docs[in.DocumentID] = in.Materialized
	return &model.DeltaEvent{DocumentID: in.DocumentID, Collection: collection, Version: in.Version, Timestamp: model.Now(), CRDTBytes: in.CRDTBytes}, nil
}

func (f *fakeStore) Update(ctx context.Context, collection string, in storage.MutationInput) (*model.DeltaEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[in.DocumentID] = in.Version
	f.docs[in.DocumentID] = in.Materialized
	return &model.DeltaEvent{DocumentID: in.DocumentID, Collection: collection, Version: in.Version, Timestamp: model.Now(), CRDTBytes: in.CRDTBytes}, nil
}

func (f *fakeStore) Delete(ctx context.Context, collection, documentID string) (*model.DeltaEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.versions[documentID] + 1
	f.versions[documentID] = v
	delete(f.docs, documentID)
	return &model.DeltaEvent{DocumentID: documentID, Collection: collection, Version: v, Timestamp: model.Now()}, nil
}

func (f *fakeStore) PullChanges(context.Context, string, model.Checkpoint, int) (*model.PullResult, error) {
	return &model.PullResult{}, nil
}

func (f *fakeStore) Stream(context.Context, string, model.Checkpoint, int, string, bool) (*model.PullResult, error) {
	return &model.PullResult{}, nil
}

func (f *fakeStore) ChangeStream(context.Context, string) (<-chan model.ChangeSummary, func(), error) {
	ch := make(chan model.ChangeSummary)
	return ch, func() {}, nil
}

func (f *fakeStore) DeltasUpTo(context.Context, string, int64) ([]model.DeltaEvent, error) {
	return nil, nil
}
func (f *fakeStore) DeleteDeltasUpTo(context.Context, string, int64) (int, error)    { return 0, nil }
func (f *fakeStore) SaveSnapshot(context.Context, model.Snapshot) error              { return nil }
func (f *fakeStore) LatestSnapshot(context.Context, string) (*model.Snapshot, error) { return nil, nil }
func (f *fakeStore) ListSnapshots(context.Context, string) ([]model.Snapshot, error) { return nil, nil }
func (f *fakeStore) DeleteSnapshotsOlderThan(context.Context, string, int64, int) (int, error) {
	return 0, nil
}

func authedConn(id string) *Connection {
	c := NewConnection(id, nil, nil)
	c.Authenticated = true
	c.TokenPayload = &auth.TokenPayload{
		UserID: "u1",
		Permissions: auth.CollectionPermissions{
			CanRead:  []string{"*"},
			CanWrite: []string{"*"},
		},
	}
	return c
}

func TestApplyMutation_InsertThenUpdateAssignsIncreasingVersions(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)

	err := h.applyMutation("sender", "todos", "doc-1", map[string]interface{}{"text": "hi"}, false, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, int64(1), store.versions["doc-1"])

	err = h.applyMutation("sender", "todos", "doc-1", map[string]interface{}{"text": "updated"}, false, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, int64(2), store.versions["doc-1"])

	doc := h.collectionDoc("todos")
	mat := doc.Materialize()
	require.Equal(t, "updated", mat["doc-1"]["text"])
}

func TestApplyMutation_MissingDocumentIDErrors(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)

	err := h.applyMutation("sender", "todos", "", map[string]interface{}{"text": "hi"}, false, "127.0.0.1")
	require.Error(t, err)
}

func TestApplyMutation_DeleteTombstonesDoc(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)

	require.NoError(t, h.applyMutation("sender", "todos", "doc-1", map[string]interface{}{"text": "hi"}, false, "127.0.0.1"))
	require.NoError(t, h.applyMutation("sender", "todos", "doc-1", nil, true, "127.0.0.1"))

	doc := h.collectionDoc("todos")
	mat := doc.Materialize()
	_, exists := mat["doc-1"]
	require.False(t, exists)
}

func TestApplyMutation_DocumentLimitExceededRejectsInsert(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)
	h.SecurityManager = security.NewSecurityManager()
	defer h.SecurityManager.Dispose()

	for i := 0; i < security.SecurityLimits.MaxDocsPerIP; i++ {
		h.SecurityManager.DocumentLimiter.RecordDocument("1.2.3.4")
	}

	err := h.applyMutation("sender", "todos", "doc-over-limit", map[string]interface{}{"text": "hi"}, false, "1.2.3.4")
	require.Error(t, err)
	_, exists := store.versions["doc-over-limit"]
	require.False(t, exists)
}

func TestHandleSubscribe_RequiresAuthentication(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)
	conn := NewConnection("c1", nil, h)

	h.handleSubscribe(conn, &protocol.Message{Payload: map[string]interface{}{"collection": "todos"}})

	require.Len(t, conn.send, 1)
}

func TestHandleSubscribe_RegistersSubscriberAndStartsListener(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)
	conn := authedConn("c1")
	conn.hub = h

	h.handleSubscribe(conn, &protocol.Message{ID: "m1", Payload: map[string]interface{}{"collection": "todos"}})

	h.mu.RLock()
	_, subscribed := h.subscribers["todos"][conn.ID]
	h.mu.RUnlock()
	require.True(t, subscribed)

	h.listenerMu.Lock()
	_, hasListener := h.listeners["todos"]
	h.listenerMu.Unlock()
	require.True(t, hasListener)

	h.Stop()
}

func TestBroadcastDelta_SkipsSender(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)

	sender := authedConn("sender")
	other := authedConn("other")
	h.subscribers["todos"] = map[string]bool{"sender": true, "other": true}
	h.connections["sender"] = sender
	h.connections["other"] = other

	h.broadcastDelta("todos", "doc-1", map[string]interface{}{"text": "hi"}, false, "sender")

	require.Len(t, sender.send, 0)
	require.Len(t, other.send, 1)
}

func TestGenerateID_ProducesDistinctHexIDs(t *testing.T) {
	a := generateID()
	b := generateID()
	require.NotEqual(t, a, b)
	require.Len(t, a, 32)
}

func TestHub_RegisterAndUnregisterRemovesConnection(t *testing.T) {
	store := newFakeStore()
	h := NewHub("secret", store, nil)
	go h.Run()
	defer h.Stop()

	conn := NewConnection("c1", nil, h)
	conn.send = make(chan []byte, 1)
	h.Register <- conn
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.connections["c1"]
		return ok
	}, time.Second, 10*time.Millisecond)

	h.Unregister <- conn
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.connections["c1"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
