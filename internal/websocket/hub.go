package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Dancode-188/replicate/internal/auth"
	"github.com/Dancode-188/replicate/internal/bus"
	"github.com/Dancode-188/replicate/internal/codec"
	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/obs"
	"github.com/Dancode-188/replicate/internal/protocol"
	"github.com/Dancode-188/replicate/internal/security"
	"github.com/Dancode-188/replicate/internal/storage"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

var errMissingDocID = errors.New("missing docId")

// Hub maintains active connections and routes messages between clients
// and the backend store. One Hub serves every collection; subscriptions
// are scoped per collection, mirroring the teacher's per-document
// subscriber map.
type Hub struct {
	jwtSecret string
	store     storage.Store
	bus       *bus.Bus // optional; nil when running without Redis fan-out

	// SecurityManager is optional; when set, DELTA/DELTA_BATCH inserts are
	// checked against DocumentLimiter before being accepted.
	SecurityManager *security.SecurityManager

	connections map[string]*Connection
	mu          sync.RWMutex

	// Collection subscribers: collection -> connectionId -> true
	subscribers map[string]map[string]bool

	// One in-process CRDT document per collection, kept in sync with
	// storage so SUBSCRIBE can answer with current state without a
	// round trip, and DELTA/DELTA_BATCH can fold in the resulting write.
	docs   map[string]*crdt.Doc
	docsMu sync.RWMutex

	// Cancel funcs for each collection's storage.ChangeStream listener,
	// started lazily on first subscriber.
	listeners  map[string]func()
	listenerMu sync.Mutex

	stopChan chan struct{}

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent
}

// MessageEvent represents a message from a connection
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// NewHub creates a new Hub backed by store. b may be nil, in which case
// cross-process fan-out relies solely on storage.ChangeStream.
func NewHub(jwtSecret string, store storage.Store, b *bus.Bus) *Hub {
	return &Hub{
		jwtSecret:     jwtSecret,
		store:         store,
		bus:           b,
		connections:   make(map[string]*Connection),
		subscribers:   make(map[string]map[string]bool),
		docs:          make(map[string]*crdt.Doc),
		listeners:     make(map[string]func()),
		stopChan:      make(chan struct{}),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
	}
}

// Run starts the hub's dispatch loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopChan:
			return

		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				for collection := range conn.Subscriptions {
					if subs, exists := h.subscribers[collection]; exists {
						delete(subs, conn.ID)
						if len(subs) == 0 {
							delete(h.subscribers, collection)
							h.stopListener(collection)
						}
					}
				}
				delete(h.connections, conn.ID)
				close(conn.send)
			}
			h.mu.Unlock()

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

// Stop gracefully stops the hub and every collection listener it started.
func (h *Hub) Stop() {
	close(h.stopChan)
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	for collection, cancel := range h.listeners {
		cancel()
		delete(h.listeners, collection)
	}
}

// ensureListener starts a storage.ChangeStream listener for collection the
// first time it gains a subscriber, fanning each notification out to every
// subscribed connection as a sync_response checkpoint refresh.
func (h *Hub) ensureListener(collection string) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	if _, ok := h.listeners[collection]; ok {
		return
	}

	ch, cancel, err := h.store.ChangeStream(context.Background(), collection)
	if err != nil {
		obs.Log.Error().Err(err).Str("collection", collection).Msg("changeStream subscribe failed")
		return
	}
	h.listeners[collection] = cancel

	go func() {
		for summary := range ch {
			h.broadcastChangeSummary(collection, summary)
		}
	}()

	// Redis fan-out reaches subscribers on other server processes that
	// may not hold their own Postgres LISTEN connection for this
	// collection yet; best effort, errors are logged and ignored.
	if h.bus != nil {
		err := h.bus.SubscribeToChanges(context.Background(), collection, func(n bus.ChangeNotification) {
			h.broadcastChangeSummary(collection, model.ChangeSummary{Timestamp: n.Timestamp, Count: n.Count})
		})
		if err != nil {
			obs.Log.Warn().Err(err).Str("collection", collection).Msg("bus subscribe failed")
		}
	}
}

func (h *Hub) stopListener(collection string) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	if cancel, ok := h.listeners[collection]; ok {
		cancel()
		delete(h.listeners, collection)
	}
	if h.bus != nil {
		h.bus.UnsubscribeFromChanges(context.Background(), collection)
	}
}

func (h *Hub) broadcastChangeSummary(collection string, summary model.ChangeSummary) {
	h.mu.RLock()
	subs := h.subscribers[collection]
	h.mu.RUnlock()

	for connID := range subs {
		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()
		if conn == nil {
			continue
		}
		conn.SendMessage(protocol.TypeSyncResponse, map[string]interface{}{
			"type":       protocol.TypeSyncResponse,
			"id":         generateID(),
			"timestamp":  time.Now().UnixMilli(),
			"collection": collection,
			"checkpoint": summary.Timestamp,
			"count":      summary.Count,
		})
	}
}

func (h *Hub) collectionDoc(collection string) *crdt.Doc {
	h.docsMu.Lock()
	defer h.docsMu.Unlock()
	doc, ok := h.docs[collection]
	if !ok {
		doc = crdt.New()
		h.docs[collection] = doc
	}
	return doc
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, map[string]interface{}{
			"type":      protocol.TypePong,
			"id":        msg.ID,
			"timestamp": time.Now().UnixMilli(),
		})

	case protocol.TypeAuth:
		h.handleAuth(conn, msg)

	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, msg)

	case protocol.TypeUnsubscribe:
		collection, ok := msg.Payload["collection"].(string)
		if !ok {
			conn.SendError("Missing collection", "INVALID_REQUEST")
			return
		}
		delete(conn.Subscriptions, collection)
		h.mu.Lock()
		if subs, exists := h.subscribers[collection]; exists {
			delete(subs, conn.ID)
			if len(subs) == 0 {
				delete(h.subscribers, collection)
				h.stopListener(collection)
			}
		}
		h.mu.Unlock()

	case protocol.TypeDelta:
		h.handleDelta(conn, msg)

	case protocol.TypeDeltaBatch:
		h.handleDeltaBatch(conn, msg)
	}
}

func (h *Hub) handleAuth(conn *Connection, msg *protocol.Message) {
	token, _ := msg.Payload["token"].(string)

	if token != "" {
		decoded, err := auth.VerifyToken(token, h.jwtSecret)
		if err != nil {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"type":      protocol.TypeAuthError,
				"id":        msg.ID,
				"timestamp": time.Now().UnixMilli(),
				"error":     "Invalid or expired token",
				"code":      "INVALID_TOKEN",
			})
			return
		}
		conn.Authenticated = true
		conn.UserID = decoded.UserID
		conn.TokenPayload = decoded
	} else {
		authRequired := os.Getenv("REPLICATE_AUTH_REQUIRED") != "false"
		if authRequired {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"type":      protocol.TypeAuthError,
				"id":        msg.ID,
				"timestamp": time.Now().UnixMilli(),
				"error":     "Authentication required",
				"code":      "AUTH_REQUIRED",
			})
			return
		}
		conn.Authenticated = true
		if userID, ok := msg.Payload["userId"].(string); ok {
			conn.UserID = userID
		} else {
			conn.UserID = "anonymous"
		}
		conn.TokenPayload = &auth.TokenPayload{
			UserID: conn.UserID,
			Permissions: auth.CollectionPermissions{
				CanRead:  []string{"*"},
				CanWrite: []string{"*"},
				IsAdmin:  false,
			},
		}
	}

	if clientID, ok := msg.Payload["clientId"].(string); ok {
		conn.ClientID = clientID
	} else {
		conn.ClientID = generateID()
	}

	conn.SendMessage(protocol.TypeAuthSuccess, map[string]interface{}{
		"type":      protocol.TypeAuthSuccess,
		"id":        msg.ID,
		"timestamp": time.Now().UnixMilli(),
		"userId":    conn.UserID,
		"permissions": map[string]interface{}{
			"canRead":  conn.TokenPayload.Permissions.CanRead,
			"canWrite": conn.TokenPayload.Permissions.CanWrite,
			"isAdmin":  conn.TokenPayload.Permissions.IsAdmin,
		},
	})
}

func (h *Hub) handleSubscribe(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	if valid, errMsg := security.ValidateDocumentID(collection); !valid {
		conn.SendError(errMsg, "INVALID_COLLECTION")
		return
	}
	if !auth.CanReadCollection(conn.TokenPayload, collection) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}

	conn.Subscriptions[collection] = true
	h.mu.Lock()
	if _, exists := h.subscribers[collection]; !exists {
		h.subscribers[collection] = make(map[string]bool)
	}
	h.subscribers[collection][conn.ID] = true
	h.mu.Unlock()
	h.ensureListener(collection)

	checkpoint := model.Checkpoint{}
	if cp, ok := msg.Payload["checkpoint"].(float64); ok {
		checkpoint.LastModified = int64(cp)
	}

	result, err := h.store.PullChanges(context.Background(), collection, checkpoint, 0)
	if err != nil {
		conn.SendError("Failed to load collection state: "+err.Error(), "STORAGE_ERROR")
		return
	}

	doc := h.collectionDoc(collection)
	for _, delta := range result.Changes {
		if delta.DocumentID == "" {
			continue
		}
		if err := codec.ApplyUpdate(doc, delta.CRDTBytes); err != nil {
			obs.Log.Warn().Err(err).Str("collection", collection).Msg("skipping undecodable delta on subscribe")
		}
	}

	conn.SendMessage(protocol.TypeSyncResponse, map[string]interface{}{
		"type":       protocol.TypeSyncResponse,
		"id":         msg.ID,
		"timestamp":  time.Now().UnixMilli(),
		"collection": collection,
		"state":      doc.Materialize(),
		"checkpoint": result.Checkpoint.LastModified,
		"hasMore":    result.HasMore,
	})
}

func (h *Hub) handleDelta(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	if !auth.CanWriteCollection(conn.TokenPayload, collection) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}

	documentID, _ := msg.Payload["docId"].(string)
	changes, _ := msg.Payload["changes"].(map[string]interface{})
	deleted, _ := msg.Payload["deleted"].(bool)

	if err := h.applyMutation(conn.ID, collection, documentID, changes, deleted, conn.ClientIP); err != nil {
		h.sendStoreError(conn, msg.ID, err)
		return
	}

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"type":       protocol.TypeAck,
		"id":         msg.ID,
		"timestamp":  time.Now().UnixMilli(),
		"collection": collection,
	})
}

func (h *Hub) handleDeltaBatch(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	if !auth.CanWriteCollection(conn.TokenPayload, collection) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}

	deltas, ok := msg.Payload["deltas"].([]interface{})
	if !ok {
		conn.SendError("Invalid deltas", "INVALID_REQUEST")
		return
	}

	applied := 0
	for _, deltaRaw := range deltas {
		delta, ok := deltaRaw.(map[string]interface{})
		if !ok {
			continue
		}
		documentID, _ := delta["docId"].(string)
		changes, _ := delta["changes"].(map[string]interface{})
		deleted, _ := delta["deleted"].(bool)
		if err := h.applyMutation(conn.ID, collection, documentID, changes, deleted, conn.ClientIP); err != nil {
			h.sendStoreError(conn, msg.ID, err)
			return
		}
		applied++
	}

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"type":       protocol.TypeAck,
		"id":         msg.ID,
		"timestamp":  time.Now().UnixMilli(),
		"collection": collection,
		"count":      applied,
	})
}

// applyMutation persists one document change through storage.Store and
// folds the resulting delta into the in-process CRDT doc before
// broadcasting, so subscribers (including the sender's other
// connections) converge without waiting on the ChangeStream round trip.
//
// The next version is derived from the Hub's own in-process doc rather
// than trusted from the client, mirroring the server's authority over
// version assignment (§4.2): a document this process has never seen
// subscribed is treated as new (version 1), which is safe because
// mutateInsert/mutateUpdate both re-check existence against
// documents_current inside the same transaction and return
// AlreadyExists/VersionConflict on a stale guess.
func (h *Hub) applyMutation(senderConnID, collection, documentID string, changes map[string]interface{}, deleted bool, clientIP string) error {
	if documentID == "" {
		return syncerr.New(syncerr.KindLocalStoreError, collection, documentID, errMissingDocID)
	}

	ctx := context.Background()
	doc := h.collectionDoc(collection)
	currentVersion := doc.StateVector()[documentID]
	isInsert := !deleted && currentVersion == 0

	if isInsert && h.SecurityManager != nil {
		if ok, reason := h.SecurityManager.DocumentLimiter.CanCreateDocument(clientIP); !ok {
			return syncerr.DocumentLimitError(collection, reason)
		}
	}

	var event *model.DeltaEvent
	var err error
	if deleted {
		event, err = h.store.Delete(ctx, collection, documentID)
	} else {
		fields := make(map[string]any, len(changes))
		for k, v := range changes {
			fields[k] = v
		}
		nextVersion := currentVersion + 1
		crdtBytes, encErr := codec.EncodeUpdate(crdt.Update{
			DocumentID: documentID,
			Version:    nextVersion,
			Timestamp:  model.Now(),
			Fields:     fields,
		})
		if encErr != nil {
			return syncerr.CodecError("applyMutation", documentID, encErr)
		}
		in := storage.MutationInput{DocumentID: documentID, CRDTBytes: crdtBytes, Materialized: fields, Version: nextVersion}
		if isInsert {
			event, err = h.store.Insert(ctx, collection, in)
		} else {
			event, err = h.store.Update(ctx, collection, in)
		}
	}
	if err != nil {
		return err
	}

	if isInsert && h.SecurityManager != nil {
		h.SecurityManager.DocumentLimiter.RecordDocument(clientIP)
	}

	if deleted {
		doc.Apply(crdt.Update{DocumentID: documentID, Version: event.Version, Timestamp: event.Timestamp, Tombstone: true})
	} else if err := codec.ApplyUpdate(doc, event.CRDTBytes); err != nil {
		obs.Log.Warn().Err(err).Str("collection", collection).Msg("could not fold own write into in-process doc")
	}

	h.broadcastDelta(collection, documentID, changes, deleted, senderConnID)

	if h.bus != nil {
		n := bus.ChangeNotification{Collection: collection, Timestamp: event.Timestamp, Count: 1}
		if err := h.bus.PublishChange(context.Background(), n); err != nil {
			obs.Log.Warn().Err(err).Str("collection", collection).Msg("bus publish failed")
		}
	}
	return nil
}

func (h *Hub) sendStoreError(conn *Connection, msgID string, err error) {
	code := "STORAGE_ERROR"
	var se *syncerr.Error
	if errors.As(err, &se) {
		code = string(se.Kind)
	}
	conn.SendMessage(protocol.TypeError, map[string]interface{}{
		"type":      protocol.TypeError,
		"id":        msgID,
		"timestamp": time.Now().UnixMilli(),
		"error":     err.Error(),
		"code":      code,
	})
}

func (h *Hub) broadcastDelta(collection, documentID string, changes map[string]interface{}, deleted bool, senderID string) {
	h.mu.RLock()
	subs := h.subscribers[collection]
	h.mu.RUnlock()
	if subs == nil {
		return
	}

	payload := map[string]interface{}{
		"type":       protocol.TypeDelta,
		"id":         generateID(),
		"timestamp":  time.Now().UnixMilli(),
		"collection": collection,
		"docId":      documentID,
		"changes":    changes,
		"deleted":    deleted,
	}

	for connID := range subs {
		if connID == senderID {
			continue
		}
		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()
		if conn != nil {
			conn.SendMessage(protocol.TypeDelta, payload)
		}
	}
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
