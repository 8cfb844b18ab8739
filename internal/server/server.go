// Package server exposes the replication engine's REST and WebSocket
// surface (SPEC_FULL §4, "Server-exposed operations"). Grounded on the
// teacher's internal/server/server.go: same CORS/origin-check shape,
// same connection-limited upgrade path, generalized from a single
// hardcoded route set to one route family per collection operation.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Dancode-188/replicate/internal/bus"
	"github.com/Dancode-188/replicate/internal/codec"
	"github.com/Dancode-188/replicate/internal/compaction"
	"github.com/Dancode-188/replicate/internal/config"
	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/obs"
	"github.com/Dancode-188/replicate/internal/security"
	"github.com/Dancode-188/replicate/internal/storage"
	"github.com/Dancode-188/replicate/internal/syncerr"
	"github.com/Dancode-188/replicate/internal/websocket"
	gorilla "github.com/gorilla/websocket"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		env := os.Getenv("ENVIRONMENT")
		if env != "production" {
			return true
		}
		allowed := os.Getenv("CORS_ORIGINS")
		if allowed == "" || allowed == "*" {
			return true
		}
		for _, o := range strings.Split(allowed, ",") {
			if strings.TrimSpace(o) == origin {
				return true
			}
		}
		return false
	},
}

// Server represents the HTTP + WebSocket server.
type Server struct {
	config          *config.Config
	store           storage.Store
	hub             *websocket.Hub
	server          *http.Server
	securityManager *security.SecurityManager
}

// New creates a new server backed by store. b may be nil to run without
// cross-process Redis fan-out.
func New(cfg *config.Config, store storage.Store, b *bus.Bus) *Server {
	sm := security.NewSecurityManager()
	hub := websocket.NewHub(cfg.JWTSecret, store, b)
	hub.SecurityManager = sm
	go hub.Run()

	return &Server{
		config:          cfg,
		store:           store,
		hub:             hub,
		securityManager: sm,
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/protocol-version", s.handleProtocolVersion)
	mux.HandleFunc("/collections/", s.handleCollections)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "replicate",
		"description": "event-sourced replication engine",
		"endpoints": map[string]string{
			"health":          "/health",
			"ws":              "/ws",
			"protocolVersion": "/protocol-version",
			"collections":     "/collections/{name}/...",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, err := s.store.HealthCheck(r.Context())
	status := http.StatusOK
	if err != nil || !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    healthString(ok && err == nil),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func healthString(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func (s *Server) handleProtocolVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"protocolVersion": s.config.ProtocolVersion})
}

// handleCollections routes every /collections/{name}/{op}[/{docId}] request.
// Kept as one handler (rather than a router dependency) to stay close to
// the teacher's hand-rolled mux usage.
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/collections/"), "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	collection, op := parts[0], parts[1]
	if valid, msg := security.ValidateDocumentID(collection); !valid {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": msg})
		return
	}

	switch op {
	case "documents":
		s.handleDocuments(w, r, collection, parts[2:])
	case "pull":
		s.handlePullChanges(w, r, collection)
	case "tasks":
		s.handleGetTasks(w, r, collection)
	case "compact":
		s.handleCompact(w, r, collection)
	case "prune":
		s.handlePrune(w, r, collection)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, collection string, rest []string) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodPost:
		var body struct {
			DocumentID string         `json:"documentId"`
			Fields     map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid body"})
			return
		}
		clientIP := s.getClientIP(r)
		if ok, reason := s.securityManager.DocumentLimiter.CanCreateDocument(clientIP); !ok {
			writeStorageError(w, syncerr.DocumentLimitError(collection, reason))
			return
		}
		crdtBytes, err := codec.EncodeUpdate(crdt.Update{
			DocumentID: body.DocumentID,
			Version:    1,
			Timestamp:  model.Now(),
			Fields:     body.Fields,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "encode failed"})
			return
		}
		event, err := s.store.Insert(ctx, collection, storage.MutationInput{
			DocumentID:   body.DocumentID,
			CRDTBytes:    crdtBytes,
			Materialized: body.Fields,
			Version:      1,
		})
		if err == nil {
			s.securityManager.DocumentLimiter.RecordDocument(clientIP)
		}
		s.writeMutationResult(w, event, err)

	case http.MethodPut:
		if len(rest) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing documentId"})
			return
		}
		var body struct {
			Fields  map[string]any `json:"fields"`
			Version int64          `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid body"})
			return
		}
		crdtBytes, err := codec.EncodeUpdate(crdt.Update{
			DocumentID: rest[0],
			Version:    body.Version,
			Timestamp:  model.Now(),
			Fields:     body.Fields,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "encode failed"})
			return
		}
		event, err := s.store.Update(ctx, collection, storage.MutationInput{
			DocumentID:   rest[0],
			CRDTBytes:    crdtBytes,
			Materialized: body.Fields,
			Version:      body.Version,
		})
		s.writeMutationResult(w, event, err)

	case http.MethodDelete:
		if len(rest) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing documentId"})
			return
		}
		event, err := s.store.Delete(ctx, collection, rest[0])
		s.writeMutationResult(w, event, err)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeMutationResult(w http.ResponseWriter, event *model.DeltaEvent, err error) {
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documentId": event.DocumentID,
		"version":    event.Version,
		"timestamp":  event.Timestamp,
	})
}

func (s *Server) handlePullChanges(w http.ResponseWriter, r *http.Request, collection string) {
	checkpoint := model.Checkpoint{LastModified: queryInt64(r, "lastModified", 0)}
	limit := int(queryInt64(r, "limit", 0))

	result, err := s.store.PullChanges(r.Context(), collection, checkpoint, limit)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetTasks is the full-scan SSR hydration helper (spec §6): it
// folds the collection's full log into a CRDT doc and returns the
// materialized rows, the same shape a client's docstore would compute
// after catching up from checkpoint 0.
func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request, collection string) {
	ctx := r.Context()
	doc := crdt.New()

	if snap, err := s.store.LatestSnapshot(ctx, collection); err == nil && snap != nil {
		prior, err := codec.DecodeSnapshot(snap.SnapshotBytes)
		if err == nil {
			doc.Merge(prior)
		}
	}

	cp := model.Checkpoint{}
	for {
		result, err := s.store.PullChanges(ctx, collection, cp, 0)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		for _, delta := range result.Changes {
			if delta.DocumentID == "" {
				continue
			}
			if err := codec.ApplyUpdate(doc, delta.CRDTBytes); err != nil {
				obs.ForCollection(collection).Warn().Err(err).Msg("skipping undecodable delta in getTasks")
			}
		}
		cp = result.Checkpoint
		if !result.HasMore {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collection": collection,
		"tasks":      doc.Materialize(),
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request, collection string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c := &compaction.Compactor{Store: s.store, RetentionDays: s.config.CompactionRetentionDays, Collections: []string{collection}}
	if err := c.Run(r.Context()); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collection": collection, "compacted": true})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request, collection string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := &compaction.Pruner{Store: s.store, RetentionDays: s.config.PruningRetentionDays, Collections: []string{collection}}
	if err := p.Run(r.Context()); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collection": collection, "pruned": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := s.getClientIP(r)

	if !s.securityManager.ConnectionLimiter.CanConnect(clientIP) {
		obs.Log.Warn().Str("ip", clientIP).Msg("connection limit exceeded")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.securityManager.ConnectionLimiter.AddConnection(clientIP)

	conn := websocket.NewConnection(generateConnID(), ws, s.hub)
	conn.ClientIP = clientIP
	conn.SecurityManager = s.securityManager
	s.hub.Register <- conn

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for i, ch := range forwarded {
			if ch == ',' {
				return forwarded[:i]
			}
		}
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStorageError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "DualStorageError"
	var se *syncerr.Error
	if errors.As(err, &se) {
		kind = string(se.Kind)
		switch se.Kind {
		case syncerr.KindNotFound:
			status = http.StatusNotFound
		case syncerr.KindAlreadyExists, syncerr.KindVersionConflict:
			status = http.StatusConflict
		case syncerr.KindDocumentLimitError:
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error(), "kind": kind})
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
