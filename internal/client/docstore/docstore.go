// Package docstore implements the client-side CRDT document store
// (SPEC_FULL §4.7): one persistent internal/crdt.Doc per collection,
// hydrated from a bbolt-backed local database on open and flushed back
// to it on every mutation. Grounded on the spec's crdt:<collection>
// local-storage key and internal/codec's snapshot framing, which is the
// encoding persisted to disk here.
package docstore

import (
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/Dancode-188/replicate/internal/codec"
	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

var bucketName = []byte("documents")

// Store holds one in-memory crdt.Doc per collection, backed by a shared
// bbolt file for persistence across process restarts.
type Store struct {
	db *bolt.DB

	mu   sync.Mutex
	docs map[string]*crdt.Doc
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, syncerr.LocalStoreError("open", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, syncerr.LocalStoreError("open", path, err)
	}
	return &Store{db: db, docs: make(map[string]*crdt.Doc)}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Doc returns the in-process document for collection, hydrating it from
// disk on first access. The store is the authoritative local view (§4.7):
// callers should not cache the returned pointer across a Replace call.
func (s *Store) Doc(collection string) (*crdt.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docLocked(collection)
}

func (s *Store) docLocked(collection string) (*crdt.Doc, error) {
	if d, ok := s.docs[collection]; ok {
		return d, nil
	}

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(collection))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.LocalStoreError("get", collection, err)
	}

	var doc *crdt.Doc
	if raw == nil {
		doc = crdt.New()
	} else {
		doc, err = codec.DecodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
	}
	s.docs[collection] = doc
	return doc, nil
}

// Apply decodes bytes produced by codec.EncodeUpdate and applies them to
// collection's document, then flushes the updated state to disk.
func (s *Store) Apply(collection string, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.docLocked(collection)
	if err != nil {
		return err
	}
	if err := codec.ApplyUpdate(doc, update); err != nil {
		return err
	}
	return s.flushLocked(collection, doc)
}

// SnapshotTo discards collection's current document and replaces it with
// the one encoded in snapshotBytes — used by snapshot recovery (§4.8),
// which destroys the local CRDT doc before applying the fetched snapshot.
func (s *Store) SnapshotTo(collection string, snapshotBytes []byte) error {
	doc, err := codec.DecodeSnapshot(snapshotBytes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[collection] = doc
	return s.flushLocked(collection, doc)
}

// Materialize derives collection's current record set, excluding
// tombstoned ids.
func (s *Store) Materialize(collection string) (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.docLocked(collection)
	if err != nil {
		return nil, err
	}
	return doc.Materialize(), nil
}

func (s *Store) flushLocked(collection string, doc *crdt.Doc) error {
	raw, err := codec.EncodeSnapshot(doc)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(collection), raw)
	})
	if err != nil {
		return syncerr.LocalStoreError("set", collection, err)
	}
	return nil
}
