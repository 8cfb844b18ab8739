// Package checkpoint implements the client-side checkpoint store
// (SPEC_FULL §4.6): a local persistent cursor into the server delta log,
// keyed per collection. Grounded on the teacher's local-storage shape
// (the SDK's checkpoint:<collection> key, spec.md §6) and on bbolt as
// the on-disk KV engine, the same library `cuemby-warren` reaches for
// (via raft-boltdb) for its own local persistent state.
package checkpoint

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/Dancode-188/replicate/internal/model"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

var bucketName = []byte("checkpoints")

// Store is a bbolt-backed checkpoint store, one bucket shared across
// every collection opened against the same local database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// checkpoints bucket exists.
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
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored checkpoint for collection, defaulting to
// {LastModified: 0} if none has been saved yet.
func (s *Store) Load(collection string) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(collection))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &cp)
	})
	if err != nil {
		return model.Checkpoint{}, syncerr.LocalStoreError("get", collection, err)
	}
	return cp, nil
}

// Save persists cp for collection, overwriting any prior value.
func (s *Store) Save(collection string, cp model.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return syncerr.LocalStoreError("set", collection, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(collection), raw)
	})
	if err != nil {
		return syncerr.LocalStoreError("set", collection, err)
	}
	return nil
}

// Clear removes any stored checkpoint for collection. A subsequent Load
// returns the zero checkpoint.
func (s *Store) Clear(collection string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(collection))
	})
	if err != nil {
		return syncerr.LocalStoreError("delete", collection, err)
	}
	return nil
}
