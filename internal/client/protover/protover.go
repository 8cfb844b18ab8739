// Package protover implements the client-side protocol-version
// coordinator (SPEC_FULL §4.11): a one-way ratchet that runs registered
// migrations forward when the server reports a newer protocol version,
// never backward. Grounded on the teacher's own "protocolVersion"
// endpoint (internal/server's /protocol-version route) and
// internal/retry's WithTimeout for the 5s-per-call budget spec.md names.
package protover

import (
	"context"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Dancode-188/replicate/internal/obs"
	"github.com/Dancode-188/replicate/internal/retry"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

var (
	bucketName = []byte("meta")
	versionKey = []byte("protocolVersion")
)

const callTimeout = 5 * time.Second

// Migration is one named, compile-time-registered upgrade step.
type Migration struct {
	Version int
	Name    string
	Run     func(ctx context.Context) error
}

// ServerVersion fetches the server-advertised protocol version, e.g. via
// a REST call to /protocol-version.
type ServerVersion func(ctx context.Context) (int, error)

// Coordinator persists the local protocol version in a bbolt-backed meta
// bucket and runs migrations forward to the server's on startup.
type Coordinator struct {
	db         *bolt.DB
	migrations []Migration
}

// Open opens (creating if absent) the bbolt file at path. migrations need
// not be sorted; Ensure sorts them by Version before running.
func Open(path string, migrations []Migration) (*Coordinator, error) {
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
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Coordinator{db: db, migrations: sorted}, nil
}

// Close releases the underlying bbolt file handle.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

func (c *Coordinator) localVersion() (int, error) {
	var v int
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(versionKey)
		if raw == nil {
			v = 1 // default, per spec.md §4.11
			return nil
		}
		v = int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
		return nil
	})
	if err != nil {
		return 0, syncerr.LocalStoreError("get", "protocolVersion", err)
	}
	return v, nil
}

func (c *Coordinator) setLocalVersion(v int) error {
	raw := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(versionKey, raw)
	})
	if err != nil {
		return syncerr.LocalStoreError("set", "protocolVersion", err)
	}
	return nil
}

// Ensure runs the startup protocol-version check (spec.md §4.11):
// fetches the server version, runs any migrations between local and
// server forward, persists the result. A failed forward migration is
// fatal; a server version behind the local one logs a warning and stores
// the server's value without running or undoing any migration.
func (c *Coordinator) Ensure(ctx context.Context, fetch ServerVersion) error {
	local, err := c.localVersion()
	if err != nil {
		return err
	}

	var server int
	err = retry.WithTimeout(ctx, callTimeout, "protocolVersionFetch", func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			return err
		}
		server = v
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case server == local:
		return nil
	case server < local:
		// No migrations are ever un-run; this only updates the bookkeeping
		// to match what the server last reported.
		obs.Log.Warn().Int("local", local).Int("server", server).Msg("server protocol version behind local")
		return c.setLocalVersion(server)
	default:
		for _, m := range c.migrations {
			if m.Version <= local || m.Version > server {
				continue
			}
			obs.Log.Info().Int("version", m.Version).Str("migration", m.Name).Msg("running protocol migration")
			if err := m.Run(ctx); err != nil {
				return syncerr.ProtocolMismatch("migration " + m.Name + " failed")
			}
		}
		return c.setLocalVersion(server)
	}
}
