package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Dancode-188/replicate/internal/syncerr"
)

// pgUniqueViolation is Postgres error code 23505, raised by the
// documents_current primary key on insert races.
const pgUniqueViolation = "23505"

// ErrNotConnected is returned (wrapped into a DualStorageError by callers
// that need collection context) when an operation runs before Connect.
var ErrNotConnected = errors.New("storage: not connected")

// translateErr maps a raw pgx/driver error into the engine's tagged
// taxonomy. Grounded on the teacher's QueryError/ConnectionError wrapping
// in internal/storage/errors.go, generalized onto syncerr.Kind instead of
// a parallel Go error-type hierarchy.
func translateErr(collection, documentID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return syncerr.NotFound(collection, documentID)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return syncerr.AlreadyExists(collection, documentID)
	}
	return syncerr.DualStorageError(collection, err)
}
