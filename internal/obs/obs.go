// Package obs centralizes structured logging for the engine. Every
// state-machine transition, dual-write, and compaction run logs through
// here with a consistent set of fields instead of ad hoc log.Printf
// calls.
package obs

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Replaced wholesale by Configure;
// callers should not cache it across a Configure call.
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Configure rebuilds Log from the given level and destination. Pass nil
// for w to keep stderr.
func Configure(level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	Log = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// ForCollection returns a logger pre-tagged with the collection name, the
// field every engine event carries per SPEC_FULL §2.
func ForCollection(collection string) zerolog.Logger {
	return Log.With().Str("collection", collection).Logger()
}
