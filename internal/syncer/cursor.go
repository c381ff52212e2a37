package syncer

import (
	"encoding/base64"
	"strconv"
)

// Remote cursors are opaque to the engine: it stores whatever Pull returns
// and hands it back on the next call. The built-in remotes all encode a
// rowid/sequence position as base64("<n>") so cursors survive being stored
// as meta strings and pasted through HTTP query params.

// EncodeCursor renders a sequence position as an opaque cursor token.
// Position 0 (the beginning) encodes as the empty string.
func EncodeCursor(pos int64) string {
	if pos == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(pos, 10)))
}

// DecodeCursor parses a cursor token back into a sequence position. Empty or
// malformed tokens decode to 0, restarting from the beginning; pulling is
// idempotent so a restart is safe, just wasteful.
func DecodeCursor(s string) int64 {
	if s == "" {
		return 0
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
