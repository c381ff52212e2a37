// Package ident mints the time-ordered identifiers used for both task IDs
// and oplog entry IDs. IDs are UUIDv7: the leading 48 bits carry Unix
// milliseconds, so lexical order approximates temporal order and the oplog's
// (timestamp, id) sort stays total even within one millisecond.
package ident

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Generator mints IDs that are strictly increasing for this process.
// uuid.NewV7 is already monotonic within a process; the guard exists so a
// clock step backwards can never hand out an out-of-order ID.
type Generator struct {
	mu   sync.Mutex
	last string
}

// Next returns a fresh ID strictly greater than any previously returned
// by this generator.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		u, err := uuid.NewV7()
		if err != nil {
			// Only possible if the random source fails.
			log.Warn().Err(err).Msg("uuidv7 generation failed, retrying")
			continue
		}
		s := u.String()
		if s > g.last {
			g.last = s
			return s
		}
	}
}

var defaultGenerator Generator

// New returns a fresh time-ordered ID from the process-wide generator.
func New() string {
	return defaultGenerator.Next()
}
