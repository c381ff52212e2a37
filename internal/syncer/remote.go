// Package syncer exchanges oplog segments with a remote backend to achieve
// eventual convergence across devices: push local entries past a high-water
// mark, pull the remote tail behind a resumable cursor, replay what arrives.
package syncer

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/oplog"
)

// Remote is the contract between the sync engine and any external log store.
//
// Push persists entries under their own IDs with insert-ignore semantics, so
// re-pushing after a crash is harmless. Pull returns everything strictly
// after cursor in a stable, resumable order plus the cursor for the next
// call; the empty cursor means "from the beginning", and pulling twice with
// the same cursor returns the same entries.
type Remote interface {
	Push(ctx context.Context, entries []oplog.Entry) error
	Pull(ctx context.Context, cursor string) ([]oplog.Entry, string, error)
	Close() error
}
