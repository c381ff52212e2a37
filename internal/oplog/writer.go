package oplog

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/ident"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// Writer stamps ops with fresh IDs and this device's identifier, then appends
// them to the local oplog. It never rewrites existing rows.
type Writer struct {
	deviceID string
	ids      ident.Generator
}

// NewWriter returns a writer stamping entries as originating from deviceID.
func NewWriter(deviceID string) *Writer {
	return &Writer{deviceID: deviceID}
}

// DeviceID returns the origin device this writer stamps onto entries.
func (w *Writer) DeviceID() string {
	return w.deviceID
}

// Stamp turns an op into a full entry. ts overrides the timestamp for
// deterministic tests; empty means now (UTC, millisecond precision).
func (w *Writer) Stamp(op Op, ts string) Entry {
	if ts == "" {
		ts = ident.Now()
	}
	return Entry{
		ID:        w.ids.Next(),
		TaskID:    op.TaskID,
		DeviceID:  w.deviceID,
		Type:      op.Type,
		Field:     nilIfEmpty(op.Field),
		Value:     op.Value,
		Timestamp: ts,
	}
}

// Append stamps op and persists it within the caller's transaction.
func (w *Writer) Append(ctx context.Context, q storage.DBTX, op Op, ts string) (Entry, error) {
	e := w.Stamp(op, ts)
	if _, err := InsertIgnore(ctx, q, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
