package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/oplog"
	"github.com/taskmesh/taskmesh/internal/syncer"
)

// pushReq is the request body for the push endpoint.
type pushReq struct {
	Entries []oplog.Entry `json:"entries"`
}

// pushResp acknowledges an accepted push batch.
type pushResp struct {
	Accepted int `json:"accepted"`
}

// pullResp is the response body for the pull endpoint.
type pullResp struct {
	Entries    []oplog.Entry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// handlePush accepts a batch of oplog entries and replays it into the
// server's store. Replay's insert-ignore makes re-delivery after a client
// crash harmless.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	err := s.Store.WithTx(r.Context(), func(tx *sql.Tx) error {
		return oplog.Replay(r.Context(), tx, req.Entries)
	})
	if err != nil {
		log.Error().Err(err).Int("count", len(req.Entries)).Msg("push replay failed")
		http.Error(w, "replay failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, pushResp{Accepted: len(req.Entries)})
}

// handlePull serves oplog entries with rowid past the client's cursor, in
// rowid order. The same cursor always yields the same entries.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	after := syncer.DecodeCursor(r.URL.Query().Get("cursor"))
	limit := parseLimit(r.URL.Query().Get("limit"), syncer.DefaultBatchSize, 5000)

	rows, err := s.Store.DB.QueryContext(r.Context(),
		`SELECT rowid, id, task_id, device_id, op_type, field, value, timestamp
		 FROM oplog WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		after, limit,
	)
	if err != nil {
		log.Error().Err(err).Msg("pull query failed")
		http.Error(w, "pull failed", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	entries := make([]oplog.Entry, 0, limit)
	last := after
	for rows.Next() {
		var rowid int64
		var e oplog.Entry
		var opType string
		if err := rows.Scan(&rowid, &e.ID, &e.TaskID, &e.DeviceID, &opType, &e.Field, &e.Value, &e.Timestamp); err != nil {
			log.Error().Err(err).Msg("pull scan failed")
			http.Error(w, "pull failed", http.StatusInternalServerError)
			return
		}
		e.Type = oplog.OpType(opType)
		entries = append(entries, e)
		last = rowid
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("pull iteration failed")
		http.Error(w, "pull failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, pullResp{
		Entries:    entries,
		NextCursor: syncer.EncodeCursor(last),
	})
}
