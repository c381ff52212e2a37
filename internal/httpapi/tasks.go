package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/taskmesh/taskmesh/internal/repo"
	"github.com/taskmesh/taskmesh/internal/service"
	"github.com/taskmesh/taskmesh/internal/task"
)

// ambiguousResp surfaces an ambiguous short ID with its candidates.
type ambiguousResp struct {
	Error   string   `json:"error"`
	Prefix  string   `json:"prefix"`
	Matches []string `json:"matches"`
}

// respondRepoErr translates repository errors into HTTP responses, returning
// true when the error was handled.
func respondRepoErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	var ambiguous *repo.AmbiguousPrefixError
	if errors.As(err, &ambiguous) {
		writeJSON(w, http.StatusConflict, ambiguousResp{
			Error:   "ambiguous prefix",
			Prefix:  ambiguous.Prefix,
			Matches: ambiguous.Matches,
		})
		return true
	}
	log.Error().Err(err).Msg("task operation failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
	return true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.Filter{
		Status:     task.Status(q.Get("status")),
		Priority:   task.Priority(q.Get("priority")),
		Label:      q.Get("label"),
		Owner:      q.Get("owner"),
		Search:     q.Get("search"),
		Actionable: q.Get("actionable") == "true",
		Sort:       q.Get("sort"),
		Limit:      parseLimit(q.Get("limit"), 0, 1000),
	}

	tasks, err := s.Svc.List(r.Context(), f)
	if respondRepoErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if respondRepoErr(w, err) {
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// dueAtLayout is the naive wall-clock shape due_at values must carry.
const dueAtLayout = "2006-01-02T15:04:05"

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in service.AddInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if in.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if in.Status != "" && !in.Status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if in.Priority != "" && !in.Priority.Valid() {
		http.Error(w, "invalid priority", http.StatusBadRequest)
		return
	}
	if in.DueAt != nil {
		if _, err := time.Parse(dueAtLayout, *in.DueAt); err != nil {
			http.Error(w, "invalid due_at", http.StatusBadRequest)
			return
		}
	}

	t, err := s.Svc.Add(r.Context(), in, "")
	if respondRepoErr(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// updateReq carries a partial update. Scalar fields arrive as JSON strings
// or null; composite fields (labels, blocked_by, metadata) as their JSON
// shapes. An optional note is appended in the same transaction.
type updateReq struct {
	Fields map[string]json.RawMessage `json:"fields"`
	Note   string                     `json:"note,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	fields := make(map[string]*string, len(req.Fields))
	for name, raw := range req.Fields {
		v := encodeFieldValue(raw)
		if err := validateField(name, v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fields[name] = v
	}

	var t *task.Task
	var err error
	if req.Note != "" {
		t, err = s.Svc.UpdateWithNote(r.Context(), chi.URLParam(r, "id"), fields, req.Note, "")
	} else {
		t, err = s.Svc.Update(r.Context(), chi.URLParam(r, "id"), fields, "")
	}
	if respondRepoErr(w, err) {
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// validateField rejects field names and values the service contract leaves
// to the caller. Everything passing here would also apply cleanly during
// replay; nothing invalid becomes a permanent oplog entry.
func validateField(name string, value *string) error {
	switch name {
	case task.FieldTitle:
		if value == nil {
			return errors.New("title cannot be null")
		}
	case task.FieldStatus:
		if value == nil || !task.Status(*value).Valid() {
			return errors.New("invalid status")
		}
	case task.FieldPriority:
		if value == nil || !task.Priority(*value).Valid() {
			return errors.New("invalid priority")
		}
	case task.FieldOwner:
		// Nullable free-form string.
	case task.FieldDueAt:
		if value != nil {
			if _, err := time.Parse(dueAtLayout, *value); err != nil {
				return errors.New("invalid due_at")
			}
		}
	case task.FieldLabels, task.FieldBlockedBy:
		var vs []string
		if value == nil || json.Unmarshal([]byte(*value), &vs) != nil {
			return fmt.Errorf("%s must be an array of strings", name)
		}
	case task.FieldMetadata:
		var m map[string]string
		if value == nil || json.Unmarshal([]byte(*value), &m) != nil {
			return errors.New("metadata must be an object of strings")
		}
	default:
		return fmt.Errorf("unknown field %q", name)
	}
	return nil
}

// encodeFieldValue maps a JSON field value onto the oplog value encoding:
// null becomes nil (clear), strings are unwrapped to their raw value, and
// composite values stay as JSON text.
func encodeFieldValue(raw json.RawMessage) *string {
	if string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	v := string(raw)
	return &v
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	present, err := s.Svc.Delete(r.Context(), chi.URLParam(r, "id"), "")
	if respondRepoErr(w, err) {
		return
	}
	if !present {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type noteReq struct {
	Note string `json:"note"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req noteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	t, err := s.Svc.AddNote(r.Context(), chi.URLParam(r, "id"), req.Note, "")
	if respondRepoErr(w, err) {
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type replaceNotesReq struct {
	Notes []string `json:"notes"`
}

func (s *Server) handleReplaceNotes(w http.ResponseWriter, r *http.Request) {
	var req replaceNotesReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	t, err := s.Svc.ReplaceNotes(r.Context(), chi.URLParam(r, "id"), req.Notes, "")
	if respondRepoErr(w, err) {
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleClearNotes(w http.ResponseWriter, r *http.Request) {
	t, err := s.Svc.ClearNotes(r.Context(), chi.URLParam(r, "id"), "")
	if respondRepoErr(w, err) {
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
