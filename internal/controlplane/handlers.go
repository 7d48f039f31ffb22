package controlplane

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/journal"
)

const maxIngestBodyBytes = 4 << 20 // 4 MiB

// handleIngest implements POST /v1/events/ingest (spec §4.6): validate,
// decode, and atomically append a bundle, then fold it into the graph
// projection so readers see it without waiting on the next poll cycle.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}
	if len(body) > maxIngestBodyBytes {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if err := validateBundleDoc(doc); err != nil {
		writeError(w, http.StatusBadRequest, "bundle failed validation: "+err.Error())
		return
	}

	var bundle journal.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		writeError(w, http.StatusBadRequest, "cannot decode bundle: "+err.Error())
		return
	}

	result, err := s.store.Append(r.Context(), bundle)
	if err != nil {
		s.logger.Error("bundle append failed", zap.String("bundleId", bundle.BundleID), zap.Error(err))
		writeError(w, statusForError(err), err.Error())
		return
	}

	for _, e := range bundle.Events {
		s.graph.Apply(e)
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"firstSequence": result.FirstSequence,
		"lastSequence":  result.LastSequence,
		"tipHash":       result.TipHash,
	})
}

func (s *Server) handleGraphSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.graph.Summary())
}

func (s *Server) handleAttemptByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.graph.Attempt(id)
	if !ok {
		writeError(w, http.StatusNotFound, "attempt not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAttemptsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("target")
	limit := queryInt(q, "limit", 0)
	writeJSON(w, http.StatusOK, s.graph.Attempts(target, limit))
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("target")
	limit := queryInt(q, "limit", 0)
	writeJSON(w, http.StatusOK, s.graph.RecentFailures(target, limit))
}

// handleInvalidateAttempt implements POST /v1/attempts/{id}/invalidate
// (spec §4.6, §8): appends an attempt.invalidated event through the
// journal so the invalidation itself is part of the auditable history,
// and is a no-op if the attempt is already invalidated.
func (s *Server) handleInvalidateAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	already, found := s.graph.InvalidateAttempt(id)
	if !found {
		writeError(w, http.StatusNotFound, "attempt not found: "+id)
		return
	}
	if already {
		writeJSON(w, http.StatusOK, map[string]interface{}{"attemptId": id, "invalidated": true, "alreadyInvalidated": true})
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req) // reason is optional; a malformed body is not fatal
	}

	view, _ := s.graph.Attempt(id)
	payload := map[string]interface{}{"attemptId": id, "targetId": view.Attempt.TargetID}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	bundle := journal.Bundle{
		Target:   view.Attempt.TargetID,
		BundleID: "invalidate-" + id,
		Events: []journal.Event{{
			EventID:   "invalidate-" + id,
			EventType: journal.EventAttemptInvalidated,
			Timestamp: time.Now().UTC(),
			ActorID:   "controlplane:invalidate",
			Payload:   payload,
		}},
	}
	if _, err := s.store.Append(r.Context(), bundle); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.graph.Apply(bundle.Events[0])

	writeJSON(w, http.StatusOK, map[string]interface{}{"attemptId": id, "invalidated": true, "alreadyInvalidated": false})
}

func (s *Server) handleAutonomyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.autonomy.Status())
}
