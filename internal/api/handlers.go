package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/roborun/roborun/internal/model"
)

// maxRequestBodySize bounds incoming request bodies (4MB).
const maxRequestBodySize = 4 * 1024 * 1024

// defaultRunListLimit caps GET /runs when no limit is given.
const defaultRunListLimit = 100

// SubmitRunRequest is the body of POST /api/v1/runs.
type SubmitRunRequest struct {
	TargetType string            `json:"target_type"`
	TargetID   int64             `json:"target_id"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// LogsResponse is the body of GET /api/v1/runs/{id}/logs. NextSeq is the
// from value a poller passes on its next request.
type LogsResponse struct {
	Chunks  []model.LogChunk `json:"chunks"`
	NextSeq int64            `json:"next_seq"`
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", ErrInvalidInput, err)
	}
	if len(body) > maxRequestBodySize {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidInput, maxRequestBodySize)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id must be an integer", ErrInvalidInput)
	}
	return id, nil
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TargetType == "" {
		writeError(w, r, fmt.Errorf("%w: target_type is required", ErrInvalidInput))
		return
	}
	run, err := s.engine.Submit(r.Context(), req.TargetType, req.TargetID, req.Variables)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidInput))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	run, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: from must be a non-negative integer", ErrInvalidInput))
			return
		}
		from = n
	}
	chunks, err := s.engine.Tail(r.Context(), r.PathValue("id"), from)
	if err != nil {
		writeError(w, r, err)
		return
	}
	next := from
	if n := len(chunks); n > 0 {
		next = chunks[n-1].Seq + 1
	}
	if chunks == nil {
		chunks = []model.LogChunk{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Chunks: chunks, NextSeq: next})
}

func (s *Server) handleRunAttachments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Status(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	atts, err := s.store.Attachments(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if atts == nil {
		atts = []model.Attachment{}
	}
	writeJSON(w, http.StatusOK, atts)
}
