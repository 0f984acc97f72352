package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleNextTest hands one browser test out, or the empty dispatch when
// nothing is available. The legacy old= flag is accepted for older harness
// clients; dispatch does not depend on it.
func (s *Server) handleNextTest(w http.ResponseWriter, r *http.Request) {
	_ = r.URL.Query().Get("old")

	dispatch := s.NextBrowserTest()
	data, err := json.Marshal(dispatch)
	if err != nil {
		s.recordError("next-test", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleTestResult accepts a browser-posted result. The response is 200 even
// when the snapshot has since been retired; clients cannot act on a miss.
func (s *Server) handleTestResult(w http.ResponseWriter, r *http.Request) {
	var payload TestResultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.log.Warn().Err(err).Msg("malformed test-result body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if payload.SnapshotName == "" || len(payload.Test) == 0 {
		http.Error(w, "snapshotName and test are required", http.StatusBadRequest)
		return
	}

	s.HandleTestResult(payload)
	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// handleTestResultGet is the backward-compatible query-string variant older
// harness clients still send.
func (s *Server) handleTestResultGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("snapshotName")
	test := q.Get("test")
	if name == "" || test == "" {
		http.Error(w, "snapshotName and test are required", http.StatusBadRequest)
		return
	}

	timestamp, _ := strconv.ParseInt(q.Get("timestamp"), 10, 64)
	s.HandleTestResult(TestResultPayload{
		SnapshotName: name,
		Test:         strings.Split(test, ","),
		Passed:       q.Get("passed") == "true",
		Message:      q.Get("message"),
		ID:           q.Get("id"),
		Timestamp:    timestamp,
	})
	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// handleStatus reports progress and the last recorded error.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status := s.lastStatus
	lastError := s.lastErrorString
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"startupTimestamp": s.startupTimestamp,
		"lastErrorString":  lastError,
	})
}

// handleReport serves the cached aggregate. Always syntactically valid JSON,
// possibly empty.
func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(s.ReportJSON()))
}

// handleHistory serves rows from the dispatch-history database.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history not available", http.StatusNotImplemented)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	entries, err := s.history.Recent(r.URL.Query().Get("test"), limit)
	if err != nil {
		s.recordError("history", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": entries})
}
