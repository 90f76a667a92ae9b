package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-oss/mnemo/internal/agent"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/state"
)

// --- Helpers ---

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	jsonResponse(w, status, map[string]string{"error": msg})
}

// errorResponse reports a mnemo error with its code, node and suggestion.
func errorResponse(w http.ResponseWriter, err error) {
	code := mnemoerr.AsCode(err)
	status := http.StatusInternalServerError
	switch code {
	case mnemoerr.CodeConfigInvalid, mnemoerr.CodeToolNotFound:
		status = http.StatusBadRequest
	case mnemoerr.CodeProviderError, mnemoerr.CodeContractViolation, mnemoerr.CodeTransient:
		status = http.StatusBadGateway
	case mnemoerr.CodeTimeout:
		status = http.StatusGatewayTimeout
	case mnemoerr.CodeMaxIterations:
		status = http.StatusUnprocessableEntity
	}
	body := map[string]string{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	if node := mnemoerr.NodeOf(err); node != "" {
		body["node"] = node
	}
	if s := mnemoerr.Suggestion(err); s != "" {
		body["suggestion"] = s
	}
	jsonResponse(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// userID returns the user of a request, defaulting to the configured user.
func (s *Server) userID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if u := r.URL.Query().Get("user"); u != "" {
		return u
	}
	return s.app.Config.Memory.UserID
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"version":      s.opts.Version,
		"name":         s.app.Config.Name,
		"memory_types": s.app.Registry.Names(),
		"sse_clients":  s.broker.Clients(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, s.app.Metrics.GetSummary())
}

// --- Threads ---

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ids, err := s.app.Threads.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	jsonResponse(w, http.StatusOK, ids)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.app.Threads.Messages(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(msgs) == 0 {
		jsonError(w, http.StatusNotFound, fmt.Sprintf("thread not found: %s", id))
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"messages": msgs,
	})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.Threads.Delete(r.Context(), id); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// turnResponse is the reply to a posted message.
type turnResponse struct {
	RunID       string          `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	Message     message.Message `json:"message"`
	Iterations  int             `json:"iterations"`
	MemoryRunID string          `json:"memory_run_id,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
		UserID  string `json:"user_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Content == "" {
		jsonError(w, http.StatusBadRequest, "content is required")
		return
	}

	out, err := s.app.Runtime.Run(r.Context(), agent.Input{
		ThreadID: r.PathValue("id"),
		UserID:   s.userID(r, body.UserID),
		Message:  message.NewUser(body.Content),
	})
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, turnResponse{
		RunID:       out.RunID,
		ThreadID:    out.ThreadID,
		Message:     out.Message,
		Iterations:  out.Iterations,
		MemoryRunID: out.MemoryRunID,
		DurationMS:  out.Duration.Milliseconds(),
	})
}

func (s *Server) handleListThreadRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.app.Ledger.ListThreadRuns(r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*state.RunState{}
	}
	jsonResponse(w, http.StatusOK, runs)
}

// extractionTask reports one memory type of an extraction run.
type extractionTask struct {
	Type       string `json:"type"`
	Writes     int    `json:"writes"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handleExtractMemories(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	runID := uuid.New().String()
	result, err := s.app.Runner.Run(r.Context(), runID, threadID, s.userID(r, ""))
	if err != nil {
		errorResponse(w, err)
		return
	}

	tasks := make([]extractionTask, 0, len(result.Tasks))
	for _, t := range result.Tasks {
		task := extractionTask{Type: t.Type, Writes: t.Writes, DurationMS: t.Duration.Milliseconds()}
		if t.Err != nil {
			task.Error = t.Err.Error()
		}
		tasks = append(tasks, task)
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"writes": result.Writes(),
		"tasks":  tasks,
	})
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.app.Ledger.FindRuns(state.RunFilter{
		ThreadID: q.Get("thread"),
		Kind:     state.RunKind(q.Get("kind")),
		Status:   q.Get("status"),
		Limit:    queryLimit(r, 50),
	})
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*state.RunState{}
	}
	jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.Ledger.GetRun(r.PathValue("id"))
	if errors.Is(err, state.ErrRunNotFound) {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, run)
}

// --- Memories ---

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	user := s.userID(r, "")
	ns := memory.ForUser(user)
	if t := r.URL.Query().Get("type"); t != "" {
		ns = memory.ForType(user, t)
	}
	limit := queryLimit(r, 10)

	var (
		items []memory.Item
		err   error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		items, err = s.app.Memories.Search(r.Context(), ns, q, limit)
	} else {
		items, err = s.app.Memories.List(r.Context(), ns, limit)
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []memory.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

func (s *Server) handleFlushMemories(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.app.WaitMemories(r.Context()); err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":      "flushed",
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// --- Tools ---

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, s.app.Tools.Info())
}

// --- SSE Events ---

func (s *Server) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, "")
}

func (s *Server) handleSSEEventsFiltered(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, r.PathValue("threadID"))
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var after uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseUint(v, 10, 64)
	}

	clientID := uuid.New().String()
	client := s.broker.Subscribe(r.Context(), clientID, threadID, after)

	data, _ := json.Marshal(map[string]string{"type": "connected", "client_id": clientID})
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()

	for ev := range client.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
		flusher.Flush()
	}
}
