package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"organ_dispatch/internal/config"
	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/fs"
	"organ_dispatch/internal/messaging/inproc"
	"organ_dispatch/internal/orchestrator"
	sqlitestore "organ_dispatch/internal/store/sqlite"
)

const hintTailBytes = 256 * 1024

type app struct {
	// ctx outlives single requests; dispatch sequences started over HTTP run on it.
	ctx      context.Context
	cfg      config.Config
	store    *sqlitestore.Store
	svc      *orchestrator.Service
	logs     *fs.Gateway
	bus      *inproc.Bus
	maxHints int
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

type createSubtaskRequest struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	TargetDepartmentID string `json:"target_department_id"`
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.store.ListTasks(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req struct {
			Title        string                 `json:"title"`
			Description  string                 `json:"description"`
			DepartmentID string                 `json:"department_id"`
			ProjectID    string                 `json:"project_id"`
			Subtasks     []createSubtaskRequest `json:"subtasks"`
			Delegate     bool                   `json:"delegate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
			return
		}
		task := domain.Task{
			ID:           uuid.NewString(),
			Title:        strings.TrimSpace(req.Title),
			Description:  req.Description,
			DepartmentID: req.DepartmentID,
			ProjectID:    req.ProjectID,
			Status:       domain.TaskStatusInProgress,
		}
		if err := a.store.CreateTask(r.Context(), task); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, st := range req.Subtasks {
			var target *string
			if dept := strings.TrimSpace(st.TargetDepartmentID); dept != "" {
				target = &dept
			}
			if err := a.store.CreateSubtask(r.Context(), domain.Subtask{
				ID:                 uuid.NewString(),
				TaskID:             task.ID,
				Title:              st.Title,
				Description:        st.Description,
				TargetDepartmentID: target,
			}); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		started := false
		if req.Delegate {
			started = a.svc.ProcessSubtaskDelegations(a.ctx, task.ID)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task": task, "dispatch_started": started})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task":        task,
			"dispatching": a.svc.State().Dispatching(taskID),
		})
		return
	}

	action := parts[1]
	switch action {
	case "subtasks":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListSubtasks(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "jobs":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListChildTasks(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "logs":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListTaskLogs(r.Context(), taskID, queryInt(r, "limit", 200))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "messages":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListCEOMessages(r.Context(), taskID, queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "hints":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p, err := a.logs.Hints(taskID, hintTailBytes, queryInt(r, "max", a.maxHints))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case "delegate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, err := a.store.GetTask(r.Context(), taskID); err != nil {
			writeStoreError(w, err)
			return
		}
		started := a.svc.ProcessSubtaskDelegations(a.ctx, taskID)
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "dispatch_started": started})
	case "stop":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if err := a.svc.RequestStop(r.Context(), taskID, domain.StopMode(req.Mode)); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "mode": req.Mode})
	case "resume":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.svc.ResumeDelegatedJob(a.ctx, taskID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": "resumed"})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

// handleEvents streams bus events as server-sent events until the client leaves.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	id := "http-" + uuid.NewString()
	events := a.bus.Subscribe(id)
	defer a.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The first event tells the client which subscriber it is.
	hello, _ := json.Marshal(map[string]any{"subscriber": id})
	if err := a.bus.Send(id, domain.Event{Type: domain.EventStreamOpen, Payload: hello, At: time.Now().UTC()}); err != nil {
		log.Printf("events hello subscriber=%s: %v", id, err)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-a.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(evt)
			if err != nil {
				log.Printf("events marshal type=%s: %v", evt.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrInvalidStopMode):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, orchestrator.ErrNotRunning), errors.Is(err, orchestrator.ErrNotPaused):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
