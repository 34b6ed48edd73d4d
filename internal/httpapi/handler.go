// Package httpapi implements the HTTP/SSE API (C10): request routing,
// JSON+SSE encoding, and reconnection resume via Last-Event-ID, fronting
// the Task Manager façade.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/taskexec/internal/admission"
	"github.com/ashureev/taskexec/internal/attachments"
	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/eventstore"
	"github.com/ashureev/taskexec/internal/runnerpool"
	"github.com/ashureev/taskexec/internal/taskmanager"
	"github.com/go-chi/chi/v5"
)

// Handler wires the Task Manager façade to the HTTP surface of spec.md §6.1.
type Handler struct {
	manager     *taskmanager.Manager
	events      *eventstore.Store
	attachments attachments.Sink
	admission   *admission.Gate
	pool        *runnerpool.Pool
	schemas     *requestSchemas

	sse            streamParams
	maxBodySize    int64
	shuttingDown   atomic.Bool
	onShutdownHook func()
}

// Config carries the tunables the handler needs beyond its component
// dependencies.
type Config struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// New builds the HTTP handler. onShutdown, if non-nil, is invoked once
// when POST /shutdown is received (the composition root uses it to begin
// graceful server shutdown).
func New(manager *taskmanager.Manager, events *eventstore.Store, sink attachments.Sink, gate *admission.Gate, pool *runnerpool.Pool, cfg Config, onShutdown func()) (*Handler, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Handler{
		manager:     manager,
		events:      events,
		attachments: sink,
		admission:   gate,
		pool:        pool,
		schemas:     schemas,
		sse: streamParams{
			retryDelay:        cfg.RetryDelay,
			keepaliveInterval: cfg.KeepaliveInterval,
		},
		maxBodySize:    cfg.MaxRequestBodySize,
		onShutdownHook: onShutdown,
	}, nil
}

// Routes registers every endpoint of spec.md §6.1 on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/shutdown", h.handleShutdown)

	r.Post("/execute", h.handleExecute)
	r.Get("/tasks", h.handleListTasks)
	r.Get("/tasks/{client}/{req}", h.handleGetTask)
	r.Get("/tasks/{client}/{req}/reconnect", h.handleReconnect)
	r.Post("/tasks/{client}/{req}/ack", h.handleAck)
	r.Post("/tasks/{client}/{req}/intervene", h.handleIntervene)
	r.Post("/sessions/{session}/intervene", h.handleInterveneBySession)

	r.Post("/attachments", h.handleUploadAttachment)
	r.Delete("/attachments/{thread}", h.handleDeleteAttachments)
}

func keyFromPath(r *http.Request) domain.Key {
	return domain.Key{ClientID: chi.URLParam(r, "client"), RequestID: chi.URLParam(r, "req")}
}

// taskResponse is the public JSON shape of a Task (spec.md §6.3).
type taskResponse struct {
	ClientID        string     `json:"client_id"`
	RequestID       string     `json:"request_id"`
	Status          string     `json:"status"`
	Prompt          string     `json:"prompt"`
	ResumeSessionID string     `json:"resume_session_id,omitempty"`
	ClaudeSessionID string     `json:"claude_session_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Attachments     []string   `json:"attachments,omitempty"`
	AllowedTools    []string   `json:"allowed_tools,omitempty"`
	DisallowedTools []string   `json:"disallowed_tools,omitempty"`
	UseMCP          bool       `json:"use_mcp,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ClientID:        t.ClientID,
		RequestID:       t.RequestID,
		Status:          string(t.Status),
		Prompt:          t.Prompt,
		ResumeSessionID: t.ResumeSessionID,
		ClaudeSessionID: t.ClaudeSessionID,
		Result:          t.Result,
		Error:           t.Error,
		Attachments:     t.Attachments,
		AllowedTools:    t.AllowedTools,
		DisallowedTools: t.DisallowedTools,
		UseMCP:          t.UseMCP,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
		DeliveredAt:     t.DeliveredAt,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"active":        h.admission.InUse(),
		"capacity":      h.admission.Capacity(),
		"available":     h.admission.Available(),
		"runner_pool":   h.pool.Size(),
		"shutting_down": h.shuttingDown.Load(),
	})
}

func (h *Handler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	h.shuttingDown.Store(true)
	if h.onShutdownHook != nil {
		go h.onShutdownHook()
	}
	JSON(w, http.StatusOK, map[string]bool{"shutting_down": true})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := h.maxBodySize
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "request body too large or unreadable")
		return nil, false
	}
	return data, true
}

type executeRequest struct {
	ClientID         string   `json:"client_id"`
	RequestID        string   `json:"request_id"`
	Prompt           string   `json:"prompt"`
	ResumeSessionID  string   `json:"resume_session_id"`
	AllowedTools     []string `json:"allowed_tools"`
	DisallowedTools  []string `json:"disallowed_tools"`
	UseMCP           bool     `json:"use_mcp"`
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		Error(w, http.StatusServiceUnavailable, string(domain.ErrCancelled), "server is shutting down")
		return
	}

	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(h.schemas.execute, raw); err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), err.Error())
		return
	}
	var req executeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "malformed JSON body")
		return
	}

	key := domain.Key{ClientID: req.ClientID, RequestID: req.RequestID}
	_, err := h.manager.Create(key, req.Prompt, domain.CreateOptions{
		ResumeSessionID: req.ResumeSessionID,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		UseMCP:          req.UseMCP,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	q := h.manager.AddListener(key)
	defer h.manager.RemoveListener(key, q)

	flusher, ok := startStream(w, h.sse)
	if !ok {
		return
	}
	drainQueue(r, w, flusher, q, h.sse.keepaliveInterval)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "client_id is required")
		return
	}
	tasks := h.manager.ListByClient(clientID)
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.manager.Get(keyFromPath(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, toTaskResponse(task))
}

// handleReconnect reattaches an SSE stream for a key. If the task is
// still running, a new listener is added and the event store replays
// everything after Last-Event-ID before live events resume. If the task
// has already reached a terminal state, the full log is sent once and
// the stream closes (spec.md §2: "if task completed, C1 is read in bulk
// and closed").
func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r)
	task, err := h.manager.Get(key)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	flusher, ok := startStream(w, h.sse)
	if !ok {
		return
	}

	afterID := parseLastEventID(r)
	replay, err := h.events.ReadSince(key, afterID)
	if err != nil {
		return
	}

	if task.IsTerminal() {
		for _, event := range replay {
			if writeEvent(w, event) != nil {
				return
			}
		}
		flusher.Flush()
		return
	}

	q := h.manager.AddListener(key)
	defer h.manager.RemoveListener(key, q)

	if err := h.manager.SendReconnectStatus(key, q); err != nil {
		return
	}
	for _, event := range replay {
		if writeEvent(w, event) != nil {
			return
		}
	}
	flusher.Flush()

	drainQueue(r, w, flusher, q, h.sse.keepaliveInterval)
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r)
	if err := h.manager.Ack(key); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type interveneRequest struct {
	Text            string   `json:"text"`
	User            string   `json:"user"`
	AttachmentPaths []string `json:"attachment_paths"`
}

func (h *Handler) parseIntervene(w http.ResponseWriter, r *http.Request) (domain.Intervention, bool) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return domain.Intervention{}, false
	}
	if err := validateBody(h.schemas.intervene, raw); err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), err.Error())
		return domain.Intervention{}, false
	}
	var req interveneRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "malformed JSON body")
		return domain.Intervention{}, false
	}
	return domain.Intervention{Text: req.Text, User: req.User, AttachmentPaths: req.AttachmentPaths}, true
}

func (h *Handler) handleIntervene(w http.ResponseWriter, r *http.Request) {
	interv, ok := h.parseIntervene(w, r)
	if !ok {
		return
	}
	if err := h.manager.AddIntervention(keyFromPath(r), interv); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"queued": true})
}

func (h *Handler) handleInterveneBySession(w http.ResponseWriter, r *http.Request) {
	interv, ok := h.parseIntervene(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "session")
	if err := h.manager.AddInterventionBySession(sessionID, interv); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"queued": true})
}

func (h *Handler) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	limit := h.maxBodySize
	if limit <= 0 {
		limit = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "malformed multipart body")
		return
	}
	threadID := r.FormValue("thread_id")
	if threadID == "" {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "thread_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, string(domain.ErrBadRequest), "file field is required")
		return
	}
	defer file.Close()

	path, size, err := h.attachments.Store(threadID, header.Filename, file)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"path": path, "size": size})
}

func (h *Handler) handleDeleteAttachments(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread")
	n, err := h.attachments.DeleteThread(threadID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"deleted": n})
}
