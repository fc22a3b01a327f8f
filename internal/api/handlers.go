package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/credential"
	"pentest-command-gateway/internal/gateway"
	"pentest-command-gateway/internal/monitor"
	"pentest-command-gateway/internal/storage"
)

type Handlers struct {
	gw      *gateway.Gateway
	metrics *monitor.Metrics
}

func NewHandlers(gw *gateway.Gateway, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		gw:      gw,
		metrics: metrics,
	}
}

// HandleSubmitCommand runs or queues one command for an assessment.
func (h *Handlers) HandleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	assessmentID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, "command is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	resp, err := h.gw.Submit(r.Context(), gateway.SubmitRequest{
		AssessmentID:   assessmentID,
		Command:        req.Command,
		Phase:          req.Phase,
		ContainerName:  req.ContainerName,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeMappedError(w, err, r)
		return
	}

	if resp.Result != nil {
		h.metrics.OutputSizeBytes.Observe(float64(len(resp.Result.Stdout) + len(resp.Result.Stderr)))
	}

	status := http.StatusOK
	if resp.Status == gateway.SubmitPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// HandleCommandHistory lists persisted execution records for an assessment.
func (h *Handlers) HandleCommandHistory(w http.ResponseWriter, r *http.Request) {
	assessmentID, ok := pathID(w, r)
	if !ok {
		return
	}

	filter := storage.CommandFilter{
		AssessmentID: assessmentID,
		Search:       r.URL.Query().Get("search"),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}
	if s := r.URL.Query().Get("success"); s != "" {
		v := s == "true"
		filter.Success = &v
	}

	records, err := h.gw.CommandHistory(r.Context(), filter)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	if records == nil {
		records = []storage.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleListPending lists pending commands, sweeping expirations first.
func (h *Handlers) HandleListPending(w http.ResponseWriter, r *http.Request) {
	filter := storage.PendingFilter{
		Status: storage.Status(r.URL.Query().Get("status")),
	}
	if s := r.URL.Query().Get("assessment_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, "invalid assessment_id", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.AssessmentID = id
	}

	pending, err := h.gw.ListPending(r.Context(), filter)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	if pending == nil {
		pending = []storage.PendingCommand{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handlers) HandleCountPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.gw.CountPending(r.Context())
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handlers) HandleGetPending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "command ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	pending, err := h.gw.GetPending(r.Context(), id)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleApprove claims and executes a pending command.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	pending, err := h.gw.Approve(r.Context(), id, req.ResolvedBy)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	pending, err := h.gw.Reject(r.Context(), id, req.ResolvedBy, req.Reason)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handlers) HandleDeletePending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.gw.DeletePending(r.Context(), id); err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// HandleGetSettings returns the effective policy configuration.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.GetPolicy(r.Context()))
}

// HandlePutSettings applies a partial policy update.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var update gateway.PolicyUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	cfg, err := h.gw.SetPolicy(r.Context(), update)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) HandleAddKeyword(w http.ResponseWriter, r *http.Request) {
	var req KeywordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	cfg, err := h.gw.AddKeyword(r.Context(), req.Keyword)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) HandleRemoveKeyword(w http.ResponseWriter, r *http.Request) {
	keyword := r.PathValue("keyword")
	cfg, err := h.gw.RemoveKeyword(r.Context(), keyword)
	if err != nil {
		writeMappedError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleRecentInvocations returns the in-process ring of recent executions,
// newest last.
func (h *Handlers) HandleRecentInvocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.RecentInvocations(r.Context(), queryInt(r, "limit", 0)))
}

// HandleListContainers returns discovered execution containers.
func (h *Handlers) HandleListContainers(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	writeJSON(w, http.StatusOK, h.gw.Containers(r.Context(), force))
}

// HandleCheckTool reports whether a tool binary is available inside the
// named container. Advisory; 200 either way.
func (h *Handlers) HandleCheckTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tool := r.PathValue("tool")
	if name == "" || tool == "" {
		writeError(w, "container name and tool required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	writeJSON(w, http.StatusOK, ToolResponse{
		Container: name,
		Tool:      tool,
		Available: h.gw.CheckTool(r.Context(), name, tool),
	})
}

// HandleStartContainer validates and starts the named container.
func (h *Handlers) HandleStartContainer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, "container name required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	status := h.gw.StartContainer(r.Context(), name)
	resp := StartResponse{Success: status.Success, Status: status.Status, Reason: status.Reason}
	code := http.StatusOK
	if !status.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid assessment ID", "INVALID_REQUEST", http.StatusBadRequest, r)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// writeMappedError translates error kinds to HTTP statuses.
func writeMappedError(w http.ResponseWriter, err error, r *http.Request) {
	var unresolved *credential.UnresolvedPlaceholderError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, storage.ErrConflict):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	case errors.Is(err, gateway.ErrValidation):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.As(err, &unresolved):
		writeError(w, err.Error(), "UNRESOLVED_PLACEHOLDER", http.StatusUnprocessableEntity, r)
	case errors.Is(err, container.ErrExecTimeout):
		writeError(w, err.Error(), "EXEC_TIMEOUT", http.StatusGatewayTimeout, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
