package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/manager"
	"github.com/openfleet/shepherd/pkg/orchestrator"
	"github.com/openfleet/shepherd/pkg/queue"
	"github.com/openfleet/shepherd/pkg/types"
)

// maxBodyBytes caps request bodies; message payloads are small control
// frames, not bulk data.
const maxBodyBytes = 1 << 20

// Handler groups all HTTP request handlers around a Manager.
type Handler struct {
	manager *manager.Manager
}

type enqueueReq struct {
	HostID      string          `json:"host_id,omitempty"` // empty only for broadcasts
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    *int            `json:"priority,omitempty"`    // 0..3, default normal
	MaxRetries  *int            `json:"max_retries,omitempty"` // default from config
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
	Broadcast   bool            `json:"broadcast,omitempty"` // fan out to all connected agents
}

type enqueueResp struct {
	MessageID string `json:"message_id"`
}

type rebootReq struct {
	ParentHostID           string `json:"parent_host_id"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds,omitempty"`
	InitiatedBy            string `json:"initiated_by,omitempty"`
}

type rebootResp struct {
	OrchestrationID string `json:"orchestration_id"`
}

type registerHostReq struct {
	Hostname string `json:"hostname"`
	ParentID string `json:"parent_id,omitempty"`
}

type hostResp struct {
	*types.Host
	Connected bool `json:"connected"`
}

type activeReq struct {
	Active bool `json:"active"`
}

type errorResp struct {
	Error string `json:"error"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageType == "" {
		writeError(w, http.StatusBadRequest, "message_type is required")
		return
	}

	priority := types.PriorityNormal
	if req.Priority != nil {
		p := types.Priority(*req.Priority)
		if p < types.PriorityLow || p > types.PriorityUrgent {
			writeError(w, http.StatusBadRequest, "priority must be between 0 and 3")
			return
		}
		priority = p
	}

	maxRetries := -1
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "max_retries must be >= 0")
			return
		}
		maxRetries = *req.MaxRetries
	}

	if req.Broadcast && req.HostID != "" {
		writeError(w, http.StatusBadRequest, "broadcast message must not target a host")
		return
	}

	var id string
	var err error
	if req.Broadcast {
		id, err = h.manager.BroadcastMessage(req.MessageType, []byte(req.Payload), priority, maxRetries, req.ScheduledAt)
	} else {
		id, err = h.manager.EnqueueMessage(req.HostID, req.MessageType, []byte(req.Payload), priority, maxRetries, req.ScheduledAt)
	}
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTarget) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResp{MessageID: id})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	status := types.MessageStatus(r.URL.Query().Get("status"))
	msgs, err := h.manager.ListMessages(status)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.manager.GetMessage(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) startReboot(w http.ResponseWriter, r *http.Request) {
	var req rebootReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParentHostID == "" {
		writeError(w, http.StatusBadRequest, "parent_host_id is required")
		return
	}

	id, err := h.manager.StartReboot(req.ParentHostID, req.ShutdownTimeoutSeconds, req.InitiatedBy)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidParent):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeInternalError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, rebootResp{OrchestrationID: id})
}

func (h *Handler) listReboots(w http.ResponseWriter, r *http.Request) {
	orchs, err := h.manager.ListOrchestrations()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orchs)
}

func (h *Handler) getReboot(w http.ResponseWriter, r *http.Request) {
	orch, err := h.manager.GetOrchestration(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orch)
}

func (h *Handler) registerHost(w http.ResponseWriter, r *http.Request) {
	var req registerHostReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	host, err := h.manager.RegisterHost(req.Hostname, req.ParentID)
	if err != nil {
		if errors.Is(err, manager.ErrHostNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func (h *Handler) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.manager.ListHosts()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	resp := make([]hostResp, 0, len(hosts))
	for _, host := range hosts {
		resp = append(resp, hostResp{Host: host, Connected: h.manager.HostConnected(host.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getHost(w http.ResponseWriter, r *http.Request) {
	host, err := h.manager.GetHost(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, manager.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hostResp{Host: host, Connected: h.manager.HostConnected(host.ID)})
}

func (h *Handler) approveHost(w http.ResponseWriter, r *http.Request) {
	host, err := h.manager.ApproveHost(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, manager.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (h *Handler) setHostActive(w http.ResponseWriter, r *http.Request) {
	var req activeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	host, err := h.manager.SetHostActive(r.PathValue("id"), req.Active)
	if err != nil {
		if errors.Is(err, manager.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (h *Handler) deleteHost(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteHost(r.PathValue("id")); err != nil {
		if errors.Is(err, manager.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queueMetrics(w http.ResponseWriter, r *http.Request) {
	rollups, err := h.manager.QueueMetrics()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{Error: msg})
}

func writeInternalError(w http.ResponseWriter, err error) {
	logger := log.WithComponent("api")
	logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
