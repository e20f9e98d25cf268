package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"permstate/internal/auth"
	"permstate/internal/models"
	"permstate/internal/permissions"
)

// PermissionService defines the interface for permission operations
type PermissionService interface {
	GetState(ctx context.Context, name string) (models.Snapshot, error)
	GetMultipleStates(ctx context.Context, names []string) (map[string]models.Snapshot, error)
	Watch(ctx context.Context, name string) (<-chan permissions.Update, error)
	SetState(ctx context.Context, name string, state models.PermissionState) error
	ResetState(ctx context.Context, name string) error
}

// SetStateRequest represents the request body for writing a permission state
type SetStateRequest struct {
	State models.PermissionState `json:"state" validate:"required,oneof=granted denied prompt"`
}

// BatchStateRequest represents the request body for batch state queries
type BatchStateRequest struct {
	Names []string `json:"names" validate:"required,min=1,max=100,dive,required"`
}

// watchEvent is the payload of one server-sent event
type watchEvent struct {
	Name  string                 `json:"name"`
	State models.PermissionState `json:"state,omitempty"`
	Error string                 `json:"error,omitempty"`
}

var validate = validator.New()

// PermissionHandler handles HTTP requests for permission operations
type PermissionHandler struct {
	service PermissionService
	logger  zerolog.Logger
}

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(service PermissionService, logger zerolog.Logger) *PermissionHandler {
	return &PermissionHandler{
		service: service,
		logger:  logger.With().Str("component", "PermissionHandler").Logger(),
	}
}

// GetState handles GET /api/v1/permissions/{name}
func (h *PermissionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(mux.Vars(r)["name"])
	if name == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	snap, err := h.service.GetState(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, err, "failed to get permission state")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, models.StateResponse{
		Success: true,
		Data:    map[string]models.Snapshot{snap.Name: snap},
	})
}

// SetState handles PUT /api/v1/permissions/{name}
func (h *PermissionHandler) SetState(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(mux.Vars(r)["name"])
	if name == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid state")
		return
	}

	if err := h.service.SetState(r.Context(), name, req.State); err != nil {
		h.writeServiceError(w, err, "failed to set permission state")
		return
	}

	h.logger.Info().
		Str("permission", name).
		Str("state", string(req.State)).
		Str("actor", auth.ActorFromContext(r.Context())).
		Msg("permission state updated")

	h.writeJSONResponse(w, http.StatusOK, models.StateResponse{
		Success: true,
		Data: map[string]models.Snapshot{
			name: {Name: name, State: req.State},
		},
	})
}

// ResetState handles DELETE /api/v1/permissions/{name}
func (h *PermissionHandler) ResetState(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(mux.Vars(r)["name"])
	if name == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.service.ResetState(r.Context(), name); err != nil {
		h.writeServiceError(w, err, "failed to reset permission state")
		return
	}

	h.logger.Info().
		Str("permission", name).
		Str("actor", auth.ActorFromContext(r.Context())).
		Msg("permission state reset")

	w.WriteHeader(http.StatusNoContent)
}

// GetMultipleStates handles GET /api/v1/permissions?names=camera,microphone
func (h *PermissionHandler) GetMultipleStates(w http.ResponseWriter, r *http.Request) {
	namesParam := r.URL.Query().Get("names")
	if namesParam == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "names parameter is required")
		return
	}

	names := strings.Split(namesParam, ",")
	for i, name := range names {
		names[i] = strings.TrimSpace(name)
	}

	h.respondMultiple(w, r, names)
}

// BatchStates handles POST /api/v1/permissions/batch
func (h *PermissionHandler) BatchStates(w http.ResponseWriter, r *http.Request) {
	var req BatchStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "names must list 1 to 100 permission names")
		return
	}

	h.respondMultiple(w, r, req.Names)
}

func (h *PermissionHandler) respondMultiple(w http.ResponseWriter, r *http.Request, names []string) {
	states, err := h.service.GetMultipleStates(r.Context(), names)
	if err != nil {
		h.writeServiceError(w, err, "failed to get permission states")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, models.StateResponse{
		Success: true,
		Data:    states,
	})
}

// Watch handles GET /api/v1/permissions/{name}/watch as a server-sent event
// stream. Each state is one data event; a failure is sent as an error event
// and ends the stream. A client that reads slower than states change skips
// intermediate states and receives the newest one.
func (h *PermissionHandler) Watch(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(mux.Vars(r)["name"])
	if name == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, err := h.service.Watch(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, err, "failed to watch permission")
		return
	}

	streamID := uuid.NewString()
	log := h.logger.With().Str("permission", name).Str("stream", streamID).Logger()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().Msg("watch stream opened")
	defer log.Debug().Msg("watch stream closed")

	for u := range updates {
		if u.Err != nil {
			writeEvent(w, "error", watchEvent{Name: name, Error: u.Err.Error()})
			flusher.Flush()
			return
		}
		writeEvent(w, "", watchEvent{Name: name, State: u.State})
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, payload watchEvent) {
	data, _ := json.Marshal(payload)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var qe *permissions.QueryError
	switch {
	case errors.Is(err, models.ErrNameRequired), errors.Is(err, models.ErrInvalidName), errors.Is(err, models.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, permissions.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, permissions.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &qe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err's message for client-facing failures and the
// fallback message for internal ones
func (h *PermissionHandler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg(fallback)
		h.writeErrorResponse(w, status, fallback)
		return
	}
	h.writeErrorResponse(w, status, err.Error())
}

// writeJSONResponse writes a JSON response
func (h *PermissionHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeErrorResponse writes an error response
func (h *PermissionHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, models.StateResponse{
		Success: false,
		Error:   message,
	})
}
