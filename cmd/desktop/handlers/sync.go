// Package handlers provides REST API handlers for the sync subsystem.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/repository"
	"github.com/kimhsiao/fieldsync/backend/internal/services"
	syncpkg "github.com/kimhsiao/fieldsync/backend/internal/sync"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/conflict"
)

// maxImageSize bounds an uploaded photo.
const maxImageSize = 20 << 20

// SyncService is the service surface the handlers expose.
type SyncService interface {
	Status() (services.Status, error)
	QueueStats() (models.QueueStats, error)
	Read(ctx context.Context, c models.Collection, owner string, forceRefresh bool) (models.CacheRecord, error)
	ForceSyncAll(ctx context.Context) (*syncpkg.DrainResult, error)
	RetryItem(ctx context.Context, id string) error
	RetryAllFailed(ctx context.Context) (int, error)
	DismissItem(ctx context.Context, id string) error
	ResolveConflict(ctx context.Context, id string, strategy conflict.ResolutionStrategy, merged models.Mutation) error
	PerformCleanup(ctx context.Context) (services.CleanupResult, error)
	ReportConnectivity(ctx context.Context, connected bool) (bool, error)
	Repository() *repository.Repository
}

// SyncBroadcaster receives manual sync events for WebSocket clients.
type SyncBroadcaster interface {
	BroadcastSyncStarted()
	BroadcastSyncCompleted(result *syncpkg.DrainResult)
	BroadcastSyncFailed(code string, retryable bool)
}

// SyncHandler handles sync status, queue management and local writes.
type SyncHandler struct {
	svc   SyncService
	wsHub SyncBroadcaster
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting sync events.
func (h *SyncHandler) SetWebSocketHub(wsHub SyncBroadcaster) {
	h.wsHub = wsHub
}

// Register adds every route to mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("POST /api/connectivity", h.ReportConnectivity)

	mux.HandleFunc("GET /api/queue", h.GetQueue)
	mux.HandleFunc("POST /api/queue/retry", h.RetryAllFailed)
	mux.HandleFunc("POST /api/queue/{id}/retry", h.RetryItem)
	mux.HandleFunc("POST /api/queue/{id}/resolve", h.ResolveConflict)
	mux.HandleFunc("DELETE /api/queue/{id}", h.DismissItem)

	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("POST /api/cleanup", h.Cleanup)

	mux.HandleFunc("GET /api/collections/{collection}/{owner}", h.ReadCollection)
	mux.HandleFunc("PATCH /api/work-orders/{id}", h.UpdateWorkOrder)
	mux.HandleFunc("PUT /api/work-orders/{id}/materials", h.UpdateMaterials)
	mux.HandleFunc("POST /api/work-orders/{id}/equipment", h.AddEquipment)
	mux.HandleFunc("DELETE /api/work-orders/{id}/equipment/{installedID}", h.RemoveEquipment)
	mux.HandleFunc("POST /api/work-orders/{id}/images", h.UploadImage)
	mux.HandleFunc("DELETE /api/work-orders/{id}/images/{imageID}", h.DeleteImage)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// statusOf maps an error code to an HTTP status.
func statusOf(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrQueueItemNotFound:
		return http.StatusNotFound
	case apperrors.ErrQueueItemState:
		return http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusOf(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

// GetStatus handles GET /api/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ReportConnectivity handles POST /api/connectivity with {"connected": bool}
// from the platform shell.
func (h *SyncHandler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Connected bool `json:"connected"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}
	online, err := h.svc.ReportConnectivity(r.Context(), request.Connected)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NetworkState{IsOnline: online})
}

// GetQueue handles GET /api/queue.
func (h *SyncHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RetryItem handles POST /api/queue/{id}/retry.
func (h *SyncHandler) RetryItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RetryItem(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending"})
}

// RetryAllFailed handles POST /api/queue/retry.
func (h *SyncHandler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryAllFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// DismissItem handles DELETE /api/queue/{id}.
func (h *SyncHandler) DismissItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DismissItem(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveConflict handles POST /api/queue/{id}/resolve with
// {"strategy": "use_local"|"use_server"|"merge", "merged": {...}}. The
// merged payload has the shape of the queued mutation.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var request struct {
		Strategy string          `json:"strategy"`
		Merged   json.RawMessage `json:"merged"`
	}
	if err := decode(r, &request); err != nil {
		writeError(w, err)
		return
	}
	strategy, err := conflict.ParseStrategy(request.Strategy)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "strategy", err))
		return
	}

	var merged models.Mutation
	if len(request.Merged) > 0 && string(request.Merged) != "null" {
		item, ok := h.queueItem(id)
		if !ok {
			writeError(w, apperrors.New(apperrors.ErrQueueItemNotFound, "queue item "+id+" not found"))
			return
		}
		if merged, err = models.DecodeMutation(item.Type, request.Merged); err != nil {
			writeError(w, apperrors.Wrap(apperrors.ErrValidation, "merged payload", err))
			return
		}
	}

	if err := h.svc.ResolveConflict(r.Context(), id, strategy, merged); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "resolved", "strategy": strategy})
}

func (h *SyncHandler) queueItem(id string) (models.QueueItem, bool) {
	stats, err := h.svc.QueueStats()
	if err != nil {
		return models.QueueItem{}, false
	}
	for _, it := range stats.Items {
		if it.ID == id {
			return it, true
		}
	}
	return models.QueueItem{}, false
}

// TriggerSync handles POST /api/sync and drains the queue now.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.wsHub != nil {
		h.wsHub.BroadcastSyncStarted()
	}

	result, err := h.svc.ForceSyncAll(r.Context())
	if err != nil {
		if h.wsHub != nil {
			code := apperrors.CodeOf(err)
			h.wsHub.BroadcastSyncFailed(string(code), code != apperrors.ErrValidation)
		}
		writeError(w, err)
		return
	}

	if h.wsHub != nil {
		h.wsHub.BroadcastSyncCompleted(result)
	}
	writeJSON(w, http.StatusOK, result)
}

// Cleanup handles POST /api/cleanup.
func (h *SyncHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.PerformCleanup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReadCollection handles GET /api/collections/{collection}/{owner}?refresh=true.
func (h *SyncHandler) ReadCollection(w http.ResponseWriter, r *http.Request) {
	c := models.Collection(r.PathValue("collection"))
	if !knownCollection(c) {
		writeError(w, apperrors.New(apperrors.ErrValidation, "unknown collection "+string(c)))
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	rec, err := h.svc.Read(r.Context(), c, r.PathValue("owner"), refresh)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Items == nil {
		rec.Items = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, rec)
}

func knownCollection(c models.Collection) bool {
	for _, known := range models.Collections {
		if c == known {
			return true
		}
	}
	return false
}

func queued(w http.ResponseWriter, queueID string, extra map[string]interface{}) {
	body := map[string]interface{}{"queue_id": queueID}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusAccepted, body)
}

// UpdateWorkOrder handles PATCH /api/work-orders/{id} with a sparse update.
func (h *SyncHandler) UpdateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var updates models.WorkOrderUpdates
	if err := decode(r, &updates); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.svc.Repository().UpdateWorkOrder(r.Context(), r.PathValue("id"), updates)
	if err != nil {
		writeError(w, err)
		return
	}
	queued(w, id, nil)
}

// UpdateMaterials handles PUT /api/work-orders/{id}/materials.
func (h *SyncHandler) UpdateMaterials(w http.ResponseWriter, r *http.Request) {
	var lines []models.MaterialLine
	if err := decode(r, &lines); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.svc.Repository().UpdateMaterials(r.Context(), r.PathValue("id"), lines)
	if err != nil {
		writeError(w, err)
		return
	}
	queued(w, id, nil)
}

// AddEquipment handles POST /api/work-orders/{id}/equipment.
func (h *SyncHandler) AddEquipment(w http.ResponseWriter, r *http.Request) {
	var m models.AddEquipment
	if err := decode(r, &m); err != nil {
		writeError(w, err)
		return
	}
	m.WorkOrderID = r.PathValue("id")
	localID, id, err := h.svc.Repository().AddEquipment(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	queued(w, id, map[string]interface{}{"local_id": localID})
}

// RemoveEquipment handles DELETE /api/work-orders/{id}/equipment/{installedID}?reason=.
// An empty queue id means a not yet sent installation was dropped instead.
func (h *SyncHandler) RemoveEquipment(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Repository().RemoveEquipment(r.Context(), r.PathValue("id"), r.PathValue("installedID"), r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, err)
		return
	}
	queued(w, id, nil)
}

// UploadImage handles POST /api/work-orders/{id}/images as multipart form
// with a "file" part and an optional "caption" field.
func (h *SyncHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "file part is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "read upload", err))
		return
	}

	m := models.UploadImage{
		WorkOrderID: r.PathValue("id"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Caption:     r.FormValue("caption"),
	}
	localID, id, err := h.svc.Repository().UploadImage(r.Context(), m, data)
	if err != nil {
		writeError(w, err)
		return
	}
	queued(w, id, map[string]interface{}{"local_id": localID})
}

// DeleteImage handles DELETE /api/work-orders/{id}/images/{imageID}.
func (h *SyncHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Repository().DeleteImage(r.Context(), r.PathValue("id"), r.PathValue("imageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	queued(w, id, nil)
}
