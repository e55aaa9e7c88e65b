// Package conflict provides conflict detection and resolution between queued
// local changes and the authoritative server state.
package conflict

import (
	"bytes"
	"encoding/json"

	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// ResolutionStrategy defines how a conflict is resolved.
type ResolutionStrategy string

const (
	// UseLocal re-sends the local change and overwrites the server once.
	UseLocal ResolutionStrategy = "use_local"
	// UseServer drops the local change.
	UseServer ResolutionStrategy = "use_server"
	// Merge replaces the payload with a caller-merged one.
	Merge ResolutionStrategy = "merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case UseLocal, UseServer, Merge:
		return ResolutionStrategy(s), nil
	}
	return "", ErrUnknownStrategy
}

// Fields are the mutable work order fields compared during detection.
var Fields = []string{"status", "notes", "materials", "completed_at"}

// Resolver detects and resolves conflicts. It holds no state.
type Resolver struct{}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Detect compares a local sparse update with the current server version.
//
// A field conflicts when the update sets it, the server has a value, the
// serialized values differ, and the server changed after the technician
// read it (server updated_at > local base_updated_at). Independently, a
// server in a terminal status conflicts with any local status change.
func (r *Resolver) Detect(server *models.WorkOrder, local models.WorkOrderUpdates) *models.ConflictData {
	if server == nil {
		return nil
	}

	diverged := local.BaseUpdatedAt > 0 && server.UpdatedAt > local.BaseUpdatedAt

	var fields []models.ConflictingField
	if diverged {
		for _, f := range Fields {
			localVal, ok := local.FieldValue(f)
			if !ok {
				continue
			}
			serverVal := server.FieldValue(f)
			if len(serverVal) == 0 || string(serverVal) == "null" {
				continue
			}
			if !sameJSON(serverVal, localVal) {
				fields = append(fields, models.ConflictingField{Field: f, ServerValue: serverVal, LocalValue: localVal})
			}
		}
	}

	kind := models.ConflictFieldDivergence
	if server.Status.IsTerminal() && local.Status != nil && *local.Status != server.Status {
		kind = models.ConflictTerminalStatus
		if !hasField(fields, "status") {
			localVal, _ := local.FieldValue("status")
			fields = append([]models.ConflictingField{{
				Field:       "status",
				ServerValue: server.FieldValue("status"),
				LocalValue:  localVal,
			}}, fields...)
		}
	}

	if len(fields) == 0 {
		return nil
	}

	serverJSON, _ := json.Marshal(server)
	localJSON, _ := json.Marshal(local)

	logging.Warn("Conflict detected", map[string]interface{}{
		"work_order_id": server.ID,
		"kind":          string(kind),
		"fields":        len(fields),
	})

	return &models.ConflictData{
		Kind:              kind,
		ServerVersion:     serverJSON,
		LocalUpdates:      localJSON,
		ConflictingFields: fields,
	}
}

// Resolution is the outcome of resolving a conflicted item.
type Resolution struct {
	Item   models.QueueItem // updated item when Remove is false
	Remove bool             // the item leaves the queue
}

// Resolve applies strategy to a conflicted item. merged is required for
// Merge and must have the item's mutation type.
func (r *Resolver) Resolve(item models.QueueItem, strategy ResolutionStrategy, merged models.Mutation) (Resolution, error) {
	if item.ConflictData == nil {
		return Resolution{}, ErrNotConflicted
	}

	item = item.Clone()
	switch strategy {
	case UseServer:
		logging.Info("Conflict resolved with server version", map[string]interface{}{"item_id": item.ID})
		return Resolution{Item: item, Remove: true}, nil

	case UseLocal:
		item.ForceOverwrite = true

	case Merge:
		if merged == nil {
			return Resolution{}, ErrMergeRequired
		}
		if merged.Type() != item.Type {
			return Resolution{}, ErrMergeTypeMismatch
		}
		item.SetPayload(rebase(merged, item.ConflictData))

	default:
		return Resolution{}, ErrUnknownStrategy
	}

	item.ConflictData = nil
	item.RetryCount = 0
	item.LastError = ""
	item.Status = models.QueueStatusPending

	logging.Info("Conflict resolved", map[string]interface{}{
		"item_id":  item.ID,
		"strategy": string(strategy),
	})
	return Resolution{Item: item}, nil
}

// rebase moves a merged work order update onto the server version it was
// merged against so it is not reported as diverged again.
func rebase(m models.Mutation, cd *models.ConflictData) models.Mutation {
	upd, ok := m.(models.UpdateWorkOrder)
	if !ok || len(cd.ServerVersion) == 0 {
		return m
	}
	var server struct {
		UpdatedAt int64 `json:"updated_at"`
	}
	if err := json.Unmarshal(cd.ServerVersion, &server); err != nil {
		return m
	}
	if server.UpdatedAt > upd.Updates.BaseUpdatedAt {
		upd.Updates.BaseUpdatedAt = server.UpdatedAt
	}
	return upd
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func hasField(fields []models.ConflictingField, name string) bool {
	for _, f := range fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

// Errors
var (
	ErrNotConflicted     = &ConflictError{Message: "queue item has no conflict to resolve"}
	ErrUnknownStrategy   = &ConflictError{Message: "unknown resolution strategy"}
	ErrMergeRequired     = &ConflictError{Message: "merge strategy requires a merged payload"}
	ErrMergeTypeMismatch = &ConflictError{Message: "merged payload type does not match queue item"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
