// Package models provides data model definitions for the fieldsync core.
package models

import (
	"encoding/json"
	"time"
)

// WorkOrderStatus is the lifecycle state of a work order.
type WorkOrderStatus string

const (
	WorkOrderPending    WorkOrderStatus = "pending"
	WorkOrderAssigned   WorkOrderStatus = "assigned"
	WorkOrderInProgress WorkOrderStatus = "in_progress"
	WorkOrderOnHold     WorkOrderStatus = "on_hold"
	WorkOrderDone       WorkOrderStatus = "done"
	WorkOrderCompleted  WorkOrderStatus = "completed"
	WorkOrderCancelled  WorkOrderStatus = "cancelled"
)

// IsTerminal reports whether no further field work is expected.
func (s WorkOrderStatus) IsTerminal() bool {
	switch s {
	case WorkOrderDone, WorkOrderCompleted, WorkOrderCancelled:
		return true
	}
	return false
}

// WorkOrder is a unit of field work assigned to a technician.
type WorkOrder struct {
	ID           string          `json:"id"`
	TechnicianID string          `json:"technician_id"`
	Title        string          `json:"title"`
	Address      string          `json:"address,omitempty"`
	Status       WorkOrderStatus `json:"status"`
	Notes        string          `json:"notes,omitempty"`
	Materials    []MaterialLine  `json:"materials,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    int64           `json:"updated_at"` // Unix ms
}

// MaterialLine is one consumed material on a work order.
type MaterialLine struct {
	MaterialID string  `json:"material_id"`
	Name       string  `json:"name,omitempty"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit,omitempty"`
}

// Material is an entry of the materials catalog.
type Material struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"`
	SKU  string `json:"sku,omitempty"`
}

// Equipment is an entry of the equipment catalog.
type Equipment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Category     string `json:"category,omitempty"`
}

// InstalledEquipment is equipment placed on site for a work order.
type InstalledEquipment struct {
	ID           string `json:"id"`
	WorkOrderID  string `json:"work_order_id"`
	EquipmentID  string `json:"equipment_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	Quantity     int    `json:"quantity"`
	Notes        string `json:"notes,omitempty"`
	InstalledAt  int64  `json:"installed_at"`
	// ClientRef echoes the local id the record was created under.
	ClientRef string `json:"client_ref,omitempty"`
}

// RemovedEquipment records equipment taken off site.
type RemovedEquipment struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	InstalledID string `json:"installed_id"`
	Reason      string `json:"reason,omitempty"`
	RemovedAt   int64  `json:"removed_at"`
}

// Image is a photo attached to a work order.
type Image struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
	URL         string `json:"url,omitempty"`
	BlobHash    string `json:"blob_hash,omitempty"`
	Size        int64  `json:"size,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ClientRef   string `json:"client_ref,omitempty"`
}

// WorkOrderUpdates is a sparse update of a work order. Nil fields are absent.
type WorkOrderUpdates struct {
	Status      *WorkOrderStatus `json:"status,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
	Materials   *[]MaterialLine  `json:"materials,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	// BaseUpdatedAt is the server updated_at the technician saw when editing.
	// Zero means unknown.
	BaseUpdatedAt int64 `json:"base_updated_at,omitempty"`
}

// IsEmpty reports whether no mutable field is set.
func (u WorkOrderUpdates) IsEmpty() bool {
	return u.Status == nil && u.Notes == nil && u.Materials == nil && u.CompletedAt == nil
}

// Patch returns the present fields keyed by their JSON names.
func (u WorkOrderUpdates) Patch() map[string]interface{} {
	patch := make(map[string]interface{})
	if u.Status != nil {
		patch["status"] = *u.Status
	}
	if u.Notes != nil {
		patch["notes"] = *u.Notes
	}
	if u.Materials != nil {
		patch["materials"] = *u.Materials
	}
	if u.CompletedAt != nil {
		patch["completed_at"] = u.CompletedAt.UTC().Format(time.RFC3339)
	}
	return patch
}

// Apply writes the present fields onto wo.
func (u WorkOrderUpdates) Apply(wo *WorkOrder) {
	if u.Status != nil {
		wo.Status = *u.Status
	}
	if u.Notes != nil {
		wo.Notes = *u.Notes
	}
	if u.Materials != nil {
		wo.Materials = append([]MaterialLine(nil), (*u.Materials)...)
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		wo.CompletedAt = &t
	}
}

// FieldValue returns the serialized value of one mutable work order field.
func (wo *WorkOrder) FieldValue(field string) json.RawMessage {
	var v interface{}
	switch field {
	case "status":
		v = wo.Status
	case "notes":
		v = wo.Notes
	case "materials":
		v = normalizeLines(wo.Materials)
	case "completed_at":
		if wo.CompletedAt != nil {
			v = wo.CompletedAt.UTC().Format(time.RFC3339)
		}
	default:
		return nil
	}
	data, _ := json.Marshal(v)
	return data
}

// FieldValue returns the serialized local value of field and whether the
// update sets it.
func (u WorkOrderUpdates) FieldValue(field string) (json.RawMessage, bool) {
	var v interface{}
	switch field {
	case "status":
		if u.Status == nil {
			return nil, false
		}
		v = *u.Status
	case "notes":
		if u.Notes == nil {
			return nil, false
		}
		v = *u.Notes
	case "materials":
		if u.Materials == nil {
			return nil, false
		}
		v = normalizeLines(*u.Materials)
	case "completed_at":
		if u.CompletedAt == nil {
			return nil, false
		}
		v = u.CompletedAt.UTC().Format(time.RFC3339)
	default:
		return nil, false
	}
	data, _ := json.Marshal(v)
	return data, true
}

func normalizeLines(lines []MaterialLine) []MaterialLine {
	if lines == nil {
		return []MaterialLine{}
	}
	return lines
}

// StatusPtr is a convenience for building sparse updates.
func StatusPtr(s WorkOrderStatus) *WorkOrderStatus { return &s }

// StringPtr is a convenience for building sparse updates.
func StringPtr(s string) *string { return &s }
