package models

import (
	"encoding/json"
	"fmt"
)

// MutationType identifies the kind of queued local change.
type MutationType string

const (
	MutationUpdateWorkOrder MutationType = "update_work_order"
	MutationAddEquipment    MutationType = "add_equipment"
	MutationRemoveEquipment MutationType = "remove_equipment"
	MutationUploadImage     MutationType = "upload_image"
	MutationDeleteImage     MutationType = "delete_image"
	MutationUpdateMaterials MutationType = "update_materials"
)

// Action is the CRUD verb of a mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Mutation is the typed payload of a queue item. Every variant is a value
// type; callers replace a payload rather than modify it in place.
type Mutation interface {
	Type() MutationType
	Action() Action
	Entity() string
	EntityID() string
	// RemapID rewrites references from a temporary id to its canonical id
	// and reports whether anything changed.
	RemapID(oldID, newID string) (Mutation, bool)
}

// Creator is implemented by mutations that create a record under a
// client-assigned temporary id.
type Creator interface {
	Mutation
	TempID() string
}

// Canceller is implemented by deletes that annul a create still waiting in
// the queue.
type Canceller interface {
	Mutation
	Cancels() (MutationType, string)
}

// UpdateWorkOrder changes mutable fields of a work order.
type UpdateWorkOrder struct {
	WorkOrderID string           `json:"work_order_id"`
	Updates     WorkOrderUpdates `json:"updates"`
}

func (m UpdateWorkOrder) Type() MutationType { return MutationUpdateWorkOrder }
func (m UpdateWorkOrder) Action() Action     { return ActionUpdate }
func (m UpdateWorkOrder) Entity() string     { return "work_order" }
func (m UpdateWorkOrder) EntityID() string   { return m.WorkOrderID }

func (m UpdateWorkOrder) RemapID(oldID, newID string) (Mutation, bool) {
	return m, false
}

// AddEquipment installs catalog equipment on a work order.
type AddEquipment struct {
	WorkOrderID  string `json:"work_order_id"`
	LocalID      string `json:"local_id"`
	EquipmentID  string `json:"equipment_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	Quantity     int    `json:"quantity"`
	Notes        string `json:"notes,omitempty"`
}

func (m AddEquipment) Type() MutationType { return MutationAddEquipment }
func (m AddEquipment) Action() Action     { return ActionCreate }
func (m AddEquipment) Entity() string     { return "installed_equipment" }
func (m AddEquipment) EntityID() string   { return m.LocalID }
func (m AddEquipment) TempID() string     { return m.LocalID }

func (m AddEquipment) RemapID(oldID, newID string) (Mutation, bool) {
	return m, false
}

// RemoveEquipment removes installed equipment, possibly one added offline.
type RemoveEquipment struct {
	WorkOrderID string `json:"work_order_id"`
	InstalledID string `json:"installed_id"`
	Reason      string `json:"reason,omitempty"`
}

func (m RemoveEquipment) Type() MutationType { return MutationRemoveEquipment }
func (m RemoveEquipment) Action() Action     { return ActionDelete }
func (m RemoveEquipment) Entity() string     { return "installed_equipment" }
func (m RemoveEquipment) EntityID() string   { return m.InstalledID }

func (m RemoveEquipment) Cancels() (MutationType, string) {
	return MutationAddEquipment, m.InstalledID
}

func (m RemoveEquipment) RemapID(oldID, newID string) (Mutation, bool) {
	if m.InstalledID != oldID {
		return m, false
	}
	m.InstalledID = newID
	return m, true
}

// UploadImage attaches a photo whose bytes sit in the local blob store.
type UploadImage struct {
	WorkOrderID string `json:"work_order_id"`
	LocalID     string `json:"local_id"`
	BlobHash    string `json:"blob_hash"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

func (m UploadImage) Type() MutationType { return MutationUploadImage }
func (m UploadImage) Action() Action     { return ActionCreate }
func (m UploadImage) Entity() string     { return "image" }
func (m UploadImage) EntityID() string   { return m.LocalID }
func (m UploadImage) TempID() string     { return m.LocalID }

func (m UploadImage) RemapID(oldID, newID string) (Mutation, bool) {
	return m, false
}

// DeleteImage removes a photo from a work order.
type DeleteImage struct {
	WorkOrderID string `json:"work_order_id"`
	ImageID     string `json:"image_id"`
}

func (m DeleteImage) Type() MutationType { return MutationDeleteImage }
func (m DeleteImage) Action() Action     { return ActionDelete }
func (m DeleteImage) Entity() string     { return "image" }
func (m DeleteImage) EntityID() string   { return m.ImageID }

func (m DeleteImage) Cancels() (MutationType, string) {
	return MutationUploadImage, m.ImageID
}

func (m DeleteImage) RemapID(oldID, newID string) (Mutation, bool) {
	if m.ImageID != oldID {
		return m, false
	}
	m.ImageID = newID
	return m, true
}

// UpdateMaterials replaces the material lines of a work order.
type UpdateMaterials struct {
	WorkOrderID string         `json:"work_order_id"`
	Materials   []MaterialLine `json:"materials"`
}

func (m UpdateMaterials) Type() MutationType { return MutationUpdateMaterials }
func (m UpdateMaterials) Action() Action     { return ActionUpdate }
func (m UpdateMaterials) Entity() string     { return "work_order" }
func (m UpdateMaterials) EntityID() string   { return m.WorkOrderID }

func (m UpdateMaterials) RemapID(oldID, newID string) (Mutation, bool) {
	return m, false
}

// DecodeMutation decodes a raw payload into the variant named by typ.
func DecodeMutation(typ MutationType, raw json.RawMessage) (Mutation, error) {
	var (
		m   Mutation
		err error
	)
	switch typ {
	case MutationUpdateWorkOrder:
		var v UpdateWorkOrder
		err = json.Unmarshal(raw, &v)
		m = v
	case MutationAddEquipment:
		var v AddEquipment
		err = json.Unmarshal(raw, &v)
		m = v
	case MutationRemoveEquipment:
		var v RemoveEquipment
		err = json.Unmarshal(raw, &v)
		m = v
	case MutationUploadImage:
		var v UploadImage
		err = json.Unmarshal(raw, &v)
		m = v
	case MutationDeleteImage:
		var v DeleteImage
		err = json.Unmarshal(raw, &v)
		m = v
	case MutationUpdateMaterials:
		var v UpdateMaterials
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown mutation type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return m, nil
}
