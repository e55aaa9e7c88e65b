package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// workOrderOf returns the work order a mutation belongs to.
func workOrderOf(m models.Mutation) string {
	switch v := m.(type) {
	case models.UpdateWorkOrder:
		return v.WorkOrderID
	case models.UpdateMaterials:
		return v.WorkOrderID
	case models.AddEquipment:
		return v.WorkOrderID
	case models.RemoveEquipment:
		return v.WorkOrderID
	case models.UploadImage:
		return v.WorkOrderID
	case models.DeleteImage:
		return v.WorkOrderID
	}
	return ""
}

// applyEffect applies the local effect of m to one collection's items.
// insert controls whether a work order update may add a missing record.
// cancelled is set when m annulled a queued create, so no audit record of
// the removal is kept.
func applyEffect(c models.Collection, items []json.RawMessage, m models.Mutation, insert, cancelled bool, now int64) ([]json.RawMessage, bool, error) {
	switch v := m.(type) {
	case models.UpdateWorkOrder:
		if c != models.CollectionWorkOrders {
			return items, false, nil
		}
		return patchItem(items, v.WorkOrderID, v.Updates.Patch(), insert)

	case models.UpdateMaterials:
		if c != models.CollectionWorkOrders {
			return items, false, nil
		}
		lines := v.Materials
		if lines == nil {
			lines = []models.MaterialLine{}
		}
		return patchItem(items, v.WorkOrderID, map[string]interface{}{"materials": lines}, insert)

	case models.AddEquipment:
		if c != models.CollectionInstalledEquipment || IndexOf(items, v.LocalID) >= 0 {
			return items, false, nil
		}
		return appendItem(items, models.InstalledEquipment{
			ID:           v.LocalID,
			WorkOrderID:  v.WorkOrderID,
			EquipmentID:  v.EquipmentID,
			SerialNumber: v.SerialNumber,
			Quantity:     v.Quantity,
			Notes:        v.Notes,
			InstalledAt:  now,
		})

	case models.RemoveEquipment:
		switch c {
		case models.CollectionInstalledEquipment:
			return removeItem(items, v.InstalledID)
		case models.CollectionRemovedEquipment:
			if cancelled || indexByField(items, "installed_id", v.InstalledID) >= 0 {
				return items, false, nil
			}
			// Keyed by the installed id until the server assigns one.
			return appendItem(items, models.RemovedEquipment{
				ID:          v.InstalledID,
				WorkOrderID: v.WorkOrderID,
				InstalledID: v.InstalledID,
				Reason:      v.Reason,
				RemovedAt:   now,
			})
		}

	case models.UploadImage:
		if c != models.CollectionImages || IndexOf(items, v.LocalID) >= 0 {
			return items, false, nil
		}
		return appendItem(items, models.Image{
			ID:          v.LocalID,
			WorkOrderID: v.WorkOrderID,
			FileName:    v.FileName,
			ContentType: v.ContentType,
			Caption:     v.Caption,
			BlobHash:    v.BlobHash,
			CreatedAt:   now,
		})

	case models.DeleteImage:
		if c == models.CollectionImages {
			return removeItem(items, v.ImageID)
		}
	}
	return items, false, nil
}

func patchItem(items []json.RawMessage, id string, patch map[string]interface{}, insert bool) ([]json.RawMessage, bool, error) {
	idx := IndexOf(items, id)
	if idx < 0 && !insert {
		return items, false, nil
	}
	var base json.RawMessage
	if idx >= 0 {
		base = items[idx]
	}
	merged, err := MergeItem(base, id, patch)
	if err != nil {
		return nil, false, fmt.Errorf("patch %s: %w", id, err)
	}
	out := append([]json.RawMessage(nil), items...)
	if idx >= 0 {
		out[idx] = merged
	} else {
		out = append(out, merged)
	}
	return out, true, nil
}

func appendItem(items []json.RawMessage, v interface{}) ([]json.RawMessage, bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	out := append([]json.RawMessage(nil), items...)
	return append(out, data), true, nil
}

func removeItem(items []json.RawMessage, id string) ([]json.RawMessage, bool, error) {
	idx := IndexOf(items, id)
	if idx < 0 {
		return items, false, nil
	}
	out := append([]json.RawMessage(nil), items[:idx]...)
	return append(out, items[idx+1:]...), true, nil
}

// indexByField returns the position of the item whose string field equals
// value, or -1.
func indexByField(items []json.RawMessage, field, value string) int {
	for i, it := range items {
		var fields map[string]json.RawMessage
		if json.Unmarshal(it, &fields) != nil {
			continue
		}
		var s string
		if json.Unmarshal(fields[field], &s) == nil && s == value {
			return i
		}
	}
	return -1
}

// FindBy returns the id of the first item whose string field equals value.
func FindBy(items []json.RawMessage, field, value string) (string, bool) {
	idx := indexByField(items, field, value)
	if idx < 0 {
		return "", false
	}
	return ItemID(items[idx]), true
}

// targets returns the child collection keys a mutation touches, and whether
// it touches work order collections.
func targets(m models.Mutation) ([]models.Collection, bool) {
	switch m.(type) {
	case models.UpdateWorkOrder, models.UpdateMaterials:
		return nil, true
	case models.AddEquipment:
		return []models.Collection{models.CollectionInstalledEquipment}, false
	case models.RemoveEquipment:
		return []models.Collection{models.CollectionInstalledEquipment, models.CollectionRemovedEquipment}, false
	case models.UploadImage, models.DeleteImage:
		return []models.Collection{models.CollectionImages}, false
	}
	return nil, false
}

// Ref names one cached snapshot.
type Ref struct {
	Collection models.Collection
	Owner      string
}

// Touched returns the snapshots whose contents the local effect of m
// changes. Work order lists are those of technicianID.
func Touched(technicianID string, m models.Mutation) []Ref {
	children, workOrders := targets(m)
	var refs []Ref
	if workOrders && technicianID != "" {
		refs = append(refs, Ref{Collection: models.CollectionWorkOrders, Owner: technicianID})
	}
	for _, c := range children {
		refs = append(refs, Ref{Collection: c, Owner: workOrderOf(m)})
	}
	return refs
}

// Overlay reapplies the local effects of queued mutations to items, the
// contents of (c, owner) as fetched from the server, so a refresh does not
// hide changes that are still waiting to sync. Work order updates only
// touch records the server returned.
func Overlay(c models.Collection, owner string, items []json.RawMessage, pending []models.QueueItem, now int64) ([]json.RawMessage, error) {
	out := items
	for _, it := range pending {
		if it.Payload == nil {
			continue
		}
		if c.IsWorkOrderChild() && workOrderOf(it.Payload) != owner {
			continue
		}
		next, _, err := applyEffect(c, out, it.Payload, false, false, now)
		if err != nil {
			return nil, fmt.Errorf("overlay %s: %w", it.ID, err)
		}
		out = next
	}
	return out, nil
}

// ApplyMutation stages the local effect of m. Work order updates patch the
// order wherever it is cached and insert it into technicianID's list when it
// is cached nowhere.
func (tx *Tx) ApplyMutation(technicianID string, m models.Mutation, cancelled bool) error {
	now := tx.s.now().UnixMilli()
	children, workOrders := targets(m)

	if workOrders {
		id := workOrderOf(m)
		owners := tx.ownersOf(models.CollectionWorkOrders, id)
		insert := len(owners) == 0
		if insert {
			if technicianID == "" {
				return nil
			}
			owners = []string{technicianID}
		}
		for _, owner := range owners {
			if err := tx.applyTo(models.CollectionWorkOrders, owner, m, insert, cancelled, now); err != nil {
				return err
			}
		}
	}

	for _, c := range children {
		if err := tx.applyTo(c, workOrderOf(m), m, false, cancelled, now); err != nil {
			return err
		}
	}
	return nil
}

// Reapply stages the effects of pending onto the current contents of
// (c, owner).
func (tx *Tx) Reapply(c models.Collection, owner string, pending []models.QueueItem) error {
	rec := tx.Get(c, owner)
	out, err := Overlay(c, owner, rec.Items, pending, tx.s.now().UnixMilli())
	if err != nil {
		return err
	}
	if sameItems(out, rec.Items) {
		return nil
	}
	return tx.Put(c, owner, out)
}

func (tx *Tx) applyTo(c models.Collection, owner string, m models.Mutation, insert, cancelled bool, now int64) error {
	rec := tx.Get(c, owner)
	out, changed, err := applyEffect(c, rec.Items, m, insert, cancelled, now)
	if err != nil || !changed {
		return err
	}
	return tx.Put(c, owner, out)
}

// OwnersOf returns the owners of c whose snapshot contains id, in key order.
func (tx *Tx) OwnersOf(c models.Collection, id string) []string {
	return tx.ownersOf(c, id)
}

func (tx *Tx) ownersOf(c models.Collection, id string) []string {
	prefix := string(c) + "_"
	seen := make(map[string]bool)
	for _, key := range tx.s.Keys() {
		seen[key] = true
	}
	for _, key := range tx.ordered {
		seen[key] = true
	}

	var owners []string
	for key := range seen {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		kc, owner, ok := models.ParseKey(key)
		if !ok || kc != c {
			continue
		}
		if IndexOf(tx.current(key).Items, id) >= 0 {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)
	return owners
}

func sameItems(a, b []json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}
