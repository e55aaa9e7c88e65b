// Package remotetest provides an in-memory backend for tests.
package remotetest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/remote"
)

// Operation names used for error injection and call counting.
const (
	OpFetchWorkOrders         = "FetchWorkOrders"
	OpFetchWorkOrder          = "FetchWorkOrder"
	OpFetchEquipment          = "FetchEquipment"
	OpFetchMaterials          = "FetchMaterials"
	OpFetchInstalledEquipment = "FetchInstalledEquipment"
	OpFetchRemovedEquipment   = "FetchRemovedEquipment"
	OpFetchImages             = "FetchImages"
	OpUpdateWorkOrder         = "UpdateWorkOrder"
	OpUpdateMaterials         = "UpdateMaterials"
	OpAddEquipment            = "AddEquipment"
	OpRemoveEquipment         = "RemoveEquipment"
	OpUploadImage             = "UploadImage"
	OpDeleteImage             = "DeleteImage"
	OpPing                    = "Ping"
)

// Fake is a remote.Client backed by maps. Mutations bump updated_at.
type Fake struct {
	mu        sync.Mutex
	orders    map[string]models.WorkOrder
	equipment map[string][]models.Equipment
	materials map[string][]models.Material
	installed map[string][]models.InstalledEquipment
	removed   map[string][]models.RemovedEquipment
	images    map[string][]models.Image
	uploads   map[string][]byte

	errs    map[string][]error
	calls   map[string]int
	forced  int
	nextID  int
	version int64

	// Hook runs before every call, outside the lock. It may block.
	Hook func(ctx context.Context, op string)
}

var _ remote.Client = (*Fake)(nil)

// NewFake creates an empty backend.
func NewFake() *Fake {
	return &Fake{
		orders:    make(map[string]models.WorkOrder),
		equipment: make(map[string][]models.Equipment),
		materials: make(map[string][]models.Material),
		installed: make(map[string][]models.InstalledEquipment),
		removed:   make(map[string][]models.RemovedEquipment),
		images:    make(map[string][]models.Image),
		uploads:   make(map[string][]byte),
		errs:      make(map[string][]error),
		calls:     make(map[string]int),
		version:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

// PutWorkOrder seeds or replaces a work order. A zero UpdatedAt gets the
// next version.
func (f *Fake) PutWorkOrder(wo models.WorkOrder) models.WorkOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wo.UpdatedAt == 0 {
		wo.UpdatedAt = f.bump()
	}
	f.orders[wo.ID] = wo
	return wo
}

// WorkOrder returns the stored work order.
func (f *Fake) WorkOrder(id string) (models.WorkOrder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wo, ok := f.orders[id]
	return wo, ok
}

// SetEquipment seeds the equipment catalog of a technician.
func (f *Fake) SetEquipment(technicianID string, items []models.Equipment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.equipment[technicianID] = items
}

// SetMaterials seeds the materials catalog of a technician.
func (f *Fake) SetMaterials(technicianID string, items []models.Material) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.materials[technicianID] = items
}

// Installed returns installed equipment of a work order.
func (f *Fake) Installed(workOrderID string) []models.InstalledEquipment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InstalledEquipment(nil), f.installed[workOrderID]...)
}

// Images returns the images of a work order.
func (f *Fake) Images(workOrderID string) []models.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Image(nil), f.images[workOrderID]...)
}

// Upload returns the bytes received for an image id.
func (f *Fake) Upload(imageID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[imageID]
}

// Fail queues errors returned by the next calls of op, one per call.
func (f *Fake) Fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

// Calls returns how often op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ForcedUpdates returns how many updates were sent with force.
func (f *Fake) ForcedUpdates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

// Status builds an APIError with the given status.
func Status(code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	return &remote.APIError{StatusCode: code, Message: message}
}

// enter counts the call, runs the hook and pops an injected error. The lock
// is held on return when err is nil.
func (f *Fake) enter(ctx context.Context, op string) error {
	if f.Hook != nil {
		f.Hook(ctx, op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls[op]++
	if q := f.errs[op]; len(q) > 0 {
		err := q[0]
		f.errs[op] = q[1:]
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *Fake) bump() int64 {
	f.version += 1000
	return f.version
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) FetchWorkOrders(ctx context.Context, technicianID string) ([]models.WorkOrder, error) {
	if err := f.enter(ctx, OpFetchWorkOrders); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	out := []models.WorkOrder{}
	for _, wo := range f.orders {
		if wo.TechnicianID == technicianID {
			out = append(out, wo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) FetchWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error) {
	if err := f.enter(ctx, OpFetchWorkOrder); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	wo, ok := f.orders[id]
	if !ok {
		return nil, Status(http.StatusNotFound, "work order not found")
	}
	return &wo, nil
}

func (f *Fake) FetchEquipment(ctx context.Context, technicianID string) ([]models.Equipment, error) {
	if err := f.enter(ctx, OpFetchEquipment); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]models.Equipment{}, f.equipment[technicianID]...), nil
}

func (f *Fake) FetchMaterials(ctx context.Context, technicianID string) ([]models.Material, error) {
	if err := f.enter(ctx, OpFetchMaterials); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]models.Material{}, f.materials[technicianID]...), nil
}

func (f *Fake) FetchInstalledEquipment(ctx context.Context, workOrderID string) ([]models.InstalledEquipment, error) {
	if err := f.enter(ctx, OpFetchInstalledEquipment); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]models.InstalledEquipment{}, f.installed[workOrderID]...), nil
}

func (f *Fake) FetchRemovedEquipment(ctx context.Context, workOrderID string) ([]models.RemovedEquipment, error) {
	if err := f.enter(ctx, OpFetchRemovedEquipment); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]models.RemovedEquipment{}, f.removed[workOrderID]...), nil
}

func (f *Fake) FetchImages(ctx context.Context, workOrderID string) ([]models.Image, error) {
	if err := f.enter(ctx, OpFetchImages); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]models.Image{}, f.images[workOrderID]...), nil
}

func (f *Fake) UpdateWorkOrder(ctx context.Context, id string, updates models.WorkOrderUpdates, force bool) (*models.WorkOrder, error) {
	if err := f.enter(ctx, OpUpdateWorkOrder); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	wo, ok := f.orders[id]
	if !ok {
		return nil, Status(http.StatusNotFound, "work order not found")
	}
	if force {
		f.forced++
	}
	updates.Apply(&wo)
	wo.UpdatedAt = f.bump()
	f.orders[id] = wo
	return &wo, nil
}

func (f *Fake) UpdateMaterials(ctx context.Context, id string, lines []models.MaterialLine) (*models.WorkOrder, error) {
	if err := f.enter(ctx, OpUpdateMaterials); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	wo, ok := f.orders[id]
	if !ok {
		return nil, Status(http.StatusNotFound, "work order not found")
	}
	wo.Materials = append([]models.MaterialLine(nil), lines...)
	wo.UpdatedAt = f.bump()
	f.orders[id] = wo
	return &wo, nil
}

func (f *Fake) AddEquipment(ctx context.Context, m models.AddEquipment) (*models.InstalledEquipment, error) {
	if err := f.enter(ctx, OpAddEquipment); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	for _, it := range f.installed[m.WorkOrderID] {
		if m.LocalID != "" && it.ClientRef == m.LocalID {
			return nil, Status(http.StatusConflict, "duplicate client_ref")
		}
	}
	rec := models.InstalledEquipment{
		ID:           f.newID("IE"),
		WorkOrderID:  m.WorkOrderID,
		EquipmentID:  m.EquipmentID,
		SerialNumber: m.SerialNumber,
		Quantity:     m.Quantity,
		Notes:        m.Notes,
		InstalledAt:  f.bump(),
		ClientRef:    m.LocalID,
	}
	f.installed[m.WorkOrderID] = append(f.installed[m.WorkOrderID], rec)
	return &rec, nil
}

func (f *Fake) RemoveEquipment(ctx context.Context, m models.RemoveEquipment) (*models.RemovedEquipment, error) {
	if err := f.enter(ctx, OpRemoveEquipment); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	list := f.installed[m.WorkOrderID]
	for i, it := range list {
		if it.ID != m.InstalledID {
			continue
		}
		f.installed[m.WorkOrderID] = append(list[:i:i], list[i+1:]...)
		rec := models.RemovedEquipment{
			ID:          f.newID("RE"),
			WorkOrderID: m.WorkOrderID,
			InstalledID: m.InstalledID,
			Reason:      m.Reason,
			RemovedAt:   f.bump(),
		}
		f.removed[m.WorkOrderID] = append(f.removed[m.WorkOrderID], rec)
		return &rec, nil
	}
	return nil, Status(http.StatusNotFound, "installed equipment not found")
}

func (f *Fake) UploadImage(ctx context.Context, m models.UploadImage, data []byte) (*models.Image, error) {
	if err := f.enter(ctx, OpUploadImage); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	for _, it := range f.images[m.WorkOrderID] {
		if m.LocalID != "" && it.ClientRef == m.LocalID {
			return nil, Status(http.StatusConflict, "duplicate client_ref")
		}
	}
	img := models.Image{
		ID:          f.newID("IMG"),
		WorkOrderID: m.WorkOrderID,
		FileName:    m.FileName,
		ContentType: m.ContentType,
		Caption:     m.Caption,
		Size:        int64(len(data)),
		CreatedAt:   f.bump(),
		ClientRef:   m.LocalID,
	}
	img.URL = "https://files.example.test/" + img.ID
	f.images[m.WorkOrderID] = append(f.images[m.WorkOrderID], img)
	f.uploads[img.ID] = append([]byte(nil), data...)
	return &img, nil
}

func (f *Fake) DeleteImage(ctx context.Context, workOrderID, imageID string) error {
	if err := f.enter(ctx, OpDeleteImage); err != nil {
		return err
	}
	defer f.mu.Unlock()
	list := f.images[workOrderID]
	for i, it := range list {
		if it.ID == imageID {
			f.images[workOrderID] = append(list[:i:i], list[i+1:]...)
			delete(f.uploads, imageID)
			return nil
		}
	}
	return Status(http.StatusNotFound, "image not found")
}

func (f *Fake) Ping(ctx context.Context) error {
	if err := f.enter(ctx, OpPing); err != nil {
		return err
	}
	f.mu.Unlock()
	return nil
}

// Probe implements network.Prober.
func (f *Fake) Probe(ctx context.Context) error {
	return f.Ping(ctx)
}
