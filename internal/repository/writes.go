package repository

import (
	"context"
	"strings"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/uuid"
)

// required checks name/value pairs for blank values.
func required(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperrors.New(apperrors.ErrValidation, strings.Join(missing, ", ")+" required")
}

// UpdateWorkOrder records a sparse change of a work order and returns the
// queue id. Without a base version the cached updated_at is used.
func (r *Repository) UpdateWorkOrder(ctx context.Context, id string, updates models.WorkOrderUpdates) (string, error) {
	if err := required("work order id", id); err != nil {
		return "", err
	}
	if updates.IsEmpty() {
		return "", apperrors.New(apperrors.ErrValidation, "update sets no field")
	}
	if updates.BaseUpdatedAt == 0 {
		if wo, ok := r.WorkOrder(id); ok {
			updates.BaseUpdatedAt = wo.UpdatedAt
		}
	}
	return r.write(ctx, models.UpdateWorkOrder{WorkOrderID: id, Updates: updates})
}

// UpdateMaterials replaces the material lines of a work order.
func (r *Repository) UpdateMaterials(ctx context.Context, id string, lines []models.MaterialLine) (string, error) {
	if err := required("work order id", id); err != nil {
		return "", err
	}
	for _, l := range lines {
		if l.MaterialID == "" || l.Quantity < 0 {
			return "", apperrors.New(apperrors.ErrValidation, "material lines need an id and a non-negative quantity")
		}
	}
	if lines == nil {
		lines = []models.MaterialLine{}
	}
	return r.write(ctx, models.UpdateMaterials{WorkOrderID: id, Materials: lines})
}

// AddEquipment records equipment installed on a work order. The record is
// cached under a temporary id, returned along with the queue id, until the
// server assigns one.
func (r *Repository) AddEquipment(ctx context.Context, m models.AddEquipment) (localID, queueID string, err error) {
	if err := required("work order id", m.WorkOrderID, "equipment id", m.EquipmentID); err != nil {
		return "", "", err
	}
	if m.Quantity <= 0 {
		m.Quantity = 1
	}
	m.LocalID = uuid.NewTemp()
	queueID, err = r.write(ctx, m)
	if err != nil {
		return "", "", err
	}
	return m.LocalID, queueID, nil
}

// RemoveEquipment records removal of installed equipment. Removing equipment
// whose creation has not been sent yet drops both changes; the returned
// queue id is then empty.
func (r *Repository) RemoveEquipment(ctx context.Context, workOrderID, installedID, reason string) (string, error) {
	if err := required("work order id", workOrderID, "installed id", installedID); err != nil {
		return "", err
	}
	return r.write(ctx, models.RemoveEquipment{WorkOrderID: workOrderID, InstalledID: installedID, Reason: reason})
}

// UploadImage stores the photo bytes locally and records the upload. It
// returns the temporary image id and the queue id.
func (r *Repository) UploadImage(ctx context.Context, m models.UploadImage, data []byte) (localID, queueID string, err error) {
	if err := required("work order id", m.WorkOrderID, "file name", m.FileName); err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", "", apperrors.New(apperrors.ErrValidation, "image is empty")
	}

	hash, err := r.blobs.Put(data)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrDatabase, "store image data", err)
	}
	m.BlobHash = hash
	m.LocalID = uuid.NewTemp()

	queueID, err = r.write(ctx, m)
	if err != nil {
		// The stored bytes are unreferenced now; cleanup sweeps them.
		return "", "", err
	}
	return m.LocalID, queueID, nil
}

// DeleteImage records deletion of a photo.
func (r *Repository) DeleteImage(ctx context.Context, workOrderID, imageID string) (string, error) {
	if err := required("work order id", workOrderID, "image id", imageID); err != nil {
		return "", err
	}
	return r.write(ctx, models.DeleteImage{WorkOrderID: workOrderID, ImageID: imageID})
}
