// Package remote is the client for the work order backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// Client is the backend API consumed by the sync engine and repository.
type Client interface {
	FetchWorkOrders(ctx context.Context, technicianID string) ([]models.WorkOrder, error)
	FetchWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error)
	FetchEquipment(ctx context.Context, technicianID string) ([]models.Equipment, error)
	FetchMaterials(ctx context.Context, technicianID string) ([]models.Material, error)
	FetchInstalledEquipment(ctx context.Context, workOrderID string) ([]models.InstalledEquipment, error)
	FetchRemovedEquipment(ctx context.Context, workOrderID string) ([]models.RemovedEquipment, error)
	FetchImages(ctx context.Context, workOrderID string) ([]models.Image, error)

	UpdateWorkOrder(ctx context.Context, id string, updates models.WorkOrderUpdates, force bool) (*models.WorkOrder, error)
	UpdateMaterials(ctx context.Context, id string, lines []models.MaterialLine) (*models.WorkOrder, error)
	AddEquipment(ctx context.Context, m models.AddEquipment) (*models.InstalledEquipment, error)
	RemoveEquipment(ctx context.Context, m models.RemoveEquipment) (*models.RemovedEquipment, error)
	UploadImage(ctx context.Context, m models.UploadImage, data []byte) (*models.Image, error)
	DeleteImage(ctx context.Context, workOrderID, imageID string) error

	Ping(ctx context.Context) error
}

// ConflictPayload is the structured diff a backend may attach to a 409.
type ConflictPayload struct {
	Fields []models.ConflictingField `json:"fields,omitempty"`
	Server json.RawMessage           `json:"server,omitempty"`
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Conflict   *ConflictPayload
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// AsAPIError unwraps err to an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type errorBody struct {
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Error    string           `json:"error"`
	Conflict *ConflictPayload `json:"conflict"`
}

// Config holds backend connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per request, default 30s
}

// HTTPClient implements Client with JSON over HTTP.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config Config) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.httpClient = hc
	return c
}

// FetchWorkOrders lists the work orders assigned to a technician.
func (c *HTTPClient) FetchWorkOrders(ctx context.Context, technicianID string) ([]models.WorkOrder, error) {
	var out []models.WorkOrder
	err := c.do(ctx, http.MethodGet, path("technicians", technicianID, "work-orders"), nil, &out)
	return out, err
}

// FetchWorkOrder returns one work order.
func (c *HTTPClient) FetchWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error) {
	var out models.WorkOrder
	if err := c.do(ctx, http.MethodGet, path("work-orders", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchEquipment returns the equipment catalog visible to a technician.
func (c *HTTPClient) FetchEquipment(ctx context.Context, technicianID string) ([]models.Equipment, error) {
	var out []models.Equipment
	err := c.do(ctx, http.MethodGet, path("technicians", technicianID, "equipment"), nil, &out)
	return out, err
}

// FetchMaterials returns the materials catalog visible to a technician.
func (c *HTTPClient) FetchMaterials(ctx context.Context, technicianID string) ([]models.Material, error) {
	var out []models.Material
	err := c.do(ctx, http.MethodGet, path("technicians", technicianID, "materials"), nil, &out)
	return out, err
}

func (c *HTTPClient) FetchInstalledEquipment(ctx context.Context, workOrderID string) ([]models.InstalledEquipment, error) {
	var out []models.InstalledEquipment
	err := c.do(ctx, http.MethodGet, path("work-orders", workOrderID, "installed-equipment"), nil, &out)
	return out, err
}

func (c *HTTPClient) FetchRemovedEquipment(ctx context.Context, workOrderID string) ([]models.RemovedEquipment, error) {
	var out []models.RemovedEquipment
	err := c.do(ctx, http.MethodGet, path("work-orders", workOrderID, "removed-equipment"), nil, &out)
	return out, err
}

func (c *HTTPClient) FetchImages(ctx context.Context, workOrderID string) ([]models.Image, error) {
	var out []models.Image
	err := c.do(ctx, http.MethodGet, path("work-orders", workOrderID, "images"), nil, &out)
	return out, err
}

// UpdateWorkOrder sends a sparse update. With force the backend skips its
// own staleness check.
func (c *HTTPClient) UpdateWorkOrder(ctx context.Context, id string, updates models.WorkOrderUpdates, force bool) (*models.WorkOrder, error) {
	p := path("work-orders", id)
	if force {
		p += "?force=true"
	}
	var out models.WorkOrder
	if err := c.do(ctx, http.MethodPatch, p, updates.Patch(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMaterials replaces the material lines of a work order.
func (c *HTTPClient) UpdateMaterials(ctx context.Context, id string, lines []models.MaterialLine) (*models.WorkOrder, error) {
	if lines == nil {
		lines = []models.MaterialLine{}
	}
	var out models.WorkOrder
	body := map[string]interface{}{"materials": lines}
	if err := c.do(ctx, http.MethodPut, path("work-orders", id, "materials"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddEquipment installs equipment and returns the record with its server id.
func (c *HTTPClient) AddEquipment(ctx context.Context, m models.AddEquipment) (*models.InstalledEquipment, error) {
	body := map[string]interface{}{
		"equipment_id":  m.EquipmentID,
		"serial_number": m.SerialNumber,
		"quantity":      m.Quantity,
		"notes":         m.Notes,
		"client_ref":    m.LocalID,
	}
	var out models.InstalledEquipment
	if err := c.do(ctx, http.MethodPost, path("work-orders", m.WorkOrderID, "installed-equipment"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveEquipment takes installed equipment off a work order.
func (c *HTTPClient) RemoveEquipment(ctx context.Context, m models.RemoveEquipment) (*models.RemovedEquipment, error) {
	body := map[string]interface{}{"reason": m.Reason}
	var out models.RemovedEquipment
	if err := c.do(ctx, http.MethodDelete, path("work-orders", m.WorkOrderID, "installed-equipment", m.InstalledID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadImage sends the photo as multipart form data.
func (c *HTTPClient) UploadImage(ctx context.Context, m models.UploadImage, data []byte) (*models.Image, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("caption", m.Caption); err != nil {
		return nil, err
	}
	if err := w.WriteField("client_ref", m.LocalID); err != nil {
		return nil, err
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, m.FileName))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.createRequest(ctx, http.MethodPost, path("work-orders", m.WorkOrderID, "images"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out models.Image
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteImage removes a photo.
func (c *HTTPClient) DeleteImage(ctx context.Context, workOrderID, imageID string) error {
	return c.do(ctx, http.MethodDelete, path("work-orders", workOrderID, "images", imageID), nil, nil)
}

// Ping checks the health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Probe implements network.Prober.
func (c *HTTPClient) Probe(ctx context.Context) error {
	return c.Ping(ctx)
}

func (c *HTTPClient) do(ctx context.Context, method, p string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.createRequest(ctx, method, p, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// createRequest builds an authenticated request against the base URL.
func (c *HTTPClient) createRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+p, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

func (c *HTTPClient) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return parseError(resp.StatusCode, data)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
		apiErr.Conflict = body.Conflict
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
