package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueStatus is the state of a queued mutation. Removal from the queue is
// the implicit final state.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSyncing QueueStatus = "syncing"
	QueueStatusFailed  QueueStatus = "failed"
)

// DefaultMaxRetries bounds automatic retries per item.
const DefaultMaxRetries = 5

// QueueItem is one durable record per pending local mutation.
type QueueItem struct {
	ID            string        `json:"id"`
	Seq           int64         `json:"seq"`
	Type          MutationType  `json:"type"`
	Entity        string        `json:"entity"`
	EntityID      string        `json:"entity_id"`
	Action        Action        `json:"action"`
	Payload       Mutation      `json:"-"`
	Status        QueueStatus   `json:"status"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	CreatedAt     int64         `json:"created_at"`      // Unix ms
	LastAttemptAt int64         `json:"last_attempt_at"` // Unix ms, 0 = never sent
	LastError     string        `json:"last_error,omitempty"`
	ConflictData  *ConflictData `json:"conflict_data,omitempty"`

	// ForceOverwrite skips conflict detection on the next attempt.
	ForceOverwrite bool `json:"force_overwrite,omitempty"`
}

// NewQueueItem builds an unsaved item for m. The queue assigns ID, Seq and
// timestamps on enqueue.
func NewQueueItem(m Mutation) QueueItem {
	return QueueItem{
		Type:       m.Type(),
		Entity:     m.Entity(),
		EntityID:   m.EntityID(),
		Action:     m.Action(),
		Payload:    m,
		Status:     QueueStatusPending,
		MaxRetries: DefaultMaxRetries,
	}
}

// SetPayload replaces the payload and keeps the derived fields in step.
func (q *QueueItem) SetPayload(m Mutation) {
	q.Payload = m
	q.Type = m.Type()
	q.Entity = m.Entity()
	q.EntityID = m.EntityID()
	q.Action = m.Action()
}

// Clone returns a copy that shares no mutable state with q.
func (q QueueItem) Clone() QueueItem {
	if q.ConflictData != nil {
		cd := *q.ConflictData
		cd.ConflictingFields = append([]ConflictingField(nil), q.ConflictData.ConflictingFields...)
		q.ConflictData = &cd
	}
	return q
}

// LastAttemptTime returns LastAttemptAt as time.Time.
func (q *QueueItem) LastAttemptTime() time.Time {
	return time.UnixMilli(q.LastAttemptAt)
}

type queueItemJSON QueueItem

type queueItemWire struct {
	queueItemJSON
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON stores the typed payload under "payload".
func (q QueueItem) MarshalJSON() ([]byte, error) {
	if q.Payload == nil {
		return nil, fmt.Errorf("queue item %s has no payload", q.ID)
	}
	payload, err := json.Marshal(q.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queueItemWire{queueItemJSON: queueItemJSON(q), Payload: payload})
}

// UnmarshalJSON decodes the payload variant selected by "type".
func (q *QueueItem) UnmarshalJSON(data []byte) error {
	var wire queueItemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m, err := DecodeMutation(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	*q = QueueItem(wire.queueItemJSON)
	q.Payload = m
	return nil
}

// ConflictKind classifies how a conflict was found.
type ConflictKind string

const (
	// ConflictFieldDivergence means mutable fields changed on both sides.
	ConflictFieldDivergence ConflictKind = "field_divergence"
	// ConflictTerminalStatus means the server record is closed and the
	// local change would reopen it.
	ConflictTerminalStatus ConflictKind = "terminal_status"
	// ConflictServerReported means the backend answered 409 with a diff.
	ConflictServerReported ConflictKind = "server_reported"
)

// ConflictingField is one field whose values diverged.
type ConflictingField struct {
	Field       string          `json:"field"`
	ServerValue json.RawMessage `json:"server_value"`
	LocalValue  json.RawMessage `json:"local_value"`
}

// ConflictData describes a detected conflict for the presentation layer.
type ConflictData struct {
	Kind              ConflictKind       `json:"kind"`
	ServerVersion     json.RawMessage    `json:"server_version,omitempty"`
	LocalUpdates      json.RawMessage    `json:"local_updates,omitempty"`
	ConflictingFields []ConflictingField `json:"conflicting_fields"`
}

// Field returns the entry for name, or nil.
func (c *ConflictData) Field(name string) *ConflictingField {
	for i := range c.ConflictingFields {
		if c.ConflictingFields[i].Field == name {
			return &c.ConflictingFields[i]
		}
	}
	return nil
}

// QueueStats summarizes the queue for subscribers.
type QueueStats struct {
	Total   int         `json:"total"`
	Pending int         `json:"pending"`
	Syncing int         `json:"syncing"`
	Failed  int         `json:"failed"`
	Items   []QueueItem `json:"items"`
}

// Conflicts returns failed items that carry conflict data.
func (s QueueStats) Conflicts() []QueueItem {
	var out []QueueItem
	for _, it := range s.Items {
		if it.Status == QueueStatusFailed && it.ConflictData != nil {
			out = append(out, it)
		}
	}
	return out
}
