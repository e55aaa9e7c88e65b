// Package cache keeps the last-known-good snapshot of every cached entity
// collection, mirrored in memory and persisted in the key-value store.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// KV is the durable storage the cache persists to.
type KV interface {
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	Apply(ctx context.Context, b *db.Batch) error
}

// Config holds cache configuration.
type Config struct {
	Retention time.Duration // Age after which closed work orders are evicted (default: 24 hours)
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{Retention: 24 * time.Hour}
}

// Store serves snapshots from memory. Writes reach memory only after they
// are durable.
type Store struct {
	kv        KV
	retention time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]models.CacheRecord
}

// New creates a cache store on kv.
func New(kv KV, cfg Config) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Store{
		kv:        kv,
		retention: cfg.Retention,
		now:       time.Now,
		records:   make(map[string]models.CacheRecord),
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Load fills the memory mirror from durable storage. Undecodable records
// are skipped and logged.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.kv.Scan(ctx, "")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheUnavailable, "load cache", err)
	}

	records := make(map[string]models.CacheRecord)
	for key, data := range raw {
		if _, _, ok := models.ParseKey(key); !ok {
			continue
		}
		var rec models.CacheRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.ErrorWithCode("Skipping unreadable cache record", string(apperrors.ErrCacheUnavailable), err,
				map[string]interface{}{"key": key})
			continue
		}
		records[key] = rec
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	logging.Info("Cache loaded", map[string]interface{}{"records": len(records)})
	return nil
}

// Get returns the snapshot for (c, owner), empty if nothing is cached. It
// never touches disk or network.
func (s *Store) Get(c models.Collection, owner string) models.CacheRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecord(s.records[c.Key(owner)])
}

// Has reports whether a snapshot exists for (c, owner).
func (s *Store) Has(c models.Collection, owner string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[c.Key(owner)]
	return ok
}

// Keys returns every cached key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put overwrites the snapshot for (c, owner).
func (s *Store) Put(ctx context.Context, c models.Collection, owner string, items []json.RawMessage) error {
	b := db.NewBatch()
	if err := s.Begin(b).Put(c, owner, items); err != nil {
		return err
	}
	return s.apply(ctx, b)
}

// PatchOne merges patch into the item with the given id, inserting it when
// absent.
func (s *Store) PatchOne(ctx context.Context, c models.Collection, owner, id string, patch map[string]interface{}) error {
	b := db.NewBatch()
	if err := s.Begin(b).PatchOne(c, owner, id, patch); err != nil {
		return err
	}
	return s.apply(ctx, b)
}

// RemoveOne drops the item with the given id.
func (s *Store) RemoveOne(ctx context.Context, c models.Collection, owner, id string) error {
	b := db.NewBatch()
	if err := s.Begin(b).RemoveOne(c, owner, id); err != nil {
		return err
	}
	return s.apply(ctx, b)
}

// Delete removes whole snapshots by key.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	b := db.NewBatch()
	tx := s.Begin(b)
	for _, k := range keys {
		tx.DeleteKey(k)
	}
	return s.apply(ctx, b)
}

func (s *Store) apply(ctx context.Context, b *db.Batch) error {
	if err := s.kv.Apply(ctx, b); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "write cache", err)
	}
	return nil
}

// Tx stages cache writes into a batch. Reads through a Tx see its own
// staged writes. Memory follows when the batch commits.
type Tx struct {
	s       *Store
	b       *db.Batch
	staged  map[string]*models.CacheRecord // nil value = deleted
	ordered []string
}

// Begin starts staging cache writes into b.
func (s *Store) Begin(b *db.Batch) *Tx {
	tx := &Tx{s: s, b: b, staged: make(map[string]*models.CacheRecord)}
	b.OnCommit(tx.commit)
	return tx
}

func (tx *Tx) current(key string) models.CacheRecord {
	if rec, ok := tx.staged[key]; ok {
		if rec == nil {
			return models.CacheRecord{}
		}
		return copyRecord(*rec)
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return copyRecord(tx.s.records[key])
}

// Get returns the snapshot as it will be after the staged writes.
func (tx *Tx) Get(c models.Collection, owner string) models.CacheRecord {
	return tx.current(c.Key(owner))
}

func (tx *Tx) stage(key string, rec *models.CacheRecord) error {
	if rec == nil {
		tx.b.Delete(key)
	} else {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode cache record %s: %w", key, err)
		}
		tx.b.Put(key, data)
	}
	if _, seen := tx.staged[key]; !seen {
		tx.ordered = append(tx.ordered, key)
	}
	tx.staged[key] = rec
	return nil
}

// Put stages an overwrite of (c, owner).
func (tx *Tx) Put(c models.Collection, owner string, items []json.RawMessage) error {
	if items == nil {
		items = []json.RawMessage{}
	}
	rec := models.CacheRecord{Items: items, LastModified: tx.s.now().UnixMilli()}
	return tx.stage(c.Key(owner), &rec)
}

// PatchOne stages a merge of patch into the item with id.
func (tx *Tx) PatchOne(c models.Collection, owner, id string, patch map[string]interface{}) error {
	key := c.Key(owner)
	rec := tx.current(key)

	idx := IndexOf(rec.Items, id)
	var base json.RawMessage
	if idx >= 0 {
		base = rec.Items[idx]
	}
	merged, err := MergeItem(base, id, patch)
	if err != nil {
		return fmt.Errorf("patch %s in %s: %w", id, key, err)
	}
	if idx >= 0 {
		rec.Items[idx] = merged
	} else {
		rec.Items = append(rec.Items, merged)
	}
	rec.LastModified = tx.s.now().UnixMilli()
	return tx.stage(key, &rec)
}

// UpsertOne stages insertion or replacement of a whole item. When
// replaceID is set, the item with that id is replaced instead of the one
// matching the new item's id.
func (tx *Tx) UpsertOne(c models.Collection, owner, replaceID string, item json.RawMessage) error {
	key := c.Key(owner)
	rec := tx.current(key)

	id := replaceID
	if id == "" {
		id = ItemID(item)
	}
	newID := ItemID(item)

	out := rec.Items[:0:0]
	placed := false
	for _, it := range rec.Items {
		itID := ItemID(it)
		switch {
		case itID == id && !placed:
			out = append(out, item)
			placed = true
		case itID == newID && newID != id:
			// drop stale duplicate of the canonical record
		default:
			out = append(out, it)
		}
	}
	if !placed {
		out = append(out, item)
	}
	rec.Items = out
	rec.LastModified = tx.s.now().UnixMilli()
	return tx.stage(key, &rec)
}

// RemoveOne stages removal of the item with id. Missing items are ignored.
func (tx *Tx) RemoveOne(c models.Collection, owner, id string) error {
	key := c.Key(owner)
	rec := tx.current(key)
	idx := IndexOf(rec.Items, id)
	if idx < 0 {
		return nil
	}
	rec.Items = append(rec.Items[:idx:idx], rec.Items[idx+1:]...)
	rec.LastModified = tx.s.now().UnixMilli()
	return tx.stage(key, &rec)
}

// DeleteKey stages removal of a whole snapshot.
func (tx *Tx) DeleteKey(key string) {
	tx.stage(key, nil)
}

func (tx *Tx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, key := range tx.ordered {
		if rec := tx.staged[key]; rec == nil {
			delete(tx.s.records, key)
		} else {
			tx.s.records[key] = *rec
		}
	}
}

// ItemID returns the "id" of a JSON object as a string. Numeric ids are
// rendered in decimal.
func ItemID(item json.RawMessage) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(probe.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

// IndexOf returns the position of the item with id, or -1.
func IndexOf(items []json.RawMessage, id string) int {
	for i, it := range items {
		if ItemID(it) == id {
			return i
		}
	}
	return -1
}

// MergeItem overlays patch onto base, a JSON object. Fields absent from
// patch keep their original bytes. A nil base yields a new object with id.
func MergeItem(base json.RawMessage, id string, patch map[string]interface{}) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(base)) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, err
		}
	} else {
		idJSON, _ := json.Marshal(id)
		fields["id"] = idJSON
	}
	for k, v := range patch {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		fields[k] = data
	}
	return json.Marshal(fields)
}

func copyRecord(rec models.CacheRecord) models.CacheRecord {
	out := models.CacheRecord{LastModified: rec.LastModified}
	if rec.Items != nil {
		out.Items = make([]json.RawMessage, len(rec.Items))
		copy(out.Items, rec.Items)
	} else {
		out.Items = []json.RawMessage{}
	}
	return out
}

// Items decodes a cached collection into T.
func Items[T any](s *Store, c models.Collection, owner string) ([]T, error) {
	return Decode[T](s.Get(c, owner))
}

// Decode decodes every item of rec into T.
func Decode[T any](rec models.CacheRecord) ([]T, error) {
	out := make([]T, 0, len(rec.Items))
	for i, raw := range rec.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode encodes items for storage.
func Encode[T any](items []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// PutItems encodes items and overwrites (c, owner).
func PutItems[T any](ctx context.Context, s *Store, c models.Collection, owner string, items []T) error {
	raw, err := Encode(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c, err)
	}
	return s.Put(ctx, c, owner, raw)
}

// parseTime accepts RFC3339 strings and Unix millisecond numbers.
func parseTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
