package cache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/db"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// CleanupReport describes what a cleanup pass removed.
type CleanupReport struct {
	EvictedWorkOrders []string `json:"evicted_work_orders"`
	CascadedKeys      []string `json:"cascaded_keys"`
	OrphanKeys        []string `json:"orphan_keys"`
	OrphanSweep       bool     `json:"orphan_sweep"`
}

// Removed reports whether the pass changed anything.
func (r CleanupReport) Removed() bool {
	return len(r.EvictedWorkOrders)+len(r.CascadedKeys)+len(r.OrphanKeys) > 0
}

type retentionProbe struct {
	ID          json.RawMessage        `json:"id"`
	Status      models.WorkOrderStatus `json:"status"`
	CompletedAt json.RawMessage        `json:"completed_at"`
	UpdatedAt   json.RawMessage        `json:"updated_at"`
}

// expired reports whether a cached work order is closed and was closed
// longer than the retention ago. Without completed_at the last update time
// is used; without either the record is kept.
func (s *Store) expired(raw json.RawMessage, now time.Time) bool {
	var p retentionProbe
	if err := json.Unmarshal(raw, &p); err != nil || !p.Status.IsTerminal() {
		return false
	}
	closedAt, ok := parseTime(p.CompletedAt)
	if !ok {
		closedAt, ok = parseTime(p.UpdatedAt)
	}
	return ok && now.Sub(closedAt) > s.retention
}

// PerformCleanup evicts closed work orders past retention, deletes their
// sub-collections, then sweeps sub-collections whose work order is no
// longer cached anywhere. The sweep is skipped when no work order
// collection is cached, since every child would look orphaned.
func (s *Store) PerformCleanup(ctx context.Context) (CleanupReport, error) {
	now := s.now()
	var report CleanupReport

	b := db.NewBatch()
	tx := s.Begin(b)

	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	active := make(map[string]bool)
	haveParents := false
	evicted := make(map[string]bool)

	for _, key := range keys {
		c, owner, ok := models.ParseKey(key)
		if !ok || c != models.CollectionWorkOrders {
			continue
		}
		haveParents = true

		rec := tx.Get(c, owner)
		kept := rec.Items[:0:0]
		for _, it := range rec.Items {
			id := ItemID(it)
			if s.expired(it, now) {
				evicted[id] = true
				report.EvictedWorkOrders = append(report.EvictedWorkOrders, id)
				continue
			}
			active[id] = true
			kept = append(kept, it)
		}
		if len(kept) != len(rec.Items) {
			if err := tx.Put(c, owner, kept); err != nil {
				return CleanupReport{}, err
			}
		}
	}

	// An order evicted from one technician's list but still listed for
	// another stays active.
	for id := range evicted {
		if active[id] {
			continue
		}
		for _, child := range models.WorkOrderChildren {
			key := child.Key(id)
			if s.has(key) {
				tx.DeleteKey(key)
				report.CascadedKeys = append(report.CascadedKeys, key)
			}
		}
	}

	if haveParents {
		report.OrphanSweep = true
		for _, key := range keys {
			c, owner, ok := models.ParseKey(key)
			if !ok || !c.IsWorkOrderChild() || active[owner] || evicted[owner] {
				continue
			}
			tx.DeleteKey(key)
			report.OrphanKeys = append(report.OrphanKeys, key)
		}
	}

	if b.Len() > 0 {
		if err := s.apply(ctx, b); err != nil {
			return CleanupReport{}, err
		}
	}

	sort.Strings(report.EvictedWorkOrders)
	sort.Strings(report.CascadedKeys)
	if report.Removed() {
		logging.Info("Cache cleanup completed", map[string]interface{}{
			"evicted":  len(report.EvictedWorkOrders),
			"cascaded": len(report.CascadedKeys),
			"orphans":  len(report.OrphanKeys),
		})
	}
	return report, nil
}

func (s *Store) has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok
}
