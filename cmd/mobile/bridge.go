package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/services"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/conflict"
)

const (
	callTimeout = 30 * time.Second
	syncTimeout = 2 * time.Minute
	maxEvents   = 100
)

// Event is a notification buffered for the host app, which polls for them.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// bridge adapts the sync service to JSON in, JSON out calls.
type bridge struct {
	mu          sync.Mutex
	svc         *services.SyncService
	unsubscribe []func()

	eventsMu sync.Mutex
	events   []Event
}

var errNotInitialized = apperrors.New(apperrors.ErrInternal, "fieldsync core not initialized")

func (b *bridge) init(ctx context.Context, opts services.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.svc != nil {
		return nil
	}
	svc := services.NewSyncService(opts)
	if err := svc.Initialize(ctx); err != nil {
		return err
	}

	subs := []func() (func(), error){
		func() (func(), error) {
			return svc.SubscribeQueueStats(func(stats models.QueueStats) {
				b.push("queue.stats", map[string]interface{}{
					"total":     stats.Total,
					"pending":   stats.Pending,
					"syncing":   stats.Syncing,
					"failed":    stats.Failed,
					"conflicts": len(stats.Conflicts()),
				})
			})
		},
		func() (func(), error) {
			return svc.SubscribeNetworkStatus(func(state models.NetworkState) {
				b.push("network.status", state)
			})
		},
		func() (func(), error) {
			return svc.SubscribeConflicts(func(item models.QueueItem) {
				b.push("sync.conflict_detected", item)
			})
		},
	}
	for _, sub := range subs {
		unsub, err := sub()
		if err != nil {
			svc.Destroy()
			return err
		}
		b.unsubscribe = append(b.unsubscribe, unsub)
	}

	b.svc = svc
	return nil
}

// initFromConfig loads configPath and initializes the service. Logs go to
// the configured file; mobile hosts have no useful stdout.
func (b *bridge) initFromConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Log.File != "" {
		logging.InitFile(logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}, cfg.LogLevel())
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return b.init(ctx, services.OptionsFromConfig(cfg))
}

func (b *bridge) destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.svc == nil {
		return nil
	}
	for _, unsub := range b.unsubscribe {
		unsub()
	}
	b.unsubscribe = nil
	err := b.svc.Destroy()
	b.svc = nil

	b.eventsMu.Lock()
	b.events = nil
	b.eventsMu.Unlock()
	return err
}

func (b *bridge) service() (*services.SyncService, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil, errNotInitialized
	}
	return b.svc, nil
}

// push buffers an event, dropping the oldest once the buffer is full.
func (b *bridge) push(typ string, data interface{}) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if len(b.events) == maxEvents {
		b.events = b.events[1:]
	}
	b.events = append(b.events, Event{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (b *bridge) pollEvents() ([]byte, error) {
	b.eventsMu.Lock()
	events := b.events
	b.events = nil
	b.eventsMu.Unlock()
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(events)
}

// call runs fn with a bounded context and encodes its result.
func (b *bridge) call(timeout time.Duration, fn func(ctx context.Context, svc *services.SyncService) (interface{}, error)) ([]byte, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := fn(ctx, svc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (b *bridge) status() ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		return svc.Status()
	})
}

func (b *bridge) queueStats() ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		return svc.QueueStats()
	})
}

func (b *bridge) forceSync() ([]byte, error) {
	return b.call(syncTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		return svc.ForceSyncAll(ctx)
	})
}

func (b *bridge) reportConnectivity(connected bool) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		online, err := svc.ReportConnectivity(ctx, connected)
		return models.NetworkState{IsOnline: online}, err
	})
}

func (b *bridge) retryItem(id string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		return map[string]string{"status": "pending"}, svc.RetryItem(ctx, id)
	})
}

func (b *bridge) retryAllFailed() ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		n, err := svc.RetryAllFailed(ctx)
		return map[string]int{"retried": n}, err
	})
}

func (b *bridge) dismiss(id string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		return map[string]string{"status": "dismissed"}, svc.DismissItem(ctx, id)
	})
}

// resolveConflict decodes mergedJSON with the mutation type of the queued
// item when the strategy is merge.
func (b *bridge) resolveConflict(id, strategy, mergedJSON string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		s, err := conflict.ParseStrategy(strategy)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "strategy", err)
		}
		var merged models.Mutation
		if mergedJSON != "" {
			stats, err := svc.QueueStats()
			if err != nil {
				return nil, err
			}
			var item *models.QueueItem
			for i := range stats.Items {
				if stats.Items[i].ID == id {
					item = &stats.Items[i]
					break
				}
			}
			if item == nil {
				return nil, apperrors.New(apperrors.ErrQueueItemNotFound, "queue item "+id+" not found")
			}
			if merged, err = models.DecodeMutation(item.Type, json.RawMessage(mergedJSON)); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrValidation, "merged payload", err)
			}
		}
		return map[string]string{"status": "resolved"}, svc.ResolveConflict(ctx, id, s, merged)
	})
}

func (b *bridge) read(collection, owner string, refresh bool) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		rec, err := svc.Read(ctx, models.Collection(collection), owner, refresh)
		if rec.Items == nil {
			rec.Items = []json.RawMessage{}
		}
		return rec, err
	})
}

func (b *bridge) cleanup() ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		return svc.PerformCleanup(ctx)
	})
}

// errorJSON renders err as {"code": ..., "error": ...} for GetLastError.
func errorJSON(err error) string {
	data, _ := json.Marshal(map[string]string{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
	return string(data)
}

func decodeArg(name, raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s", name), err)
	}
	return nil
}

type queuedResult struct {
	QueueID string `json:"queue_id"`
	LocalID string `json:"local_id,omitempty"`
}

func (b *bridge) updateWorkOrder(id, updatesJSON string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		var updates models.WorkOrderUpdates
		if err := decodeArg("updates", updatesJSON, &updates); err != nil {
			return nil, err
		}
		qid, err := svc.Repository().UpdateWorkOrder(ctx, id, updates)
		return queuedResult{QueueID: qid}, err
	})
}

func (b *bridge) updateMaterials(id, linesJSON string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		var lines []models.MaterialLine
		if err := decodeArg("materials", linesJSON, &lines); err != nil {
			return nil, err
		}
		qid, err := svc.Repository().UpdateMaterials(ctx, id, lines)
		return queuedResult{QueueID: qid}, err
	})
}

func (b *bridge) addEquipment(equipmentJSON string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		var m models.AddEquipment
		if err := decodeArg("equipment", equipmentJSON, &m); err != nil {
			return nil, err
		}
		localID, qid, err := svc.Repository().AddEquipment(ctx, m)
		return queuedResult{QueueID: qid, LocalID: localID}, err
	})
}

func (b *bridge) removeEquipment(workOrderID, installedID, reason string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		qid, err := svc.Repository().RemoveEquipment(ctx, workOrderID, installedID, reason)
		return queuedResult{QueueID: qid}, err
	})
}

// uploadImage reads the photo from path, which the host app wrote to its
// own storage, and queues the upload.
func (b *bridge) uploadImage(imageJSON, path string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		var m models.UploadImage
		if err := decodeArg("image", imageJSON, &m); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "read image file", err)
		}
		localID, qid, err := svc.Repository().UploadImage(ctx, m, data)
		return queuedResult{QueueID: qid, LocalID: localID}, err
	})
}

func (b *bridge) deleteImage(workOrderID, imageID string) ([]byte, error) {
	return b.call(callTimeout, func(ctx context.Context, svc *services.SyncService) (interface{}, error) {
		qid, err := svc.Repository().DeleteImage(ctx, workOrderID, imageID)
		return queuedResult{QueueID: qid}, err
	})
}
