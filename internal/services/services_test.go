package services

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/backend/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/network"
	"github.com/kimhsiao/fieldsync/backend/internal/remote/remotetest"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/storage"
)

const tech = "tech-1"

type harness struct {
	svc       *SyncService
	fake      *remotetest.Fake
	reachable *atomic.Bool
	opts      Options
}

func newOptions(dir string, fake *remotetest.Fake, reachable *atomic.Bool) Options {
	return Options{
		DataDir:      dir,
		TechnicianID: tech,
		Client:       fake,
		Prober: network.ProberFunc(func(ctx context.Context) error {
			if reachable.Load() {
				return nil
			}
			return errors.New("backend unreachable")
		}),
		Registerer: prometheus.NewRegistry(),
		Network:    network.Config{ProbeInterval: time.Hour},
		Scheduler:  scheduler.SchedulerConfig{SyncInterval: time.Hour, CleanupInterval: time.Hour},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{fake: remotetest.NewFake(), reachable: &atomic.Bool{}}
	h.opts = newOptions(t.TempDir(), h.fake, h.reachable)
	h.svc = NewSyncService(h.opts)
	require.NoError(t, h.svc.Initialize(context.Background()))
	t.Cleanup(func() { h.svc.Destroy() })
	return h
}

func (h *harness) setOnline(t *testing.T, online bool) {
	t.Helper()
	h.reachable.Store(online)
	got, err := h.svc.CheckConnection(context.Background())
	require.NoError(t, err)
	require.Equal(t, online, got)
}

func (h *harness) stats(t *testing.T) models.QueueStats {
	t.Helper()
	stats, err := h.svc.QueueStats()
	require.NoError(t, err)
	return stats
}

func (h *harness) blobs() *storage.BlobStore {
	return storage.NewBlobStore(filepath.Join(h.opts.DataDir, "blobs"))
}

// TestSyncService_notInitialized verifies calls fail before Initialize.
func TestSyncService_notInitialized(t *testing.T) {
	svc := NewSyncService(Options{DataDir: t.TempDir()})

	_, err := svc.QueueStats()
	assert.Error(t, err)
	_, err = svc.ForceSyncAll(context.Background())
	assert.Error(t, err)
	assert.False(t, svc.IsOnline())
	assert.NoError(t, svc.Destroy(), "destroying an idle service is a no-op")

	assert.True(t, apperrors.Is(svc.Initialize(context.Background()), apperrors.ErrInvalid), "client is required")
}

// TestSyncService_restartKeepsQueue verifies queued changes survive a
// Destroy/Initialize cycle and a fresh instance on the same directory.
func TestSyncService_restartKeepsQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Repository().UpdateWorkOrder(ctx, "W1", models.WorkOrderUpdates{Notes: models.StringPtr("gate code 4411")})
	require.NoError(t, err)
	require.NoError(t, h.svc.Initialize(ctx), "second Initialize is a no-op")

	require.NoError(t, h.svc.Destroy())
	require.NoError(t, h.svc.Initialize(ctx))
	assert.Equal(t, 1, h.stats(t).Pending)

	require.NoError(t, h.svc.Destroy())
	other := NewSyncService(newOptions(h.opts.DataDir, h.fake, h.reachable))
	require.NoError(t, other.Initialize(ctx))
	defer other.Destroy()

	stats, err := other.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	wo, ok := other.Repository().WorkOrder("W1")
	require.True(t, ok)
	assert.Equal(t, "gate code 4411", wo.Notes)
}

// TestSyncService_offlineWriteDeliveredWhenOnline verifies a change made
// offline is sent once connectivity returns.
func TestSyncService_offlineWriteDeliveredWhenOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.PutWorkOrder(models.WorkOrder{ID: "W1", TechnicianID: tech, Status: models.WorkOrderInProgress})

	_, err := h.svc.Repository().UpdateWorkOrder(ctx, "W1", models.WorkOrderUpdates{Status: models.StatusPtr(models.WorkOrderDone)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.stats(t).Pending)
	assert.Zero(t, h.fake.Calls(remotetest.OpUpdateWorkOrder))

	h.setOnline(t, true)
	require.Eventually(t, func() bool { return h.stats(t).Total == 0 }, 5*time.Second, 10*time.Millisecond)

	server, _ := h.fake.WorkOrder("W1")
	assert.Equal(t, models.WorkOrderDone, server.Status)
	cached, ok := h.svc.Repository().WorkOrder("W1")
	require.True(t, ok)
	assert.Equal(t, models.WorkOrderDone, cached.Status)
}

// TestSyncService_conflictUseServer verifies a conflict is surfaced to
// subscribers and use_server drops the change and refreshes the cache.
func TestSyncService_conflictUseServer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.PutWorkOrder(models.WorkOrder{ID: "W2", TechnicianID: tech, Status: models.WorkOrderInProgress})

	_, err := h.svc.Repository().UpdateWorkOrder(ctx, "W2", models.WorkOrderUpdates{Status: models.StatusPtr(models.WorkOrderOnHold)})
	require.NoError(t, err)
	h.fake.PutWorkOrder(models.WorkOrder{ID: "W2", TechnicianID: tech, Status: models.WorkOrderDone})

	conflicts := make(chan models.QueueItem, 1)
	unsubscribe, err := h.svc.SubscribeConflicts(func(item models.QueueItem) { conflicts <- item })
	require.NoError(t, err)
	defer unsubscribe()

	h.setOnline(t, true)

	var item models.QueueItem
	select {
	case item = <-conflicts:
	case <-time.After(5 * time.Second):
		t.Fatal("conflict not reported")
	}
	require.NotNil(t, item.ConflictData)
	field := item.ConflictData.Field("status")
	require.NotNil(t, field)
	assert.JSONEq(t, `"done"`, string(field.ServerValue))
	assert.JSONEq(t, `"on_hold"`, string(field.LocalValue))
	assert.Zero(t, h.fake.Calls(remotetest.OpUpdateWorkOrder), "conflicting change is not sent")

	status, err := h.svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queue.Conflicts)

	require.NoError(t, h.svc.ResolveConflict(ctx, item.ID, conflict.UseServer, nil))
	assert.Zero(t, h.stats(t).Total)

	require.Eventually(t, func() bool {
		wo, ok := h.svc.Repository().WorkOrder("W2")
		return ok && wo.Status == models.WorkOrderDone
	}, 5*time.Second, 10*time.Millisecond)
}

// TestSyncService_conflictUseLocal verifies use_local re-sends with force.
func TestSyncService_conflictUseLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.PutWorkOrder(models.WorkOrder{ID: "W3", TechnicianID: tech, Status: models.WorkOrderInProgress})

	_, err := h.svc.Repository().UpdateWorkOrder(ctx, "W3", models.WorkOrderUpdates{Status: models.StatusPtr(models.WorkOrderOnHold)})
	require.NoError(t, err)
	h.fake.PutWorkOrder(models.WorkOrder{ID: "W3", TechnicianID: tech, Status: models.WorkOrderCompleted})

	h.setOnline(t, true)
	require.Eventually(t, func() bool { return len(h.stats(t).Conflicts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	id := h.stats(t).Conflicts()[0].ID

	assert.True(t, apperrors.Is(h.svc.ResolveConflict(ctx, id, "ignore", nil), apperrors.ErrInvalid))
	require.NoError(t, h.svc.ResolveConflict(ctx, id, conflict.UseLocal, nil))

	require.Eventually(t, func() bool { return h.stats(t).Total == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.fake.ForcedUpdates())
	server, _ := h.fake.WorkOrder("W3")
	assert.Equal(t, models.WorkOrderOnHold, server.Status)

	assert.True(t, apperrors.Is(h.svc.ResolveConflict(ctx, id, conflict.UseLocal, nil), apperrors.ErrQueueItemNotFound))
}

// TestSyncService_retryRejected verifies a rejected change waits for a
// manual retry.
func TestSyncService_retryRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.PutWorkOrder(models.WorkOrder{ID: "W1", TechnicianID: tech, Status: models.WorkOrderAssigned})
	h.fake.Fail(remotetest.OpUpdateMaterials, remotetest.Status(http.StatusUnprocessableEntity, "unknown material"))

	id, err := h.svc.Repository().UpdateMaterials(ctx, "W1", []models.MaterialLine{{MaterialID: "M1", Quantity: 2}})
	require.NoError(t, err)

	h.setOnline(t, true)
	require.Eventually(t, func() bool { return h.stats(t).Failed == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.RetryItem(ctx, id))
	require.Eventually(t, func() bool { return h.stats(t).Total == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.fake.Calls(remotetest.OpUpdateMaterials))

	n, err := h.svc.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, apperrors.Is(h.svc.RetryItem(ctx, id), apperrors.ErrQueueItemNotFound))
}

// TestSyncService_forceSyncAll verifies a manual sync fails offline and
// drains when online.
func TestSyncService_forceSyncAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ForceSyncAll(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncOffline))

	h.setOnline(t, true)
	result, err := h.svc.ForceSyncAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
}

// TestSyncService_dismissUpload verifies dismissing an upload deletes its
// photo data.
func TestSyncService_dismissUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("jpeg bytes")

	_, id, err := h.svc.Repository().UploadImage(ctx, models.UploadImage{WorkOrderID: "W1", FileName: "meter.jpg"}, data)
	require.NoError(t, err)
	hash := storage.CalculateHash(data)
	assert.True(t, h.blobs().Exists(hash))

	require.NoError(t, h.svc.DismissItem(ctx, id))
	assert.False(t, h.blobs().Exists(hash))
	assert.Zero(t, h.stats(t).Total)

	assert.True(t, apperrors.Is(h.svc.DismissItem(ctx, id), apperrors.ErrQueueItemNotFound))
}

// TestSyncService_performCleanup verifies unreferenced photo data is swept
// while queued uploads keep theirs.
func TestSyncService_performCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued := []byte("queued photo")
	_, _, err := h.svc.Repository().UploadImage(ctx, models.UploadImage{WorkOrderID: "W1", FileName: "a.jpg"}, queued)
	require.NoError(t, err)
	orphan, err := h.blobs().Put([]byte("left behind"))
	require.NoError(t, err)
	h.ageBlob(t, orphan)
	h.ageBlob(t, storage.CalculateHash(queued))

	result, err := h.svc.PerformCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, result.RemovedBlobs)
	assert.True(t, h.blobs().Exists(storage.CalculateHash(queued)))
}

// TestSyncService_cleanupSparesNewPhotoData verifies that photo data stored
// just before its upload is queued survives a cleanup in between.
func TestSyncService_cleanupSparesNewPhotoData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	data := []byte("photo still being saved")
	hash, err := h.blobs().Put(data)
	require.NoError(t, err)

	result, err := h.svc.PerformCleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.RemovedBlobs)
	assert.True(t, h.blobs().Exists(hash))

	_, _, err = h.svc.Repository().UploadImage(ctx, models.UploadImage{WorkOrderID: "W1", FileName: "b.jpg"}, data)
	require.NoError(t, err)
	h.setOnline(t, true)
	require.Eventually(t, func() bool { return h.stats(t).Total == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.fake.Images("W1"), 1)
	assert.Equal(t, data, h.fake.Upload(h.fake.Images("W1")[0].ID))
}

// ageBlob backdates stored photo data past the cleanup grace period.
func (h *harness) ageBlob(t *testing.T, hash string) {
	t.Helper()
	old := time.Now().Add(-2 * DefaultBlobGrace)
	path := filepath.Join(h.opts.DataDir, "blobs", hash[0:2], hash[2:4], hash)
	require.NoError(t, os.Chtimes(path, old, old))
}

// TestSyncService_subscriptions verifies queue and network subscribers get
// the current state at once and later changes.
func TestSyncService_subscriptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var pending atomic.Int32
	stopQueue, err := h.svc.SubscribeQueueStats(func(s models.QueueStats) { pending.Store(int32(s.Pending)) })
	require.NoError(t, err)
	defer stopQueue()

	states := make(chan bool, 4)
	stopNetwork, err := h.svc.SubscribeNetworkStatus(func(s models.NetworkState) { states <- s.IsOnline })
	require.NoError(t, err)
	defer stopNetwork()
	assert.False(t, <-states)

	_, err = h.svc.Repository().UpdateWorkOrder(ctx, "W1", models.WorkOrderUpdates{Notes: models.StringPtr("x")})
	require.NoError(t, err)
	assert.Equal(t, int32(1), pending.Load())

	h.reachable.Store(true)
	online, err := h.svc.ReportConnectivity(ctx, true)
	require.NoError(t, err)
	assert.True(t, online)
	assert.True(t, <-states)
}

// TestOptionsFromConfig verifies config values reach the components.
func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TechnicianID = "tech-9"
	cfg.Backend.BaseURL = "https://api.example.com"
	cfg.Sync.Interval = 2 * time.Minute

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "tech-9", opts.TechnicianID)
	assert.Equal(t, cfg.DataDir, opts.DataDir)
	assert.Equal(t, 2*time.Minute, opts.Scheduler.SyncInterval)
	assert.Equal(t, time.Hour, opts.Scheduler.CleanupInterval)
	assert.NotNil(t, opts.Client)
	assert.Same(t, opts.Client, opts.Prober, "backend client probes reachability by default")

	cfg.Network.ProbeURL = "https://status.example.com"
	_, isHTTPProber := OptionsFromConfig(cfg).Prober.(*network.HTTPProber)
	assert.True(t, isHTTPProber)
}

// TestSyncService_applyConfig verifies a reload changes the log level.
func TestSyncService_applyConfig(t *testing.T) {
	h := newHarness(t)
	logger := logging.Get()
	before := logger.Level()
	defer logger.SetLevel(before)

	prev := config.Default()
	next := config.Default()
	next.Log.Level = "error"
	next.Network.ProbeInterval = 10 * time.Minute

	h.svc.ApplyConfig(prev, next)
	assert.Equal(t, logging.LevelError, logger.Level())
}
