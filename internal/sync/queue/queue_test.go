// Package queue provides unit tests for the durable sync queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/uuid"
)

func newKV(t *testing.T) *db.KV {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	kv := db.NewKV(database)
	t.Cleanup(func() {
		kv.Close()
		database.Close()
	})
	return kv
}

func newQueue(t *testing.T, kv *db.KV) *SyncQueue {
	t.Helper()
	q := NewSyncQueue(kv, Config{})
	require.NoError(t, q.Load(context.Background()))
	t.Cleanup(q.Close)
	return q
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (failingStore) Apply(context.Context, *db.Batch) error          { return errors.New("disk full") }

func updateStatus(id string, s models.WorkOrderStatus) models.Mutation {
	return models.UpdateWorkOrder{WorkOrderID: id, Updates: models.WorkOrderUpdates{Status: models.StatusPtr(s)}}
}

// TestSyncQueueEnqueue tests enqueuing and durable reload.
func TestSyncQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)

	id, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	item, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, models.DefaultMaxRetries, item.MaxRetries)
	assert.Equal(t, "W1", item.EntityID)
	assert.NotZero(t, item.CreatedAt)

	reloaded := newQueue(t, kv)
	got, ok := reloaded.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.MutationUpdateWorkOrder, got.Payload.Type())
}

// TestSyncQueueFIFO tests enqueue order survives reload and later enqueues.
func TestSyncQueueFIFO(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)

	var ids []string
	for _, w := range []string{"W1", "W2", "W3"} {
		id, err := q.Enqueue(ctx, updateStatus(w, models.WorkOrderInProgress))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	reloaded := newQueue(t, kv)
	id4, err := reloaded.Enqueue(ctx, updateStatus("W4", models.WorkOrderInProgress))
	require.NoError(t, err)
	ids = append(ids, id4)

	var got []string
	for _, it := range reloaded.Eligible(time.Now()) {
		got = append(got, it.ID)
	}
	assert.Equal(t, ids, got)
}

// TestSyncQueuePersistFailure tests that a failed write leaves memory untouched.
func TestSyncQueuePersistFailure(t *testing.T) {
	q := NewSyncQueue(failingStore{}, Config{})
	defer q.Close()

	hooked := false
	_, err := q.EnqueueWith(context.Background(), models.NewQueueItem(updateStatus("W1", models.WorkOrderDone)), func(b *db.Batch, _ bool) error {
		b.OnCommit(func() { hooked = true })
		return nil
	})

	assert.True(t, apperrors.Is(err, apperrors.ErrQueuePersist))
	assert.Equal(t, 0, q.Size())
	assert.False(t, hooked)
}

// TestSyncQueueEnqueueWithStage tests staged writes commit with the queue.
func TestSyncQueueEnqueueWithStage(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)

	_, err := q.EnqueueWith(ctx, models.NewQueueItem(updateStatus("W1", models.WorkOrderDone)), func(b *db.Batch, cancelled bool) error {
		assert.False(t, cancelled)
		b.Put("work_orders_tech", []byte(`{"items":[]}`))
		return nil
	})
	require.NoError(t, err)

	_, ok, err := kv.Get(ctx, "work_orders_tech")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestSyncQueueStageErrorAborts tests that a failing stage leaves nothing
// queued and nothing written.
func TestSyncQueueStageErrorAborts(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)

	stageErr := errors.New("cache snapshot unreadable")
	_, err := q.EnqueueWith(ctx, models.NewQueueItem(updateStatus("W1", models.WorkOrderDone)), func(b *db.Batch, _ bool) error {
		b.Put("work_orders_tech", []byte(`{"items":[]}`))
		return stageErr
	})
	assert.ErrorIs(t, err, stageErr)
	assert.Equal(t, 0, q.Size())

	_, ok, err := kv.Get(ctx, "work_orders_tech")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = kv.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestSyncQueueLoadSkipsUnknownItems tests that an item written by a newer
// build does not block loading the rest.
func TestSyncQueueLoadSkipsUnknownItems(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)

	id, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)

	data, ok, err := kv.Get(ctx, StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw = append([]json.RawMessage{json.RawMessage(`{"id":"future","type":"install_firmware","payload":{},"status":"pending","seq":0}`)}, raw...)
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, StorageKey, data))

	reloaded := newQueue(t, kv)
	assert.Equal(t, 1, reloaded.Size())
	_, ok = reloaded.Get(id)
	assert.True(t, ok)
	_, ok = reloaded.Get("future")
	assert.False(t, ok)
}

// TestSyncQueueMaxSize tests the capacity limit.
func TestSyncQueueMaxSize(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(newKV(t), Config{MaxSize: 1})
	defer q.Close()

	_, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, updateStatus("W2", models.WorkOrderDone))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestSyncQueueWriteCancellation tests a delete annulling an unsent create.
func TestSyncQueueWriteCancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("pending create is cancelled", func(t *testing.T) {
		q := newQueue(t, newKV(t))
		temp := uuid.NewTemp()

		_, err := q.Enqueue(ctx, models.AddEquipment{WorkOrderID: "W1", LocalID: temp, EquipmentID: "E1", Quantity: 1})
		require.NoError(t, err)
		id, err := q.Enqueue(ctx, models.RemoveEquipment{WorkOrderID: "W1", InstalledID: temp})
		require.NoError(t, err)

		assert.Empty(t, id)
		assert.Equal(t, 0, q.Size())
	})

	t.Run("image upload is cancelled", func(t *testing.T) {
		q := newQueue(t, newKV(t))
		temp := uuid.NewTemp()

		_, err := q.Enqueue(ctx, models.UploadImage{WorkOrderID: "W1", LocalID: temp, BlobHash: "h", FileName: "a.jpg"})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, models.DeleteImage{WorkOrderID: "W1", ImageID: temp})
		require.NoError(t, err)
		assert.Equal(t, 0, q.Size())
	})

	t.Run("attempted create is kept", func(t *testing.T) {
		q := newQueue(t, newKV(t))
		temp := uuid.NewTemp()

		createID, err := q.Enqueue(ctx, models.AddEquipment{WorkOrderID: "W1", LocalID: temp})
		require.NoError(t, err)
		require.NoError(t, q.Update(ctx, createID, func(it *models.QueueItem) {
			it.LastAttemptAt = time.Now().UnixMilli()
			it.RetryCount = 1
		}))

		id, err := q.Enqueue(ctx, models.RemoveEquipment{WorkOrderID: "W1", InstalledID: temp})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, 2, q.Size())
	})

	t.Run("canonical target is queued", func(t *testing.T) {
		q := newQueue(t, newKV(t))
		_, err := q.Enqueue(ctx, models.RemoveEquipment{WorkOrderID: "W1", InstalledID: "I-100"})
		require.NoError(t, err)
		assert.Equal(t, 1, q.Size())
	})
}

// TestSyncQueueLoadRecoversSyncing tests crash recovery of in-flight items.
func TestSyncQueueLoadRecoversSyncing(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)

	id, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	require.NoError(t, q.Update(ctx, id, func(it *models.QueueItem) {
		it.Status = models.QueueStatusSyncing
	}))

	reloaded := newQueue(t, kv)
	item, ok := reloaded.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.QueueStatusPending, item.Status)
}

// TestRetryDelay tests the capped exponential schedule.
func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.retryCount, time.Second, 60*time.Second); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

// TestSyncQueueEligible tests backoff skipping without blocking later items.
func TestSyncQueueEligible(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))
	base := time.Now()

	deferred, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	fresh, err := q.Enqueue(ctx, updateStatus("W2", models.WorkOrderDone))
	require.NoError(t, err)
	exhausted, err := q.Enqueue(ctx, updateStatus("W3", models.WorkOrderDone))
	require.NoError(t, err)
	failed, err := q.Enqueue(ctx, updateStatus("W4", models.WorkOrderDone))
	require.NoError(t, err)

	require.NoError(t, q.Update(ctx, deferred, func(it *models.QueueItem) {
		it.RetryCount = 2
		it.LastAttemptAt = base.UnixMilli()
	}))
	require.NoError(t, q.Update(ctx, exhausted, func(it *models.QueueItem) {
		it.RetryCount = it.MaxRetries
		it.LastAttemptAt = base.Add(-time.Hour).UnixMilli()
	}))
	require.NoError(t, q.Update(ctx, failed, func(it *models.QueueItem) {
		it.Status = models.QueueStatusFailed
	}))

	ids := func(items []models.QueueItem) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.ID)
		}
		return out
	}

	assert.Equal(t, []string{fresh}, ids(q.Eligible(base.Add(time.Second))))
	assert.Equal(t, []string{deferred, fresh}, ids(q.Eligible(base.Add(2*time.Second))))

	at, ok := q.NextWake(base)
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), at.UnixMilli())
}

// TestSyncQueueUpdateClampsRetryCount tests retryCount never exceeds maxRetries.
func TestSyncQueueUpdateClampsRetryCount(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))

	id, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	require.NoError(t, q.Update(ctx, id, func(it *models.QueueItem) { it.RetryCount = 99 }))

	item, _ := q.Get(id)
	assert.Equal(t, item.MaxRetries, item.RetryCount)
}

// TestSyncQueueDrainGate tests that concurrent drains never overlap.
func TestSyncQueueDrainGate(t *testing.T) {
	q := NewSyncQueue(failingStore{}, Config{})
	defer q.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ran, err := q.Drain(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
		assert.True(t, ran)
		assert.NoError(t, err)
	}()

	<-entered
	assert.True(t, q.IsProcessing())
	ran, err := q.Drain(context.Background(), func(context.Context) error {
		t.Error("second drain must not run")
		return nil
	})
	assert.False(t, ran)
	assert.NoError(t, err)

	close(release)
	wg.Wait()
	assert.False(t, q.IsProcessing())
}

// TestSyncQueueListener tests immediate and per-mutation notifications.
func TestSyncQueueListener(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))

	var seen []models.QueueStats
	unsubscribe := q.AddListener(func(s models.QueueStats) { seen = append(seen, s) })
	require.Len(t, seen, 1)
	assert.Equal(t, 0, seen[0].Total)

	id, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	require.NoError(t, q.Update(ctx, id, func(it *models.QueueItem) { it.Status = models.QueueStatusFailed }))

	require.Len(t, seen, 3)
	assert.Equal(t, 1, seen[1].Pending)
	assert.Equal(t, 1, seen[2].Failed)

	unsubscribe()
	require.NoError(t, q.Remove(ctx, id))
	assert.Len(t, seen, 3)
}

// TestSyncQueueRetry tests manual retry of failed items.
func TestSyncQueueRetry(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))

	a, _ := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	b, _ := q.Enqueue(ctx, updateStatus("W2", models.WorkOrderDone))
	for _, id := range []string{a, b} {
		require.NoError(t, q.Update(ctx, id, func(it *models.QueueItem) {
			it.Status = models.QueueStatusFailed
			it.RetryCount = it.MaxRetries
			it.LastError = "HTTP 500"
			it.ConflictData = &models.ConflictData{Kind: models.ConflictFieldDivergence}
		}))
	}

	require.NoError(t, q.RetryItem(ctx, a))
	item, _ := q.Get(a)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Empty(t, item.LastError)
	assert.Nil(t, item.ConflictData)

	n, err := q.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = q.RetryItem(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueItemNotFound))
	err = q.Remove(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueItemNotFound))
}

// TestSyncQueueRemapEntityID tests temp id rewriting after a create lands.
func TestSyncQueueRemapEntityID(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))
	temp := uuid.NewTemp()

	createID, _ := q.Enqueue(ctx, models.AddEquipment{WorkOrderID: "W1", LocalID: temp})
	require.NoError(t, q.Update(ctx, createID, func(it *models.QueueItem) { it.LastAttemptAt = 1 }))
	removeID, _ := q.Enqueue(ctx, models.RemoveEquipment{WorkOrderID: "W1", InstalledID: temp})

	n, err := q.RemapEntityID(ctx, temp, "I-500")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, _ := q.Get(removeID)
	assert.Equal(t, "I-500", item.EntityID)
	assert.Equal(t, "I-500", item.Payload.(models.RemoveEquipment).InstalledID)

	n, err = q.RemapEntityID(ctx, "nothing", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestSyncQueueTriggers tests drain requests on enqueue and on backoff expiry.
func TestSyncQueueTriggers(t *testing.T) {
	ctx := context.Background()
	q := NewSyncQueue(newKV(t), Config{BaseDelay: 20 * time.Millisecond})
	require.NoError(t, q.Load(ctx))
	defer q.Close()

	triggered := make(chan struct{}, 8)
	online := false
	var mu sync.Mutex
	q.SetTrigger(func() { triggered <- struct{}{} }, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	})

	id, err := q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)
	select {
	case <-triggered:
		t.Fatal("offline enqueue must not request a drain")
	default:
	}

	mu.Lock()
	online = true
	mu.Unlock()
	_, err = q.Enqueue(ctx, updateStatus("W2", models.WorkOrderDone))
	require.NoError(t, err)
	select {
	case <-triggered:
	case <-time.After(time.Second):
		t.Fatal("online enqueue should request a drain")
	}

	// A transient failure arms the wake timer at the end of the backoff window.
	require.NoError(t, q.Update(ctx, id, func(it *models.QueueItem) {
		it.RetryCount = 1
		it.LastAttemptAt = time.Now().UnixMilli()
	}))
	select {
	case <-triggered:
	case <-time.After(time.Second):
		t.Fatal("wake timer should request a drain")
	}
}

// TestSyncQueueStageSeesCancellation tests that stage learns about an annulled create.
func TestSyncQueueStageSeesCancellation(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))
	temp := uuid.NewTemp()

	_, err := q.Enqueue(ctx, models.UploadImage{WorkOrderID: "W1", LocalID: temp, BlobHash: "h", FileName: "a.jpg"})
	require.NoError(t, err)

	var sawCancel bool
	id, err := q.EnqueueWith(ctx, models.NewQueueItem(models.DeleteImage{WorkOrderID: "W1", ImageID: temp}),
		func(_ *db.Batch, cancelled bool) error {
			sawCancel = cancelled
			return nil
		})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.True(t, sawCancel)
}

// TestSyncQueueComplete tests removal with temp id remapping and staged writes.
func TestSyncQueueComplete(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	q := newQueue(t, kv)
	temp := uuid.NewTemp()

	addID, err := q.Enqueue(ctx, models.AddEquipment{WorkOrderID: "W1", LocalID: temp, EquipmentID: "E1", Quantity: 1})
	require.NoError(t, err)
	// Attempted, so the remove below is queued rather than cancelling the add.
	require.NoError(t, q.Update(ctx, addID, func(it *models.QueueItem) { it.LastAttemptAt = 1 }))
	removeID, err := q.Enqueue(ctx, models.RemoveEquipment{WorkOrderID: "W1", InstalledID: temp})
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, addID, temp, "IE-7", func(b *db.Batch) error {
		b.Put("installed_equipment_W1", []byte(`{"items":[{"id":"IE-7"}]}`))
		return nil
	}))

	assert.Equal(t, 1, q.Size())
	it, ok := q.Get(removeID)
	require.True(t, ok)
	assert.Equal(t, "IE-7", it.EntityID)
	assert.Equal(t, "IE-7", it.Payload.(models.RemoveEquipment).InstalledID)

	_, ok, err = kv.Get(ctx, "installed_equipment_W1")
	require.NoError(t, err)
	assert.True(t, ok)

	reloaded := newQueue(t, kv)
	it, ok = reloaded.Get(removeID)
	require.True(t, ok)
	assert.Equal(t, "IE-7", it.EntityID)

	assert.True(t, apperrors.Is(q.Complete(ctx, addID, "", "", nil), apperrors.ErrQueueItemNotFound))
}

// TestSyncQueueBlobHashes tests only queued uploads contribute blob hashes.
func TestSyncQueueBlobHashes(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, newKV(t))

	_, err := q.Enqueue(ctx, models.UploadImage{WorkOrderID: "W1", LocalID: "tmp-1", FileName: "a.jpg", BlobHash: "aa11"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.UploadImage{WorkOrderID: "W1", LocalID: "tmp-2", FileName: "b.jpg", BlobHash: "bb22"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, updateStatus("W1", models.WorkOrderDone))
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"aa11": true, "bb22": true}, q.BlobHashes())

	require.NoError(t, q.Remove(ctx, second))
	assert.Equal(t, map[string]bool{"aa11": true}, q.BlobHashes())
}
