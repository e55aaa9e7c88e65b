package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	kv := NewKV(db)
	t.Cleanup(func() {
		kv.Close()
		db.Close()
	})
	return kv
}

func TestKV_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Put(ctx, "work_orders_t1", []byte(`{"items":[]}`)))
	require.NoError(t, kv.Put(ctx, "work_orders_t1", []byte(`{"items":[1]}`)))

	v, ok, err := kv.Get(ctx, "work_orders_t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"items":[1]}`, string(v))

	require.NoError(t, kv.Delete(ctx, "work_orders_t1", "never_existed"))
	_, ok, err = kv.Get(ctx, "work_orders_t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_ScanAndKeys(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	for _, k := range []string{"images_W1", "images_W2", "installed_equipment_W1", "sync_queue"} {
		require.NoError(t, kv.Put(ctx, k, []byte(k)))
	}

	keys, err := kv.Keys(ctx, "images_")
	require.NoError(t, err)
	assert.Equal(t, []string{"images_W1", "images_W2"}, keys)

	all, err := kv.Scan(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "sync_queue", string(all["sync_queue"]))
}

func TestKV_ApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	require.NoError(t, kv.Put(ctx, "gone", []byte("x")))

	hooked := 0
	b := NewBatch()
	b.Put("a", []byte("1"))
	b.Put("b", nil)
	b.Delete("gone")
	b.OnCommit(func() { hooked++ })
	require.NoError(t, kv.Apply(ctx, b))
	assert.Equal(t, 1, hooked)

	all, err := kv.Scan(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "1", string(all["a"]))
	assert.Empty(t, all["b"])

	// A cancelled context aborts the transaction; nothing lands and no hook fires.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	b2 := NewBatch()
	b2.Put("c", []byte("3"))
	b2.OnCommit(func() { hooked++ })
	assert.Error(t, kv.Apply(cancelled, b2))
	assert.Equal(t, 1, hooked)

	_, ok, err := kv.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_withRetry(t *testing.T) {
	errBusy := errors.New("database is locked")
	orig := isBusy
	isBusy = func(err error) bool { return errors.Is(err, errBusy) }
	t.Cleanup(func() { isBusy = orig })

	kv := &KV{retry: RetryPolicy{Attempts: 3, Delay: time.Millisecond}}
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		calls := 0
		err := kv.withRetry(ctx, "op", func() error {
			calls++
			if calls < 3 {
				return errBusy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := kv.withRetry(ctx, "op", func() error {
			calls++
			return errBusy
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrStorageBusy))
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 3, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		boom := errors.New("constraint failed")
		calls := 0
		err := kv.withRetry(ctx, "op", func() error {
			calls++
			return boom
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, calls)
	})
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "images`", prefixEnd("images_"))
	assert.Equal(t, "b", prefixEnd("a\xff"))
}
