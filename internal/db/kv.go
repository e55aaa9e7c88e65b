package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
)

const (
	queryGet    = `SELECT value FROM kv_store WHERE key = ?`
	queryPut    = `INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
	               ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	queryDelete = `DELETE FROM kv_store WHERE key = ?`
	queryScan   = `SELECT key, value FROM kv_store WHERE key >= ? AND key < ? ORDER BY key`
	queryAll    = `SELECT key, value FROM kv_store ORDER BY key`
)

// RetryPolicy bounds retries of storage contention errors. It is separate
// from the network retry policy of the sync engine.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy retries a locked database three times, 50ms apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 50 * time.Millisecond}

// KV is a durable key-value store on top of the kv_store table.
type KV struct {
	db    *sql.DB
	retry RetryPolicy

	// Statements are prepared on first use and reused for the process lifetime.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewKV creates a KV on db with the default retry policy.
func NewKV(db *DB) *KV {
	return &KV{db: db.DB, retry: DefaultRetryPolicy}
}

// WithRetryPolicy replaces the contention retry policy.
func (kv *KV) WithRetryPolicy(p RetryPolicy) *KV {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	kv.retry = p
	return kv
}

// prepareStmt gets or creates a prepared statement from cache.
func (kv *KV) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := kv.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := kv.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := kv.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (kv *KV) Close() error {
	var firstErr error
	kv.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		kv.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// IsBusy reports whether err is a transient SQLite lock error.
func IsBusy(err error) bool {
	var sqlErr *sqlite.Error
	if stderrors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

var isBusy = IsBusy

// withRetry runs fn, retrying lock contention up to the policy limit.
func (kv *KV) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= kv.retry.Attempts; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		if attempt == kv.retry.Attempts {
			break
		}
		logging.Debug("storage busy, retrying", map[string]interface{}{
			"op":      op,
			"attempt": attempt,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(kv.retry.Delay):
		}
	}
	return apperrors.Wrap(apperrors.ErrStorageBusy, op, err)
}

// Get returns the value stored under key. ok is false when the key is absent.
func (kv *KV) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	stmt, err := kv.prepareStmt(ctx, queryGet)
	if err != nil {
		return nil, false, err
	}
	err = kv.withRetry(ctx, "kv get", func() error {
		return stmt.QueryRowContext(ctx, key).Scan(&value)
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key.
func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	b := NewBatch()
	b.Put(key, value)
	return kv.Apply(ctx, b)
}

// Delete removes keys. Missing keys are ignored.
func (kv *KV) Delete(ctx context.Context, keys ...string) error {
	b := NewBatch()
	for _, k := range keys {
		b.Delete(k)
	}
	return kv.Apply(ctx, b)
}

// Scan returns every key/value pair whose key starts with prefix. An empty
// prefix returns the whole store.
func (kv *KV) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	query, args := queryAll, []interface{}(nil)
	if prefix != "" {
		query, args = queryScan, []interface{}{prefix, prefixEnd(prefix)}
	}
	stmt, err := kv.prepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	var out map[string][]byte
	err = kv.withRetry(ctx, "kv scan", func() error {
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make(map[string][]byte)
		for rows.Next() {
			var k string
			var v []byte
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			out[k] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return out, nil
}

// Keys returns the keys starting with prefix in sorted order.
func (kv *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := kv.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply commits every operation of b in one transaction, then runs the
// batch's commit hooks. On error nothing is written and no hook runs.
func (kv *KV) Apply(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		b.committed()
		return nil
	}
	put, err := kv.prepareStmt(ctx, queryPut)
	if err != nil {
		return err
	}
	del, err := kv.prepareStmt(ctx, queryDelete)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	err = kv.withRetry(ctx, "kv apply", func() error {
		tx, err := kv.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		txPut := tx.StmtContext(ctx, put)
		txDel := tx.StmtContext(ctx, del)
		for _, op := range b.ops {
			if op.delete {
				_, err = txDel.ExecContext(ctx, op.key)
			} else {
				_, err = txPut.ExecContext(ctx, op.key, op.value, now)
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("apply batch of %d ops: %w", b.Len(), err)
	}

	b.committed()
	return nil
}

// prefixEnd returns the smallest string greater than every string with prefix.
func prefixEnd(prefix string) string {
	p := []byte(prefix)
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] < 0xff {
			p[i]++
			return string(p[:i+1])
		}
	}
	return strings.Repeat("\xff", len(prefix)+1)
}
