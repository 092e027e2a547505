package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/slurm-tools/slacctdb/internal/common"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/updates"
)

// Txn is one open store transaction. It buffers update objects and audit
// records; both are written/delivered only when Commit succeeds and are
// discarded by Rollback.
type Txn struct {
	store   *Store
	tx      *sql.Tx
	id      string
	actor   string
	updates *updates.Buffer
	audit   []models.TxnLog
	dirty   bool // cluster cache must be refreshed after commit
	done    bool
}

func newTxn(s *Store, tx *sql.Tx, actor string) *Txn {
	id, err := common.GetUUIDFromString(
		[]string{actor, strconv.FormatInt(time.Now().UnixNano(), 10)},
	)
	if err != nil {
		// Hash-derived UUIDs cannot fail on 16 byte input, keep a fallback anyway
		id = strconv.FormatInt(time.Now().UnixNano(), 16)
	}

	return &Txn{
		store:   s,
		tx:      tx,
		id:      id,
		actor:   actor,
		updates: updates.NewBuffer(),
	}
}

// ID returns the transaction id used in audit records.
func (t *Txn) ID() string {
	return t.id
}

// Actor returns the identity that owns the transaction.
func (t *Txn) Actor() string {
	return t.actor
}

// Exec executes a statement inside the transaction.
func (t *Txn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil && isConnLost(err) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionLost, err)
	}

	return res, err
}

// Query executes a query inside the transaction.
func (t *Txn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil && isConnLost(err) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionLost, err)
	}

	return rows, err
}

// QueryRow executes a single-row query inside the transaction.
func (t *Txn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Upsert attempts the insert statement and falls back to the targeted
// update statement when the insert hits a unique-constraint collision. It
// returns true when a new row was inserted.
func (t *Txn) Upsert(
	ctx context.Context,
	insertQuery string, insertArgs []any,
	updateQuery string, updateArgs []any,
) (bool, error) {
	_, err := t.Exec(ctx, insertQuery, insertArgs...)
	if err == nil {
		return true, nil
	}

	if !isConstraint(err) {
		return false, err
	}

	if _, err := t.Exec(ctx, updateQuery, updateArgs...); err != nil {
		return false, err
	}

	return false, nil
}

// Log buffers one audit record describing a mutation of this transaction.
func (t *Txn) Log(action, object, info, cluster string) {
	t.audit = append(t.audit, models.TxnLog{
		TxnID:     t.id,
		Timestamp: time.Now().Unix(),
		Actor:     t.actor,
		Action:    action,
		Object:    object,
		Info:      info,
		Cluster:   cluster,
	})
}

// AddUpdate buffers an update object for delivery at commit.
func (t *Txn) AddUpdate(obj models.UpdateObject) {
	t.updates.Add(obj)
}

// MarkClustersDirty flags the cluster-name cache for a refresh after a
// successful commit.
func (t *Txn) MarkClustersDirty() {
	t.dirty = true
}

// Commit writes the buffered audit records, commits the transaction,
// refreshes the cluster cache when flagged and flushes update objects to
// subscribers.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done {
		return sql.ErrTxDone
	}

	for _, rec := range t.audit {
		if _, err := t.Exec(
			ctx,
			"INSERT INTO txn_log (txn_id,timestamp,actor,action,object,info,cluster) VALUES (?,?,?,?,?,?,?)",
			rec.TxnID, rec.Timestamp, rec.Actor, rec.Action, rec.Object, rec.Info, rec.Cluster,
		); err != nil {
			return fmt.Errorf("failed to write audit record: %w", err)
		}
	}

	if err := t.tx.Commit(); err != nil {
		txnRollbacks.Inc()

		if isConnLost(err) {
			return fmt.Errorf("%w: %s", ErrConnectionLost, err)
		}

		return err
	}

	t.done = true

	txnCommits.Inc()

	if t.dirty {
		if err := t.store.clusters.Refresh(ctx, t.store.db); err != nil {
			t.store.logger.Error("Failed to refresh cluster cache", "err", err)
		}
	}

	t.store.registry.Flush(t.updates)

	return nil
}

// Rollback aborts the transaction and discards buffered update objects and
// audit records.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true
	t.updates.Reset()
	t.audit = nil

	txnRollbacks.Inc()

	return t.tx.Rollback()
}
