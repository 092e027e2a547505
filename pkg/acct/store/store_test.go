package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
)

var noOpLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(&Config{
		Logger:   noOpLogger,
		DataPath: t.TempDir(),
		AppName:  "slacctdb_test",
	})
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestAddClusterCreatesRootAndWatermark(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	var cluster *models.Cluster

	err := s.WithTxn(ctx, "tester", func(txn *Txn) error {
		var err error
		cluster, err = AddCluster(ctx, txn, "c1", 16)

		return err
	})
	require.NoError(t, err)
	require.NotNil(t, cluster.RootAssoc)
	assert.Equal(t, int64(1), cluster.RootAssoc.Lft)
	assert.Equal(t, int64(2), cluster.RootAssoc.Rgt)

	var lft, rgt int64

	err = s.DB().QueryRow(
		"SELECT lft, rgt FROM assoc WHERE cluster = 'c1' AND acct = ?", RootAcct,
	).Scan(&lft, &rgt)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, []int64{lft, rgt})

	var hourly int64

	err = s.DB().QueryRow("SELECT hourly FROM rollup_watermarks WHERE cluster = 'c1'").Scan(&hourly)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hourly)

	assert.True(t, s.Clusters().Known("c1"))
}

func TestAddClusterDuplicate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTxn(ctx, "tester", func(txn *Txn) error {
		_, err := AddCluster(ctx, txn, "c1", 16)

		return err
	})
	require.NoError(t, err)

	err = s.WithTxn(ctx, "tester", func(txn *Txn) error {
		_, err := AddCluster(ctx, txn, "c1", 16)

		return err
	})
	assert.ErrorIs(t, err, ErrClusterExists)
}

func TestRemoveClusterRefreshesCache(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTxn(ctx, "tester", func(txn *Txn) error {
		_, err := AddCluster(ctx, txn, "c1", 16)

		return err
	})
	require.NoError(t, err)

	err = s.WithTxn(ctx, "tester", func(txn *Txn) error {
		return RemoveCluster(ctx, txn, "c1")
	})
	require.NoError(t, err)

	assert.False(t, s.Clusters().Known("c1"))

	err = s.WithTxn(ctx, "tester", func(txn *Txn) error {
		return RemoveCluster(ctx, txn, "c1")
	})
	assert.ErrorIs(t, err, ErrClusterNotRegistered)
}

func TestRollbackDiscardsAuditAndUpdates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	var delivered []models.UpdateObject

	s.Subscribe(func(objs []models.UpdateObject) {
		delivered = append(delivered, objs...)
	})

	failErr := errors.New("boom")

	err := s.WithTxn(ctx, "tester", func(txn *Txn) error {
		if _, err := AddCluster(ctx, txn, "c1", 16); err != nil {
			return err
		}

		return failErr
	})
	assert.ErrorIs(t, err, failErr)

	assert.Empty(t, delivered)
	assert.False(t, s.Clusters().Known("c1"))

	var count int64

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM txn_log").Scan(&count))
	assert.Equal(t, int64(0), count)
}

func TestCommitWritesAuditAndDeliversUpdates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	var delivered []models.UpdateObject

	s.Subscribe(func(objs []models.UpdateObject) {
		delivered = append(delivered, objs...)
	})

	err := s.WithTxn(ctx, "admin", func(txn *Txn) error {
		_, err := AddCluster(ctx, txn, "c1", 16)

		return err
	})
	require.NoError(t, err)

	require.Len(t, delivered, 1)
	assert.Equal(t, models.UpdateAdd, delivered[0].Kind)
	assert.Equal(t, models.EntityCluster, delivered[0].Entity)

	var (
		actor, action string
		count         int64
	)

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM txn_log").Scan(&count))
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.DB().QueryRow("SELECT actor, action FROM txn_log").Scan(&actor, &action))
	assert.Equal(t, "admin", actor)
	assert.Equal(t, "add_cluster", action)
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.WithTxn(ctx, "tester", func(txn *Txn) error {
		inserted, err := txn.Upsert(
			ctx,
			"INSERT INTO users (name,admin_level) VALUES (?,?)", []any{"alice", models.AdminNone},
			"UPDATE users SET admin_level = ? WHERE name = ?", []any{models.AdminNone, "alice"},
		)
		if err != nil {
			return err
		}

		assert.True(t, inserted)

		// Second write collides on the unique name and falls back to update
		inserted, err = txn.Upsert(
			ctx,
			"INSERT INTO users (name,admin_level) VALUES (?,?)", []any{"alice", models.AdminFull},
			"UPDATE users SET admin_level = ? WHERE name = ?", []any{models.AdminFull, "alice"},
		)
		if err != nil {
			return err
		}

		assert.False(t, inserted)

		return nil
	})
	require.NoError(t, err)

	var level, count int64

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*), MAX(admin_level) FROM users").Scan(&count, &level))
	assert.Equal(t, int64(1), count)
	assert.Equal(t, models.AdminFull, level)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(&Config{Logger: noOpLogger, DataPath: dir, AppName: "slacctdb_test"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening the same database applies no new migrations and succeeds
	s, err = Open(&Config{Logger: noOpLogger, DataPath: dir, AppName: "slacctdb_test"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
