package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
	"github.com/slurm-tools/slacctdb/pkg/acct/tree"
)

var noOpLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupAuth(t *testing.T) (*store.Store, *Authorizer) {
	t.Helper()

	s, err := store.Open(&store.Config{
		Logger:   noOpLogger,
		DataPath: t.TempDir(),
		AppName:  "slacctdb_test",
	})
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		_, err := store.AddCluster(ctx, txn, "c1", 8)

		return err
	})
	require.NoError(t, err)

	// science > physics tree plus three users with different privileges
	te := tree.New(s, noOpLogger)

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		if _, err := te.AddAssociations(ctx, txn, "c1", []tree.AddRequest{{Acct: "science"}}); err != nil {
			return err
		}

		_, err := te.AddAssociations(ctx, txn, "c1", []tree.AddRequest{{Acct: "physics", ParentAcct: "science"}})

		return err
	})
	require.NoError(t, err)

	_, err = s.DB().Exec(
		"INSERT INTO users (name,admin_level) VALUES ('root_admin',?),('op',?),('coord',?),('nobody',?)",
		models.AdminFull, models.AdminOperator, models.AdminNone, models.AdminNone,
	)
	require.NoError(t, err)

	// coord coordinates science, which contains physics
	_, err = s.DB().Exec(`INSERT INTO coordinators ("user",acct) VALUES ('coord','science')`)
	require.NoError(t, err)

	a := New(s, noOpLogger)
	t.Cleanup(a.Stop)

	return s, a
}

func TestUserLevel(t *testing.T) {
	_, a := setupAuth(t)
	ctx := context.Background()

	level, err := a.UserLevel(ctx, "root_admin")
	require.NoError(t, err)
	assert.Equal(t, models.AdminFull, level)

	_, err = a.UserLevel(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestRequireAdminAndOperator(t *testing.T) {
	_, a := setupAuth(t)
	ctx := context.Background()

	assert.NoError(t, a.RequireAdmin(ctx, "root_admin"))
	assert.ErrorIs(t, a.RequireAdmin(ctx, "op"), store.ErrAccessDenied)

	assert.NoError(t, a.RequireOperator(ctx, "op"))
	assert.ErrorIs(t, a.RequireOperator(ctx, "nobody"), store.ErrAccessDenied)
}

func TestCoordinatorSubtreeScope(t *testing.T) {
	_, a := setupAuth(t)
	ctx := context.Background()

	// Coordinator of science reaches science itself and its descendants
	assert.NoError(t, a.CanMutateAccount(ctx, "coord", "c1", "science"))
	assert.NoError(t, a.CanMutateAccount(ctx, "coord", "c1", "physics"))

	// But not accounts outside the coordinated subtree
	assert.ErrorIs(t, a.CanMutateAccount(ctx, "coord", "c1", "root"), store.ErrAccessDenied)

	// Plain users reach nothing, operators everything
	assert.ErrorIs(t, a.CanMutateAccount(ctx, "nobody", "c1", "physics"), store.ErrAccessDenied)
	assert.NoError(t, a.CanMutateAccount(ctx, "op", "c1", "physics"))
}

func TestCachedUserLevel(t *testing.T) {
	s, a := setupAuth(t)
	ctx := context.Background()

	level, err := a.CachedUserLevel(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, models.AdminOperator, level)

	// A direct DB change is not visible until the cache entry expires
	_, err = s.DB().Exec("UPDATE users SET admin_level = ? WHERE name = 'op'", models.AdminNone)
	require.NoError(t, err)

	level, err = a.CachedUserLevel(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, models.AdminOperator, level)

	// The authoritative path sees it immediately
	level, err = a.UserLevel(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, models.AdminNone, level)
}
