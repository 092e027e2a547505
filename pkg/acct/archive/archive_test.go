package archive

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

var noOpLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupArchive(t *testing.T) (*store.Store, *Archiver) {
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

	return s, New(t.TempDir(), noOpLogger)
}

func TestArchiveAndRestoreJobs(t *testing.T) {
	s, a := setupArchive(t)
	ctx := context.Background()

	// Two finished jobs, one with a suspend interval, one still running
	_, err := s.DB().Exec(
		`INSERT INTO jobs (job_id,cluster,id_assoc,alloc_cpus,req_cpus,"user",nodelist,time_eligible,time_start,time_end,state) VALUES
			(1,'c1',10,4,4,'alice','node[0-3]',100,100,200,'COMPLETED'),
			(2,'c1',11,2,2,'bob','node[4-5]',150,150,300,'FAILED'),
			(3,'c1',10,4,4,'alice','node[0-3]',500,500,0,'RUNNING')`,
	)
	require.NoError(t, err)

	var firstDBID int64

	require.NoError(t, s.DB().QueryRow("SELECT id FROM jobs WHERE job_id = 1").Scan(&firstDBID))

	_, err = s.DB().Exec("INSERT INTO suspends (job_db_id,time_start,time_end) VALUES (?,120,140)", firstDBID)
	require.NoError(t, err)

	var (
		path  string
		count int
	)

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		var err error
		path, count, err = a.ArchiveJobs(ctx, txn, "c1", 400)

		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Only the running job survived the purge, and its suspends are gone
	var remaining int64

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM jobs").Scan(&remaining))
	assert.Equal(t, int64(1), remaining)

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM suspends").Scan(&remaining))
	assert.Equal(t, int64(0), remaining)

	// Round trip
	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		restored, err := a.RestoreJobs(ctx, txn, path)
		if err != nil {
			return err
		}

		assert.Equal(t, 2, restored)

		return nil
	})
	require.NoError(t, err)

	var (
		user  string
		end   int64
		state string
	)

	err = s.DB().QueryRow(`SELECT "user", time_end, state FROM jobs WHERE job_id = 1`).Scan(&user, &end, &state)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, int64(200), end)
	assert.Equal(t, "COMPLETED", state)

	// The suspend interval followed its job back
	var ts, te int64

	err = s.DB().QueryRow(
		"SELECT s.time_start, s.time_end FROM suspends s JOIN jobs j ON j.id = s.job_db_id WHERE j.job_id = 1",
	).Scan(&ts, &te)
	require.NoError(t, err)
	assert.Equal(t, []int64{120, 140}, []int64{ts, te})
}

func TestArchiveJobsNothingToArchive(t *testing.T) {
	s, a := setupArchive(t)
	ctx := context.Background()

	err := s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		_, _, err := a.ArchiveJobs(ctx, txn, "c1", 400)

		return err
	})
	assert.ErrorIs(t, err, store.ErrNoChange)
}

func TestArchiveAndRestoreEvents(t *testing.T) {
	s, a := setupArchive(t)
	ctx := context.Background()

	_, err := s.DB().Exec(
		`INSERT INTO events (cluster,node_name,cpu_count,time_start,time_end,reason) VALUES
			('c1','node0',4,100,200,'power failure'),
			('c1','',8,100,0,'')`,
	)
	require.NoError(t, err)

	var path string

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		var err error
		path, _, err = a.ArchiveEvents(ctx, txn, "c1", 400)

		return err
	})
	require.NoError(t, err)

	// The open registration event is kept
	var remaining int64

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM events").Scan(&remaining))
	assert.Equal(t, int64(1), remaining)

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		restored, err := a.RestoreEvents(ctx, txn, path)
		if err != nil {
			return err
		}

		assert.Equal(t, 1, restored)

		return nil
	})
	require.NoError(t, err)

	var reason string

	err = s.DB().QueryRow("SELECT reason FROM events WHERE node_name = 'node0'").Scan(&reason)
	require.NoError(t, err)
	assert.Equal(t, "power failure", reason)
}

func TestRestoreRejectsBadFiles(t *testing.T) {
	s, a := setupArchive(t)
	ctx := context.Background()

	dir := t.TempDir()

	// Not an archive at all
	garbage := filepath.Join(dir, "garbage.dat")
	require.NoError(t, os.WriteFile(garbage, []byte("not an archive"), 0o600))

	err := s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		_, err := a.RestoreJobs(ctx, txn, garbage)

		return err
	})
	assert.ErrorIs(t, err, ErrBadMagic)

	// Right magic, unsupported version
	badVersion := filepath.Join(dir, "future.dat")
	f, err := os.Create(badVersion)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, magic))
	require.NoError(t, binary.Write(f, binary.LittleEndian, uint16(99)))
	require.NoError(t, f.Close())

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		_, err := a.RestoreJobs(ctx, txn, badVersion)

		return err
	})
	assert.ErrorIs(t, err, ErrBadVersion)
}
