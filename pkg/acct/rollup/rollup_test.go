package rollup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
	"github.com/slurm-tools/slacctdb/pkg/acct/tree"
)

var noOpLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// hourH is an hour-aligned reference timestamp used by the hourly tests.
var hourH = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC).Unix()

func setupRollup(t *testing.T, cluster string) (*store.Store, *Engine, int64) {
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
		_, err := store.AddCluster(ctx, txn, cluster, 4)

		return err
	})
	require.NoError(t, err)

	// A physics/alice branch to attribute job usage to
	te := tree.New(s, noOpLogger)

	var aliceID int64

	err = s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		if _, err := te.AddAssociations(ctx, txn, cluster, []tree.AddRequest{{Acct: "physics"}}); err != nil {
			return err
		}

		ids, err := te.AddAssociations(ctx, txn, cluster, []tree.AddRequest{{Acct: "physics", User: "alice"}})
		if err != nil {
			return err
		}

		aliceID = ids[0]

		return nil
	})
	require.NoError(t, err)

	return s, New(s, noOpLogger), aliceID
}

func registerCluster(t *testing.T, s *store.Store, cluster string, cpus, start, end int64) {
	t.Helper()

	_, err := s.DB().Exec(
		"INSERT INTO events (cluster,node_name,cpu_count,time_start,time_end) VALUES (?,'',?,?,?)",
		cluster, cpus, start, end,
	)
	require.NoError(t, err)
}

func insertJob(t *testing.T, s *store.Store, cluster string, jobID, assocID, resvID, allocCPUs, start, end int64) {
	t.Helper()

	_, err := s.DB().Exec(
		`INSERT INTO jobs (job_id,cluster,id_assoc,id_resv,alloc_cpus,req_cpus,time_eligible,time_start,time_end)
			VALUES (?,?,?,?,?,?,?,?,?)`,
		jobID, cluster, assocID, resvID, allocCPUs, allocCPUs, start, start, end,
	)
	require.NoError(t, err)
}

func clusterBucket(t *testing.T, s *store.Store, table, cluster string, period int64) models.UsageBucket {
	t.Helper()

	var b models.UsageBucket

	err := s.DB().QueryRow(
		`SELECT cpu_count, alloc_cpu_secs, down_cpu_secs, pdown_cpu_secs,
			idle_cpu_secs, reserved_cpu_secs, over_cpu_secs
			FROM `+table+` WHERE scope = ? AND cluster = ? AND period_start = ?`,
		models.ScopeCluster, cluster, period,
	).Scan(
		&b.CPUCount, &b.AllocCPUSecs, &b.DownCPUSecs, &b.PDownCPUSecs,
		&b.IdleCPUSecs, &b.ReservedCPUSecs, &b.OverCPUSecs,
	)
	require.NoError(t, err)

	return b
}

func assocBucketAlloc(t *testing.T, s *store.Store, assocID, period int64) int64 {
	t.Helper()

	var alloc int64

	err := s.DB().QueryRow(
		"SELECT alloc_cpu_secs FROM usage_hour WHERE scope = ? AND scope_id = ? AND period_start = ?",
		models.ScopeAssoc, assocID, period,
	).Scan(&alloc)
	require.NoError(t, err)

	return alloc
}

func TestHourlyRollupFullHourJob(t *testing.T) {
	s, e, aliceID := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)
	insertJob(t, s, "c1", 1, aliceID, 0, 4, hourH, hourH+hourSecs)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	b := clusterBucket(t, s, "usage_hour", "c1", hourH)
	assert.Equal(t, int64(14400), b.AllocCPUSecs)
	assert.Equal(t, int64(0), b.IdleCPUSecs)
	assert.Equal(t, int64(4), b.CPUCount)

	assert.Equal(t, int64(14400), assocBucketAlloc(t, s, aliceID, hourH))
}

func TestHourlyRollupIdempotent(t *testing.T) {
	s, e, aliceID := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)
	insertJob(t, s, "c1", 1, aliceID, 0, 2, hourH, hourH+1800)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	first := clusterBucket(t, s, "usage_hour", "c1", hourH)
	firstAlloc := assocBucketAlloc(t, s, aliceID, hourH)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	assert.Equal(t, first, clusterBucket(t, s, "usage_hour", "c1", hourH))
	assert.Equal(t, firstAlloc, assocBucketAlloc(t, s, aliceID, hourH))

	var count int64

	err := s.DB().QueryRow(
		"SELECT COUNT(*) FROM usage_hour WHERE cluster = 'c1' AND period_start = ?", hourH,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count) // one cluster and one assoc bucket, no duplicates
}

func TestHourlyRollupTwoClustersSameHour(t *testing.T) {
	s, e, aliceID := setupRollup(t, "c1")
	ctx := context.Background()

	// A second cluster rolling the same hour keeps its own bucket rows
	err := s.WithTxn(ctx, "tester", func(txn *store.Txn) error {
		_, err := store.AddCluster(ctx, txn, "c2", 8)

		return err
	})
	require.NoError(t, err)

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)
	registerCluster(t, s, "c2", 8, hourH-hourSecs, 0)
	insertJob(t, s, "c1", 1, aliceID, 0, 4, hourH, hourH+hourSecs)

	require.NoError(t, e.RollUsage(ctx, "c1", hourH, hourH+hourSecs))
	require.NoError(t, e.RollUsage(ctx, "c2", hourH, hourH+hourSecs))

	b1 := clusterBucket(t, s, "usage_hour", "c1", hourH)
	assert.Equal(t, int64(4), b1.CPUCount)
	assert.Equal(t, int64(14400), b1.AllocCPUSecs)
	assert.Equal(t, int64(0), b1.IdleCPUSecs)

	b2 := clusterBucket(t, s, "usage_hour", "c2", hourH)
	assert.Equal(t, int64(8), b2.CPUCount)
	assert.Equal(t, int64(0), b2.AllocCPUSecs)
	assert.Equal(t, int64(28800), b2.IdleCPUSecs)

	var count int64

	err = s.DB().QueryRow(
		"SELECT COUNT(*) FROM usage_hour WHERE scope = ? AND period_start = ?",
		models.ScopeCluster, hourH,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestHourlyRollupDownTime(t *testing.T) {
	s, e, _ := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)

	// One node with two CPUs down for half the hour
	_, err := s.DB().Exec(
		"INSERT INTO events (cluster,node_name,cpu_count,time_start,time_end) VALUES ('c1','node0',2,?,?)",
		hourH, hourH+1800,
	)
	require.NoError(t, err)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	b := clusterBucket(t, s, "usage_hour", "c1", hourH)
	assert.Equal(t, int64(3600), b.DownCPUSecs)
	assert.Equal(t, int64(10800), b.IdleCPUSecs)
}

func TestHourlyRollupMaintenanceExcludedFromDown(t *testing.T) {
	s, e, _ := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)

	// Maintenance node event is ignored here; the matching maintenance
	// reservation carries the planned-down time instead
	_, err := s.DB().Exec(
		"INSERT INTO events (cluster,node_name,cpu_count,time_start,time_end,maintenance) VALUES ('c1','node0',2,?,?,1)",
		hourH, hourH+hourSecs,
	)
	require.NoError(t, err)

	_, err = s.DB().Exec(
		"INSERT INTO reservations (resv_id,cluster,cpu_count,time_start,time_end,maintenance) VALUES (1,'c1',2,?,?,1)",
		hourH, hourH+hourSecs,
	)
	require.NoError(t, err)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	b := clusterBucket(t, s, "usage_hour", "c1", hourH)
	assert.Equal(t, int64(0), b.DownCPUSecs)
	assert.Equal(t, int64(7200), b.PDownCPUSecs)
	assert.Equal(t, int64(7200), b.IdleCPUSecs)
}

func TestHourlyRollupReservationIdleRedistribution(t *testing.T) {
	s, e, aliceID := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)

	// Whole-hour reservation of all four CPUs held by alice
	assocs := models.Int64List{aliceID}

	_, err := s.DB().Exec(
		"INSERT INTO reservations (resv_id,cluster,cpu_count,time_start,time_end,assocs) VALUES (7,'c1',4,?,?,?)",
		hourH, hourH+hourSecs, assocs,
	)
	require.NoError(t, err)

	// Alice uses half of it
	insertJob(t, s, "c1", 1, aliceID, 7, 4, hourH, hourH+1800)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	// The cluster counted the whole reservation, not the job
	b := clusterBucket(t, s, "usage_hour", "c1", hourH)
	assert.Equal(t, int64(14400), b.AllocCPUSecs)
	assert.Equal(t, int64(0), b.IdleCPUSecs)

	// Alice got her job seconds plus the whole unused share
	assert.Equal(t, int64(14400), assocBucketAlloc(t, s, aliceID, hourH))
}

func TestHourlyRollupClampAndBorrow(t *testing.T) {
	s, e, aliceID := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)

	// Full-hour job plus half-hour two-CPU downtime overcommits the hour
	insertJob(t, s, "c1", 1, aliceID, 0, 4, hourH, hourH+hourSecs)

	_, err := s.DB().Exec(
		"INSERT INTO events (cluster,node_name,cpu_count,time_start,time_end) VALUES ('c1','node0',2,?,?)",
		hourH, hourH+1800,
	)
	require.NoError(t, err)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	b := clusterBucket(t, s, "usage_hour", "c1", hourH)
	assert.Equal(t, int64(0), b.IdleCPUSecs)
	assert.Equal(t, int64(0), b.ReservedCPUSecs)
	assert.Equal(t, int64(3600), b.OverCPUSecs)

	// Conservation: the recorded figures account for every second exactly,
	// with overcommit holding the irreducible excess
	total := int64(4 * 3600)
	sum := b.AllocCPUSecs + b.DownCPUSecs + b.PDownCPUSecs + b.IdleCPUSecs + b.ReservedCPUSecs
	assert.Equal(t, total+b.OverCPUSecs, sum)
}

func TestHourlyRollupSuspendExcluded(t *testing.T) {
	s, e, aliceID := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)
	insertJob(t, s, "c1", 1, aliceID, 0, 4, hourH, hourH+hourSecs)

	var jobDBID int64

	err := s.DB().QueryRow("SELECT id FROM jobs WHERE job_id = 1").Scan(&jobDBID)
	require.NoError(t, err)

	_, err = s.DB().Exec(
		"INSERT INTO suspends (job_db_id,time_start,time_end) VALUES (?,?,?)",
		jobDBID, hourH+600, hourH+1200,
	)
	require.NoError(t, err)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	// 600 suspended seconds at 4 CPUs removed from the allocation
	assert.Equal(t, int64(12000), assocBucketAlloc(t, s, aliceID, hourH))
}

func TestRollupWatermarkPersisted(t *testing.T) {
	s, e, _ := setupRollup(t, "c1")

	registerCluster(t, s, "c1", 4, hourH-hourSecs, 0)

	require.NoError(t, e.RollUsage(context.Background(), "c1", hourH, hourH+hourSecs))

	var hourly int64

	err := s.DB().QueryRow("SELECT hourly FROM rollup_watermarks WHERE cluster = 'c1'").Scan(&hourly)
	require.NoError(t, err)
	assert.Equal(t, hourH+hourSecs, hourly)
}

func TestDailyCascade(t *testing.T) {
	s, e, _ := setupRollup(t, "c1")

	// A quiet registered day: everything rolls up as idle
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local)
	dayEnd := time.Date(2024, 3, 2, 0, 0, 0, 0, time.Local)

	registerCluster(t, s, "c1", 4, day.Add(-24*time.Hour).Unix(), 0)

	// Roll past the day boundary so the daily cascade fires
	require.NoError(t, e.RollUsage(context.Background(), "c1", day.Unix(), dayEnd.Add(time.Hour).Unix()))

	b := clusterBucket(t, s, "usage_day", "c1", day.Unix())
	assert.Equal(t, int64(0), b.AllocCPUSecs)
	assert.Equal(t, int64(24*3600*4), b.IdleCPUSecs)

	var daily int64

	err := s.DB().QueryRow("SELECT daily FROM rollup_watermarks WHERE cluster = 'c1'").Scan(&daily)
	require.NoError(t, err)
	assert.Equal(t, dayEnd.Unix(), daily)
}

func TestRollUsageUnknownCluster(t *testing.T) {
	_, e, _ := setupRollup(t, "c1")

	err := e.RollUsage(context.Background(), "ghost", hourH, hourH+hourSecs)
	assert.ErrorIs(t, err, store.ErrClusterNotRegistered)
}
