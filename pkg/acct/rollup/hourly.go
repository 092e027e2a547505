package rollup

import (
	"context"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// clusterTally accumulates the cluster-scope figures of one hour window.
type clusterTally struct {
	cpuCount int64
	total    int64
	alloc    int64
	down     int64
	pdown    int64
	idle     int64
	reserved int64
	over     int64
}

// resvTally tracks one reservation's available and consumed seconds inside
// the window together with the associations eligible to use it.
type resvTally struct {
	total  int64
	used   int64
	assocs models.Int64List
}

// clamp returns the overlap seconds of [s, e) with the window [ws, we).
// An end of zero means still open and extends past the window.
func clamp(s, e, ws, we int64) int64 {
	if e == 0 || e > we {
		e = we
	}

	if s < ws {
		s = ws
	}

	if e <= s {
		return 0
	}

	return e - s
}

// rollHour computes and upserts the hourly buckets of one window [ws, we).
func (e *Engine) rollHour(ctx context.Context, txn *store.Txn, cluster string, ws, we int64) error {
	var c clusterTally

	assocAlloc := make(map[int64]int64)
	wckeyAlloc := make(map[int64]int64)
	resvs := make(map[int64]*resvTally)

	// Step 1: cluster registrations define total_time and the active CPU
	// count; non-maintenance node-down events contribute down time.
	// Maintenance downtime is modeled as a reservation and handled there.
	rows, err := txn.Query(
		ctx,
		`SELECT node_name, cpu_count, time_start, time_end, maintenance FROM events
			WHERE cluster = ? AND time_start < ? AND (time_end = 0 OR time_end > ?) AND deleted = 0
			ORDER BY time_start`,
		cluster, we, ws,
	)
	if err != nil {
		return err
	}

	for rows.Next() {
		var (
			nodeName            string
			cpus, ts, te, maint int64
		)

		if err := rows.Scan(&nodeName, &cpus, &ts, &te, &maint); err != nil {
			rows.Close()

			return err
		}

		secs := clamp(ts, te, ws, we)

		if nodeName == "" {
			c.total += secs * cpus
			c.cpuCount = cpus
		} else if maint == 0 {
			c.down += secs * cpus
		}
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	// Step 2: each reservation's overlap counts toward planned-down
	// (maintenance) or alloc (otherwise). Overlapping reservations are not
	// deduplicated; the resulting overstatement is a known limitation.
	rows, err = txn.Query(
		ctx,
		`SELECT resv_id, cpu_count, time_start, time_end, maintenance, assocs FROM reservations
			WHERE cluster = ? AND time_start < ? AND (time_end = 0 OR time_end > ?) AND deleted = 0`,
		cluster, we, ws,
	)
	if err != nil {
		return err
	}

	for rows.Next() {
		var (
			resvID, cpus, ts, te, maint int64
			assocs                      models.Int64List
		)

		if err := rows.Scan(&resvID, &cpus, &ts, &te, &maint, &assocs); err != nil {
			rows.Close()

			return err
		}

		secs := clamp(ts, te, ws, we) * cpus
		if secs == 0 {
			continue
		}

		if maint != 0 {
			c.pdown += secs
		} else {
			c.alloc += secs
		}

		tally, ok := resvs[resvID]
		if !ok {
			tally = &resvTally{assocs: assocs}
			resvs[resvID] = tally
		}

		tally.total += secs
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	// Step 3: job seconds minus suspend overlap. Jobs under a reservation
	// feed that reservation's tally (the cluster already counted the whole
	// reservation in step 2); others feed the cluster alloc directly.
	// Either way the association and wckey buckets get the seconds.
	rows, err = txn.Query(
		ctx,
		`SELECT id, id_assoc, id_wckey, id_resv, alloc_cpus, req_cpus, time_eligible, time_start, time_end
			FROM jobs
			WHERE cluster = ? AND time_eligible < ? AND (time_end = 0 OR time_end > ?) AND deleted = 0`,
		cluster, we, ws,
	)
	if err != nil {
		return err
	}

	type jobRow struct {
		dbID, assocID, wckeyID, resvID      int64
		allocCPUs, reqCPUs                  int64
		timeEligible, timeStart, timeEnd    int64
	}

	var jobs []jobRow

	for rows.Next() {
		var j jobRow
		if err := rows.Scan(
			&j.dbID, &j.assocID, &j.wckeyID, &j.resvID,
			&j.allocCPUs, &j.reqCPUs, &j.timeEligible, &j.timeStart, &j.timeEnd,
		); err != nil {
			rows.Close()

			return err
		}

		jobs = append(jobs, j)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	for _, j := range jobs {
		if j.timeStart > 0 {
			runSecs := clamp(j.timeStart, j.timeEnd, ws, we)
			if runSecs > 0 {
				suspended, err := suspendOverlap(ctx, txn, j.dbID, ws, we)
				if err != nil {
					return err
				}

				if suspended > runSecs {
					suspended = runSecs
				}

				secs := (runSecs - suspended) * j.allocCPUs

				if tally, ok := resvs[j.resvID]; j.resvID != 0 && ok {
					tally.used += secs
				} else {
					c.alloc += secs
				}

				assocAlloc[j.assocID] += secs

				if j.wckeyID != 0 {
					wckeyAlloc[j.wckeyID] += secs
				}
			}
		}

		// Scheduling delay between eligible and start counts as reserved
		// time for jobs outside reservations
		if j.resvID == 0 {
			waitEnd := j.timeStart
			if waitEnd == 0 || waitEnd > we {
				waitEnd = we
			}

			if waitSecs := clamp(j.timeEligible, waitEnd, ws, we); waitSecs > 0 {
				c.reserved += waitSecs * j.reqCPUs
			}
		}
	}

	// Step 4: reservation time the jobs did not consume is handed out
	// evenly across the reservation's associations. A heuristic, not exact
	// accounting.
	for _, tally := range resvs {
		idle := tally.total - tally.used
		if idle <= 0 || len(tally.assocs) == 0 {
			continue
		}

		share := idle / int64(len(tally.assocs))
		for _, assocID := range tally.assocs {
			assocAlloc[assocID] += share
		}
	}

	// Step 5: ordered clamp-and-borrow reconciliation. The order is load
	// bearing: idle borrows from reserved before overcommit absorbs the
	// rest.
	if c.alloc > c.total {
		e.logger.Warn("Cluster alloc exceeds total time, clamping",
			"cluster", cluster, "window_start", ws, "alloc", c.alloc, "total", c.total)

		c.alloc = c.total
	}

	c.idle = c.total - (c.alloc + c.down + c.pdown + c.reserved)
	if c.idle < 0 {
		c.reserved += c.idle
		c.idle = 0

		if c.reserved < 0 {
			c.over = -c.reserved
			c.reserved = 0
		}
	}

	// Step 6: idempotent upserts per (scope, scope_id, period_start)
	if err := upsertBucket(ctx, txn, "usage_hour", models.UsageBucket{
		Scope: models.ScopeCluster, Cluster: cluster, PeriodStart: ws,
		CPUCount: c.cpuCount, AllocCPUSecs: c.alloc, DownCPUSecs: c.down,
		PDownCPUSecs: c.pdown, IdleCPUSecs: c.idle, ReservedCPUSecs: c.reserved,
		OverCPUSecs: c.over,
	}); err != nil {
		return err
	}

	for assocID, secs := range assocAlloc {
		if err := upsertBucket(ctx, txn, "usage_hour", models.UsageBucket{
			Scope: models.ScopeAssoc, ScopeID: assocID, Cluster: cluster,
			PeriodStart: ws, CPUCount: c.cpuCount, AllocCPUSecs: secs,
		}); err != nil {
			return err
		}
	}

	for wckeyID, secs := range wckeyAlloc {
		if err := upsertBucket(ctx, txn, "usage_hour", models.UsageBucket{
			Scope: models.ScopeWCKey, ScopeID: wckeyID, Cluster: cluster,
			PeriodStart: ws, CPUCount: c.cpuCount, AllocCPUSecs: secs,
		}); err != nil {
			return err
		}
	}

	return nil
}

// suspendOverlap returns the seconds a job spent suspended inside [ws, we).
func suspendOverlap(ctx context.Context, txn *store.Txn, jobDBID, ws, we int64) (int64, error) {
	rows, err := txn.Query(
		ctx,
		"SELECT time_start, time_end FROM suspends WHERE job_db_id = ? AND time_start < ? AND (time_end = 0 OR time_end > ?)",
		jobDBID, we, ws,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var total int64

	for rows.Next() {
		var ts, te int64
		if err := rows.Scan(&ts, &te); err != nil {
			return 0, err
		}

		total += clamp(ts, te, ws, we)
	}

	return total, rows.Err()
}

// upsertBucket writes one usage bucket row, overwriting a previous row of
// the same (cluster, scope, scope_id, period_start).
func upsertBucket(ctx context.Context, txn *store.Txn, table string, b models.UsageBucket) error {
	_, err := txn.Upsert(
		ctx,
		`INSERT INTO `+table+` (scope,scope_id,cluster,period_start,cpu_count,
			alloc_cpu_secs,down_cpu_secs,pdown_cpu_secs,idle_cpu_secs,reserved_cpu_secs,over_cpu_secs)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		[]any{
			b.Scope, b.ScopeID, b.Cluster, b.PeriodStart, b.CPUCount,
			b.AllocCPUSecs, b.DownCPUSecs, b.PDownCPUSecs, b.IdleCPUSecs,
			b.ReservedCPUSecs, b.OverCPUSecs,
		},
		`UPDATE `+table+` SET cpu_count = ?, alloc_cpu_secs = ?, down_cpu_secs = ?,
			pdown_cpu_secs = ?, idle_cpu_secs = ?, reserved_cpu_secs = ?, over_cpu_secs = ?, deleted = 0
			WHERE cluster = ? AND scope = ? AND scope_id = ? AND period_start = ?`,
		[]any{
			b.CPUCount, b.AllocCPUSecs, b.DownCPUSecs, b.PDownCPUSecs,
			b.IdleCPUSecs, b.ReservedCPUSecs, b.OverCPUSecs,
			b.Cluster, b.Scope, b.ScopeID, b.PeriodStart,
		},
	)

	return err
}
