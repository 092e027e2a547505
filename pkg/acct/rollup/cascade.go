package rollup

import (
	"context"
	"time"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// dayStart returns the start of the local calendar day containing t. The
// time.Date round trip normalizes DST transitions so days are 23 or 25
// wall hours where the local zone says so.
func dayStart(t int64) time.Time {
	lt := time.Unix(t, 0).Local()

	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.Local)
}

func nextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.Local)
}

// monthStart returns the start of the local calendar month containing t.
func monthStart(t int64) time.Time {
	lt := time.Unix(t, 0).Local()

	return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, time.Local)
}

func nextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.Local)
}

// rollDays aggregates hourly buckets into daily buckets for every complete
// local calendar day ending at or before the hourly watermark. It returns
// the new daily watermark.
func (e *Engine) rollDays(ctx context.Context, txn *store.Txn, cluster string, dailyWM, hourlyWM int64) (int64, error) {
	start := dailyWM
	if start == 0 {
		var err error
		if start, err = earliestBucket(ctx, txn, "usage_hour", cluster); err != nil {
			return dailyWM, err
		}

		if start == 0 {
			return dailyWM, nil // no hourly data yet
		}
	}

	day := dayStart(start)

	for {
		end := nextDay(day)
		if end.Unix() > hourlyWM {
			break
		}

		if err := aggregateWindow(ctx, txn, "usage_hour", "usage_day", cluster, day.Unix(), end.Unix()); err != nil {
			return dailyWM, err
		}

		rollupPasses.WithLabelValues(cluster, "day").Inc()

		dailyWM = end.Unix()
		day = end
	}

	return dailyWM, nil
}

// rollMonths aggregates daily buckets into monthly buckets for every
// complete local calendar month ending at or before the daily watermark.
func (e *Engine) rollMonths(ctx context.Context, txn *store.Txn, cluster string, monthlyWM, dailyWM int64) (int64, error) {
	start := monthlyWM
	if start == 0 {
		var err error
		if start, err = earliestBucket(ctx, txn, "usage_day", cluster); err != nil {
			return monthlyWM, err
		}

		if start == 0 {
			return monthlyWM, nil
		}
	}

	month := monthStart(start)

	for {
		end := nextMonth(month)
		if end.Unix() > dailyWM {
			break
		}

		if err := aggregateWindow(ctx, txn, "usage_day", "usage_month", cluster, month.Unix(), end.Unix()); err != nil {
			return monthlyWM, err
		}

		rollupPasses.WithLabelValues(cluster, "month").Inc()

		monthlyWM = end.Unix()
		month = end
	}

	return monthlyWM, nil
}

func earliestBucket(ctx context.Context, txn *store.Txn, table, cluster string) (int64, error) {
	var earliest int64

	err := txn.QueryRow(
		ctx,
		"SELECT COALESCE(MIN(period_start), 0) FROM "+table+" WHERE cluster = ?",
		cluster,
	).Scan(&earliest)

	return earliest, err
}

// aggregateWindow sums the finer-granularity buckets of [ws, we) per
// (scope, scope_id) and upserts the result into the coarser table with the
// window start as the bucket period.
func aggregateWindow(ctx context.Context, txn *store.Txn, from, to, cluster string, ws, we int64) error {
	rows, err := txn.Query(
		ctx,
		`SELECT scope, scope_id, MAX(cpu_count),
			SUM(alloc_cpu_secs), SUM(down_cpu_secs), SUM(pdown_cpu_secs),
			SUM(idle_cpu_secs), SUM(reserved_cpu_secs), SUM(over_cpu_secs)
			FROM `+from+`
			WHERE cluster = ? AND period_start >= ? AND period_start < ? AND deleted = 0
			GROUP BY scope, scope_id`,
		cluster, ws, we,
	)
	if err != nil {
		return err
	}

	var buckets []models.UsageBucket

	for rows.Next() {
		b := models.UsageBucket{Cluster: cluster, PeriodStart: ws}

		if err := rows.Scan(
			&b.Scope, &b.ScopeID, &b.CPUCount,
			&b.AllocCPUSecs, &b.DownCPUSecs, &b.PDownCPUSecs,
			&b.IdleCPUSecs, &b.ReservedCPUSecs, &b.OverCPUSecs,
		); err != nil {
			rows.Close()

			return err
		}

		buckets = append(buckets, b)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	for _, b := range buckets {
		if err := upsertBucket(ctx, txn, to, b); err != nil {
			return err
		}
	}

	return nil
}
